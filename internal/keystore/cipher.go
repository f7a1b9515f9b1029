package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

const (
	masterKeySize = 32
	gcmIVSize     = 12
	kekSaltSize   = 16
)

// Argon2id parameters for deriving the key-encryption key from the store
// passphrase. OWASP interactive-login profile.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// recordCipher wraps every secret column with AES-256-GCM under the store's
// master key. A fresh random 96-bit IV is generated per seal and prepended
// to the ciphertext.
type recordCipher struct {
	aead cipher.AEAD
}

func newRecordCipher(masterKey []byte) (*recordCipher, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes", masterKeySize)
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &recordCipher{aead: aead}, nil
}

// seal returns iv || ciphertext. A nil plaintext seals to nil so optional
// secret columns stay NULL.
func (c *recordCipher) seal(plaintext []byte) ([]byte, error) {
	if plaintext == nil {
		return nil, nil
	}
	iv := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return c.aead.Seal(iv, iv, plaintext, nil), nil
}

// open reverses seal. Tampered or corrupt rows fail with ErrDecryptionFailed.
func (c *recordCipher) open(blob []byte) ([]byte, error) {
	if blob == nil {
		return nil, nil
	}
	if len(blob) < gcmIVSize {
		return nil, fmt.Errorf("%w: stored secret truncated", e2ee.ErrDecryptionFailed)
	}
	plaintext, err := c.aead.Open(nil, blob[:gcmIVSize], blob[gcmIVSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: stored secret", e2ee.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// wrapMasterKey encrypts a fresh master key under an Argon2id KEK derived
// from the passphrase. The blob layout is salt || iv || ciphertext.
func wrapMasterKey(masterKey []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, kekSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	kek := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, masterKeySize)
	defer e2ee.Wipe(kek)

	kc, err := newRecordCipher(kek)
	if err != nil {
		return nil, err
	}
	sealed, err := kc.seal(masterKey)
	if err != nil {
		return nil, err
	}
	return append(salt, sealed...), nil
}

// unwrapMasterKey reverses wrapMasterKey. A wrong passphrase surfaces as
// ErrDecryptionFailed.
func unwrapMasterKey(blob []byte, passphrase string) ([]byte, error) {
	if len(blob) < kekSaltSize+gcmIVSize {
		return nil, fmt.Errorf("%w: master key blob truncated", e2ee.ErrDecryptionFailed)
	}
	salt := blob[:kekSaltSize]
	kek := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, masterKeySize)
	defer e2ee.Wipe(kek)

	kc, err := newRecordCipher(kek)
	if err != nil {
		return nil, err
	}
	return kc.open(blob[kekSaltSize:])
}

// newMasterKey generates 32 random bytes.
func newMasterKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return key, nil
}
