package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/jaydenbeard/securechat/internal/e2ee"
	"github.com/jaydenbeard/securechat/internal/keymanager"
	"github.com/jaydenbeard/securechat/internal/keystore"
)

// X3DH derivation constants. The salt label is zero-padded to 32 bytes.
const (
	x3dhSaltLabel = "WhatsAppCloneX3DH"
	x3dhInfo      = "SharedSecret"
)

func x3dhSalt() []byte {
	salt := make([]byte, 32)
	copy(salt, x3dhSaltLabel)
	return salt
}

// x3dhResult is the initiator's output: the shared secret plus the ephemeral
// pair the responder needs echoed in the prelude.
type x3dhResult struct {
	sharedSecret        []byte
	ephemeralPub        []byte
	ephemeralSecret     []byte
	usedOneTimePreKeyID *uint32
}

// x3dhInitiate runs the initiator side of X3DH against a fetched bundle.
// The signed prekey signature is verified before any DH is computed.
func x3dhInitiate(id *keymanager.Identity, bundle *e2ee.PreKeyBundle) (*x3dhResult, error) {
	identityKey, err := decodeBundleKey(bundle.IdentityKey)
	if err != nil {
		return nil, err
	}
	signingKey, err := decodeBundleKey(bundle.SigningKey)
	if err != nil {
		return nil, err
	}
	spk, err := decodeBundleKey(bundle.SignedPreKey.Public)
	if err != nil {
		return nil, err
	}
	signature, err := decodeSignature(bundle.SignedPreKey.Signature)
	if err != nil {
		return nil, err
	}

	if !ed25519.Verify(ed25519.PublicKey(signingKey), spk, signature) {
		return nil, e2ee.ErrBundleUnverified
	}

	ekSecret, ekPub, err := generateEphemeral()
	if err != nil {
		return nil, err
	}

	dh1, err := id.DH(spk)
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(ekSecret, identityKey)
	if err != nil {
		return nil, fmt.Errorf("x3dh dh2: %w", err)
	}
	dh3, err := curve25519.X25519(ekSecret, spk)
	if err != nil {
		return nil, fmt.Errorf("x3dh dh3: %w", err)
	}

	ikm := make([]byte, 0, 4*32)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	result := &x3dhResult{ephemeralPub: ekPub, ephemeralSecret: ekSecret}
	if bundle.OneTimePreKey != nil {
		opk, err := decodeBundleKey(bundle.OneTimePreKey.Public)
		if err != nil {
			return nil, err
		}
		dh4, err := curve25519.X25519(ekSecret, opk)
		if err != nil {
			return nil, fmt.Errorf("x3dh dh4: %w", err)
		}
		ikm = append(ikm, dh4...)
		e2ee.Wipe(dh4)
		opkID := bundle.OneTimePreKey.KeyID
		result.usedOneTimePreKeyID = &opkID
	}

	result.sharedSecret, err = deriveSharedSecret(ikm)
	e2ee.Wipe(dh1)
	e2ee.Wipe(dh2)
	e2ee.Wipe(dh3)
	e2ee.Wipe(ikm)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// x3dhRespond runs the responder side, flipping each DH. opk is nil when the
// initiator had no one-time prekey available.
func x3dhRespond(id *keymanager.Identity, spk *keystore.SignedPreKeyRecord, opk *keystore.OneTimePreKeyRecord, remoteIdentityKey, remoteEphemeral []byte) ([]byte, error) {
	dh1, err := curve25519.X25519(spk.SecretKey, remoteIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("x3dh dh1: %w", err)
	}
	dh2, err := id.DH(remoteEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(spk.SecretKey, remoteEphemeral)
	if err != nil {
		return nil, fmt.Errorf("x3dh dh3: %w", err)
	}

	ikm := make([]byte, 0, 4*32)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	if opk != nil {
		dh4, err := curve25519.X25519(opk.SecretKey, remoteEphemeral)
		if err != nil {
			return nil, fmt.Errorf("x3dh dh4: %w", err)
		}
		ikm = append(ikm, dh4...)
		e2ee.Wipe(dh4)
	}

	sk, err := deriveSharedSecret(ikm)
	e2ee.Wipe(dh1)
	e2ee.Wipe(dh2)
	e2ee.Wipe(dh3)
	e2ee.Wipe(ikm)
	return sk, err
}

func deriveSharedSecret(ikm []byte) ([]byte, error) {
	sk := make([]byte, 32)
	r := hkdf.New(sha256.New, ikm, x3dhSalt(), []byte(x3dhInfo))
	if _, err := io.ReadFull(r, sk); err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	return sk, nil
}

func generateEphemeral() (secret, public []byte, err error) {
	secret = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	secret[0] &= 248
	secret[31] &= 127
	secret[31] |= 64
	public, err = curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	return secret, public, nil
}

func decodeBundleKey(s string) ([]byte, error) {
	b, err := decodeHex(s)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("%w: bad bundle key", e2ee.ErrBundleUnverified)
	}
	return b, nil
}

func decodeSignature(s string) ([]byte, error) {
	b, err := decodeBase64(s)
	if err != nil || len(b) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: bad signature encoding", e2ee.ErrBundleUnverified)
	}
	return b, nil
}
