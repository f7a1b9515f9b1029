package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info labels. The root label keys the DH ratchet; the key and nonce
// labels derive per-message AEAD parameters from a message key.
const (
	rootInfo  = "DR-root"
	keyInfo   = "DR-key"
	nonceInfo = "DR-nonce"
)

// kdfRoot advances the root chain: HKDF-SHA256 with the DH output as input
// keying material and the current root key as salt, producing a new root key
// and a chain key.
func kdfRoot(rootKey, dhOut []byte) (newRootKey, chainKey []byte) {
	out := make([]byte, 64)
	r := hkdf.New(sha256.New, dhOut, rootKey, []byte(rootInfo))
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF over SHA-256 cannot fail for a 64-byte read.
		panic(err)
	}
	return out[:32:32], out[32:64:64]
}

// kdfChain advances a sending or receiving chain one step.
// messageKey = HMAC-SHA256(ck, 0x01); nextChainKey = HMAC-SHA256(ck, 0x02).
func kdfChain(chainKey []byte) (nextChainKey, messageKey []byte) {
	h := hmac.New(sha256.New, chainKey)
	h.Write([]byte{0x01})
	messageKey = h.Sum(nil)

	h = hmac.New(sha256.New, chainKey)
	h.Write([]byte{0x02})
	nextChainKey = h.Sum(nil)
	return nextChainKey, messageKey
}

// deriveMessageCipher derives the XSalsa20-Poly1305 key and nonce for one
// message. The canonical header encoding enters both derivations as the
// HKDF salt, binding the header to the ciphertext: any header change yields
// a different key and the open fails.
func deriveMessageCipher(messageKey, associatedData []byte, key *[32]byte, nonce *[24]byte) {
	r := hkdf.New(sha256.New, messageKey, associatedData, []byte(keyInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		panic(err)
	}
	r = hkdf.New(sha256.New, messageKey, associatedData, []byte(nonceInfo))
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		panic(err)
	}
}
