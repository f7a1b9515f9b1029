package keymanager

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

// HKDF labels for the two key pairs derived from the identity seed.
const (
	signLabel = "identity-sign"
	dhLabel   = "identity-x25519"
)

// Identity is the local user's long-lived key material: an Ed25519 signing
// pair for prekey signatures and an X25519 pair for key agreement, both
// deterministically derived from one 32-byte seed.
type Identity struct {
	SigningKey   ed25519.PublicKey
	signingPriv  ed25519.PrivateKey
	IdentityKey  []byte // X25519 public
	identityPriv []byte
	Fingerprint  string
}

// DeriveIdentity derives both key pairs and the fingerprint from a seed.
func DeriveIdentity(seed []byte) (*Identity, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("identity seed must be 32 bytes, got %d", len(seed))
	}

	signSeed, err := expand(seed, signLabel)
	if err != nil {
		return nil, err
	}
	signingPriv := ed25519.NewKeyFromSeed(signSeed)
	e2ee.Wipe(signSeed)

	dhPriv, err := expand(seed, dhLabel)
	if err != nil {
		return nil, err
	}
	dhPriv[0] &= 248
	dhPriv[31] &= 127
	dhPriv[31] |= 64
	dhPub, err := curve25519.X25519(dhPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive identity public key: %w", err)
	}

	return &Identity{
		SigningKey:   signingPriv.Public().(ed25519.PublicKey),
		signingPriv:  signingPriv,
		IdentityKey:  dhPub,
		identityPriv: dhPriv,
		Fingerprint:  FormatFingerprint(dhPub),
	}, nil
}

func expand(seed []byte, label string) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, seed, nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", label, err)
	}
	return out, nil
}

// Sign signs message with the identity's Ed25519 key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.signingPriv, message)
}

// DH computes the X25519 shared value between the identity key and a peer
// public key.
func (id *Identity) DH(peerPublic []byte) ([]byte, error) {
	out, err := curve25519.X25519(id.identityPriv, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("identity dh: %w", err)
	}
	return out, nil
}

// Wipe scrubs the private halves.
func (id *Identity) Wipe() {
	e2ee.Wipe(id.signingPriv)
	e2ee.Wipe(id.identityPriv)
}

// FormatFingerprint renders SHA-256 of an identity public key as lowercase
// hex in 4-character groups for human comparison.
func FormatFingerprint(identityKey []byte) string {
	sum := sha256.Sum256(identityKey)
	h := hex.EncodeToString(sum[:])
	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, " ")
}
