package e2ee

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EnvelopePrefix tags an encrypted payload on the wire. Everything after the
// prefix is a JSON envelope.
const EnvelopePrefix = "E2EE:"

// EnvelopeVersion is the current wire version. Bumped if the envelope ever
// migrates to a compact binary form.
const EnvelopeVersion = 1

// Header is the Double Ratchet message header in wire form.
type Header struct {
	// DH is the sender's current ratchet public key, lowercase hex.
	DH string `json:"dh"`
	// PN is the length of the sender's previous sending chain.
	PN uint32 `json:"pn"`
	// N is the message number within the current sending chain.
	N uint32 `json:"n"`
}

// X3DHPrelude rides on the first message(s) of a new session so the
// responder can reconstruct the shared secret.
type X3DHPrelude struct {
	// IdentityKey is the initiator's X25519 identity public key, hex.
	IdentityKey string `json:"ik"`
	// SigningKey is the initiator's Ed25519 verification key, hex.
	SigningKey string `json:"sk_sign"`
	// EphemeralKey is the initiator's X3DH ephemeral public key, hex.
	EphemeralKey string `json:"ek"`
	// SignedPreKeyID identifies which of the responder's signed prekeys the
	// initiator used.
	SignedPreKeyID uint32 `json:"spk_id"`
	// OneTimePreKeyID identifies the consumed one-time prekey, if any.
	OneTimePreKeyID *uint32 `json:"opk_id"`
}

// Envelope is the versioned wire form of one encrypted message.
type Envelope struct {
	Version    int          `json:"v"`
	Ciphertext string       `json:"ciphertext"`
	Header     Header       `json:"header"`
	X3DH       *X3DHPrelude `json:"x3dh,omitempty"`
}

// MarshalEnvelope serializes an envelope to its textual wire form.
func MarshalEnvelope(env *Envelope) (string, error) {
	if env.Version == 0 {
		env.Version = EnvelopeVersion
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return EnvelopePrefix + string(data), nil
}

// ParseEnvelope parses and validates a textual envelope. Any malformed field
// yields ErrInvalidHeader; the message should be dropped.
func ParseEnvelope(raw string) (*Envelope, error) {
	if !strings.HasPrefix(raw, EnvelopePrefix) {
		return nil, fmt.Errorf("%w: missing prefix", ErrInvalidHeader)
	}
	env := &Envelope{}
	if err := json.Unmarshal([]byte(raw[len(EnvelopePrefix):]), env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, env.Version)
	}
	if _, err := env.CiphertextBytes(); err != nil {
		return nil, err
	}
	if _, err := env.Header.DHBytes(); err != nil {
		return nil, err
	}
	if env.X3DH != nil {
		if err := env.X3DH.validate(); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// CiphertextBytes decodes the base64 ciphertext.
func (e *Envelope) CiphertextBytes() ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrInvalidHeader)
	}
	if len(ct) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrInvalidHeader)
	}
	return ct, nil
}

// DHBytes decodes the ratchet public key from the header.
func (h *Header) DHBytes() ([]byte, error) {
	return decodeKey(h.DH, "header dh")
}

func (p *X3DHPrelude) validate() error {
	if _, err := decodeKey(p.IdentityKey, "prelude identity key"); err != nil {
		return err
	}
	if _, err := decodeKey(p.SigningKey, "prelude signing key"); err != nil {
		return err
	}
	if _, err := decodeKey(p.EphemeralKey, "prelude ephemeral key"); err != nil {
		return err
	}
	return nil
}

// IdentityKeyBytes decodes the initiator's X25519 identity key.
func (p *X3DHPrelude) IdentityKeyBytes() []byte {
	b, _ := decodeKey(p.IdentityKey, "")
	return b
}

// SigningKeyBytes decodes the initiator's Ed25519 verification key.
func (p *X3DHPrelude) SigningKeyBytes() []byte {
	b, _ := decodeKey(p.SigningKey, "")
	return b
}

// EphemeralKeyBytes decodes the initiator's ephemeral public key.
func (p *X3DHPrelude) EphemeralKeyBytes() []byte {
	b, _ := decodeKey(p.EphemeralKey, "")
	return b
}

func decodeKey(s, field string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("%w: bad %s", ErrInvalidHeader, field)
	}
	return b, nil
}

// EncodeKey renders a 32-byte public key in the envelope's hex form.
func EncodeKey(b []byte) string {
	return hex.EncodeToString(b)
}

// EncodeCiphertext renders ciphertext in the envelope's base64 form.
func EncodeCiphertext(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
