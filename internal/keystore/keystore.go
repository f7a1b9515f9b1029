// Package keystore persists identity, prekey, and session material for the
// encryption core. Secret-bearing fields are encrypted at rest under a
// per-store master key; public keys and signatures are stored verbatim.
package keystore

import (
	"time"
)

// IdentityRecord is the local user's identity. The seed is the only secret;
// both key pairs are deterministically re-derived from it on load.
type IdentityRecord struct {
	Seed        []byte // 32 bytes, secret
	SigningKey  []byte // Ed25519 public key
	IdentityKey []byte // X25519 public key
	Fingerprint string
	CreatedAt   time.Time
}

// SignedPreKeyRecord is a medium-lived X25519 pair signed by the identity's
// Ed25519 key.
type SignedPreKeyRecord struct {
	KeyID     uint32
	PublicKey []byte
	SecretKey []byte // secret
	Signature []byte
	CreatedAt time.Time
	Uploaded  bool
}

// OneTimePreKeyRecord is a single-use X25519 pair.
type OneTimePreKeyRecord struct {
	KeyID     uint32
	PublicKey []byte
	SecretKey []byte // secret
	CreatedAt time.Time
	Uploaded  bool
	Consumed  bool
}

// Session status values.
const (
	SessionPending = "pending"
	SessionReady   = "ready"
	SessionError   = "error"
)

// SessionRecord is the durable form of one pairwise session. RatchetState is
// the serialized Double Ratchet state (secret; encrypted at rest).
type SessionRecord struct {
	SessionID            string
	PeerID               string
	RemoteIdentityKey    []byte // X25519
	RemoteSigningKey     []byte // Ed25519
	RemoteSignedPreKey   []byte
	RemoteSignedPreKeyID uint32
	RemoteFingerprint    string
	UsedOneTimePreKeyID  *uint32
	// LocalEphemeralPub/Secret is the initiator's X3DH ephemeral pair. It is
	// kept so the prelude can be rebuilt across restarts until the peer
	// acknowledges the session; the DH ratchet never uses it again.
	LocalEphemeralPub    []byte
	LocalEphemeralSecret []byte // secret
	Status               string
	LastError            string
	// PreludeAcked is set once the peer has demonstrably received the X3DH
	// prelude (any successful inbound decrypt); outbound envelopes stop
	// carrying it afterwards.
	PreludeAcked bool
	RatchetState []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Metadata holds per-user counters and bookkeeping.
type Metadata struct {
	NextPreKeyID       uint32
	LastSignedPreKeyID uint32
	LastUploadAt       time.Time
	SchemaVersion      int
}

// Store is the persistence interface for the encryption core. Each operation
// is atomic with respect to its table; callers serialize cross-table updates
// themselves.
type Store interface {
	LoadIdentity() (*IdentityRecord, error)
	SaveIdentity(rec *IdentityRecord) error

	LoadCurrentSignedPreKey() (*SignedPreKeyRecord, error)
	LoadSignedPreKey(keyID uint32) (*SignedPreKeyRecord, error)
	SaveSignedPreKey(rec *SignedPreKeyRecord) error
	MarkSignedPreKeyUploaded(keyID uint32) error

	SaveOneTimePreKeys(batch []*OneTimePreKeyRecord) error
	PendingOneTimePreKeys(limit int) ([]*OneTimePreKeyRecord, error)
	MarkOneTimePreKeysUploaded(ids []uint32) error
	// ConsumeOneTimePreKey marks the prekey consumed and deletes its secret
	// key, returning the record one last time. A second consume of the same
	// id fails with e2ee.ErrOpkAlreadyConsumed.
	ConsumeOneTimePreKey(keyID uint32) (*OneTimePreKeyRecord, error)
	CountOneTimePreKeys() (int, error)

	SaveSession(rec *SessionRecord) error
	LoadSession(peerID string) (*SessionRecord, error)
	ListSessions() ([]*SessionRecord, error)
	DeleteSession(peerID string) error

	// AllocatePrekeyIDs atomically reserves n contiguous key ids and returns
	// the first. Ids are strictly monotonic for the lifetime of the store.
	AllocatePrekeyIDs(n int) (uint32, error)

	Metadata() (*Metadata, error)
	UpdateMetadata(patch func(*Metadata)) error

	// Reset destroys identity, prekeys, and sessions. The master key
	// survives so new material can be written immediately.
	Reset() error
	Close() error
}
