package keystore

import (
	"sort"
	"sync"
	"time"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

// MemoryStore is an in-memory Store used by tests and the demo client. It
// keeps records unencrypted: nothing is at rest.
type MemoryStore struct {
	mu             sync.Mutex
	identity       *IdentityRecord
	signedPreKeys  map[uint32]*SignedPreKeyRecord
	oneTimePreKeys map[uint32]*OneTimePreKeyRecord
	sessions       map[string]*SessionRecord
	meta           Metadata
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		signedPreKeys:  make(map[uint32]*SignedPreKeyRecord),
		oneTimePreKeys: make(map[uint32]*OneTimePreKeyRecord),
		sessions:       make(map[string]*SessionRecord),
		meta:           Metadata{NextPreKeyID: 1, SchemaVersion: schemaVersion},
	}
}

func (m *MemoryStore) LoadIdentity() (*IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil, e2ee.ErrNotFound
	}
	cp := *m.identity
	cp.Seed = append([]byte(nil), m.identity.Seed...)
	return &cp, nil
}

func (m *MemoryStore) SaveIdentity(rec *IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Seed = append([]byte(nil), rec.Seed...)
	m.identity = &cp
	return nil
}

func (m *MemoryStore) LoadCurrentSignedPreKey() (*SignedPreKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *SignedPreKeyRecord
	for _, rec := range m.signedPreKeys {
		if latest == nil || rec.KeyID > latest.KeyID {
			latest = rec
		}
	}
	if latest == nil {
		return nil, e2ee.ErrNotFound
	}
	return copySignedPreKey(latest), nil
}

func (m *MemoryStore) LoadSignedPreKey(keyID uint32) (*SignedPreKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.signedPreKeys[keyID]
	if !ok {
		return nil, e2ee.ErrNotFound
	}
	return copySignedPreKey(rec), nil
}

func (m *MemoryStore) SaveSignedPreKey(rec *SignedPreKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signedPreKeys[rec.KeyID] = copySignedPreKey(rec)
	return nil
}

func (m *MemoryStore) MarkSignedPreKeyUploaded(keyID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.signedPreKeys[keyID]; ok {
		rec.Uploaded = true
	}
	return nil
}

func (m *MemoryStore) SaveOneTimePreKeys(batch []*OneTimePreKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range batch {
		m.oneTimePreKeys[rec.KeyID] = copyOneTimePreKey(rec)
	}
	return nil
}

func (m *MemoryStore) PendingOneTimePreKeys(limit int) ([]*OneTimePreKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OneTimePreKeyRecord
	for _, rec := range m.oneTimePreKeys {
		if !rec.Uploaded && !rec.Consumed {
			out = append(out, copyOneTimePreKey(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	// Pending records are destined for the wire; the secret stays local.
	for _, rec := range out {
		rec.SecretKey = nil
	}
	return out, nil
}

func (m *MemoryStore) MarkOneTimePreKeysUploaded(ids []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if rec, ok := m.oneTimePreKeys[id]; ok {
			rec.Uploaded = true
		}
	}
	return nil
}

func (m *MemoryStore) ConsumeOneTimePreKey(keyID uint32) (*OneTimePreKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.oneTimePreKeys[keyID]
	if !ok {
		return nil, e2ee.ErrNotFound
	}
	if rec.Consumed || rec.SecretKey == nil {
		return nil, e2ee.ErrOpkAlreadyConsumed
	}
	out := copyOneTimePreKey(rec)
	out.Consumed = true
	e2ee.Wipe(rec.SecretKey)
	rec.SecretKey = nil
	rec.Consumed = true
	return out, nil
}

func (m *MemoryStore) CountOneTimePreKeys() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.oneTimePreKeys {
		if !rec.Consumed {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveSession(rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.PeerID] = copySession(rec)
	return nil
}

func (m *MemoryStore) LoadSession(peerID string) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[peerID]
	if !ok {
		return nil, e2ee.ErrNotFound
	}
	return copySession(rec), nil
}

func (m *MemoryStore) ListSessions() ([]*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, copySession(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

func (m *MemoryStore) DeleteSession(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, peerID)
	return nil
}

func (m *MemoryStore) AllocatePrekeyIDs(n int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := m.meta.NextPreKeyID
	m.meta.NextPreKeyID += uint32(n)
	return first, nil
}

func (m *MemoryStore) Metadata() (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.meta
	return &cp, nil
}

func (m *MemoryStore) UpdateMetadata(patch func(*Metadata)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.meta.NextPreKeyID
	patch(&m.meta)
	// The id counter only moves through AllocatePrekeyIDs.
	m.meta.NextPreKeyID = next
	return nil
}

func (m *MemoryStore) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity != nil {
		e2ee.Wipe(m.identity.Seed)
	}
	for _, rec := range m.signedPreKeys {
		e2ee.Wipe(rec.SecretKey)
	}
	for _, rec := range m.oneTimePreKeys {
		e2ee.Wipe(rec.SecretKey)
	}
	m.identity = nil
	m.signedPreKeys = make(map[uint32]*SignedPreKeyRecord)
	m.oneTimePreKeys = make(map[uint32]*OneTimePreKeyRecord)
	m.sessions = make(map[string]*SessionRecord)
	m.meta.LastSignedPreKeyID = 0
	m.meta.LastUploadAt = time.Time{}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func copySignedPreKey(rec *SignedPreKeyRecord) *SignedPreKeyRecord {
	cp := *rec
	cp.PublicKey = append([]byte(nil), rec.PublicKey...)
	cp.SecretKey = append([]byte(nil), rec.SecretKey...)
	cp.Signature = append([]byte(nil), rec.Signature...)
	return &cp
}

func copyOneTimePreKey(rec *OneTimePreKeyRecord) *OneTimePreKeyRecord {
	cp := *rec
	cp.PublicKey = append([]byte(nil), rec.PublicKey...)
	if rec.SecretKey != nil {
		cp.SecretKey = append([]byte(nil), rec.SecretKey...)
	}
	return &cp
}

func copySession(rec *SessionRecord) *SessionRecord {
	cp := *rec
	cp.RemoteIdentityKey = append([]byte(nil), rec.RemoteIdentityKey...)
	cp.RemoteSigningKey = append([]byte(nil), rec.RemoteSigningKey...)
	cp.RemoteSignedPreKey = append([]byte(nil), rec.RemoteSignedPreKey...)
	cp.LocalEphemeralPub = append([]byte(nil), rec.LocalEphemeralPub...)
	cp.LocalEphemeralSecret = append([]byte(nil), rec.LocalEphemeralSecret...)
	cp.RatchetState = append([]byte(nil), rec.RatchetState...)
	if rec.UsedOneTimePreKeyID != nil {
		id := *rec.UsedOneTimePreKeyID
		cp.UsedOneTimePreKeyID = &id
	}
	return &cp
}
