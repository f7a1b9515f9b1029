// Package keymanager owns the identity and prekey lifecycle: creation,
// signing, rotation, and staging material for upload.
package keymanager

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/jaydenbeard/securechat/internal/e2ee"
	"github.com/jaydenbeard/securechat/internal/keystore"
)

// Replenishment policy defaults. The session manager's config carries its
// own, overridable copies of these knobs for the replenishment pass;
// PendingBundle always caps a batch at the MaxUploadPreKeys constant, not at
// the config value.
const (
	// OneTimePreKeyTarget is the desired number of one-time prekeys
	// available on the server.
	OneTimePreKeyTarget = 100
	// ServerPreKeyMinimum triggers a top-up when the server's supply drops
	// below it.
	ServerPreKeyMinimum = 20
	// MaxUploadPreKeys caps one upload batch.
	MaxUploadPreKeys = 100
	// SignedPreKeyTTL is the rotation age for the signed prekey.
	SignedPreKeyTTL = 7 * 24 * time.Hour
)

// Manager drives identity and prekey state against a key store.
type Manager struct {
	store    keystore.Store
	logger   *log.Logger
	identity *Identity
}

// New creates a Manager over the given store.
func New(store keystore.Store) *Manager {
	return &Manager{
		store:  store,
		logger: log.New(os.Stdout, "[E2EE-KEYS] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// Initialize loads the identity from storage, creating one on first use.
func (m *Manager) Initialize() error {
	rec, err := m.store.LoadIdentity()
	if errors.Is(err, e2ee.ErrNotFound) {
		return m.createIdentity()
	}
	if err != nil {
		return err
	}
	id, err := DeriveIdentity(rec.Seed)
	if err != nil {
		return err
	}
	e2ee.Wipe(rec.Seed)
	m.identity = id
	return nil
}

func (m *Manager) createIdentity() error {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return fmt.Errorf("generate identity seed: %w", err)
	}
	id, err := DeriveIdentity(seed)
	if err != nil {
		return err
	}
	rec := &keystore.IdentityRecord{
		Seed:        seed,
		SigningKey:  id.SigningKey,
		IdentityKey: id.IdentityKey,
		Fingerprint: id.Fingerprint,
		CreatedAt:   time.Now(),
	}
	if err := m.store.SaveIdentity(rec); err != nil {
		return err
	}
	e2ee.Wipe(seed)
	m.identity = id
	m.logger.Printf("created identity, fingerprint %s", id.Fingerprint)
	return nil
}

// Identity returns the loaded identity. Initialize must have succeeded.
func (m *Manager) Identity() *Identity { return m.identity }

// CurrentSignedPreKey returns the most recent signed prekey.
func (m *Manager) CurrentSignedPreKey() (*keystore.SignedPreKeyRecord, error) {
	return m.store.LoadCurrentSignedPreKey()
}

// SignedPreKey returns a signed prekey by id. Rotation deletes no signed
// prekey, so in-flight inbound sessions can still reference older ones; only
// ResetIdentity removes them.
func (m *Manager) SignedPreKey(keyID uint32) (*keystore.SignedPreKeyRecord, error) {
	return m.store.LoadSignedPreKey(keyID)
}

// RotateSignedPreKey generates, signs, and persists a new signed prekey and
// stages it for upload. Previous prekeys are kept in the store and stay
// usable for in-flight inbound sessions; no later rotation deletes them.
func (m *Manager) RotateSignedPreKey() (*keystore.SignedPreKeyRecord, error) {
	if m.identity == nil {
		return nil, fmt.Errorf("identity not initialized")
	}
	keyID, err := m.store.AllocatePrekeyIDs(1)
	if err != nil {
		return nil, err
	}
	secret, public, err := generateX25519()
	if err != nil {
		return nil, err
	}
	rec := &keystore.SignedPreKeyRecord{
		KeyID:     keyID,
		PublicKey: public,
		SecretKey: secret,
		Signature: m.identity.Sign(public),
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveSignedPreKey(rec); err != nil {
		return nil, err
	}
	if err := m.store.UpdateMetadata(func(md *keystore.Metadata) {
		md.LastSignedPreKeyID = keyID
	}); err != nil {
		return nil, err
	}
	m.logger.Printf("rotated signed prekey, id %d", keyID)
	return rec, nil
}

// GenerateOneTimePreKeys reserves a contiguous id range and persists n new
// one-time prekeys staged for upload.
func (m *Manager) GenerateOneTimePreKeys(n int) ([]*keystore.OneTimePreKeyRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	first, err := m.store.AllocatePrekeyIDs(n)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	batch := make([]*keystore.OneTimePreKeyRecord, 0, n)
	for i := 0; i < n; i++ {
		secret, public, err := generateX25519()
		if err != nil {
			return nil, err
		}
		batch = append(batch, &keystore.OneTimePreKeyRecord{
			KeyID:     first + uint32(i),
			PublicKey: public,
			SecretKey: secret,
			CreatedAt: now,
		})
	}
	if err := m.store.SaveOneTimePreKeys(batch); err != nil {
		return nil, err
	}
	for _, rec := range batch {
		e2ee.Wipe(rec.SecretKey)
		rec.SecretKey = nil
	}
	m.logger.Printf("generated %d one-time prekeys, ids %d..%d", n, first, first+uint32(n)-1)
	return batch, nil
}

// PendingBundle stages everything not yet uploaded: the current signed
// prekey if its uploaded flag is clear, plus pending one-time prekeys.
func (m *Manager) PendingBundle() (*e2ee.PreKeyUpload, error) {
	if m.identity == nil {
		return nil, fmt.Errorf("identity not initialized")
	}
	upload := &e2ee.PreKeyUpload{
		IdentityKey:    e2ee.EncodeKey(m.identity.IdentityKey),
		SigningKey:     e2ee.EncodeKey(m.identity.SigningKey),
		OneTimePreKeys: []e2ee.OneTimePreKeyPublic{},
	}

	spk, err := m.store.LoadCurrentSignedPreKey()
	if err != nil && !errors.Is(err, e2ee.ErrNotFound) {
		return nil, err
	}
	if spk != nil && !spk.Uploaded {
		upload.SignedPreKey = &e2ee.SignedPreKeyPublic{
			KeyID:     spk.KeyID,
			Public:    e2ee.EncodeKey(spk.PublicKey),
			Signature: e2ee.EncodeCiphertext(spk.Signature),
		}
	}

	pending, err := m.store.PendingOneTimePreKeys(MaxUploadPreKeys)
	if err != nil {
		return nil, err
	}
	for _, rec := range pending {
		upload.OneTimePreKeys = append(upload.OneTimePreKeys, e2ee.OneTimePreKeyPublic{
			KeyID:  rec.KeyID,
			Public: e2ee.EncodeKey(rec.PublicKey),
		})
	}
	return upload, nil
}

// MarkBundleUploaded flips the uploaded flags for everything in the bundle.
// Idempotent: already-uploaded items stay uploaded.
func (m *Manager) MarkBundleUploaded(upload *e2ee.PreKeyUpload) error {
	if upload == nil {
		return nil
	}
	if upload.SignedPreKey != nil {
		if err := m.store.MarkSignedPreKeyUploaded(upload.SignedPreKey.KeyID); err != nil {
			return err
		}
	}
	if len(upload.OneTimePreKeys) > 0 {
		ids := make([]uint32, len(upload.OneTimePreKeys))
		for i, opk := range upload.OneTimePreKeys {
			ids[i] = opk.KeyID
		}
		if err := m.store.MarkOneTimePreKeysUploaded(ids); err != nil {
			return err
		}
	}
	return m.store.UpdateMetadata(func(md *keystore.Metadata) {
		md.LastUploadAt = time.Now()
	})
}

// ConsumeOneTimePreKey hands the one-time prekey to a responder-side session
// establishment. Single use: the secret is deleted with the consume.
func (m *Manager) ConsumeOneTimePreKey(keyID uint32) (*keystore.OneTimePreKeyRecord, error) {
	return m.store.ConsumeOneTimePreKey(keyID)
}

// ResetIdentity destroys the identity, every prekey, and every session, then
// creates a fresh identity. All existing sessions with peers are invalidated;
// the caller must re-upload the new bundle.
func (m *Manager) ResetIdentity() error {
	if m.identity != nil {
		m.identity.Wipe()
		m.identity = nil
	}
	if err := m.store.Reset(); err != nil {
		return err
	}
	m.logger.Printf("identity reset")
	return m.createIdentity()
}

func generateX25519() (secret, public []byte, err error) {
	secret = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, nil, fmt.Errorf("generate prekey: %w", err)
	}
	secret[0] &= 248
	secret[31] &= 127
	secret[31] |= 64
	public, err = curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive prekey public: %w", err)
	}
	return secret, public, nil
}
