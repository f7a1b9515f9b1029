// Package session orchestrates the encryption core: X3DH session
// establishment, per-peer Double Ratchet lifecycles, and the prekey
// replenishment loop.
package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaydenbeard/securechat/internal/config"
	"github.com/jaydenbeard/securechat/internal/e2ee"
	"github.com/jaydenbeard/securechat/internal/keymanager"
	"github.com/jaydenbeard/securechat/internal/keystore"
	"github.com/jaydenbeard/securechat/internal/metrics"
	"github.com/jaydenbeard/securechat/internal/ratchet"
	"github.com/jaydenbeard/securechat/internal/transport"
)

// Manager owns every pairwise session for one local user. Operations on the
// same peer are serialized; different peers proceed in parallel. Locks cover
// one peer at a time and never nest.
type Manager struct {
	userID string
	store  keystore.Store
	keys   *keymanager.Manager
	tr     transport.Transport
	cfg    *config.Config
	logger *log.Logger

	mu    sync.Mutex
	peers map[string]*peer

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// peer is the live per-peer state: the session record and, once resumed or
// established, the ratchet engine.
type peer struct {
	mu     sync.Mutex
	record *keystore.SessionRecord
	engine *ratchet.Engine
}

// NewManager wires a session manager. Start must be called to run the
// bootstrap and the replenishment loop.
func NewManager(userID string, store keystore.Store, keys *keymanager.Manager, tr transport.Transport, cfg *config.Config) *Manager {
	if cfg == nil {
		cfg = config.Defaults()
	}
	return &Manager{
		userID: userID,
		store:  store,
		keys:   keys,
		tr:     tr,
		cfg:    cfg,
		logger: log.New(os.Stdout, "[E2EE-SESSION] ", log.Ldate|log.Ltime|log.LUTC),
		peers:  make(map[string]*peer),
		done:   make(chan struct{}),
	}
}

// Start initializes the identity and spawns the replenishment loop. The
// first replenishment pass runs inline so a fresh client has a bundle on the
// server before its first send.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.keys.Initialize(); err != nil {
		return err
	}
	if err := m.replenishOnce(ctx); err != nil {
		// Startup replenishment is best-effort: the loop retries.
		m.logger.Printf("startup replenishment: %v", err)
	}
	m.wg.Add(1)
	go m.replenishLoop()
	return nil
}

// Close stops the replenishment loop and waits for it.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Fingerprint returns the local identity fingerprint for display.
func (m *Manager) Fingerprint() string {
	return m.keys.Identity().Fingerprint
}

func (m *Manager) peerFor(peerID string) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		p = &peer{}
		m.peers[peerID] = p
	}
	return p
}

// EnsureSession establishes (or resumes) a ready session with the peer.
// Idempotent once the session is ready; a failed establishment leaves the
// session in error state and is retried from scratch on the next call.
func (m *Manager) EnsureSession(ctx context.Context, peerID string) error {
	p := m.peerFor(peerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return m.ensureLocked(ctx, peerID, p)
}

func (m *Manager) ensureLocked(ctx context.Context, peerID string, p *peer) error {
	if p.record != nil && p.record.Status == keystore.SessionReady && p.engine != nil {
		return nil
	}

	if p.record == nil {
		rec, err := m.store.LoadSession(peerID)
		if err != nil && !errors.Is(err, e2ee.ErrNotFound) {
			return err
		}
		p.record = rec
	}
	if p.record != nil && p.record.Status == keystore.SessionReady {
		engine, err := ratchet.ResumeBytes(p.record.RatchetState, ratchet.WithMaxSkipped(m.cfg.MaxSkipped))
		if err != nil {
			return err
		}
		p.engine = engine
		return nil
	}

	return m.establishInitiator(ctx, peerID, p)
}

func (m *Manager) establishInitiator(ctx context.Context, peerID string, p *peer) error {
	now := time.Now()
	if p.record == nil {
		p.record = &keystore.SessionRecord{
			SessionID: uuid.NewString(),
			PeerID:    peerID,
			CreatedAt: now,
		}
	}
	p.record.Status = keystore.SessionPending
	p.record.LastError = ""
	p.record.UpdatedAt = now
	if err := m.store.SaveSession(p.record); err != nil {
		return err
	}

	bundle, err := m.tr.FetchPreKeyBundle(ctx, peerID)
	if err != nil {
		return m.failSession(p, err)
	}

	// A previously pinned identity must match the fetched bundle. A change
	// is surfaced for out-of-band re-verification, never auto-accepted.
	if len(p.record.RemoteIdentityKey) > 0 {
		fetched, err := decodeBundleKey(bundle.IdentityKey)
		if err != nil {
			return m.failSession(p, err)
		}
		if !bytes.Equal(fetched, p.record.RemoteIdentityKey) {
			return m.failSession(p, fmt.Errorf("%w: bundle key differs from pinned identity", e2ee.ErrIdentityMismatch))
		}
	}

	result, err := x3dhInitiate(m.keys.Identity(), bundle)
	if err != nil {
		return m.failSession(p, err)
	}
	defer e2ee.Wipe(result.sharedSecret)

	remoteSPK, _ := decodeBundleKey(bundle.SignedPreKey.Public)
	engine, err := ratchet.NewSender(result.sharedSecret, remoteSPK, ratchet.WithMaxSkipped(m.cfg.MaxSkipped))
	if err != nil {
		return m.failSession(p, err)
	}

	remoteIdentity, _ := decodeBundleKey(bundle.IdentityKey)
	remoteSigning, _ := decodeBundleKey(bundle.SigningKey)
	p.record.RemoteIdentityKey = remoteIdentity
	p.record.RemoteSigningKey = remoteSigning
	p.record.RemoteSignedPreKey = remoteSPK
	p.record.RemoteSignedPreKeyID = bundle.SignedPreKey.KeyID
	p.record.RemoteFingerprint = keymanager.FormatFingerprint(remoteIdentity)
	p.record.UsedOneTimePreKeyID = result.usedOneTimePreKeyID
	p.record.LocalEphemeralPub = result.ephemeralPub
	p.record.LocalEphemeralSecret = result.ephemeralSecret
	p.record.Status = keystore.SessionReady
	p.record.PreludeAcked = false
	p.engine = engine

	if err := m.persistLocked(p); err != nil {
		return err
	}
	metrics.SessionsEstablished.WithLabelValues(m.userID, "initiator").Inc()
	m.logger.Printf("session %s established with %s (fingerprint %s)", p.record.SessionID, peerID, p.record.RemoteFingerprint)
	return nil
}

// failSession records the error on the session and passes it through.
func (m *Manager) failSession(p *peer, cause error) error {
	p.record.Status = keystore.SessionError
	p.record.LastError = cause.Error()
	p.record.UpdatedAt = time.Now()
	if err := m.store.SaveSession(p.record); err != nil {
		m.logger.Printf("persisting failed session: %v", err)
	}
	return cause
}

// Encrypt ensures a session and seals plaintext into a wire envelope. Once
// the sending chain advances, the state is persisted unconditionally; chain
// counters never rewind, cancellation included.
func (m *Manager) Encrypt(ctx context.Context, peerID string, plaintext []byte) (string, error) {
	p := m.peerFor(peerID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := m.ensureLocked(ctx, peerID, p); err != nil {
		return "", err
	}

	msg, err := p.engine.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	persistErr := m.persistLocked(p)

	env := &e2ee.Envelope{
		Version:    e2ee.EnvelopeVersion,
		Ciphertext: e2ee.EncodeCiphertext(msg.Ciphertext),
		Header: e2ee.Header{
			DH: e2ee.EncodeKey(msg.Header.DH),
			PN: msg.Header.PN,
			N:  msg.Header.N,
		},
	}
	// The prelude rides along until the peer demonstrably has the session.
	// Responder-side sessions never carry one.
	if !p.record.PreludeAcked && len(p.record.LocalEphemeralPub) > 0 {
		id := m.keys.Identity()
		env.X3DH = &e2ee.X3DHPrelude{
			IdentityKey:     e2ee.EncodeKey(id.IdentityKey),
			SigningKey:      e2ee.EncodeKey(id.SigningKey),
			EphemeralKey:    e2ee.EncodeKey(p.record.LocalEphemeralPub),
			SignedPreKeyID:  p.record.RemoteSignedPreKeyID,
			OneTimePreKeyID: p.record.UsedOneTimePreKeyID,
		}
	}
	if persistErr != nil {
		return "", persistErr
	}
	metrics.MessagesEncrypted.WithLabelValues(m.userID).Inc()
	return e2ee.MarshalEnvelope(env)
}

// Decrypt routes an inbound envelope through the peer's ratchet, running the
// responder side of X3DH first when the envelope opens a new session.
func (m *Manager) Decrypt(ctx context.Context, peerID, raw string) ([]byte, error) {
	env, err := e2ee.ParseEnvelope(raw)
	if err != nil {
		metrics.DecryptFailures.WithLabelValues(m.userID, "invalid_header").Inc()
		return nil, err
	}

	p := m.peerFor(peerID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.record == nil {
		rec, err := m.store.LoadSession(peerID)
		if err != nil && !errors.Is(err, e2ee.ErrNotFound) {
			return nil, err
		}
		p.record = rec
	}

	ready := p.record != nil && p.record.Status == keystore.SessionReady
	switch {
	case !ready && env.X3DH == nil:
		metrics.DecryptFailures.WithLabelValues(m.userID, "session").Inc()
		return nil, fmt.Errorf("%w: %s", e2ee.ErrSessionNotFound, peerID)
	case !ready:
		if err := m.establishResponder(peerID, p, env.X3DH); err != nil {
			return nil, err
		}
	default:
		if p.engine == nil {
			engine, err := ratchet.ResumeBytes(p.record.RatchetState, ratchet.WithMaxSkipped(m.cfg.MaxSkipped))
			if err != nil {
				return nil, err
			}
			p.engine = engine
		}
		if env.X3DH != nil && !bytes.Equal(env.X3DH.IdentityKeyBytes(), p.record.RemoteIdentityKey) {
			metrics.DecryptFailures.WithLabelValues(m.userID, "identity").Inc()
			return nil, fmt.Errorf("%w: prelude from %s", e2ee.ErrIdentityMismatch, peerID)
		}
	}

	dh, _ := env.Header.DHBytes()
	ct, _ := env.CiphertextBytes()
	msg := &ratchet.Message{
		Header:     ratchet.Header{DH: dh, PN: env.Header.PN, N: env.Header.N},
		Ciphertext: ct,
	}
	plaintext, err := p.engine.Decrypt(msg)
	if err != nil {
		kind := "aead"
		if errors.Is(err, e2ee.ErrTooManySkipped) {
			kind = "skipped_limit"
		}
		metrics.DecryptFailures.WithLabelValues(m.userID, kind).Inc()
		return nil, err
	}

	// Any successful inbound decrypt proves the peer holds the session; the
	// ephemeral pair has served its purpose.
	if !p.record.PreludeAcked {
		p.record.PreludeAcked = true
		e2ee.Wipe(p.record.LocalEphemeralSecret)
		p.record.LocalEphemeralSecret = nil
	}
	if err := m.persistLocked(p); err != nil {
		return nil, err
	}
	metrics.MessagesDecrypted.WithLabelValues(m.userID).Inc()
	metrics.SkippedKeys.WithLabelValues(m.userID, peerID).Set(float64(p.engine.SkippedCount()))
	return plaintext, nil
}

// establishResponder consumes the prelude: looks up the referenced prekeys,
// derives the shared secret, and builds the receiving-side ratchet.
func (m *Manager) establishResponder(peerID string, p *peer, prelude *e2ee.X3DHPrelude) error {
	// A pinned identity from an earlier (even failed) session still binds.
	if p.record != nil && len(p.record.RemoteIdentityKey) > 0 &&
		!bytes.Equal(prelude.IdentityKeyBytes(), p.record.RemoteIdentityKey) {
		metrics.DecryptFailures.WithLabelValues(m.userID, "identity").Inc()
		return fmt.Errorf("%w: prelude from %s", e2ee.ErrIdentityMismatch, peerID)
	}

	spk, err := m.keys.SignedPreKey(prelude.SignedPreKeyID)
	if err != nil {
		if errors.Is(err, e2ee.ErrNotFound) {
			return fmt.Errorf("%w: unknown signed prekey %d", e2ee.ErrSessionNotFound, prelude.SignedPreKeyID)
		}
		return err
	}

	var opk *keystore.OneTimePreKeyRecord
	if prelude.OneTimePreKeyID != nil {
		opk, err = m.keys.ConsumeOneTimePreKey(*prelude.OneTimePreKeyID)
		if err != nil {
			if errors.Is(err, e2ee.ErrNotFound) {
				return fmt.Errorf("%w: unknown one-time prekey %d", e2ee.ErrSessionNotFound, *prelude.OneTimePreKeyID)
			}
			return err
		}
		defer e2ee.Wipe(opk.SecretKey)
	}

	sk, err := x3dhRespond(m.keys.Identity(), spk, opk, prelude.IdentityKeyBytes(), prelude.EphemeralKeyBytes())
	if err != nil {
		return err
	}
	defer e2ee.Wipe(sk)

	now := time.Now()
	if p.record == nil {
		p.record = &keystore.SessionRecord{
			SessionID: uuid.NewString(),
			PeerID:    peerID,
			CreatedAt: now,
		}
	}
	remoteIdentity := prelude.IdentityKeyBytes()
	p.record.RemoteIdentityKey = remoteIdentity
	p.record.RemoteSigningKey = prelude.SigningKeyBytes()
	p.record.RemoteFingerprint = keymanager.FormatFingerprint(remoteIdentity)
	p.record.UsedOneTimePreKeyID = prelude.OneTimePreKeyID
	p.record.Status = keystore.SessionReady
	p.record.LastError = ""
	p.record.PreludeAcked = true
	p.record.UpdatedAt = now
	p.engine = ratchet.NewReceiver(sk, spk.SecretKey, spk.PublicKey, ratchet.WithMaxSkipped(m.cfg.MaxSkipped))

	metrics.SessionsEstablished.WithLabelValues(m.userID, "responder").Inc()
	m.logger.Printf("session %s accepted from %s (fingerprint %s)", p.record.SessionID, peerID, p.record.RemoteFingerprint)
	return nil
}

// ResetIdentity destroys the local identity, prekeys, and every session,
// creates a fresh identity, and re-uploads a new bundle. Peers will see an
// identity change on the next contact and must re-verify out of band.
func (m *Manager) ResetIdentity(ctx context.Context) error {
	m.mu.Lock()
	for _, p := range m.peers {
		p.mu.Lock()
		if p.engine != nil {
			p.engine.Wipe()
		}
		p.engine = nil
		p.record = nil
		p.mu.Unlock()
	}
	m.peers = make(map[string]*peer)
	m.mu.Unlock()

	if err := m.keys.ResetIdentity(); err != nil {
		return err
	}
	m.logger.Printf("identity reset, new fingerprint %s", m.Fingerprint())
	return m.replenishOnce(ctx)
}

// Send encrypts and delivers in one call.
func (m *Manager) Send(ctx context.Context, peerID string, plaintext []byte) error {
	envelope, err := m.Encrypt(ctx, peerID, plaintext)
	if err != nil {
		return err
	}
	return m.tr.SendEnvelope(ctx, peerID, envelope)
}

// DeleteSession forgets the session with a peer, local side only.
func (m *Manager) DeleteSession(peerID string) error {
	p := m.peerFor(peerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine != nil {
		p.engine.Wipe()
		p.engine = nil
	}
	p.record = nil
	return m.store.DeleteSession(peerID)
}

// SessionInfo returns the persisted record for inspection (UI, tests).
func (m *Manager) SessionInfo(peerID string) (*keystore.SessionRecord, error) {
	return m.store.LoadSession(peerID)
}

func (m *Manager) persistLocked(p *peer) error {
	if p.engine != nil {
		state, err := p.engine.Snapshot()
		if err != nil {
			return err
		}
		p.record.RatchetState = state
	}
	if p.record.CreatedAt.IsZero() {
		p.record.CreatedAt = time.Now()
	}
	p.record.UpdatedAt = time.Now()
	return m.store.SaveSession(p.record)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
