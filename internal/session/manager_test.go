package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/securechat/internal/config"
	"github.com/jaydenbeard/securechat/internal/e2ee"
	"github.com/jaydenbeard/securechat/internal/keymanager"
	"github.com/jaydenbeard/securechat/internal/keystore"
	"github.com/jaydenbeard/securechat/internal/ratchet"
	"github.com/jaydenbeard/securechat/internal/transport"
)

func newTestUser(t *testing.T, hub *transport.Hub, userID string) (*Manager, keystore.Store) {
	t.Helper()
	return newTestUserWithStore(t, hub, userID, keystore.NewMemory())
}

func newTestUserWithStore(t *testing.T, hub *transport.Hub, userID string, store keystore.Store) (*Manager, keystore.Store) {
	t.Helper()
	cfg := config.Defaults()
	cfg.UserID = userID
	m := NewManager(userID, store, keymanager.New(store), hub.ForUser(userID), cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Close)
	return m, store
}

func ratchetState(t *testing.T, m *Manager, peerID string) *ratchet.State {
	t.Helper()
	rec, err := m.SessionInfo(peerID)
	require.NoError(t, err)
	st, err := ratchet.UnmarshalState(rec.RatchetState)
	require.NoError(t, err)
	return st
}

func TestEstablishAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, _ := newTestUser(t, hub, "alice")
	bob, _ := newTestUser(t, hub, "bob")

	require.Equal(t, 100, hub.OneTimePreKeyCount("bob"), "startup replenishment fills the bundle")

	require.NoError(t, alice.EnsureSession(ctx, "bob"))
	envelope, err := alice.Encrypt(ctx, "bob", []byte("hello"))
	require.NoError(t, err)

	plaintext, err := bob.Decrypt(ctx, "alice", envelope)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)

	// One one-time prekey was consumed by the bundle fetch.
	assert.Equal(t, 99, hub.OneTimePreKeyCount("bob"))

	rec, err := alice.SessionInfo("bob")
	require.NoError(t, err)
	assert.Equal(t, keystore.SessionReady, rec.Status)
	require.NotNil(t, rec.UsedOneTimePreKeyID)
	assert.NotEmpty(t, rec.RemoteFingerprint)
	assert.Equal(t, rec.RemoteFingerprint, bob.Fingerprint())
}

func TestEnsureSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, _ := newTestUser(t, hub, "alice")
	newTestUser(t, hub, "bob")

	require.NoError(t, alice.EnsureSession(ctx, "bob"))
	rec, err := alice.SessionInfo("bob")
	require.NoError(t, err)

	require.NoError(t, alice.EnsureSession(ctx, "bob"))
	again, err := alice.SessionInfo("bob")
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, again.SessionID)

	// Only the first call fetched a bundle.
	assert.Equal(t, 99, hub.OneTimePreKeyCount("bob"))
}

func TestOutOfOrderDelivery(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, _ := newTestUser(t, hub, "alice")
	bob, _ := newTestUser(t, hub, "bob")

	envelopes := make([]string, 5)
	for i := range envelopes {
		env, err := alice.Encrypt(ctx, "bob", []byte(fmt.Sprintf("m%d", i+1)))
		require.NoError(t, err)
		envelopes[i] = env
	}

	for _, idx := range []int{2, 0, 4, 3, 1} {
		plaintext, err := bob.Decrypt(ctx, "alice", envelopes[idx])
		require.NoError(t, err, "message %d", idx+1)
		assert.Equal(t, []byte(fmt.Sprintf("m%d", idx+1)), plaintext)
	}

	assert.Empty(t, ratchetState(t, bob, "alice").Skipped)
}

func TestReplyTriggersRatchetStep(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, _ := newTestUser(t, hub, "alice")
	bob, _ := newTestUser(t, hub, "bob")

	m1, err := alice.Encrypt(ctx, "bob", []byte("m1"))
	require.NoError(t, err)
	_, err = bob.Decrypt(ctx, "alice", m1)
	require.NoError(t, err)

	r1, err := bob.Encrypt(ctx, "alice", []byte("r1"))
	require.NoError(t, err)
	plaintext, err := alice.Decrypt(ctx, "bob", r1)
	require.NoError(t, err)
	assert.Equal(t, []byte("r1"), plaintext)

	// Alice ratcheted on Bob's reply; her next header reports one message
	// sent under the previous chain and a fresh ratchet key.
	m2, err := alice.Encrypt(ctx, "bob", []byte("m2"))
	require.NoError(t, err)
	env2, err := e2ee.ParseEnvelope(m2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), env2.Header.PN)
	assert.Equal(t, uint32(0), env2.Header.N)

	env1, err := e2ee.ParseEnvelope(m1)
	require.NoError(t, err)
	assert.NotEqual(t, env1.Header.DH, env2.Header.DH)

	plaintext, err = bob.Decrypt(ctx, "alice", m2)
	require.NoError(t, err)
	assert.Equal(t, []byte("m2"), plaintext)
}

func TestPreludeDroppedAfterAck(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, _ := newTestUser(t, hub, "alice")
	bob, _ := newTestUser(t, hub, "bob")

	m1, err := alice.Encrypt(ctx, "bob", []byte("m1"))
	require.NoError(t, err)
	env, err := e2ee.ParseEnvelope(m1)
	require.NoError(t, err)
	require.NotNil(t, env.X3DH, "first message carries the prelude")

	_, err = bob.Decrypt(ctx, "alice", m1)
	require.NoError(t, err)
	r1, err := bob.Encrypt(ctx, "alice", []byte("r1"))
	require.NoError(t, err)
	renv, err := e2ee.ParseEnvelope(r1)
	require.NoError(t, err)
	assert.Nil(t, renv.X3DH, "responder messages never carry a prelude")

	_, err = alice.Decrypt(ctx, "bob", r1)
	require.NoError(t, err)

	m2, err := alice.Encrypt(ctx, "bob", []byte("m2"))
	require.NoError(t, err)
	env2, err := e2ee.ParseEnvelope(m2)
	require.NoError(t, err)
	assert.Nil(t, env2.X3DH, "prelude stops once the peer demonstrably has the session")
}

func TestNoOneTimePreKeyFallback(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, _ := newTestUser(t, hub, "alice")
	bob, _ := newTestUser(t, hub, "bob")

	hub.DropOneTimePreKeys("bob")

	envelope, err := alice.Encrypt(ctx, "bob", []byte("three dh only"))
	require.NoError(t, err)
	plaintext, err := bob.Decrypt(ctx, "alice", envelope)
	require.NoError(t, err)
	assert.Equal(t, []byte("three dh only"), plaintext)

	rec, err := alice.SessionInfo("bob")
	require.NoError(t, err)
	assert.Nil(t, rec.UsedOneTimePreKeyID)
}

func TestOneTimePreKeyConsumedOnce(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, _ := newTestUser(t, hub, "alice")
	bob, _ := newTestUser(t, hub, "bob")

	m1, err := alice.Encrypt(ctx, "bob", []byte("m1"))
	require.NoError(t, err)
	_, err = bob.Decrypt(ctx, "alice", m1)
	require.NoError(t, err)

	// Replaying the establishment envelope against a forgotten session
	// re-references the consumed prekey.
	require.NoError(t, bob.DeleteSession("alice"))
	_, err = bob.Decrypt(ctx, "alice", m1)
	require.ErrorIs(t, err, e2ee.ErrOpkAlreadyConsumed)
}

func TestDecryptWithoutSessionOrPrelude(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, _ := newTestUser(t, hub, "alice")
	bob, _ := newTestUser(t, hub, "bob")
	carol, _ := newTestUser(t, hub, "carol")

	// Finish the handshake so Alice's envelopes stop carrying the prelude.
	m1, err := alice.Encrypt(ctx, "bob", []byte("m1"))
	require.NoError(t, err)
	_, err = bob.Decrypt(ctx, "alice", m1)
	require.NoError(t, err)
	r1, err := bob.Encrypt(ctx, "alice", []byte("r1"))
	require.NoError(t, err)
	_, err = alice.Decrypt(ctx, "bob", r1)
	require.NoError(t, err)

	m2, err := alice.Encrypt(ctx, "bob", []byte("m2"))
	require.NoError(t, err)
	_, err = carol.Decrypt(ctx, "alice", m2)
	require.ErrorIs(t, err, e2ee.ErrSessionNotFound)
}

func TestIdentityResetSurfacesMismatch(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, _ := newTestUser(t, hub, "alice")
	bob, _ := newTestUser(t, hub, "bob")

	m1, err := alice.Encrypt(ctx, "bob", []byte("m1"))
	require.NoError(t, err)
	_, err = bob.Decrypt(ctx, "alice", m1)
	require.NoError(t, err)

	oldFingerprint := alice.Fingerprint()
	require.NoError(t, alice.ResetIdentity(ctx))
	require.NotEqual(t, oldFingerprint, alice.Fingerprint())

	// Alice establishes from scratch with the new identity; Bob must not
	// silently accept the change.
	m2, err := alice.Encrypt(ctx, "bob", []byte("who am i"))
	require.NoError(t, err)
	_, err = bob.Decrypt(ctx, "alice", m2)
	require.ErrorIs(t, err, e2ee.ErrIdentityMismatch)
}

func TestBundleSignatureVerified(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	newTestUser(t, hub, "bob")

	store := keystore.NewMemory()
	cfg := config.Defaults()
	cfg.UserID = "alice"
	tr := &tamperingTransport{Transport: hub.ForUser("alice")}
	alice := NewManager("alice", store, keymanager.New(store), tr, cfg)
	require.NoError(t, alice.Start(ctx))
	t.Cleanup(alice.Close)

	err := alice.EnsureSession(ctx, "bob")
	require.ErrorIs(t, err, e2ee.ErrBundleUnverified)

	rec, err := alice.SessionInfo("bob")
	require.NoError(t, err)
	assert.Equal(t, keystore.SessionError, rec.Status)
	assert.NotEmpty(t, rec.LastError)
}

// tamperingTransport flips a bit in the signed prekey signature, simulating
// a man in the middle.
type tamperingTransport struct {
	transport.Transport
}

func (t *tamperingTransport) FetchPreKeyBundle(ctx context.Context, peerID string) (*e2ee.PreKeyBundle, error) {
	bundle, err := t.Transport.FetchPreKeyBundle(ctx, peerID)
	if err != nil {
		return nil, err
	}
	sig := []byte(bundle.SignedPreKey.Signature)
	sig[0] ^= 0x01
	bundle.SignedPreKey.Signature = string(sig)
	return bundle, nil
}

func TestRestartResumesSessions(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	aliceStore := keystore.NewMemory()
	alice, _ := newTestUserWithStore(t, hub, "alice", aliceStore)
	bob, _ := newTestUser(t, hub, "bob")

	m1, err := alice.Encrypt(ctx, "bob", []byte("m1"))
	require.NoError(t, err)
	_, err = bob.Decrypt(ctx, "alice", m1)
	require.NoError(t, err)
	r1, err := bob.Encrypt(ctx, "alice", []byte("r1"))
	require.NoError(t, err)
	_, err = alice.Decrypt(ctx, "bob", r1)
	require.NoError(t, err)
	alice.Close()

	// A fresh manager over the same store carries the conversation on.
	cfg := config.Defaults()
	cfg.UserID = "alice"
	alice2 := NewManager("alice", aliceStore, keymanager.New(aliceStore), hub.ForUser("alice"), cfg)
	require.NoError(t, alice2.Start(ctx))
	t.Cleanup(alice2.Close)

	m2, err := alice2.Encrypt(ctx, "bob", []byte("after restart"))
	require.NoError(t, err)
	plaintext, err := bob.Decrypt(ctx, "alice", m2)
	require.NoError(t, err)
	assert.Equal(t, []byte("after restart"), plaintext)
}

func TestEncryptAdvancesPersistedChain(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, _ := newTestUser(t, hub, "alice")
	newTestUser(t, hub, "bob")

	_, err := alice.Encrypt(ctx, "bob", []byte("one"))
	require.NoError(t, err)
	_, err = alice.Encrypt(ctx, "bob", []byte("two"))
	require.NoError(t, err)

	// Chain counters are persisted with every encrypt and never rewound.
	assert.Equal(t, uint32(2), ratchetState(t, alice, "bob").NSend)
}

func TestReplenishTopsUpAndRotates(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()

	store := keystore.NewMemory()
	cfg := config.Defaults()
	cfg.UserID = "alice"
	cfg.SignedPreKeyTTL = time.Millisecond
	alice := NewManager("alice", store, keymanager.New(store), hub.ForUser("alice"), cfg)
	require.NoError(t, alice.Start(ctx))
	t.Cleanup(alice.Close)

	require.Equal(t, 100, hub.OneTimePreKeyCount("alice"))
	firstStatus, err := hub.ForUser("alice").PreKeyStatus(ctx)
	require.NoError(t, err)

	// Drain below the minimum; the next pass tops back up to the target.
	fetcher := hub.ForUser("bob")
	for i := 0; i < 85; i++ {
		_, err := fetcher.FetchPreKeyBundle(ctx, "alice")
		require.NoError(t, err)
	}
	require.Equal(t, 15, hub.OneTimePreKeyCount("alice"))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, alice.replenishOnce(ctx))

	assert.Equal(t, 100, hub.OneTimePreKeyCount("alice"))

	// The aged signed prekey was rotated and re-uploaded.
	status, err := hub.ForUser("alice").PreKeyStatus(ctx)
	require.NoError(t, err)
	assert.Greater(t, status.SignedPreKeyID, firstStatus.SignedPreKeyID)
}
