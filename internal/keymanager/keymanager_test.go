package keymanager

import (
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/securechat/internal/keystore"
)

func newManager(t *testing.T) (*Manager, *keystore.MemoryStore) {
	t.Helper()
	store := keystore.NewMemory()
	m := New(store)
	require.NoError(t, m.Initialize())
	return m, store
}

func TestDeriveIdentityDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	a, err := DeriveIdentity(seed)
	require.NoError(t, err)
	b, err := DeriveIdentity(append([]byte(nil), seed...))
	require.NoError(t, err)

	assert.Equal(t, a.SigningKey, b.SigningKey)
	assert.Equal(t, a.IdentityKey, b.IdentityKey)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	// The two pairs are independent keys.
	assert.NotEqual(t, []byte(a.SigningKey), a.IdentityKey)
}

func TestDeriveIdentityRejectsShortSeed(t *testing.T) {
	_, err := DeriveIdentity([]byte("short"))
	require.Error(t, err)
}

func TestFingerprintFormat(t *testing.T) {
	key := make([]byte, 32)
	fp := FormatFingerprint(key)

	groups := strings.Split(fp, " ")
	assert.Len(t, groups, 16, "sha256 hex in 4-char groups")
	for _, g := range groups {
		assert.Len(t, g, 4)
		assert.Equal(t, strings.ToLower(g), g)
	}
}

func TestInitializeIsStable(t *testing.T) {
	store := keystore.NewMemory()
	m := New(store)
	require.NoError(t, m.Initialize())
	fp := m.Identity().Fingerprint

	// A second manager over the same store loads the same identity.
	m2 := New(store)
	require.NoError(t, m2.Initialize())
	assert.Equal(t, fp, m2.Identity().Fingerprint)
	assert.Equal(t, m.Identity().IdentityKey, m2.Identity().IdentityKey)
}

func TestRotateSignedPreKey(t *testing.T) {
	m, _ := newManager(t)

	first, err := m.RotateSignedPreKey()
	require.NoError(t, err)
	second, err := m.RotateSignedPreKey()
	require.NoError(t, err)

	assert.Greater(t, second.KeyID, first.KeyID)
	assert.True(t, ed25519.Verify(m.Identity().SigningKey, second.PublicKey, second.Signature))

	// The previous prekey stays loadable for in-flight sessions.
	prev, err := m.SignedPreKey(first.KeyID)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, prev.PublicKey)

	current, err := m.CurrentSignedPreKey()
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, current.KeyID)
}

func TestGenerateOneTimePreKeysContiguousIDs(t *testing.T) {
	m, store := newManager(t)

	batch, err := m.GenerateOneTimePreKeys(5)
	require.NoError(t, err)
	require.Len(t, batch, 5)
	for i := 1; i < len(batch); i++ {
		assert.Equal(t, batch[i-1].KeyID+1, batch[i].KeyID)
	}

	count, err := store.CountOneTimePreKeys()
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestKeyIDsStrictlyMonotonic(t *testing.T) {
	m, _ := newManager(t)

	var last uint32
	for i := 0; i < 4; i++ {
		spk, err := m.RotateSignedPreKey()
		require.NoError(t, err)
		assert.Greater(t, spk.KeyID, last)
		last = spk.KeyID

		batch, err := m.GenerateOneTimePreKeys(3)
		require.NoError(t, err)
		for _, opk := range batch {
			assert.Greater(t, opk.KeyID, last)
			last = opk.KeyID
		}
	}
}

func TestPendingBundleAndMarkUploaded(t *testing.T) {
	m, _ := newManager(t)

	_, err := m.RotateSignedPreKey()
	require.NoError(t, err)
	_, err = m.GenerateOneTimePreKeys(3)
	require.NoError(t, err)

	upload, err := m.PendingBundle()
	require.NoError(t, err)
	require.NotNil(t, upload.SignedPreKey)
	assert.Len(t, upload.OneTimePreKeys, 3)
	assert.NotEmpty(t, upload.IdentityKey)
	assert.NotEmpty(t, upload.SigningKey)

	require.NoError(t, m.MarkBundleUploaded(upload))

	// Nothing pending afterwards; marking again is a no-op.
	again, err := m.PendingBundle()
	require.NoError(t, err)
	assert.True(t, again.Empty())
	require.NoError(t, m.MarkBundleUploaded(upload))
}

func TestConsumeOneTimePreKeyOnce(t *testing.T) {
	m, _ := newManager(t)

	batch, err := m.GenerateOneTimePreKeys(1)
	require.NoError(t, err)
	id := batch[0].KeyID

	rec, err := m.ConsumeOneTimePreKey(id)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.SecretKey)

	_, err = m.ConsumeOneTimePreKey(id)
	require.Error(t, err)
}

func TestResetIdentity(t *testing.T) {
	m, store := newManager(t)

	oldFingerprint := m.Identity().Fingerprint
	_, err := m.RotateSignedPreKey()
	require.NoError(t, err)
	batch, err := m.GenerateOneTimePreKeys(2)
	require.NoError(t, err)
	lastID := batch[len(batch)-1].KeyID

	require.NoError(t, m.ResetIdentity())

	assert.NotEqual(t, oldFingerprint, m.Identity().Fingerprint)
	count, err := store.CountOneTimePreKeys()
	require.NoError(t, err)
	assert.Zero(t, count)

	// Key ids keep climbing across the reset.
	spk, err := m.RotateSignedPreKey()
	require.NoError(t, err)
	assert.Greater(t, spk.KeyID, lastID)
}
