package keystore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

func TestRecordCipherRoundTrip(t *testing.T) {
	key, err := newMasterKey()
	require.NoError(t, err)
	c, err := newRecordCipher(key)
	require.NoError(t, err)

	plaintext := []byte("super secret chain key material")
	blob, err := c.seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "secret")

	got, err := c.open(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestRecordCipherFreshIVPerSeal(t *testing.T) {
	key, err := newMasterKey()
	require.NoError(t, err)
	c, err := newRecordCipher(key)
	require.NoError(t, err)

	a, err := c.seal([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := c.seal([]byte("same plaintext"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b), "two seals must differ")
}

func TestRecordCipherNilPassthrough(t *testing.T) {
	key, err := newMasterKey()
	require.NoError(t, err)
	c, err := newRecordCipher(key)
	require.NoError(t, err)

	blob, err := c.seal(nil)
	require.NoError(t, err)
	assert.Nil(t, blob)

	got, err := c.open(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordCipherTamperDetected(t *testing.T) {
	key, err := newMasterKey()
	require.NoError(t, err)
	c, err := newRecordCipher(key)
	require.NoError(t, err)

	blob, err := c.seal([]byte("payload"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0x01

	_, err = c.open(blob)
	require.ErrorIs(t, err, e2ee.ErrDecryptionFailed)
}

func TestMasterKeyWrapUnwrap(t *testing.T) {
	key, err := newMasterKey()
	require.NoError(t, err)

	blob, err := wrapMasterKey(key, "correct horse battery staple")
	require.NoError(t, err)

	got, err := unwrapMasterKey(blob, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = unwrapMasterKey(blob, "wrong passphrase")
	require.ErrorIs(t, err, e2ee.ErrDecryptionFailed)
}
