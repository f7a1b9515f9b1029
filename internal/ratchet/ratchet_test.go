package ratchet

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"testing"

	mrand "github.com/ericlagergren/saferand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

// newPair builds a paired sender/receiver the way X3DH would: a shared
// secret plus the receiver's signed prekey pair.
func newPair(t *testing.T, opts ...Option) (alice, bob *Engine) {
	t.Helper()
	sk := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, sk)
	require.NoError(t, err)

	spkSecret, spkPublic, err := generateKeyPair(rand.Reader)
	require.NoError(t, err)

	alice, err = NewSender(sk, spkPublic, opts...)
	require.NoError(t, err)
	bob = NewReceiver(sk, spkSecret, spkPublic, opts...)
	return alice, bob
}

func TestRoundTrip(t *testing.T) {
	alice, bob := newPair(t)

	for i := 0; i < 10; i++ {
		plaintext := []byte(fmt.Sprintf("message %d", i))
		msg, err := alice.Encrypt(plaintext)
		require.NoError(t, err)

		got, err := bob.Decrypt(msg)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestHeaderCounters(t *testing.T) {
	alice, _ := newPair(t)

	for i := uint32(0); i < 3; i++ {
		msg, err := alice.Encrypt([]byte("x"))
		require.NoError(t, err)
		// The header carries the count before the message.
		assert.Equal(t, i, msg.Header.N)
		assert.Equal(t, uint32(0), msg.Header.PN)
	}
	assert.Equal(t, uint32(3), alice.State().NSend)
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob := newPair(t)

	msgs := make([]*Message, 5)
	for i := range msgs {
		msg, err := alice.Encrypt([]byte(fmt.Sprintf("m%d", i+1)))
		require.NoError(t, err)
		msgs[i] = msg
	}

	// Arrival order M3, M1, M5, M4, M2.
	for _, idx := range []int{2, 0, 4, 3, 1} {
		got, err := bob.Decrypt(msgs[idx])
		require.NoError(t, err, "message %d", idx+1)
		assert.Equal(t, []byte(fmt.Sprintf("m%d", idx+1)), got)
	}
	assert.Zero(t, bob.SkippedCount(), "all skipped keys consumed")
}

func TestArbitraryPermutation(t *testing.T) {
	alice, bob := newPair(t)

	const n = 50
	msgs := make([]*Message, n)
	for i := range msgs {
		msg, err := alice.Encrypt([]byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		msgs[i] = msg
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	mrand.Shuffle(n, func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	for _, idx := range order {
		got, err := bob.Decrypt(msgs[idx])
		require.NoError(t, err, "message %d", idx)
		assert.Equal(t, []byte(fmt.Sprintf("m%d", idx)), got)
	}
	assert.Zero(t, bob.SkippedCount())
}

func TestReplyRatchetStep(t *testing.T) {
	alice, bob := newPair(t)

	m1, err := alice.Encrypt([]byte("m1"))
	require.NoError(t, err)
	_, err = bob.Decrypt(m1)
	require.NoError(t, err)

	// Bob's first outbound runs under his post-ratchet chain: fresh DH key,
	// nothing sent on a previous chain.
	r1, err := bob.Encrypt([]byte("r1"))
	require.NoError(t, err)
	assert.NotEqual(t, m1.Header.DH, r1.Header.DH)
	assert.Equal(t, uint32(0), r1.Header.PN)
	assert.Equal(t, uint32(0), r1.Header.N)

	_, err = alice.Decrypt(r1)
	require.NoError(t, err)
	assert.Equal(t, r1.Header.DH, alice.State().DHRemote)

	// Alice ratcheted on receipt: her next header reports the one message
	// sent under her previous chain.
	m2, err := alice.Encrypt([]byte("m2"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m2.Header.PN)
	assert.Equal(t, uint32(0), m2.Header.N)

	got, err := bob.Decrypt(m2)
	require.NoError(t, err)
	assert.Equal(t, []byte("m2"), got)
}

func TestDuplicateDeliveryFailsCleanly(t *testing.T) {
	alice, bob := newPair(t)

	m1, err := alice.Encrypt([]byte("once"))
	require.NoError(t, err)
	_, err = bob.Decrypt(m1)
	require.NoError(t, err)

	_, err = bob.Decrypt(m1)
	require.ErrorIs(t, err, e2ee.ErrDecryptionFailed)

	// State survived the replay: the next message still decrypts.
	m2, err := alice.Encrypt([]byte("twice"))
	require.NoError(t, err)
	got, err := bob.Decrypt(m2)
	require.NoError(t, err)
	assert.Equal(t, []byte("twice"), got)
}

func TestTooManySkippedSingleDecrypt(t *testing.T) {
	alice, bob := newPair(t, WithMaxSkipped(10))

	msgs := make([]*Message, 12)
	for i := range msgs {
		msg, err := alice.Encrypt([]byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		msgs[i] = msg
	}

	// Decrypting message 11 alone would stash 11 keys.
	_, err := bob.Decrypt(msgs[11])
	require.ErrorIs(t, err, e2ee.ErrTooManySkipped)

	// The refused message left the session intact.
	got, err := bob.Decrypt(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("m0"), got)
}

func TestSkippedKeyFIFOEviction(t *testing.T) {
	alice, bob := newPair(t, WithMaxSkipped(10))

	msgs := make([]*Message, 20)
	for i := range msgs {
		msg, err := alice.Encrypt([]byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		msgs[i] = msg
	}

	// Receive m5 then m11 then m19: 5 + 5 + 7 keys stashed, bound 10.
	for _, idx := range []int{5, 11, 19} {
		_, err := bob.Decrypt(msgs[idx])
		require.NoError(t, err)
	}
	assert.Equal(t, 10, bob.SkippedCount())

	// The oldest seven keys (m0..m4, m6, m7) were evicted FIFO; m0 now
	// fails cleanly.
	_, err := bob.Decrypt(msgs[0])
	require.ErrorIs(t, err, e2ee.ErrDecryptionFailed)

	// m12 survived eviction.
	got, err := bob.Decrypt(msgs[12])
	require.NoError(t, err)
	assert.Equal(t, []byte("m12"), got)
}

func TestLongExchangeWithDrops(t *testing.T) {
	alice, bob := newPair(t)

	// Bob drops every even-numbered message across 2000 sends; the table
	// never exceeds the bound.
	for i := 0; i < 2000; i++ {
		msg, err := alice.Encrypt([]byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		if i%2 == 1 {
			_, err := bob.Decrypt(msg)
			require.NoError(t, err)
		}
		require.LessOrEqual(t, bob.SkippedCount(), DefaultMaxSkipped)
	}
	assert.Equal(t, DefaultMaxSkipped, bob.SkippedCount())
}

func TestTamperedCiphertextRejected(t *testing.T) {
	alice, bob := newPair(t)

	msg, err := alice.Encrypt([]byte("integrity"))
	require.NoError(t, err)
	msg.Ciphertext[0] ^= 0x01

	_, err = bob.Decrypt(msg)
	require.ErrorIs(t, err, e2ee.ErrDecryptionFailed)
}

func TestTamperedHeaderRejected(t *testing.T) {
	alice, bob := newPair(t)

	msg, err := alice.Encrypt([]byte("bound header"))
	require.NoError(t, err)
	msg.Header.PN = 7

	// The header enters the AEAD derivation; any change kills the open.
	_, err = bob.Decrypt(msg)
	require.Error(t, err)
}

func TestStateSerializationRoundTrip(t *testing.T) {
	alice, bob := newPair(t)

	// Build up nontrivial state: a skipped key and a full ratchet turn.
	m1, err := alice.Encrypt([]byte("m1"))
	require.NoError(t, err)
	m2, err := alice.Encrypt([]byte("m2"))
	require.NoError(t, err)
	_, err = bob.Decrypt(m2)
	require.NoError(t, err)
	require.Equal(t, 1, bob.SkippedCount())

	snap, err := bob.Snapshot()
	require.NoError(t, err)
	restored, err := ResumeBytes(snap)
	require.NoError(t, err)

	// Byte-identical round trip.
	snap2, err := restored.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snap, snap2)

	// The restored session continues the conversation, including the
	// stashed out-of-order key.
	got, err := restored.Decrypt(m1)
	require.NoError(t, err)
	assert.Equal(t, []byte("m1"), got)

	reply, err := restored.Encrypt([]byte("r1"))
	require.NoError(t, err)
	got, err = alice.Decrypt(reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("r1"), got)
}

func TestResumeBytesRejectsGarbage(t *testing.T) {
	_, err := ResumeBytes([]byte("not json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, e2ee.ErrDecryptionFailed))
}

func TestReceiverCannotSendFirst(t *testing.T) {
	_, bob := newPair(t)
	_, err := bob.Encrypt([]byte("premature"))
	require.Error(t, err)
}
