// Package ratchet implements the Double Ratchet: a DH ratchet for forward
// secrecy and post-compromise security, and per-chain symmetric ratchets for
// single-use message keys. Key derivations use HKDF-SHA256 and HMAC-SHA256;
// messages are sealed with XSalsa20-Poly1305.
package ratchet

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

// DefaultMaxSkipped bounds the skipped message key table, matching the
// Signal reference.
const DefaultMaxSkipped = 1000

// Engine drives one session's ratchet state. It is not safe for concurrent
// use; the session manager serializes access per peer.
type Engine struct {
	st         *State
	maxSkipped int
	rand       io.Reader
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSkipped overrides the skipped message key bound.
func WithMaxSkipped(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSkipped = n
		}
	}
}

// WithRand overrides the entropy source for ratchet key generation.
func WithRand(r io.Reader) Option {
	return func(e *Engine) { e.rand = r }
}

func newEngine(st *State, opts []Option) *Engine {
	e := &Engine{st: st, maxSkipped: DefaultMaxSkipped, rand: rand.Reader}
	for _, fn := range opts {
		fn(e)
	}
	return e
}

// NewSender initializes the ratchet on the initiating side, immediately
// after X3DH. One root KDF step runs here so the first message is already
// encrypted under a post-X3DH chain.
func NewSender(sharedSecret, remoteSignedPreKey []byte, opts ...Option) (*Engine, error) {
	e := newEngine(&State{}, opts)

	priv, pub, err := generateKeyPair(e.rand)
	if err != nil {
		return nil, err
	}
	dh, err := dhExchange(priv, remoteSignedPreKey)
	if err != nil {
		return nil, err
	}
	rootKey, chainSend := kdfRoot(sharedSecret, dh)
	e2ee.Wipe(dh)

	e.st = &State{
		DHPriv:    priv,
		DHPub:     pub,
		DHRemote:  append([]byte(nil), remoteSignedPreKey...),
		RootKey:   rootKey,
		ChainSend: chainSend,
	}
	return e, nil
}

// NewReceiver initializes the ratchet on the responding side. The signed
// prekey pair referenced by the initiator becomes the first ratchet key;
// the chains stay empty until the first inbound message drives a DH step.
func NewReceiver(sharedSecret, spkSecret, spkPublic []byte, opts ...Option) *Engine {
	return newEngine(&State{
		DHPriv:  append([]byte(nil), spkSecret...),
		DHPub:   append([]byte(nil), spkPublic...),
		RootKey: append([]byte(nil), sharedSecret...),
	}, opts)
}

// Resume reconstructs an engine from persisted state.
func Resume(st *State, opts ...Option) *Engine {
	return newEngine(st, opts)
}

// ResumeBytes reconstructs an engine from a serialized state.
func ResumeBytes(data []byte, opts ...Option) (*Engine, error) {
	st, err := UnmarshalState(data)
	if err != nil {
		return nil, err
	}
	return Resume(st, opts...), nil
}

// State returns the live state for inspection. Callers must not mutate it.
func (e *Engine) State() *State { return e.st }

// Snapshot serializes the current state for persistence.
func (e *Engine) Snapshot() ([]byte, error) {
	return e.st.Marshal()
}

// Wipe scrubs all secret material. The engine is unusable afterwards.
func (e *Engine) Wipe() { e.st.wipe() }

// Encrypt advances the sending chain one step and seals plaintext. The
// header carries the message number before the advance.
func (e *Engine) Encrypt(plaintext []byte) (*Message, error) {
	if e.st.ChainSend == nil {
		return nil, fmt.Errorf("sending chain not initialized")
	}
	next, mk := kdfChain(e.st.ChainSend)
	defer e2ee.Wipe(mk)

	header := Header{
		DH: append([]byte(nil), e.st.DHPub...),
		PN: e.st.PrevChainLen,
		N:  e.st.NSend,
	}
	ciphertext := seal(mk, header, plaintext)

	e2ee.Wipe(e.st.ChainSend)
	e.st.ChainSend = next
	e.st.NSend++

	return &Message{Header: header, Ciphertext: ciphertext}, nil
}

// Decrypt opens a message, ratcheting and stashing skipped keys as needed.
// All mutation happens on a scratch copy that is committed only after a
// successful open, so failed or duplicate messages leave the state intact.
func (e *Engine) Decrypt(msg *Message) ([]byte, error) {
	if len(msg.Header.DH) != 32 {
		return nil, fmt.Errorf("%w: bad ratchet key length", e2ee.ErrInvalidHeader)
	}

	tmp := e.st.clone()

	// Out-of-order delivery: a stashed key for this exact (dh, n) wins.
	if mk, ok := tmp.popSkipped(msg.Header.DH, msg.Header.N); ok {
		plaintext, err := open(mk, msg.Header, msg.Ciphertext)
		e2ee.Wipe(mk)
		if err != nil {
			tmp.wipe()
			return nil, err
		}
		e.commit(tmp)
		return plaintext, nil
	}

	sameChain := tmp.DHRemote != nil && bytes.Equal(msg.Header.DH, tmp.DHRemote)

	// A counter at or below the receive position on the current chain with
	// no stashed key is a replay. Refuse it before touching the chain so
	// the counter never rewinds.
	if sameChain && tmp.ChainRecv != nil && msg.Header.N < tmp.NRecv {
		tmp.wipe()
		return nil, fmt.Errorf("%w: duplicate message", e2ee.ErrDecryptionFailed)
	}

	skippedBudget := 0
	if !sameChain {
		// New remote ratchet key: finish out the old receiving chain, then
		// step the DH ratchet.
		if err := tmp.skipReceiveKeys(msg.Header.PN, e.maxSkipped, &skippedBudget); err != nil {
			tmp.wipe()
			return nil, err
		}
		if err := tmp.dhRatchet(msg.Header.DH, e.rand); err != nil {
			tmp.wipe()
			return nil, err
		}
	}

	if err := tmp.skipReceiveKeys(msg.Header.N, e.maxSkipped, &skippedBudget); err != nil {
		tmp.wipe()
		return nil, err
	}

	next, mk := kdfChain(tmp.ChainRecv)
	e2ee.Wipe(tmp.ChainRecv)
	tmp.ChainRecv = next
	tmp.NRecv = msg.Header.N + 1

	plaintext, err := open(mk, msg.Header, msg.Ciphertext)
	e2ee.Wipe(mk)
	if err != nil {
		tmp.wipe()
		return nil, err
	}
	e.commit(tmp)
	return plaintext, nil
}

// SkippedCount reports the current size of the skipped key table.
func (e *Engine) SkippedCount() int { return len(e.st.Skipped) }

func (e *Engine) commit(tmp *State) {
	e.st.wipe()
	e.st = tmp
}

// popSkipped removes and returns the stashed key for (dh, n), if any.
func (s *State) popSkipped(dh []byte, n uint32) ([]byte, bool) {
	for i, sk := range s.Skipped {
		if sk.N == n && bytes.Equal(sk.DH, dh) {
			mk := sk.MessageKey
			s.Skipped = append(s.Skipped[:i], s.Skipped[i+1:]...)
			return mk, true
		}
	}
	return nil, false
}

// skipReceiveKeys derives and stashes message keys for positions NRecv
// through until-1 on the current receiving chain. budget accumulates the
// keys stashed by one decrypt; a single decrypt may not stash more than the
// bound. Across decrypts the table is pruned FIFO instead.
func (s *State) skipReceiveKeys(until uint32, maxSkipped int, budget *int) error {
	if s.ChainRecv == nil || until <= s.NRecv {
		return nil
	}
	if *budget+int(until-s.NRecv) > maxSkipped {
		return fmt.Errorf("%w: %d keys in one message", e2ee.ErrTooManySkipped, until-s.NRecv)
	}
	for s.NRecv < until {
		next, mk := kdfChain(s.ChainRecv)
		e2ee.Wipe(s.ChainRecv)
		s.ChainRecv = next
		s.Skipped = append(s.Skipped, SkippedKey{
			DH:         append([]byte(nil), s.DHRemote...),
			N:          s.NRecv,
			MessageKey: mk,
		})
		s.NRecv++
		*budget++
	}
	for len(s.Skipped) > maxSkipped {
		e2ee.Wipe(s.Skipped[0].MessageKey)
		s.Skipped = s.Skipped[1:]
	}
	return nil
}

// dhRatchet ingests a new remote ratchet key: derive the receiving chain
// with the current pair, rotate in a fresh pair, derive the sending chain.
func (s *State) dhRatchet(newRemote []byte, rng io.Reader) error {
	s.PrevChainLen = s.NSend
	s.NSend = 0
	s.NRecv = 0
	s.DHRemote = append([]byte(nil), newRemote...)

	dh, err := dhExchange(s.DHPriv, s.DHRemote)
	if err != nil {
		return err
	}
	rk, ckr := kdfRoot(s.RootKey, dh)
	e2ee.Wipe(dh)
	e2ee.Wipe(s.RootKey)
	e2ee.Wipe(s.ChainRecv)
	s.RootKey = rk
	s.ChainRecv = ckr

	priv, pub, err := generateKeyPair(rng)
	if err != nil {
		return err
	}
	e2ee.Wipe(s.DHPriv)
	s.DHPriv = priv
	s.DHPub = pub

	dh, err = dhExchange(s.DHPriv, s.DHRemote)
	if err != nil {
		return err
	}
	rk, cks := kdfRoot(s.RootKey, dh)
	e2ee.Wipe(dh)
	e2ee.Wipe(s.RootKey)
	e2ee.Wipe(s.ChainSend)
	s.RootKey = rk
	s.ChainSend = cks
	return nil
}

// generateKeyPair produces a clamped X25519 scalar and its public point.
func generateKeyPair(rng io.Reader) (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rng, priv); err != nil {
		return nil, nil, fmt.Errorf("generate ratchet key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive ratchet public key: %w", err)
	}
	return priv, pub, nil
}

func dhExchange(priv, pub []byte) ([]byte, error) {
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("dh exchange: %w", err)
	}
	return out, nil
}

func seal(mk []byte, h Header, plaintext []byte) []byte {
	var key [32]byte
	var nonce [24]byte
	deriveMessageCipher(mk, h.encode(), &key, &nonce)
	out := secretbox.Seal(nil, plaintext, &nonce, &key)
	e2ee.Wipe(key[:])
	return out
}

func open(mk []byte, h Header, ciphertext []byte) ([]byte, error) {
	var key [32]byte
	var nonce [24]byte
	deriveMessageCipher(mk, h.encode(), &key, &nonce)
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	e2ee.Wipe(key[:])
	if !ok {
		return nil, fmt.Errorf("%w: message open", e2ee.ErrDecryptionFailed)
	}
	return plaintext, nil
}
