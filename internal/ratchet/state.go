package ratchet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

// Header accompanies every message: the sender's current ratchet public key,
// the previous sending chain length, and the message number.
type Header struct {
	DH []byte
	PN uint32
	N  uint32
}

// encode is the canonical header form used as AEAD associated data:
// dh (32 bytes) || pn (BE32) || n (BE32).
func (h Header) encode() []byte {
	buf := make([]byte, len(h.DH)+8)
	copy(buf, h.DH)
	binary.BigEndian.PutUint32(buf[len(h.DH):], h.PN)
	binary.BigEndian.PutUint32(buf[len(h.DH)+4:], h.N)
	return buf
}

// Message is one Double Ratchet message.
type Message struct {
	Header     Header
	Ciphertext []byte
}

// SkippedKey is one stashed message key for an out-of-order message,
// identified by the ratchet public key of its chain and its message number.
type SkippedKey struct {
	DH         []byte `json:"dh"`
	N          uint32 `json:"n"`
	MessageKey []byte `json:"mk"`
}

// State is the serializable Double Ratchet state. The slice ordering of
// Skipped is the FIFO insertion order and survives round-trips.
type State struct {
	DHPriv       []byte       `json:"dh_priv"`
	DHPub        []byte       `json:"dh_pub"`
	DHRemote     []byte       `json:"dh_remote,omitempty"`
	RootKey      []byte       `json:"root_key"`
	ChainSend    []byte       `json:"chain_send,omitempty"`
	NSend        uint32       `json:"n_send"`
	ChainRecv    []byte       `json:"chain_recv,omitempty"`
	NRecv        uint32       `json:"n_recv"`
	PrevChainLen uint32       `json:"prev_chain_len"`
	Skipped      []SkippedKey `json:"skipped,omitempty"`
}

// Marshal serializes the state. The caller re-encrypts the result before it
// touches disk.
func (s *State) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal ratchet state: %w", err)
	}
	return data, nil
}

// UnmarshalState parses a serialized state.
func UnmarshalState(data []byte) (*State, error) {
	s := &State{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: ratchet state: %v", e2ee.ErrDecryptionFailed, err)
	}
	if len(s.RootKey) != 32 || len(s.DHPriv) != 32 || len(s.DHPub) != 32 {
		return nil, fmt.Errorf("%w: ratchet state truncated", e2ee.ErrDecryptionFailed)
	}
	return s, nil
}

func (s *State) clone() *State {
	cp := &State{
		DHPriv:       append([]byte(nil), s.DHPriv...),
		DHPub:        append([]byte(nil), s.DHPub...),
		DHRemote:     append([]byte(nil), s.DHRemote...),
		RootKey:      append([]byte(nil), s.RootKey...),
		ChainSend:    append([]byte(nil), s.ChainSend...),
		NSend:        s.NSend,
		ChainRecv:    append([]byte(nil), s.ChainRecv...),
		NRecv:        s.NRecv,
		PrevChainLen: s.PrevChainLen,
	}
	if s.Skipped != nil {
		cp.Skipped = make([]SkippedKey, len(s.Skipped))
		for i, sk := range s.Skipped {
			cp.Skipped[i] = SkippedKey{
				DH:         append([]byte(nil), sk.DH...),
				N:          sk.N,
				MessageKey: append([]byte(nil), sk.MessageKey...),
			}
		}
	}
	if len(cp.DHRemote) == 0 {
		cp.DHRemote = nil
	}
	if len(cp.ChainSend) == 0 {
		cp.ChainSend = nil
	}
	if len(cp.ChainRecv) == 0 {
		cp.ChainRecv = nil
	}
	return cp
}

// wipe scrubs every secret buffer in the state.
func (s *State) wipe() {
	e2ee.Wipe(s.DHPriv)
	e2ee.Wipe(s.RootKey)
	e2ee.Wipe(s.ChainSend)
	e2ee.Wipe(s.ChainRecv)
	for i := range s.Skipped {
		e2ee.Wipe(s.Skipped[i].MessageKey)
	}
}
