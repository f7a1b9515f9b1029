package e2ee

import "errors"

// Error taxonomy for the encryption core. Callers classify failures with
// errors.Is; lower layers wrap these sentinels with context via fmt.Errorf.
var (
	// ErrStorageUnavailable indicates the local key store could not be opened
	// or written. Fatal for the session; surface to the caller.
	ErrStorageUnavailable = errors.New("e2ee: key storage unavailable")

	// ErrDecryptionFailed indicates an AEAD open failed, either on a stored
	// secret or an incoming message. Possible tampering.
	ErrDecryptionFailed = errors.New("e2ee: decryption failed")

	// ErrBundleUnverified indicates the signed prekey signature in a fetched
	// bundle did not verify against the peer's identity signing key.
	ErrBundleUnverified = errors.New("e2ee: prekey bundle signature invalid")

	// ErrOpkAlreadyConsumed indicates an inbound session establishment
	// referenced a one-time prekey that was already used.
	ErrOpkAlreadyConsumed = errors.New("e2ee: one-time prekey already consumed")

	// ErrTooManySkipped indicates a single decrypt would exceed the skipped
	// message key bound. The message is refused; the session stays usable.
	ErrTooManySkipped = errors.New("e2ee: too many skipped message keys")

	// ErrSessionNotFound indicates a decrypt for a peer with no session and
	// no X3DH prelude in the envelope, or a prelude that names a signed or
	// one-time prekey the local store does not hold.
	ErrSessionNotFound = errors.New("e2ee: no session for peer")

	// ErrTransport indicates a bundle fetch or prekey upload failed.
	ErrTransport = errors.New("e2ee: transport error")

	// ErrInvalidHeader indicates a malformed envelope. Drop the message.
	ErrInvalidHeader = errors.New("e2ee: invalid envelope")

	// ErrIdentityMismatch indicates the peer's identity key changed since the
	// session was established. This is a trust decision for the user, not an
	// automatic re-acceptance.
	ErrIdentityMismatch = errors.New("e2ee: peer identity key changed")

	// ErrNotFound indicates a record does not exist in the key store.
	ErrNotFound = errors.New("e2ee: not found")
)
