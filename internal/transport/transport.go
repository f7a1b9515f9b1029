// Package transport carries envelopes and prekey material between the
// client and the server. The encryption core depends only on the Transport
// interface; an HTTP+WebSocket implementation and an in-memory hub for
// tests are provided.
package transport

import (
	"context"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

// EnvelopeHandler receives inbound envelopes. peerID is the sender.
type EnvelopeHandler func(peerID, envelope string)

// Transport is the narrow capability interface the session manager needs.
type Transport interface {
	// FetchPreKeyBundle fetches (and server-side consumes) a prekey bundle
	// for a peer.
	FetchPreKeyBundle(ctx context.Context, peerID string) (*e2ee.PreKeyBundle, error)

	// UploadPreKeys pushes staged prekey material.
	UploadPreKeys(ctx context.Context, upload *e2ee.PreKeyUpload) error

	// PreKeyStatus reports the server's view of the local user's bundle.
	PreKeyStatus(ctx context.Context) (*e2ee.PreKeyStatus, error)

	// SendEnvelope delivers an encrypted envelope to a peer.
	SendEnvelope(ctx context.Context, peerID, envelope string) error
}
