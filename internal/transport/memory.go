package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

// Hub is an in-memory stand-in for the server: it stores uploaded bundles,
// pops one one-time prekey per bundle fetch, and routes envelopes between
// registered users. It backs tests and the demo client.
type Hub struct {
	mu       sync.Mutex
	users    map[string]*hubUser
	handlers map[string]EnvelopeHandler
}

type hubUser struct {
	identityKey   string
	signingKey    string
	signedPreKey  *e2ee.SignedPreKeyPublic
	spkUploadedAt time.Time
	oneTimeKeys   []e2ee.OneTimePreKeyPublic
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		users:    make(map[string]*hubUser),
		handlers: make(map[string]EnvelopeHandler),
	}
}

// ForUser returns the hub viewed as one user's Transport.
func (h *Hub) ForUser(userID string) Transport {
	return &hubClient{hub: h, userID: userID}
}

// Subscribe registers the delivery handler for a user.
func (h *Hub) Subscribe(userID string, handler EnvelopeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[userID] = handler
}

// OneTimePreKeyCount reports a user's remaining supply, for tests.
func (h *Hub) OneTimePreKeyCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u, ok := h.users[userID]; ok {
		return len(u.oneTimeKeys)
	}
	return 0
}

// DropOneTimePreKeys empties a user's supply, for tests exercising the
// OPK-less X3DH path.
func (h *Hub) DropOneTimePreKeys(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u, ok := h.users[userID]; ok {
		u.oneTimeKeys = nil
	}
}

type hubClient struct {
	hub    *Hub
	userID string
}

var _ Transport = (*hubClient)(nil)

func (c *hubClient) FetchPreKeyBundle(_ context.Context, peerID string) (*e2ee.PreKeyBundle, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	u, ok := c.hub.users[peerID]
	if !ok || u.signedPreKey == nil {
		return nil, fmt.Errorf("%w: no bundle for %s", e2ee.ErrTransport, peerID)
	}
	bundle := &e2ee.PreKeyBundle{
		IdentityKey:  u.identityKey,
		SigningKey:   u.signingKey,
		SignedPreKey: *u.signedPreKey,
	}
	if len(u.oneTimeKeys) > 0 {
		opk := u.oneTimeKeys[0]
		u.oneTimeKeys = u.oneTimeKeys[1:]
		bundle.OneTimePreKey = &opk
	}
	return bundle, nil
}

func (c *hubClient) UploadPreKeys(_ context.Context, upload *e2ee.PreKeyUpload) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	u, ok := c.hub.users[c.userID]
	if !ok {
		u = &hubUser{}
		c.hub.users[c.userID] = u
	}
	u.identityKey = upload.IdentityKey
	u.signingKey = upload.SigningKey
	if upload.SignedPreKey != nil {
		spk := *upload.SignedPreKey
		u.signedPreKey = &spk
		u.spkUploadedAt = time.Now()
	}
	u.oneTimeKeys = append(u.oneTimeKeys, upload.OneTimePreKeys...)
	return nil
}

func (c *hubClient) PreKeyStatus(_ context.Context) (*e2ee.PreKeyStatus, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	status := &e2ee.PreKeyStatus{}
	if u, ok := c.hub.users[c.userID]; ok {
		status.OneTimePreKeyCount = len(u.oneTimeKeys)
		if u.signedPreKey != nil {
			status.SignedPreKeyID = u.signedPreKey.KeyID
			ms := u.spkUploadedAt.UnixMilli()
			status.SignedPreKeyCreatedAt = &ms
		}
	}
	return status, nil
}

func (c *hubClient) SendEnvelope(_ context.Context, peerID, envelope string) error {
	c.hub.mu.Lock()
	handler, ok := c.hub.handlers[peerID]
	c.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s not subscribed", e2ee.ErrTransport, peerID)
	}
	handler(c.userID, envelope)
	return nil
}
