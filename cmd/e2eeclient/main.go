// e2eeclient demonstrates the encryption core end to end: two in-process
// users establish a session over the in-memory hub and exchange messages,
// including an out-of-order delivery.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jaydenbeard/securechat/internal/config"
	"github.com/jaydenbeard/securechat/internal/keymanager"
	"github.com/jaydenbeard/securechat/internal/keystore"
	"github.com/jaydenbeard/securechat/internal/session"
	"github.com/jaydenbeard/securechat/internal/transport"
)

func main() {
	ctx := context.Background()
	hub := transport.NewHub()

	alice := newUser(ctx, hub, "alice")
	defer alice.Close()
	bob := newUser(ctx, hub, "bob")
	defer bob.Close()

	fmt.Printf("alice fingerprint: %s\n", alice.Fingerprint())
	fmt.Printf("bob fingerprint:   %s\n", bob.Fingerprint())

	// Route deliveries straight into each manager.
	hub.Subscribe("bob", func(from, envelope string) {
		plaintext, err := bob.Decrypt(ctx, from, envelope)
		if err != nil {
			log.Fatalf("bob decrypt: %v", err)
		}
		fmt.Printf("bob   <- %s: %q\n", from, plaintext)
	})
	hub.Subscribe("alice", func(from, envelope string) {
		plaintext, err := alice.Decrypt(ctx, from, envelope)
		if err != nil {
			log.Fatalf("alice decrypt: %v", err)
		}
		fmt.Printf("alice <- %s: %q\n", from, plaintext)
	})

	if err := alice.Send(ctx, "bob", []byte("hello bob")); err != nil {
		log.Fatalf("alice send: %v", err)
	}
	if err := bob.Send(ctx, "alice", []byte("hey alice")); err != nil {
		log.Fatalf("bob send: %v", err)
	}

	// Out-of-order delivery: encrypt two, deliver the second first.
	first, err := alice.Encrypt(ctx, "bob", []byte("message one"))
	if err != nil {
		log.Fatalf("alice encrypt: %v", err)
	}
	second, err := alice.Encrypt(ctx, "bob", []byte("message two"))
	if err != nil {
		log.Fatalf("alice encrypt: %v", err)
	}
	for _, envelope := range []string{second, first} {
		plaintext, err := bob.Decrypt(ctx, "alice", envelope)
		if err != nil {
			log.Fatalf("bob decrypt out of order: %v", err)
		}
		fmt.Printf("bob   <- alice (reordered): %q\n", plaintext)
	}

	fmt.Printf("bob one-time prekeys remaining on server: %d\n", hub.OneTimePreKeyCount("bob"))
}

func newUser(ctx context.Context, hub *transport.Hub, userID string) *session.Manager {
	cfg := config.Defaults()
	cfg.UserID = userID

	store := keystore.NewMemory()
	keys := keymanager.New(store)
	mgr := session.NewManager(userID, store, keys, hub.ForUser(userID), cfg)
	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("start %s: %v", userID, err)
	}
	return mgr
}
