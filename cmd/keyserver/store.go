package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

// bundleStore is the server-side prekey bundle store. One one-time prekey is
// popped per bundle fetch.
type bundleStore interface {
	SaveUpload(ctx context.Context, userID string, upload *e2ee.PreKeyUpload) error
	PopBundle(ctx context.Context, userID string) (*e2ee.PreKeyBundle, error)
	Status(ctx context.Context, userID string) (*e2ee.PreKeyStatus, error)
}

// --- in-memory store ---

type memUser struct {
	identityKey   string
	signingKey    string
	signedPreKey  *e2ee.SignedPreKeyPublic
	spkUploadedAt time.Time
	oneTimeKeys   []e2ee.OneTimePreKeyPublic
}

type memStore struct {
	mu    sync.Mutex
	users map[string]*memUser
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*memUser)}
}

func (s *memStore) SaveUpload(_ context.Context, userID string, upload *e2ee.PreKeyUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &memUser{}
		s.users[userID] = u
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

func (s *memStore) PopBundle(_ context.Context, userID string) (*e2ee.PreKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.signedPreKey == nil {
		return nil, errNoBundle
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

func (s *memStore) Status(_ context.Context, userID string) (*e2ee.PreKeyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := &e2ee.PreKeyStatus{}
	if u, ok := s.users[userID]; ok {
		status.OneTimePreKeyCount = len(u.oneTimeKeys)
		if u.signedPreKey != nil {
			status.SignedPreKeyID = u.signedPreKey.KeyID
			ms := u.spkUploadedAt.UnixMilli()
			status.SignedPreKeyCreatedAt = &ms
		}
	}
	return status, nil
}

var errNoBundle = fmt.Errorf("no prekey bundle")

// --- redis store ---

// redisIdentity is the per-user identity record in Redis.
type redisIdentity struct {
	IdentityKey   string                   `json:"identity_key"`
	SigningKey    string                   `json:"signing_key"`
	SignedPreKey  *e2ee.SignedPreKeyPublic `json:"signed_prekey,omitempty"`
	SPKUploadedAt int64                    `json:"spk_uploaded_at"`
}

type redisStore struct {
	client *redis.Client
}

func newRedisStore(url string) (*redisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: url})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{client: client}, nil
}

func identityKey(userID string) string { return "prekeys:identity:" + userID }
func opkListKey(userID string) string  { return "prekeys:opks:" + userID }

func (s *redisStore) SaveUpload(ctx context.Context, userID string, upload *e2ee.PreKeyUpload) error {
	rec := &redisIdentity{}
	if data, err := s.client.Get(ctx, identityKey(userID)).Bytes(); err == nil {
		_ = json.Unmarshal(data, rec)
	}
	rec.IdentityKey = upload.IdentityKey
	rec.SigningKey = upload.SigningKey
	if upload.SignedPreKey != nil {
		spk := *upload.SignedPreKey
		rec.SignedPreKey = &spk
		rec.SPKUploadedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, identityKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set identity: %w", err)
	}
	if len(upload.OneTimePreKeys) > 0 {
		entries := make([]interface{}, 0, len(upload.OneTimePreKeys))
		for _, opk := range upload.OneTimePreKeys {
			entry, err := json.Marshal(opk)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		if err := s.client.RPush(ctx, opkListKey(userID), entries...).Err(); err != nil {
			return fmt.Errorf("redis push prekeys: %w", err)
		}
	}
	return nil
}

func (s *redisStore) PopBundle(ctx context.Context, userID string) (*e2ee.PreKeyBundle, error) {
	data, err := s.client.Get(ctx, identityKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, errNoBundle
	}
	if err != nil {
		return nil, fmt.Errorf("redis get identity: %w", err)
	}
	rec := &redisIdentity{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	if rec.SignedPreKey == nil {
		return nil, errNoBundle
	}
	bundle := &e2ee.PreKeyBundle{
		IdentityKey:  rec.IdentityKey,
		SigningKey:   rec.SigningKey,
		SignedPreKey: *rec.SignedPreKey,
	}
	entry, err := s.client.LPop(ctx, opkListKey(userID)).Bytes()
	if err == nil {
		opk := &e2ee.OneTimePreKeyPublic{}
		if err := json.Unmarshal(entry, opk); err == nil {
			bundle.OneTimePreKey = opk
		}
	} else if err != redis.Nil {
		return nil, fmt.Errorf("redis pop prekey: %w", err)
	}
	return bundle, nil
}

func (s *redisStore) Status(ctx context.Context, userID string) (*e2ee.PreKeyStatus, error) {
	status := &e2ee.PreKeyStatus{}
	count, err := s.client.LLen(ctx, opkListKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis llen: %w", err)
	}
	status.OneTimePreKeyCount = int(count)

	data, err := s.client.Get(ctx, identityKey(userID)).Bytes()
	if err == redis.Nil {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get identity: %w", err)
	}
	rec := &redisIdentity{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	if rec.SignedPreKey != nil {
		status.SignedPreKeyID = rec.SignedPreKey.KeyID
		ms := rec.SPKUploadedAt
		status.SignedPreKeyCreatedAt = &ms
	}
	return status, nil
}
