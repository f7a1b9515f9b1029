package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

func TestHTTPClientEndpoints(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.URL.Path == "/api/users/prekeys" && r.Method == http.MethodPost:
			var upload e2ee.PreKeyUpload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&upload))
			assert.Equal(t, "abcd", upload.IdentityKey)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case r.URL.Path == "/api/users/prekeys/status":
			_ = json.NewEncoder(w).Encode(&e2ee.PreKeyStatus{OneTimePreKeyCount: 42, SignedPreKeyID: 7})
		case r.URL.Path == "/api/users/bob/prekey_bundle":
			_ = json.NewEncoder(w).Encode(&e2ee.PreKeyBundle{IdentityKey: "ff"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "alice", "", 0)
	ctx := context.Background()

	require.NoError(t, c.UploadPreKeys(ctx, &e2ee.PreKeyUpload{IdentityKey: "abcd"}))
	assert.Equal(t, "/api/users/prekeys", gotPath)
	// Without a JWT secret, the bare user id is the bearer token.
	assert.Equal(t, "Bearer alice", gotAuth)

	status, err := c.PreKeyStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, status.OneTimePreKeyCount)
	assert.Equal(t, uint32(7), status.SignedPreKeyID)

	bundle, err := c.FetchPreKeyBundle(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "ff", bundle.IdentityKey)
	assert.Equal(t, "/api/users/bob/prekey_bundle", gotPath)
}

func TestHTTPClientJWTBearer(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(&e2ee.PreKeyStatus{})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "alice", secret, 0)
	_, err := c.PreKeyStatus(context.Background())
	require.NoError(t, err)

	token := strings.TrimPrefix(gotAuth, "Bearer ")
	require.NotEqual(t, gotAuth, token)
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "alice", claims.Subject)
}

func TestHTTPClientErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "boom"})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "alice", "", 0)
	_, err := c.PreKeyStatus(context.Background())
	require.ErrorIs(t, err, e2ee.ErrTransport)
	assert.Contains(t, err.Error(), "boom")
}

func TestHubPopsOnePreKeyPerFetch(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	up := &e2ee.PreKeyUpload{
		IdentityKey:  "aa",
		SigningKey:   "bb",
		SignedPreKey: &e2ee.SignedPreKeyPublic{KeyID: 1, Public: "cc", Signature: "dd"},
		OneTimePreKeys: []e2ee.OneTimePreKeyPublic{
			{KeyID: 10, Public: "10"},
			{KeyID: 11, Public: "11"},
		},
	}
	require.NoError(t, hub.ForUser("bob").UploadPreKeys(ctx, up))

	first, err := hub.ForUser("alice").FetchPreKeyBundle(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, first.OneTimePreKey)
	assert.Equal(t, uint32(10), first.OneTimePreKey.KeyID)

	second, err := hub.ForUser("alice").FetchPreKeyBundle(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, second.OneTimePreKey)
	assert.Equal(t, uint32(11), second.OneTimePreKey.KeyID)

	third, err := hub.ForUser("alice").FetchPreKeyBundle(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, third.OneTimePreKey, "supply exhausted")

	status, err := hub.ForUser("bob").PreKeyStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.OneTimePreKeyCount)
}
