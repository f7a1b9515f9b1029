package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jaydenbeard/securechat/internal/e2ee"
)

// DefaultTimeout is the per-request client timeout used when NewHTTP is
// given a timeout of zero or less. It applies whether or not the caller's
// context carries a deadline; the earlier of the two ends the call.
const DefaultTimeout = 30 * time.Second

// HTTPClient talks to the prekey endpoints over HTTP with a bearer token.
type HTTPClient struct {
	baseURL   string
	userID    string
	jwtSecret []byte
	client    *http.Client
}

var _ Transport = (*HTTPClient)(nil)

// NewHTTP creates a transport client for the given server and user.
func NewHTTP(baseURL, userID, jwtSecret string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL:   baseURL,
		userID:    userID,
		jwtSecret: []byte(jwtSecret),
		client:    &http.Client{Timeout: timeout},
	}
}

// bearerToken mints a short-lived HS256 token identifying the user.
func (c *HTTPClient) bearerToken() (string, error) {
	if len(c.jwtSecret) == 0 {
		// Dev servers accept the bare user id.
		return c.userID, nil
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   c.userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign bearer token: %w", err)
	}
	return signed, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", e2ee.ErrTransport, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrTransport, err)
	}
	token, err := c.bearerToken()
	if err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", e2ee.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%w: %s %s: %s", e2ee.ErrTransport, method, path, apiErr.Error)
		}
		return fmt.Errorf("%w: %s %s: status %d", e2ee.ErrTransport, method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", e2ee.ErrTransport, err)
		}
	}
	return nil
}

func (c *HTTPClient) FetchPreKeyBundle(ctx context.Context, peerID string) (*e2ee.PreKeyBundle, error) {
	bundle := &e2ee.PreKeyBundle{}
	path := "/api/users/" + url.PathEscape(peerID) + "/prekey_bundle"
	if err := c.do(ctx, http.MethodGet, path, nil, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (c *HTTPClient) UploadPreKeys(ctx context.Context, upload *e2ee.PreKeyUpload) error {
	return c.do(ctx, http.MethodPost, "/api/users/prekeys", upload, nil)
}

func (c *HTTPClient) PreKeyStatus(ctx context.Context) (*e2ee.PreKeyStatus, error) {
	status := &e2ee.PreKeyStatus{}
	if err := c.do(ctx, http.MethodGet, "/api/users/prekeys/status", nil, status); err != nil {
		return nil, err
	}
	return status, nil
}

func (c *HTTPClient) SendEnvelope(ctx context.Context, peerID, envelope string) error {
	body := map[string]string{"to": peerID, "envelope": envelope}
	return c.do(ctx, http.MethodPost, "/api/messages", body, nil)
}
