// Package client is the Go SDK for the Inkwell API. It wraps an http.Client
// with bearer injection, automatic cookie transport for the refresh
// credential, and transparent renewal of expired access tokens.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultRefreshTimeout = 15 * time.Second

// User is the identity snapshot returned by the API.
type User struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	FullName      string    `json:"full_name"`
	AvatarURL     string    `json:"avatar_url"`
	CoverImageURL *string   `json:"cover_image_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type envelope struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
}

// APIError is a non-success envelope returned by the server.
type APIError struct {
	Status  int
	Message string
	Details []string
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Message, e.Status, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Client talks to the API. All requests made through it carry the current
// access token; the refresh cookie rides along in the shared cookie jar.
type Client struct {
	baseURL string
	log     *zap.Logger

	// httpc routes through authTransport; plain shares the jar but skips
	// bearer injection, which is what the refresh call needs.
	httpc *http.Client
	plain *http.Client

	coordinator *coordinator

	mu     sync.RWMutex
	access string
}

// Option customises a Client.
type Option func(*options)

type options struct {
	logger         *zap.Logger
	transport      http.RoundTripper
	refreshTimeout time.Duration
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithTransport sets the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithRefreshTimeout bounds a single refresh call. A hung refresh would
// otherwise stall every queued request behind it.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) { o.refreshTimeout = d }
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	o := options{
		logger:         zap.NewNop(),
		transport:      http.DefaultTransport,
		refreshTimeout: defaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     o.logger,
		plain:   &http.Client{Jar: jar, Transport: o.transport},
	}
	c.httpc = &http.Client{Jar: jar, Transport: &authTransport{base: o.transport, client: c}}
	c.coordinator = newCoordinator(o.refreshTimeout, c.doRefresh)
	return c, nil
}

// AccessToken returns the currently held access token, if any.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.access
}

func (c *Client) setAccess(token string) {
	c.mu.Lock()
	c.access = token
	c.mu.Unlock()
}

// OnForcedSignOut registers fn to run when a refresh attempt fails hard.
func (c *Client) OnForcedSignOut(fn func()) {
	c.coordinator.onForcedSignOut(fn)
}

// HTTPClient exposes the auth-aware http.Client for arbitrary API calls.
func (c *Client) HTTPClient() *http.Client {
	return c.httpc
}

// authTransport injects the bearer token and, on a 401, waits for one
// coordinated refresh and replays the request exactly once. The replay goes
// straight to the base transport, so a second 401 propagates to the caller.
type authTransport struct {
	base   http.RoundTripper
	client *Client
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if token := t.client.AccessToken(); token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// A consumed, non-replayable body cannot be retried.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	token, rerr := t.client.coordinator.wait(req.Context())
	if rerr != nil {
		// Hand the original 401 back untouched; the refresh outcome has
		// already triggered the forced sign-out path.
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()              //nolint:errcheck

	retry := req.Clone(req.Context())
	retry.Header.Set("Authorization", "Bearer "+token)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.base.RoundTrip(retry)
}

// doRefresh performs the actual refresh-token exchange. It goes through the
// plain client so no access header is attached; the cookie jar supplies the
// refresh credential.
func (c *Client) doRefresh(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users/refresh-token", nil)
	if err != nil {
		return "", err
	}

	var data struct {
		AccessToken string `json:"accessToken"`
	}
	if err := c.send(c.plain, req, &data); err != nil {
		c.setAccess("")
		c.log.Warn("token refresh failed", zap.Error(err))
		return "", err
	}

	c.setAccess(data.AccessToken)
	c.log.Debug("access token refreshed")
	return data.AccessToken, nil
}

// Login authenticates with an email or username plus password.
func (c *Client) Login(ctx context.Context, identifier, password string) (*User, error) {
	payload := map[string]string{"identifier": identifier, "password": password}

	var data struct {
		User        User   `json:"user"`
		AccessToken string `json:"accessToken"`
	}
	if err := c.postJSON(ctx, "/users/login", payload, &data); err != nil {
		return nil, err
	}

	c.setAccess(data.AccessToken)
	return &data.User, nil
}

// SignupInput is the multipart registration payload. Avatar is required.
type SignupInput struct {
	Username string
	Email    string
	Password string
	FullName string

	Avatar     io.Reader
	AvatarName string

	CoverImage io.Reader
	CoverName  string
}

// Register creates an account and caches the issued access token.
func (c *Client) Register(ctx context.Context, in SignupInput) (*User, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	fields := map[string]string{
		"username": in.Username,
		"email":    in.Email,
		"password": in.Password,
		"fullName": in.FullName,
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, err
		}
	}

	if err := writeFilePart(mw, "avatar", in.AvatarName, in.Avatar); err != nil {
		return nil, err
	}
	if in.CoverImage != nil {
		if err := writeFilePart(mw, "coverImage", in.CoverName, in.CoverImage); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users/register", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var data struct {
		User        User   `json:"user"`
		AccessToken string `json:"accessToken"`
	}
	if err := c.send(c.httpc, req, &data); err != nil {
		return nil, err
	}

	c.setAccess(data.AccessToken)
	return &data.User, nil
}

func writeFilePart(mw *multipart.Writer, field, name string, r io.Reader) error {
	if name == "" {
		name = field
	}
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, r)
	return err
}

// Me fetches the authenticated user. Used as the startup probe: the refresh
// cookie alone is enough for it to succeed after a page-reload equivalent.
func (c *Client) Me(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/me", nil)
	if err != nil {
		return nil, err
	}

	var data struct {
		User User `json:"user"`
	}
	if err := c.send(c.httpc, req, &data); err != nil {
		return nil, err
	}
	return &data.User, nil
}

// Logout revokes the server-side session. The local token is cleared even
// when the call fails.
func (c *Client) Logout(ctx context.Context) error {
	defer c.setAccess("")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users/logout", nil)
	if err != nil {
		return err
	}
	return c.send(c.httpc, req, nil)
}

// ChangePassword updates the password and drops the active session.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	payload := map[string]string{"old_password": oldPassword, "new_password": newPassword}
	if err := c.postJSON(ctx, "/users/change-password", payload, nil); err != nil {
		return err
	}
	c.setAccess("")
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(c.httpc, req, out)
}

func (c *Client) send(httpc *http.Client, req *http.Request, out interface{}) error {
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Message, Details: env.Errors}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}
