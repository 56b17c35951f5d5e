package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server

	mu           sync.Mutex
	validAccess  string
	refreshCalls int64
	refreshDelay time.Duration
	refreshFails bool
	logoutFails  bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{validAccess: "initial-token"}

	mux := http.NewServeMux()
	mux.HandleFunc("/users/me", func(w http.ResponseWriter, r *http.Request) {
		if !ts.authorized(r) {
			writeEnvelope(w, http.StatusUnauthorized, false, "token expired", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, true, "current user", map[string]interface{}{
			"user": map[string]string{"id": "u1", "username": "writer", "email": "writer@example.com"},
		})
	})
	mux.HandleFunc("/users/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&ts.refreshCalls, 1)
		if ts.refreshDelay > 0 {
			time.Sleep(ts.refreshDelay)
		}
		if ts.refreshFails {
			writeEnvelope(w, http.StatusUnauthorized, false, "token revoked", nil)
			return
		}
		ts.mu.Lock()
		ts.validAccess = "renewed-token"
		ts.mu.Unlock()
		writeEnvelope(w, http.StatusOK, true, "token refreshed", map[string]string{"accessToken": "renewed-token"})
	})
	mux.HandleFunc("/users/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password != "password" {
			writeEnvelope(w, http.StatusUnauthorized, false, "invalid identifier or password", nil)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: "refresh-1", Path: "/users", HttpOnly: true})
		writeEnvelope(w, http.StatusOK, true, "logged in", map[string]interface{}{
			"user":        map[string]string{"id": "u1", "username": "writer", "email": "writer@example.com"},
			"accessToken": ts.currentAccess(),
		})
	})
	mux.HandleFunc("/users/logout", func(w http.ResponseWriter, r *http.Request) {
		if ts.logoutFails {
			writeEnvelope(w, http.StatusInternalServerError, false, "internal server error", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, true, "logged out", nil)
	})
	mux.HandleFunc("/users/register", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeEnvelope(w, http.StatusBadRequest, false, "validation failed", nil)
			return
		}
		writeEnvelope(w, http.StatusCreated, true, "registered", map[string]interface{}{
			"user":        map[string]string{"id": "u2", "username": r.FormValue("username")},
			"accessToken": ts.currentAccess(),
		})
	})

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) authorized(r *http.Request) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+ts.validAccess
}

func (ts *testServer) currentAccess() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.validAccess
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"success":    success,
		"statusCode": status,
		"message":    message,
		"data":       data,
	})
}

func newTestClient(t *testing.T, ts *testServer, opts ...Option) *Client {
	t.Helper()
	c, err := New(ts.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestBearerInjection(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	c.setAccess("initial-token")

	user, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
}

func TestExpiredTokenIsRenewedTransparently(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	c.setAccess("stale-token")

	user, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "renewed-token", c.AccessToken())
	assert.Equal(t, int64(1), atomic.LoadInt64(&ts.refreshCalls))
}

func TestConcurrentUnauthorizedTriggersSingleRefresh(t *testing.T) {
	ts := newTestServer(t)
	ts.refreshDelay = 50 * time.Millisecond
	c := newTestClient(t, ts)
	c.setAccess("stale-token")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Me(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&ts.refreshCalls))
	assert.Equal(t, "renewed-token", c.AccessToken())
}

func TestFailedRefreshPropagatesAndSignsOut(t *testing.T) {
	ts := newTestServer(t)
	ts.refreshFails = true
	c := newTestClient(t, ts)
	c.setAccess("stale-token")

	var signedOut atomic.Bool
	c.OnForcedSignOut(func() { signedOut.Store(true) })

	_, err := c.Me(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.True(t, signedOut.Load())
	assert.Empty(t, c.AccessToken())
	assert.Equal(t, int64(1), atomic.LoadInt64(&ts.refreshCalls))
}

func TestRefreshTimeoutFailsWaiters(t *testing.T) {
	ts := newTestServer(t)
	ts.refreshDelay = 300 * time.Millisecond
	c := newTestClient(t, ts, WithRefreshTimeout(50*time.Millisecond))
	c.setAccess("stale-token")

	var signedOut atomic.Bool
	c.OnForcedSignOut(func() { signedOut.Store(true) })

	_, err := c.Me(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.True(t, signedOut.Load())
}

func TestLoginStoresAccessToken(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)

	user, err := c.Login(context.Background(), "writer", "password")
	require.NoError(t, err)
	assert.Equal(t, "writer", user.Username)
	assert.Equal(t, "initial-token", c.AccessToken())
}

func TestLoginFailure(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)

	_, err := c.Login(context.Background(), "writer", "wrong")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Empty(t, c.AccessToken())
}

func TestRegisterSendsMultipart(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)

	user, err := c.Register(context.Background(), SignupInput{
		Username:   "newbie",
		Email:      "newbie@example.com",
		Password:   "password",
		FullName:   "New Person",
		Avatar:     strings.NewReader("fake-image-bytes"),
		AvatarName: "avatar.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "newbie", user.Username)
	assert.NotEmpty(t, c.AccessToken())
}
