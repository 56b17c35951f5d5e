package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInitAuthenticated(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	c.setAccess("initial-token")

	s := NewSession(c)
	require.Equal(t, StateLoading, s.State())

	s.Init(context.Background())
	assert.Equal(t, StateAuthenticated, s.State())
	require.NotNil(t, s.User())
	assert.Equal(t, "u1", s.User().ID)
}

func TestSessionInitUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	ts.refreshFails = true
	c := newTestClient(t, ts)

	s := NewSession(c)
	s.Init(context.Background())

	assert.Equal(t, StateUnauthenticated, s.State())
	assert.Nil(t, s.User())
	assert.Empty(t, c.AccessToken())
}

func TestSessionLoginTransitions(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	s := NewSession(c)

	var transitions []State
	s.Subscribe(func(state State) { transitions = append(transitions, state) })

	_, err := s.Login(context.Background(), "writer", "wrong")
	require.Error(t, err)
	assert.Equal(t, StateUnauthenticated, s.State())

	user, err := s.Login(context.Background(), "writer", "password")
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "writer", user.Username)
	assert.Equal(t, []State{StateUnauthenticated, StateAuthenticated}, transitions)
}

func TestSignupMissingAvatarFailsBeforeNetwork(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnvelope(w, http.StatusCreated, true, "registered", nil)
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL)
	require.NoError(t, err)
	s := NewSession(c)

	_, err = s.Signup(context.Background(), SignupInput{
		Username: "newbie",
		Email:    "newbie@example.com",
		Password: "password",
		FullName: "New Person",
	})
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Fields, "avatar")
	assert.Equal(t, int64(0), hits.Load(), "validation must fail before any request")
}

func TestSignupSuccessCachesIdentity(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	s := NewSession(c)

	user, err := s.Signup(context.Background(), SignupInput{
		Username:   "newbie",
		Email:      "newbie@example.com",
		Password:   "password",
		FullName:   "New Person",
		Avatar:     strings.NewReader("fake-image-bytes"),
		AvatarName: "avatar.png",
	})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, user, s.User())
}

func TestLogoutClearsStateEvenOnNetworkFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.logoutFails = true
	c := newTestClient(t, ts)
	c.setAccess("initial-token")

	s := NewSession(c)
	s.Init(context.Background())
	require.Equal(t, StateAuthenticated, s.State())

	err := s.Logout(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateUnauthenticated, s.State())
	assert.Nil(t, s.User())
	assert.Empty(t, c.AccessToken())
}

func TestForcedSignOutTransitionsSession(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	c.setAccess("initial-token")

	s := NewSession(c)
	s.Init(context.Background())
	require.Equal(t, StateAuthenticated, s.State())

	// The next 401 finds a refresh that also fails: hard sign-out.
	ts.refreshFails = true
	c.setAccess("stale-token")

	_, err := c.Me(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateUnauthenticated, s.State())
	assert.Nil(t, s.User())
}
