package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// State is the session lifecycle state.
type State int

const (
	// StateLoading means the startup probe has not resolved yet.
	StateLoading State = iota
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// ValidationError reports missing registration fields before any network
// call is made.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + joinFields(e.Fields)
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ", "
		}
		out += f
	}
	return out
}

// Session caches the authenticated identity and exposes the login, signup
// and logout transitions. It reacts to forced sign-out signals from the
// refresh machinery so a dead session never lingers as authenticated.
type Session struct {
	client *Client

	mu    sync.RWMutex
	state State
	user  *User
	subs  []func(State)
}

// NewSession creates a Session in the loading state, wired to the client's
// forced-sign-out signal.
func NewSession(client *Client) *Session {
	s := &Session{client: client, state: StateLoading}
	client.OnForcedSignOut(func() { s.setState(StateUnauthenticated, nil) })
	return s
}

// Init resolves the initial state with a "who am I" probe. The ambient
// refresh cookie is enough for the probe to succeed after a restart.
func (s *Session) Init(ctx context.Context) {
	user, err := s.client.Me(ctx)
	if err != nil {
		s.client.setAccess("")
		s.setState(StateUnauthenticated, nil)
		return
	}
	s.setState(StateAuthenticated, user)
}

// Login authenticates and transitions to authenticated on success. On
// failure the state settles on unauthenticated and the error is returned
// for display.
func (s *Session) Login(ctx context.Context, identifier, password string) (*User, error) {
	user, err := s.client.Login(ctx, identifier, password)
	if err != nil {
		s.setState(StateUnauthenticated, nil)
		return nil, err
	}
	s.setState(StateAuthenticated, user)
	return user, nil
}

// Signup validates the input locally, then registers and transitions to
// authenticated. Validation failures never reach the network.
func (s *Session) Signup(ctx context.Context, in SignupInput) (*User, error) {
	if err := validateSignup(in); err != nil {
		return nil, err
	}

	user, err := s.client.Register(ctx, in)
	if err != nil {
		s.setState(StateUnauthenticated, nil)
		return nil, err
	}
	s.setState(StateAuthenticated, user)
	return user, nil
}

func validateSignup(in SignupInput) error {
	var missing []string
	if in.Username == "" {
		missing = append(missing, "username")
	}
	if in.Email == "" {
		missing = append(missing, "email")
	}
	if in.Password == "" {
		missing = append(missing, "password")
	}
	if in.FullName == "" {
		missing = append(missing, "fullName")
	}
	if in.Avatar == nil {
		missing = append(missing, "avatar")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// Logout revokes the session server-side, best effort. Local state is
// cleared regardless of the network outcome: the user asked to leave.
func (s *Session) Logout(ctx context.Context) error {
	err := s.client.Logout(ctx)
	s.setState(StateUnauthenticated, nil)
	if err != nil && !isAcknowledged(err) {
		return err
	}
	return nil
}

func isAcknowledged(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// User returns the cached identity, nil unless authenticated.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Authenticated reports whether the session has a resolved identity.
func (s *Session) Authenticated() bool {
	return s.State() == StateAuthenticated
}

// Subscribe registers fn to run on every state transition.
func (s *Session) Subscribe(fn func(State)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Session) setState(state State, user *User) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.user = user
	subs := s.subs
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		fn(state)
	}
}
