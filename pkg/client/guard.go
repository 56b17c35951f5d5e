package client

import "sync"

// Decision is the outcome of a guard evaluation. Exactly one field is
// meaningful: Pending while the session is still loading, Redirect when the
// caller should navigate away, Allow otherwise.
type Decision struct {
	Pending  bool
	Allow    bool
	Redirect string
}

// Guard gates a route on the session state. With requireAuth set, an
// unauthenticated session is redirected to the target; without it, an
// authenticated session is redirected away (login and signup pages). A
// redirect fires at most once per state transition so a stable state cannot
// loop.
type Guard struct {
	session     *Session
	requireAuth bool
	redirect    string

	mu         sync.Mutex
	last       State
	haveLast   bool
	redirected bool
}

// NewGuard creates a guard over session redirecting to target when the
// state disagrees with requireAuth.
func NewGuard(session *Session, requireAuth bool, target string) *Guard {
	return &Guard{session: session, requireAuth: requireAuth, redirect: target}
}

// Evaluate inspects the current session state and returns the decision.
func (g *Guard) Evaluate() Decision {
	state := g.session.State()

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.haveLast || state != g.last {
		g.redirected = false
		g.last = state
		g.haveLast = true
	}

	if state == StateLoading {
		// No decision until the probe resolves; a not-yet-loaded session
		// must not be mistaken for an unauthenticated one.
		return Decision{Pending: true}
	}

	wantRedirect := (g.requireAuth && state == StateUnauthenticated) ||
		(!g.requireAuth && state == StateAuthenticated)
	if !wantRedirect {
		return Decision{Allow: true}
	}
	if g.redirected {
		return Decision{}
	}
	g.redirected = true
	return Decision{Redirect: g.redirect}
}
