package client

import (
	"context"
	"sync"
	"time"
)

type refreshOutcome struct {
	token string
	err   error
}

// coordinator funnels every concurrent renewal attempt into a single network
// call. The first caller starts the refresh; everyone else parks on a waiter
// channel until the one in-flight call resolves.
type coordinator struct {
	timeout time.Duration
	refresh func(ctx context.Context) (string, error)

	mu       sync.Mutex
	inflight bool
	waiters  []chan refreshOutcome
	signOut  []func()
}

func newCoordinator(timeout time.Duration, refresh func(ctx context.Context) (string, error)) *coordinator {
	return &coordinator{timeout: timeout, refresh: refresh}
}

func (c *coordinator) onForcedSignOut(fn func()) {
	c.mu.Lock()
	c.signOut = append(c.signOut, fn)
	c.mu.Unlock()
}

// wait blocks until the current refresh cycle resolves, starting one if none
// is in flight, and returns the renewed access token. A caller whose own
// context expires gives up without disturbing the shared refresh.
func (c *coordinator) wait(ctx context.Context) (string, error) {
	ch := make(chan refreshOutcome, 1)

	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	if !c.inflight {
		c.inflight = true
		go c.run()
	}
	c.mu.Unlock()

	select {
	case out := <-ch:
		return out.token, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *coordinator) run() {
	// Detached from any single caller's context: one cancelled request must
	// not abort the refresh every other waiter depends on.
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	token, err := c.refresh(ctx)

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.inflight = false
	observers := c.signOut
	c.mu.Unlock()

	out := refreshOutcome{token: token, err: err}
	for _, ch := range waiters {
		ch <- out
	}

	if err != nil {
		for _, fn := range observers {
			fn()
		}
	}
}
