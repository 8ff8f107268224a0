// Package throttle implements the politeness policy applied before outbound
// requests to the source site.
//
// A Gate guarantees a minimum interval between requests. The first request
// waits the full interval too, so a single-request run still pauses before it
// touches the network.
package throttle

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Policy configures a Gate.
type Policy struct {
	// MinInterval is the minimum time between two requests, and the delay
	// before the first one. Zero disables the wait.
	MinInterval time.Duration

	// Jitter adds a random extra delay in [0, Jitter] to every wait.
	Jitter time.Duration
}

// Gate enforces a Policy. It is safe for concurrent use; concurrent callers
// are released one at a time.
type Gate struct {
	policy Policy

	now   func() time.Time
	after func(d time.Duration) <-chan time.Time
	rng   *rand.Rand

	mu   sync.Mutex
	last time.Time
}

// Option customizes a Gate. Options exist for tests.
type Option func(*Gate)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithAfter overrides time.After.
func WithAfter(after func(d time.Duration) <-chan time.Time) Option {
	return func(g *Gate) { g.after = after }
}

// WithRand overrides the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(g *Gate) { g.rng = r }
}

// NewGate returns a Gate for p.
func NewGate(p Policy, opts ...Option) *Gate {
	g := &Gate{
		policy: p,
		now:    time.Now,
		after:  time.After,
	}
	for _, o := range opts {
		o(g)
	}
	if g.rng == nil {
		g.rng = rand.New(rand.NewSource(g.now().UnixNano()))
	}
	return g
}

// Policy returns the policy the gate enforces.
func (g *Gate) Policy() Policy {
	return g.policy
}

// Wait blocks until the next request may be issued or ctx is done.
// On success the request slot is consumed.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := g.delay()
	if d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.after(d):
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	g.last = g.now()
	return nil
}

// delay computes the remaining wait. Must be called with g.mu held.
func (g *Gate) delay() time.Duration {
	d := g.policy.MinInterval
	if !g.last.IsZero() {
		d -= g.now().Sub(g.last)
	}
	if d < 0 {
		d = 0
	}
	if g.policy.Jitter > 0 {
		d += time.Duration(g.rng.Int63n(int64(g.policy.Jitter) + 1))
	}
	return d
}
