// Package permissions decides whether a client identity may talk to the
// server. Decisions come from the known apps registry and are cached for the
// process lifetime; revocation is the only way a grant changes.
package permissions

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"cardbroker/internal/knownapps"
	"cardbroker/internal/metrics"
)

type Decision int

const (
	Denied Decision = iota
	Granted
)

func (d Decision) String() string {
	if d == Granted {
		return "granted"
	}
	return "denied"
}

// State is the cached per-identity permission state.
type State int

const (
	StateGranted State = iota + 1
	StateDenied
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateGranted:
		return "granted"
	case StateDenied:
		return "denied"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// AppLookup is the part of the known apps registry the checker needs.
type AppLookup interface {
	GetByID(ctx context.Context, id string) (knownapps.KnownApp, error)
}

type Checker struct {
	apps    AppLookup
	logger  *log.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	states map[string]State
	group  singleflight.Group
}

func New(apps AppLookup, logger *log.Logger, m *metrics.Metrics) *Checker {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Checker{
		apps:    apps,
		logger:  logger,
		metrics: m,
		states:  make(map[string]State),
	}
}

// CheckPermission resolves the decision for id. Unknown identities, failed
// dataset fetches and revoked identities are all denied. Only definite
// answers are cached: a fetch failure or a cancelled ctx denies this call
// without pinning the identity.
//
// Concurrent checks for one identity share a lookup that no single caller
// owns: a caller whose ctx ends is denied, the others keep waiting.
func (c *Checker) CheckPermission(ctx context.Context, id string) Decision {
	d := c.check(ctx, id)
	c.metrics.PermissionDecided(d.String())
	return d
}

func (c *Checker) check(ctx context.Context, id string) Decision {
	if st, ok := c.State(id); ok {
		return decisionFor(st)
	}
	if ctx.Err() != nil {
		return Denied
	}
	flight := c.group.DoChan(id, func() (any, error) {
		return c.resolve(context.WithoutCancel(ctx), id), nil
	})
	select {
	case res := <-flight:
		return res.Val.(Decision)
	case <-ctx.Done():
		c.logger.Printf("permission check for %q abandoned: %v", id, ctx.Err())
		return Denied
	}
}

func (c *Checker) resolve(ctx context.Context, id string) Decision {
	app, err := c.apps.GetByID(ctx, id)
	switch {
	case err == nil:
		if c.store(id, StateGranted) {
			c.logger.Printf("granted permission to %q (%s)", id, app.Name)
		}
	case errors.Is(err, knownapps.ErrNotFound):
		if c.store(id, StateDenied) {
			c.logger.Printf("denied permission to unknown app %q", id)
		}
	default:
		c.logger.Printf("could not check permission for %q: %v", id, err)
		return Denied
	}
	st, _ := c.State(id)
	return decisionFor(st)
}

// store records st unless a state is already present, so a revocation that
// raced with the lookup is kept. It reports whether st was recorded.
func (c *Checker) store(id string, st State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[id]; ok {
		return false
	}
	c.states[id] = st
	return true
}

// RemoveAppPermission marks id as revoked. It is idempotent and has no
// effect on open channels; disconnecting them is up to the caller.
func (c *Checker) RemoveAppPermission(id string) {
	c.mu.Lock()
	prev := c.states[id]
	c.states[id] = StateRevoked
	c.mu.Unlock()
	if prev != StateRevoked {
		c.logger.Printf("revoked permission of %q", id)
	}
}

func (c *Checker) State(id string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	return st, ok
}

func decisionFor(st State) Decision {
	if st == StateGranted {
		return Granted
	}
	return Denied
}
