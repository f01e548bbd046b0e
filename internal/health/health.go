// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/swapsale/internal/circuitbreaker"
)

// DefaultTimeout bounds a single checker run.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-checker deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results in registration
// order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database checks that db answers a ping.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Breaker reports a collaborator as unhealthy while its circuit is open.
func Breaker(b *circuitbreaker.Breaker, key string) Checker {
	return func(context.Context) Status {
		st := b.State(key)
		return Status{Name: key, Healthy: st != circuitbreaker.StateOpen, Detail: "circuit " + st.String()}
	}
}

// Running reports a background loop as healthy while running returns true.
func Running(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Probe wraps a function that returns an error, such as a balance query
// against a collaborator.
func Probe(name string, fn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := fn(ctx); err != nil {
			return Status{Name: name, Detail: fmt.Sprintf("probe failed: %v", err)}
		}
		return Status{Name: name, Healthy: true}
	}
}
