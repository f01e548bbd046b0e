// Package circuitbreaker fails collaborator calls fast while a ledger or the
// governance service is unreachable.
//
// Each collaborator gets its own key and moves closed → open → half-open.
// Only errors the trip filter accepts count as failures, so a rejected
// transfer (insufficient funds, duplicate) does not open the circuit.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe allowed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swapsale",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by collaborator, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

// Config tunes a Breaker.
type Config struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// OpenDuration is how long the circuit stays open before a probe.
	OpenDuration time.Duration
	// Trips decides whether an error counts as a failure. nil counts every error.
	Trips func(error) bool
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker is a per-key circuit breaker.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	cfg          Config
	onTransition func(key string, from, to State)
}

// New creates a breaker. Zero values in cfg get defaults of 5 failures and 30s.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	return &Breaker{
		entries: make(map[string]*entry),
		cfg:     cfg,
	}
}

// OnTransition sets a callback invoked synchronously on state changes.
// The callback must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn unless the circuit for key is open, and records the outcome.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return fmt.Errorf("%s: %w", key, ErrOpen)
	}
	err := fn()
	if err != nil && (b.cfg.Trips == nil || b.cfg.Trips(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// Allow reports whether a call to key may proceed. An open circuit whose
// OpenDuration has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if time.Since(e.lastFailure) >= b.cfg.OpenDuration {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// reopening it when a half-open probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}

	e.failures++
	e.lastFailure = time.Now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.cfg.Threshold:
		b.transition(e, key, StateOpen)
	}
}

// State returns the current state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// transition changes state. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}
