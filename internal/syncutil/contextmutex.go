// Package syncutil holds locking primitives that respect context cancellation.
package syncutil

import (
	"context"
	"sync"
)

// ContextMutex is a mutex implemented via a buffered channel, allowing a
// waiter to give up when its context is cancelled. The zero value is an
// unlocked mutex.
type ContextMutex struct {
	ch   chan struct{}
	once sync.Once
}

func (m *ContextMutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{} // Start unlocked.
	})
}

// LockContext acquires the mutex, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call
// the unlock function exactly once.
// On context cancellation, returns nil and the context error.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	m.init()

	// Prefer the cancellation when both are ready.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-m.ch:
		var once sync.Once
		return func() { once.Do(func() { m.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	m.init()
	select {
	case <-m.ch:
		var once sync.Once
		return func() { once.Do(func() { m.ch <- struct{}{} }) }, true
	default:
		return nil, false
	}
}
