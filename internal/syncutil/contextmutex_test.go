package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContextMutex_BasicLockUnlock(t *testing.T) {
	var m ContextMutex
	ctx := context.Background()

	unlock, err := m.LockContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	unlock, err = m.LockContext(ctx)
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	unlock()
}

func TestContextMutex_MutualExclusion(t *testing.T) {
	var m ContextMutex
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx)
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
}

func TestContextMutex_ContextCancelled(t *testing.T) {
	var m ContextMutex

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = m.LockContext(ctx)
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("LockContext did not respect context deadline")
	}
}

func TestContextMutex_UnlockTwiceIsSafe(t *testing.T) {
	var m ContextMutex
	unlock, _ := m.LockContext(context.Background())
	unlock()
	unlock()

	u1, ok := m.TryLock()
	if !ok {
		t.Fatal("expected lock to be free")
	}
	if _, ok := m.TryLock(); ok {
		t.Fatal("double unlock must not release the mutex twice")
	}
	u1()
}
