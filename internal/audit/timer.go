package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the timer audits the sale.
const DefaultInterval = 5 * time.Minute

// Timer periodically runs the audit.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a new audit timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic audit loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in audit timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.service.Run(ctx); err != nil {
		t.logger.Warn("audit run failed", "error", err)
	}
}
