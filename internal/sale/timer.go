package sale

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimerInterval is how often the timer checks the sale.
const DefaultTimerInterval = 30 * time.Second

// Timer drives the sale without user interaction: it closes the window when
// the end time passes and keeps sweeping a terminal sale until every leg is
// settled.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a new sale timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultTimerInterval
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

// Start begins the timer loop. Call in a goroutine.
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
			t.safeTick(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in sale timer", "panic", fmt.Sprint(r))
		}
	}()
	t.tick(ctx)
}

func (t *Timer) tick(ctx context.Context) {
	lc, err := t.service.Advance(ctx)
	if err != nil {
		t.logger.Warn("sale transition check failed", "error", err)
		return
	}
	if !lc.IsTerminal() {
		return
	}

	snap, err := t.service.GetState(ctx)
	if err != nil {
		t.logger.Warn("failed to read sale state", "error", err)
		return
	}
	if snap.Derived.SettlementComplete {
		return
	}

	res, err := t.service.FinalizeSale(ctx)
	if err != nil {
		t.logger.Warn("finalize pass failed", "error", err)
		return
	}
	if res.Base.Failure+res.SaleToken.Failure+res.Governance.Failure > 0 {
		t.logger.Warn("finalize pass had failures, will retry",
			"base_failures", res.Base.Failure,
			"sale_token_failures", res.SaleToken.Failure,
			"governance_failures", res.Governance.Failure)
	}
}
