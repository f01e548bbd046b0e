// Package audit compares the sale's recorded escrow against ledger balances.
//
// The audit is read-only. It never moves funds or changes the sale; it
// reports what an operator should look at: deposits missing from their
// subaccount, sale tokens missing from the escrow account, and legs whose
// in-flight flag has been set for longer than expected.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/swapsale/internal/ledger"
	"github.com/mbd888/swapsale/internal/sale"
)

// DefaultStuckAfter is how long a leg may stay in flight before it is reported.
const DefaultStuckAfter = 15 * time.Minute

// SaleReader returns the current sale.
type SaleReader interface {
	GetState(ctx context.Context) (*sale.Snapshot, error)
}

// EscrowCheck compares the recorded sale-token escrow with the ledger.
type EscrowCheck struct {
	RecordedE8s uint64 `json:"recordedE8s"`
	ObservedE8s uint64 `json:"observedE8s"`
	// InFlightE8s is allocated to buyers whose transfer has not been
	// recorded yet. The ledger may already show it as gone.
	InFlightE8s uint64 `json:"inFlightE8s"`
	Match       bool   `json:"match"`
}

// Shortfall is a buyer whose deposit subaccount holds less than recorded.
type Shortfall struct {
	Principal   string `json:"principal"`
	RecordedE8s uint64 `json:"recordedE8s"`
	ObservedE8s uint64 `json:"observedE8s"`
}

// StuckLeg is a leg whose disbursing flag outlived the stuck threshold.
type StuckLeg struct {
	Principal string    `json:"principal"`
	Leg       sale.Leg  `json:"leg"`
	Since     time.Time `json:"since"`
}

// Report is the outcome of one audit run.
type Report struct {
	SaleID          string         `json:"saleId"`
	Lifecycle       sale.Lifecycle `json:"lifecycle"`
	CheckedAt       time.Time      `json:"checkedAt"`
	Buyers          int            `json:"buyers"`
	SaleTokenEscrow EscrowCheck    `json:"saleTokenEscrow"`
	Shortfalls      []Shortfall    `json:"shortfalls"`
	StuckLegs       []StuckLeg     `json:"stuckLegs"`
	// PendingRegistrations counts delivered allocations not yet recorded
	// with the sale's governance.
	PendingRegistrations int `json:"pendingRegistrations"`
	// Match is false when any escrow is short. Stuck legs alone do not
	// clear it.
	Match bool `json:"match"`
}

// Service runs audits.
type Service struct {
	sales      SaleReader
	baseLedger ledger.Client
	saleLedger ledger.Client
	stuckAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewService creates an audit service.
func NewService(sales SaleReader, baseLedger, saleLedger ledger.Client) *Service {
	return &Service{
		sales:      sales,
		baseLedger: baseLedger,
		saleLedger: saleLedger,
		stuckAfter: DefaultStuckAfter,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithStuckAfter sets the in-flight age reported as stuck.
func (s *Service) WithStuckAfter(d time.Duration) *Service {
	if d > 0 {
		s.stuckAfter = d
	}
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run performs one audit and records its metrics.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report, err := s.check(ctx)
	auditDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		auditErrors.Inc()
		return nil, err
	}

	auditShortfalls.Set(float64(len(report.Shortfalls)))
	auditStuckLegs.Set(float64(len(report.StuckLegs)))
	auditPendingRegistrations.Set(float64(report.PendingRegistrations))
	if report.SaleTokenEscrow.Match {
		auditSaleTokenEscrowMatch.Set(1)
	} else {
		auditSaleTokenEscrowMatch.Set(0)
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	if !report.Match || len(report.StuckLegs) > 0 {
		s.logger.Warn("escrow audit found discrepancies",
			"sale_id", report.SaleID,
			"shortfalls", len(report.Shortfalls),
			"stuck_legs", len(report.StuckLegs),
			"sale_token_escrow_match", report.SaleTokenEscrow.Match,
		)
	}
	return report, nil
}

func (s *Service) check(ctx context.Context) (*Report, error) {
	snap, err := s.sales.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sale: %w", err)
	}
	sl := snap.Sale
	now := s.now()

	report := &Report{
		SaleID:     sl.ID,
		Lifecycle:  sl.State.Lifecycle,
		CheckedAt:  now,
		Buyers:     len(sl.State.Buyers),
		Shortfalls: []Shortfall{},
		StuckLegs:  []StuckLeg{},
	}

	for _, b := range sl.State.Buyers {
		if b.BaseDisbursing && now.Sub(b.UpdatedAt) > s.stuckAfter {
			report.StuckLegs = append(report.StuckLegs, StuckLeg{Principal: b.Principal, Leg: sale.LegBase, Since: b.UpdatedAt})
		}
		if b.SaleTokenDisbursing {
			report.SaleTokenEscrow.InFlightE8s += b.AmountSaleTokenE8s
			if now.Sub(b.UpdatedAt) > s.stuckAfter {
				report.StuckLegs = append(report.StuckLegs, StuckLeg{Principal: b.Principal, Leg: sale.LegSaleToken, Since: b.UpdatedAt})
			}
		} else if b.ParticipationE8s > 0 && !b.ParticipationRegistered {
			report.PendingRegistrations++
		}

		// An in-flight base leg may already have left the subaccount.
		if b.BaseDisbursing || b.AmountBaseE8s == 0 {
			continue
		}
		observed, err := s.baseLedger.BalanceOf(ctx, sl.DepositAccount(b.Principal))
		if err != nil {
			return nil, fmt.Errorf("failed to read deposit of %s: %w", b.Principal, err)
		}
		if observed < b.AmountBaseE8s {
			report.Shortfalls = append(report.Shortfalls, Shortfall{
				Principal:   b.Principal,
				RecordedE8s: b.AmountBaseE8s,
				ObservedE8s: observed,
			})
		}
	}

	observed, err := s.saleLedger.BalanceOf(ctx, ledger.DefaultAccount(sl.Principal))
	if err != nil {
		return nil, fmt.Errorf("failed to read sale-token escrow: %w", err)
	}
	esc := &report.SaleTokenEscrow
	esc.RecordedE8s = sl.State.SaleTokenE8s
	esc.ObservedE8s = observed
	// The ledger may hold more than recorded (tokens sent after the last
	// refresh), never less than recorded minus what is in flight.
	esc.Match = observed+esc.InFlightE8s >= esc.RecordedE8s

	report.Match = esc.Match && len(report.Shortfalls) == 0
	return report, nil
}
