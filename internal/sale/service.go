package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/swapsale/internal/governance"
	"github.com/mbd888/swapsale/internal/ledger"
	"github.com/mbd888/swapsale/internal/logging"
	"github.com/mbd888/swapsale/internal/metrics"
	"github.com/mbd888/swapsale/internal/syncutil"
	"github.com/mbd888/swapsale/internal/traces"
)

// Store persists sales.
type Store interface {
	Get(ctx context.Context, id string) (*Sale, error)
	// Save writes the whole sale atomically.
	Save(ctx context.Context, sale *Sale) error
}

// Publisher receives sale events for observers.
type Publisher interface {
	Publish(eventType string, data any)
}

// Event types published by the service.
const (
	EventLifecycleChanged = "lifecycle_changed"
	EventBuyerRefreshed   = "buyer_refreshed"
	EventSweepCompleted   = "sweep_completed"
)

// Collaborator names used for metrics, spans and breaker keys.
const (
	CollaboratorBaseLedger = "base-ledger"
	CollaboratorSaleLedger = "sale-ledger"
	CollaboratorGovernance = "governance"
)

// Transfer memos. The ledgers deduplicate identical transfers, so a leg
// re-sent after an operator reset is rejected as a duplicate instead of
// being applied twice.
const (
	memoBaseLeg      uint64 = 1
	memoSaleTokenLeg uint64 = 2
)

// Service runs one sale instance.
//
// State mutations are serialized by mu, but mu is never held across a
// ledger or governance call: other operations interleave while a call is in
// flight. Every mutation is computed on a clone, checked, persisted and only
// then swapped in.
type Service struct {
	store      Store
	baseLedger ledger.Client
	saleLedger ledger.Client
	governance governance.Client
	publisher  Publisher
	logger     *slog.Logger
	now        func() time.Time
	// callTimeout bounds each sweep collaborator call. Zero means unbounded.
	callTimeout time.Duration

	mu   syncutil.ContextMutex
	id   string // fixed by Load
	sale *Sale
}

// NewService creates a sale service. Call Load before any operation.
func NewService(store Store, baseLedger, saleLedger ledger.Client, gov governance.Client) *Service {
	return &Service{
		store:      store,
		baseLedger: baseLedger,
		saleLedger: saleLedger,
		governance: gov,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithPublisher adds an event publisher for realtime updates.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
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

// WithCallTimeout bounds each transfer and registration issued by the
// sweep. A call that exceeds it has an unknown outcome: its leg stays in
// flight until an operator resets it.
func (s *Service) WithCallTimeout(d time.Duration) *Service {
	s.callTimeout = d
	return s
}

// Load restores the sale from the store, or creates it from init when none
// is stored. Init is write-once: a stored sale keeps its original Init.
func (s *Service) Load(ctx context.Context, id, principal string, init Init) (*Sale, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	stored, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		if !reflect.DeepEqual(stored.Init, init) {
			s.logger.Warn("configured init differs from stored sale, keeping stored init", "sale_id", id)
		}
		s.sale = stored
	case errors.Is(err, ErrSaleNotFound):
		created := New(id, principal, init, s.now())
		if err := s.store.Save(ctx, created); err != nil {
			return nil, fmt.Errorf("failed to persist new sale: %w", err)
		}
		if created.State.Lifecycle == LifecycleAborted {
			s.logger.Warn("sale created aborted", "sale_id", id, "reason", created.State.AbortReason)
		} else {
			s.logger.Info("sale created", "sale_id", id, "end", created.Init.EndTime())
		}
		s.sale = created
	default:
		return nil, fmt.Errorf("failed to load sale: %w", err)
	}

	s.id = s.sale.ID
	s.observeGauges(s.sale)
	return s.sale.Clone(), nil
}

// lock acquires mu and checks that a sale is loaded.
func (s *Service) lock(ctx context.Context) (func(), error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	if s.sale == nil {
		unlock()
		return nil, ErrSaleNotFound
	}
	return unlock, nil
}

// relock reacquires mu after a collaborator call. The outcome of a call that
// was issued must be recorded even if the caller has gone away.
func (s *Service) relock(ctx context.Context) (context.Context, func()) {
	ctx = context.WithoutCancel(ctx)
	unlock, _ := s.mu.LockContext(ctx)
	return ctx, unlock
}

// commit validates, persists and installs next. Caller must hold mu.
func (s *Service) commit(ctx context.Context, next *Sale) error {
	if err := checkTransition(s.sale.State.Lifecycle, next.State.Lifecycle); err != nil {
		return err
	}
	if err := next.CheckInvariants(); err != nil {
		return err
	}
	next.UpdatedAt = s.now()
	if err := s.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist sale: %w", err)
	}

	prev := s.sale
	s.sale = next
	s.observeGauges(next)

	if prev.State.Lifecycle != next.State.Lifecycle {
		to := next.State.Lifecycle
		metrics.SaleTransitionsTotal.WithLabelValues(to.String()).Inc()
		logging.L(ctx).Info("sale lifecycle changed",
			"sale_id", next.ID,
			"from", prev.State.Lifecycle.String(),
			"to", to.String(),
			"total_base_e8s", next.State.TotalBaseE8s,
			"buyers", len(next.State.Buyers),
			"reason", next.State.AbortReason,
		)
		s.publish(EventLifecycleChanged, map[string]any{
			"saleId":      next.ID,
			"from":        prev.State.Lifecycle,
			"to":          to,
			"abortReason": next.State.AbortReason,
		})
	}
	return nil
}

func (s *Service) observeGauges(sale *Sale) {
	all := []string{"pending", "open", "committed", "aborted"}
	metrics.SetLifecycle(sale.State.Lifecycle.String(), all)
	metrics.SaleTotalBaseE8s.Set(float64(sale.State.TotalBaseE8s))
	metrics.SaleTokenE8s.Set(float64(sale.State.SaleTokenE8s))
	metrics.SaleBuyers.Set(float64(len(sale.State.Buyers)))
}

func (s *Service) publish(eventType string, data any) {
	if s.publisher != nil {
		s.publisher.Publish(eventType, data)
	}
}

// GetState returns a snapshot of the sale and its derived state.
func (s *Service) GetState(ctx context.Context) (*Snapshot, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return &Snapshot{Sale: s.sale.Clone(), Derived: s.sale.Derive()}, nil
}

// GetBuyer returns one buyer record.
func (s *Service) GetBuyer(ctx context.Context, principal string) (*BuyerState, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, ok := s.sale.State.Buyer(principal)
	if !ok {
		return nil, ErrBuyerNotFound
	}
	cp := *b
	return &cp, nil
}

// Advance runs the lifecycle transition check at the current time. It is a
// no-op when no transition applies, so it is safe to call speculatively.
func (s *Service) Advance(ctx context.Context) (Lifecycle, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return LifecycleUnspecified, err
	}
	defer unlock()

	if err := s.advanceLocked(ctx); err != nil {
		return s.sale.State.Lifecycle, err
	}
	return s.sale.State.Lifecycle, nil
}

func (s *Service) advanceLocked(ctx context.Context) error {
	next := s.sale.Clone()
	changed, err := next.advance(s.now())
	if err != nil || !changed {
		return err
	}
	return s.commit(ctx, next)
}

// OpenSale moves a Pending sale to Open once sale tokens are escrowed.
func (s *Service) OpenSale(ctx context.Context) (*Sale, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.checkOpenable(); err != nil {
		unlock()
		return nil, err
	}
	owner := s.sale.Principal
	unlock()

	balance, err := s.saleTokenBalance(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to verify sale token balance: %w", err)
	}

	unlock, err = s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The sale may have changed while the balance query was in flight.
	if err := s.checkOpenable(); err != nil {
		return nil, err
	}
	if balance == 0 {
		return nil, ErrNoSaleTokens
	}

	now := s.now()
	next := s.sale.Clone()
	next.State.SaleTokenE8s = balance
	next.State.Lifecycle = LifecycleOpen
	next.State.OpenedAt = &now
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *Service) checkOpenable() error {
	if lc := s.sale.State.Lifecycle; lc != LifecyclePending {
		return fmt.Errorf("%w: open requires pending, sale is %s", ErrInvalidLifecycle, lc)
	}
	if s.sale.Init.Ended(s.now()) {
		return ErrSaleEnded
	}
	return nil
}

// RefreshSaleTokens records the sale's sale-token balance while Pending.
// The observed balance overwrites the recorded one.
func (s *Service) RefreshSaleTokens(ctx context.Context) (uint64, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	if lc := s.sale.State.Lifecycle; lc != LifecyclePending {
		unlock()
		return 0, fmt.Errorf("%w: refresh sale tokens requires pending, sale is %s", ErrInvalidLifecycle, lc)
	}
	owner := s.sale.Principal
	unlock()

	balance, err := s.saleTokenBalance(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to query sale token balance: %w", err)
	}

	unlock, err = s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if lc := s.sale.State.Lifecycle; lc != LifecyclePending {
		return 0, fmt.Errorf("%w: refresh sale tokens requires pending, sale is %s", ErrInvalidLifecycle, lc)
	}
	next := s.sale.Clone()
	next.State.SaleTokenE8s = balance
	if err := s.commit(ctx, next); err != nil {
		return 0, err
	}
	return balance, nil
}

// RefreshBuyerTokens reconciles principal's deposit subaccount with the
// sale. It may commit the sale if the deposit reaches the target.
func (s *Service) RefreshBuyerTokens(ctx context.Context, principal string) (*RefreshResult, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, ErrInvalidPrincipal
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	// The window may have closed since the last interaction.
	if err := s.advanceLocked(ctx); err != nil {
		unlock()
		return nil, err
	}
	if lc := s.sale.State.Lifecycle; lc != LifecycleOpen {
		unlock()
		metrics.BuyerRefreshesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: refresh buyer requires open, sale is %s", ErrInvalidLifecycle, lc)
	}
	account := buyerAccount(s.sale, principal)
	unlock()

	observed, err := s.balanceOf(ctx, s.baseLedger, CollaboratorBaseLedger, principal, account)
	if err != nil {
		metrics.BuyerRefreshesTotal.WithLabelValues("ledger_error").Inc()
		return nil, fmt.Errorf("failed to query deposit balance: %w", err)
	}

	unlock, err = s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	next := s.sale.Clone()
	res, err := next.applyDeposit(principal, observed, now)
	if err != nil {
		metrics.BuyerRefreshesTotal.WithLabelValues(refreshOutcome(err)).Inc()
		return nil, err
	}
	changed := res.Created || res.AdmittedE8s > 0

	transitioned, err := next.advance(now)
	if err != nil {
		return nil, err
	}
	if changed || transitioned {
		if err := s.commit(ctx, next); err != nil {
			return nil, err
		}
	}
	res.Lifecycle = s.sale.State.Lifecycle

	switch {
	case res.Created:
		metrics.BuyerRefreshesTotal.WithLabelValues("created").Inc()
	case changed:
		metrics.BuyerRefreshesTotal.WithLabelValues("increased").Inc()
	default:
		metrics.BuyerRefreshesTotal.WithLabelValues("unchanged").Inc()
	}
	if changed {
		logging.L(ctx).Info("buyer deposit reconciled",
			"principal", principal,
			"observed_e8s", observed,
			"admitted_e8s", res.AdmittedE8s,
			"excess_e8s", res.ExcessE8s,
			"amount_base_e8s", res.Buyer.AmountBaseE8s,
		)
		s.publish(EventBuyerRefreshed, res)
	}
	return &res, nil
}

func refreshOutcome(err error) string {
	switch {
	case errors.Is(err, ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, ErrTargetReached):
		return "target_reached"
	default:
		return "rejected"
	}
}

// ResetDisbursing clears a disbursing flag left set by a transfer whose
// outcome was never recorded. It is an operator action: the caller must
// first establish whether the transfer landed. A re-sent transfer that did
// land is rejected by the ledger as a duplicate and recorded as success.
func (s *Service) ResetDisbursing(ctx context.Context, principal string, leg Leg) (*BuyerState, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	next := s.sale.Clone()
	b, ok := next.State.Buyer(principal)
	if !ok {
		return nil, ErrBuyerNotFound
	}

	switch leg {
	case LegBase:
		if !b.BaseDisbursing {
			return nil, ErrNotDisbursing
		}
		b.BaseDisbursing = false
	case LegSaleToken:
		if !b.SaleTokenDisbursing {
			return nil, ErrNotDisbursing
		}
		b.SaleTokenDisbursing = false
	default:
		return nil, fmt.Errorf("unknown leg %q", leg)
	}
	b.UpdatedAt = s.now()

	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	logging.L(ctx).Warn("disbursing flag reset by operator", "principal", principal, "leg", string(leg))
	cp := *b
	return &cp, nil
}

// DepositAccount is the base-ledger subaccount principal deposits into.
func (s *Sale) DepositAccount(principal string) ledger.Account {
	return ledger.SubAccount(s.Principal, ledger.DeriveSubaccount(s.ID, principal))
}

func buyerAccount(sale *Sale, principal string) ledger.Account {
	return sale.DepositAccount(principal)
}

func (s *Service) saleTokenBalance(ctx context.Context, owner string) (uint64, error) {
	return s.balanceOf(ctx, s.saleLedger, CollaboratorSaleLedger, owner, ledger.DefaultAccount(owner))
}

func (s *Service) balanceOf(ctx context.Context, client ledger.Client, name, principal string, account ledger.Account) (uint64, error) {
	ctx, span := traces.StartSpan(ctx, "sale.BalanceOf",
		traces.SaleID(s.id),
		traces.Principal(principal),
		traces.Collaborator(name),
	)
	defer span.End()

	start := time.Now()
	balance, err := client.BalanceOf(ctx, account)
	metrics.ObserveCall(name, "balance_of", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "balance query failed")
		logging.L(ctx).Warn("balance query failed", "collaborator", name, "account", account.String(), "error", err)
		return 0, err
	}
	return balance, nil
}
