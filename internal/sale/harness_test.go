package sale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/swapsale/internal/governance"
	"github.com/mbd888/swapsale/internal/ledger"
)

const (
	testSaleID      = "sale-1"
	testSalePrinc   = "sale-canister"
	testNetworkGov  = "network-governance"
	testSaleTokenSu = 5_000_000_000
)

// testClock is a settable time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeLedger wraps a MemoryLedger with failure injection, blocking and call
// counting for transfers.
type fakeLedger struct {
	*ledger.MemoryLedger

	mu            sync.Mutex
	transferCalls int
	failNext      int
	landing       bool
	block         chan struct{}
	entered       chan struct{}
}

func newFakeLedger(name string) *fakeLedger {
	return &fakeLedger{MemoryLedger: ledger.NewMemoryLedger(name)}
}

func (f *fakeLedger) Transfer(ctx context.Context, args ledger.TransferArgs) (ledger.TransferResult, error) {
	f.mu.Lock()
	f.transferCalls++
	block, entered, landing := f.block, f.entered, f.landing
	fail := f.failNext > 0
	if fail {
		f.failNext--
	}
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if landing {
		// Applied at once; the reply then waits on release or ctx.
		res, err := f.MemoryLedger.Transfer(context.WithoutCancel(ctx), args)
		if err != nil {
			return res, err
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return res, ctx.Err()
	}
	if block != nil {
		<-block
	}
	if fail {
		return ledger.TransferResult{}, fmt.Errorf("simulated: %w", ledger.ErrUnavailable)
	}
	return f.MemoryLedger.Transfer(ctx, args)
}

func (f *fakeLedger) FailNext(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

// Landing makes transfers apply before replying, then report ctx.Err() if
// the call's context ended while the reply was held back.
func (f *fakeLedger) Landing() {
	f.mu.Lock()
	f.landing = true
	f.mu.Unlock()
}

func (f *fakeLedger) TransferCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transferCalls
}

// Block makes subsequent transfers signal entered and wait for release.
func (f *fakeLedger) Block() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	f.entered = make(chan struct{}, 8)
	block := f.block
	return f.entered, func() { close(block) }
}

// fakeGovernance wraps governance.Memory with failure injection.
type fakeGovernance struct {
	*governance.Memory

	mu       sync.Mutex
	calls    int
	failNext int
}

func (g *fakeGovernance) CreateParticipationRecord(ctx context.Context, p governance.Participation) error {
	g.mu.Lock()
	g.calls++
	fail := g.failNext > 0
	if fail {
		g.failNext--
	}
	g.mu.Unlock()
	if fail {
		return fmt.Errorf("simulated: %w", governance.ErrUnavailable)
	}
	return g.Memory.CreateParticipationRecord(ctx, p)
}

func (g *fakeGovernance) FailNext(n int) {
	g.mu.Lock()
	g.failNext = n
	g.mu.Unlock()
}

func (g *fakeGovernance) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// failingStore fails Save while fail is set.
type failingStore struct {
	*MemoryStore
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) Save(ctx context.Context, sale *Sale) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("simulated store outage")
	}
	return s.MemoryStore.Save(ctx, sale)
}

func (s *failingStore) SetFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	svc   *Service
	store Store
	base  *fakeLedger
	token *fakeLedger
	gov   *fakeGovernance
	clock *testClock
	init  Init
}

func testInit(now time.Time) Init {
	return Init{
		NetworkGovernanceID:   testNetworkGov,
		SaleGovernanceID:      "sale-governance",
		SaleTokenLedgerID:     "sale-ledger",
		BaseTokenLedgerID:     "base-ledger",
		TargetBaseE8s:         1_000_000,
		EndTimestampSeconds:   now.Add(time.Hour).Unix(),
		MinParticipants:       2,
		MinParticipantBaseE8s: 100_000,
	}
}

func newHarness(t *testing.T, mutate func(*Init)) *harness {
	return newHarnessWithStore(t, NewMemoryStore(), mutate)
}

func newHarnessWithStore(t *testing.T, store Store, mutate func(*Init)) *harness {
	t.Helper()
	clock := newTestClock()
	init := testInit(clock.Now())
	if mutate != nil {
		mutate(&init)
	}

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: store,
		base:  newFakeLedger("base"),
		token: newFakeLedger("sale-token"),
		gov:   &fakeGovernance{Memory: governance.NewMemory()},
		clock: clock,
		init:  init,
	}
	h.svc = NewService(store, h.base, h.token, h.gov).WithClock(clock.Now)
	if _, err := h.svc.Load(h.ctx, testSaleID, testSalePrinc, init); err != nil {
		t.Fatalf("load: %v", err)
	}
	return h
}

func (h *harness) state() *Sale {
	h.t.Helper()
	snap, err := h.svc.GetState(h.ctx)
	if err != nil {
		h.t.Fatalf("get state: %v", err)
	}
	return snap.Sale
}

func (h *harness) lifecycle() Lifecycle {
	return h.state().State.Lifecycle
}

func (h *harness) buyer(principal string) BuyerState {
	h.t.Helper()
	b, err := h.svc.GetBuyer(h.ctx, principal)
	if err != nil {
		h.t.Fatalf("get buyer %s: %v", principal, err)
	}
	return *b
}

// open escrows supply sale tokens and opens the sale.
func (h *harness) open(supply uint64) {
	h.t.Helper()
	if _, err := h.token.Mint(h.ctx, ledger.DefaultAccount(testSalePrinc), supply); err != nil {
		h.t.Fatalf("mint sale tokens: %v", err)
	}
	if _, err := h.svc.OpenSale(h.ctx); err != nil {
		h.t.Fatalf("open sale: %v", err)
	}
}

// depositFor credits principal's deposit subaccount without reconciling.
func (h *harness) depositFor(principal string, amount uint64) {
	h.t.Helper()
	acct := ledger.SubAccount(testSalePrinc, ledger.DeriveSubaccount(testSaleID, principal))
	if _, err := h.base.Mint(h.ctx, acct, amount); err != nil {
		h.t.Fatalf("mint deposit: %v", err)
	}
}

// deposit credits and reconciles principal.
func (h *harness) deposit(principal string, amount uint64) *RefreshResult {
	h.t.Helper()
	h.depositFor(principal, amount)
	res, err := h.svc.RefreshBuyerTokens(h.ctx, principal)
	if err != nil {
		h.t.Fatalf("refresh %s: %v", principal, err)
	}
	return res
}

func (h *harness) finalize() *FinalizeResult {
	h.t.Helper()
	res, err := h.svc.FinalizeSale(h.ctx)
	if err != nil {
		h.t.Fatalf("finalize: %v", err)
	}
	return res
}

func (h *harness) balance(l *fakeLedger, acct ledger.Account) uint64 {
	h.t.Helper()
	bal, err := l.BalanceOf(h.ctx, acct)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return bal
}

func (h *harness) checkInvariants() {
	h.t.Helper()
	s := h.state()
	if err := s.CheckInvariants(); err != nil {
		h.t.Fatalf("invariants: %v", err)
	}
	var sum uint64
	for _, b := range s.State.Buyers {
		sum += b.AmountBaseE8s
	}
	if sum > s.Init.TargetBaseE8s {
		h.t.Fatalf("buyer sum %d exceeds target %d", sum, s.Init.TargetBaseE8s)
	}
}
