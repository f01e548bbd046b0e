package sale

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/swapsale/internal/ledger"
)

func TestLoad_PersistsNewSale(t *testing.T) {
	store := NewMemoryStore()
	h := newHarnessWithStore(t, store, nil)

	if h.lifecycle() != LifecyclePending {
		t.Fatalf("expected pending, got %s", h.lifecycle())
	}
	stored, err := store.Get(h.ctx, testSaleID)
	if err != nil {
		t.Fatalf("stored sale: %v", err)
	}
	if stored.Principal != testSalePrinc || stored.Init != h.init {
		t.Errorf("stored sale does not match: %+v", stored)
	}
}

func TestLoad_KeepsStoredInit(t *testing.T) {
	store := NewMemoryStore()
	h := newHarnessWithStore(t, store, nil)
	h.open(testSaleTokenSu)
	h.deposit("alice", 200_000)

	changed := h.init
	changed.TargetBaseE8s = 5_000_000
	svc := NewService(store, h.base, h.token, h.gov).WithClock(h.clock.Now)
	loaded, err := svc.Load(h.ctx, testSaleID, "other", changed)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Init.TargetBaseE8s != 1_000_000 || loaded.Principal != testSalePrinc {
		t.Errorf("init was overwritten: %+v", loaded.Init)
	}
	if loaded.State.Lifecycle != LifecycleOpen || loaded.State.TotalBaseE8s != 200_000 {
		t.Errorf("state not restored: %+v", loaded.State)
	}
}

func TestLoad_InvalidInitCreatesAbortedSale(t *testing.T) {
	h := newHarness(t, func(i *Init) { i.MinParticipants = 0 })

	s := h.state()
	if s.State.Lifecycle != LifecycleAborted || s.State.AbortReason == "" {
		t.Fatalf("expected aborted with reason, got %s %q", s.State.Lifecycle, s.State.AbortReason)
	}
	if _, err := h.svc.OpenSale(h.ctx); !errors.Is(err, ErrInvalidLifecycle) {
		t.Errorf("open: expected ErrInvalidLifecycle, got %v", err)
	}
	if _, err := h.svc.RefreshBuyerTokens(h.ctx, "alice"); !errors.Is(err, ErrInvalidLifecycle) {
		t.Errorf("refresh: expected ErrInvalidLifecycle, got %v", err)
	}
	res := h.finalize()
	if !res.Complete || res.Base != (SweepResult{}) {
		t.Errorf("unexpected finalize result %+v", res)
	}
}

func TestServiceBeforeLoad(t *testing.T) {
	svc := NewService(NewMemoryStore(), newFakeLedger("b"), newFakeLedger("s"), nil)
	if _, err := svc.GetState(context.Background()); !errors.Is(err, ErrSaleNotFound) {
		t.Errorf("expected ErrSaleNotFound, got %v", err)
	}
}

func TestOpenSale(t *testing.T) {
	t.Run("requires sale tokens", func(t *testing.T) {
		h := newHarness(t, nil)
		if _, err := h.svc.OpenSale(h.ctx); !errors.Is(err, ErrNoSaleTokens) {
			t.Fatalf("expected ErrNoSaleTokens, got %v", err)
		}
		if h.lifecycle() != LifecyclePending {
			t.Errorf("expected pending, got %s", h.lifecycle())
		}
	})

	t.Run("records escrowed supply", func(t *testing.T) {
		h := newHarness(t, nil)
		h.open(testSaleTokenSu)
		s := h.state()
		if s.State.Lifecycle != LifecycleOpen {
			t.Fatalf("expected open, got %s", s.State.Lifecycle)
		}
		if s.State.SaleTokenE8s != testSaleTokenSu || s.State.OpenedAt == nil {
			t.Errorf("unexpected state %+v", s.State)
		}
	})

	t.Run("twice", func(t *testing.T) {
		h := newHarness(t, nil)
		h.open(testSaleTokenSu)
		if _, err := h.svc.OpenSale(h.ctx); !errors.Is(err, ErrInvalidLifecycle) {
			t.Fatalf("expected ErrInvalidLifecycle, got %v", err)
		}
	})

	t.Run("after end", func(t *testing.T) {
		h := newHarness(t, nil)
		if _, err := h.token.Mint(h.ctx, ledger.DefaultAccount(testSalePrinc), testSaleTokenSu); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(2 * time.Hour)
		if _, err := h.svc.OpenSale(h.ctx); !errors.Is(err, ErrSaleEnded) {
			t.Fatalf("expected ErrSaleEnded, got %v", err)
		}
	})
}

func TestRefreshSaleTokens(t *testing.T) {
	h := newHarness(t, nil)
	acct := ledger.DefaultAccount(testSalePrinc)

	if _, err := h.token.Mint(h.ctx, acct, 300); err != nil {
		t.Fatal(err)
	}
	got, err := h.svc.RefreshSaleTokens(h.ctx)
	if err != nil || got != 300 {
		t.Fatalf("refresh = %d, %v", got, err)
	}
	if _, err := h.token.Mint(h.ctx, acct, 700); err != nil {
		t.Fatal(err)
	}
	if got, _ := h.svc.RefreshSaleTokens(h.ctx); got != 1_000 {
		t.Errorf("refresh after top-up = %d, want 1000", got)
	}
	if s := h.state(); s.State.SaleTokenE8s != 1_000 || s.State.Lifecycle != LifecyclePending {
		t.Errorf("unexpected state %+v", s.State)
	}

	if _, err := h.svc.OpenSale(h.ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.RefreshSaleTokens(h.ctx); !errors.Is(err, ErrInvalidLifecycle) {
		t.Errorf("expected ErrInvalidLifecycle once open, got %v", err)
	}
}

func TestRefreshBuyerTokens(t *testing.T) {
	t.Run("requires open", func(t *testing.T) {
		h := newHarness(t, nil)
		h.depositFor("alice", 200_000)
		if _, err := h.svc.RefreshBuyerTokens(h.ctx, "alice"); !errors.Is(err, ErrInvalidLifecycle) {
			t.Fatalf("expected ErrInvalidLifecycle, got %v", err)
		}
	})

	t.Run("empty principal", func(t *testing.T) {
		h := newHarness(t, nil)
		h.open(testSaleTokenSu)
		if _, err := h.svc.RefreshBuyerTokens(h.ctx, "  "); !errors.Is(err, ErrInvalidPrincipal) {
			t.Fatalf("expected ErrInvalidPrincipal, got %v", err)
		}
	})

	t.Run("below minimum creates nothing", func(t *testing.T) {
		h := newHarness(t, nil)
		h.open(testSaleTokenSu)
		h.depositFor("alice", 50_000)
		if _, err := h.svc.RefreshBuyerTokens(h.ctx, "alice"); !errors.Is(err, ErrBelowMinimum) {
			t.Fatalf("expected ErrBelowMinimum, got %v", err)
		}
		if _, err := h.svc.GetBuyer(h.ctx, "alice"); !errors.Is(err, ErrBuyerNotFound) {
			t.Errorf("expected no buyer, got %v", err)
		}
		// Topping up past the minimum admits the whole balance.
		res := h.deposit("alice", 60_000)
		if !res.Created || res.Buyer.AmountBaseE8s != 110_000 {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		store := NewMemoryStore()
		h := newHarnessWithStore(t, store, nil)
		h.open(testSaleTokenSu)
		h.deposit("alice", 200_000)
		saves := store.Saves()
		before := h.state()

		res, err := h.svc.RefreshBuyerTokens(h.ctx, "alice")
		if err != nil {
			t.Fatalf("second refresh: %v", err)
		}
		if res.Created || res.AdmittedE8s != 0 {
			t.Errorf("second refresh changed the record: %+v", res)
		}
		if store.Saves() != saves {
			t.Errorf("no-op refresh persisted the sale")
		}
		after := h.state()
		if after.State.TotalBaseE8s != before.State.TotalBaseE8s {
			t.Errorf("total changed %d -> %d", before.State.TotalBaseE8s, after.State.TotalBaseE8s)
		}
	})

	t.Run("never shrinks", func(t *testing.T) {
		h := newHarness(t, nil)
		h.open(testSaleTokenSu)
		h.deposit("alice", 300_000)

		// The buyer cannot withdraw, but a foreign debit must not shrink the record.
		_, err := h.base.MemoryLedger.Transfer(h.ctx, ledger.TransferArgs{
			From:      buyerAccount(h.state(), "alice"),
			To:        ledger.DefaultAccount("elsewhere"),
			AmountE8s: 250_000,
		})
		if err != nil {
			t.Fatal(err)
		}
		res, err := h.svc.RefreshBuyerTokens(h.ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if res.ObservedE8s != 50_000 || res.Buyer.AmountBaseE8s != 300_000 {
			t.Errorf("unexpected result %+v", res)
		}
		if h.state().State.TotalBaseE8s != 300_000 {
			t.Errorf("total shrank")
		}
	})

	t.Run("closes an expired window first", func(t *testing.T) {
		h := newHarness(t, nil)
		h.open(testSaleTokenSu)
		h.deposit("alice", 200_000)
		h.clock.Advance(2 * time.Hour)
		h.depositFor("bob", 200_000)

		if _, err := h.svc.RefreshBuyerTokens(h.ctx, "bob"); !errors.Is(err, ErrInvalidLifecycle) {
			t.Fatalf("expected ErrInvalidLifecycle, got %v", err)
		}
		if h.lifecycle() != LifecycleAborted {
			t.Errorf("expected aborted, got %s", h.lifecycle())
		}
	})

	t.Run("ledger failure leaves state", func(t *testing.T) {
		h := newHarness(t, nil)
		h.open(testSaleTokenSu)
		h.svc.baseLedger = unavailableLedger{}
		if _, err := h.svc.RefreshBuyerTokens(h.ctx, "alice"); !errors.Is(err, ledger.ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if len(h.state().State.Buyers) != 0 {
			t.Error("buyer created despite ledger failure")
		}
	})
}

type unavailableLedger struct{}

func (unavailableLedger) BalanceOf(context.Context, ledger.Account) (uint64, error) {
	return 0, ledger.ErrUnavailable
}

func (unavailableLedger) Transfer(context.Context, ledger.TransferArgs) (ledger.TransferResult, error) {
	return ledger.TransferResult{}, ledger.ErrUnavailable
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	h := newHarnessWithStore(t, store, nil)
	h.open(testSaleTokenSu)
	h.depositFor("alice", 200_000)

	store.SetFail(true)
	if _, err := h.svc.RefreshBuyerTokens(h.ctx, "alice"); err == nil {
		t.Fatal("expected persist error")
	}
	if len(h.state().State.Buyers) != 0 {
		t.Fatal("in-memory state advanced past the store")
	}

	store.SetFail(false)
	res, err := h.svc.RefreshBuyerTokens(h.ctx, "alice")
	if err != nil || !res.Created {
		t.Fatalf("retry: %+v %v", res, err)
	}
}

// Scenario: the window ends below the participant minimum and deposits are
// refunded to the buyers' default accounts.
func TestScenario_AbortAndRefund(t *testing.T) {
	h := newHarness(t, nil)
	h.open(testSaleTokenSu)
	h.deposit("alice", 200_000)

	h.clock.Advance(time.Hour)
	lc, err := h.svc.Advance(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if lc != LifecycleAborted {
		t.Fatalf("expected aborted, got %s", lc)
	}

	res := h.finalize()
	if res.Base != (SweepResult{Success: 1}) || res.SaleToken != (SweepResult{}) {
		t.Errorf("unexpected result %+v", res)
	}
	if !res.Complete {
		t.Error("expected settlement complete")
	}
	if got := h.balance(h.base, ledger.DefaultAccount("alice")); got != 200_000 {
		t.Errorf("refund = %d, want 200000", got)
	}
	if got := h.balance(h.base, buyerAccount(h.state(), "alice")); got != 0 {
		t.Errorf("subaccount still holds %d", got)
	}
	if got := h.balance(h.base, ledger.DefaultAccount(testNetworkGov)); got != 0 {
		t.Errorf("governance received %d from an aborted sale", got)
	}
	if h.gov.Calls() != 0 {
		t.Error("aborted sale registered participation")
	}

	// Total stays frozen after the sweep.
	if s := h.state(); s.State.TotalBaseE8s != 200_000 {
		t.Errorf("total = %d after sweep", s.State.TotalBaseE8s)
	}
}

// Scenario: the target is reached before the end and the sale commits on the
// deposit that reaches it.
func TestScenario_CommitOnTarget(t *testing.T) {
	h := newHarness(t, nil)
	h.open(testSaleTokenSu)
	h.deposit("alice", 500_000)
	res := h.deposit("bob", 500_000)
	if res.Lifecycle != LifecycleCommitted {
		t.Fatalf("expected commit on target, got %s", res.Lifecycle)
	}

	alice := h.buyer("alice")
	if alice.AmountSaleTokenE8s != testSaleTokenSu/2 {
		t.Errorf("alice allocation = %d", alice.AmountSaleTokenE8s)
	}

	fin := h.finalize()
	if fin.Base.Success != 2 || fin.SaleToken.Success != 2 || fin.Governance.Success != 2 {
		t.Errorf("unexpected result %+v", fin)
	}
	if !fin.Complete {
		t.Error("expected complete")
	}
	if got := h.balance(h.base, ledger.DefaultAccount(testNetworkGov)); got != 1_000_000 {
		t.Errorf("governance base balance = %d", got)
	}
	if got := h.balance(h.token, ledger.DefaultAccount("bob")); got != testSaleTokenSu/2 {
		t.Errorf("bob sale tokens = %d", got)
	}
	rec, ok := h.gov.Get("alice")
	if !ok || rec.AmountE8s != testSaleTokenSu/2 {
		t.Errorf("alice participation = %+v, %v", rec, ok)
	}

	s := h.state()
	if s.State.SaleTokenE8s != 0 {
		t.Errorf("sale token supply after sweep = %d", s.State.SaleTokenE8s)
	}
	if s.State.TotalBaseE8s != 1_000_000 {
		t.Errorf("total = %d", s.State.TotalBaseE8s)
	}
}

// Scenario: the deposit crossing the target is clamped; the excess stays in
// the buyer's subaccount and is never swept.
func TestScenario_ClampAtTarget(t *testing.T) {
	h := newHarness(t, func(i *Init) { i.MinParticipants = 3 })
	h.open(testSaleTokenSu)
	h.deposit("alice", 400_000)
	h.deposit("bob", 500_000)

	res := h.deposit("carol", 150_000)
	if res.AdmittedE8s != 100_000 || res.ExcessE8s != 50_000 {
		t.Fatalf("admitted=%d excess=%d", res.AdmittedE8s, res.ExcessE8s)
	}
	if res.Lifecycle != LifecycleCommitted {
		t.Fatalf("expected commit, got %s", res.Lifecycle)
	}
	if total := h.state().State.TotalBaseE8s; total != 1_000_000 {
		t.Fatalf("total = %d", total)
	}

	h.finalize()
	carolSub := buyerAccount(h.state(), "carol")
	if got := h.balance(h.base, carolSub); got != 50_000 {
		t.Errorf("carol subaccount = %d, want excess 50000", got)
	}
	if got := h.balance(h.base, ledger.DefaultAccount(testNetworkGov)); got != 1_000_000 {
		t.Errorf("governance = %d", got)
	}
}

func TestTargetReachedRejectsNewBuyers(t *testing.T) {
	h := newHarness(t, func(i *Init) { i.MinParticipants = 3 })
	h.open(testSaleTokenSu)
	h.deposit("alice", 1_000_000)
	if h.lifecycle() != LifecycleOpen {
		t.Fatalf("sale should wait for participants, got %s", h.lifecycle())
	}

	h.depositFor("bob", 100_000)
	if _, err := h.svc.RefreshBuyerTokens(h.ctx, "bob"); !errors.Is(err, ErrTargetReached) {
		t.Fatalf("expected ErrTargetReached, got %v", err)
	}
	h.checkInvariants()
}

// Scenario: a transfer fails, the leg stays pending and the next pass
// completes it.
func TestScenario_FailedLegRetried(t *testing.T) {
	h := newHarness(t, func(i *Init) { i.MinParticipants = 1 })
	h.open(testSaleTokenSu)
	h.deposit("alice", 200_000)
	h.clock.Advance(2 * time.Hour)
	if _, err := h.svc.Advance(h.ctx); err != nil {
		t.Fatal(err)
	}
	if h.lifecycle() != LifecycleCommitted {
		t.Fatalf("expected commit at end, got %s", h.lifecycle())
	}

	h.base.FailNext(1)
	first := h.finalize()
	if first.Base != (SweepResult{Failure: 1}) || first.Complete {
		t.Fatalf("first pass = %+v", first)
	}
	alice := h.buyer("alice")
	if alice.AmountBaseE8s != 200_000 || alice.BaseDisbursing {
		t.Fatalf("failed leg not restored: %+v", alice)
	}
	if first.SaleToken.Success != 1 {
		t.Errorf("sale token leg should still run: %+v", first.SaleToken)
	}

	second := h.finalize()
	if second.Base != (SweepResult{Success: 1}) || !second.Complete {
		t.Fatalf("second pass = %+v", second)
	}

	third := h.finalize()
	if third.Base != (SweepResult{}) || third.SaleToken != (SweepResult{}) || third.Governance != (SweepResult{}) {
		t.Errorf("settled sale still did work: %+v", third)
	}
	if h.base.TransferCalls() != 2 || h.token.TransferCalls() != 1 {
		t.Errorf("transfer calls base=%d token=%d", h.base.TransferCalls(), h.token.TransferCalls())
	}
}

func TestFinalize_RegistrationRetriedWithoutResend(t *testing.T) {
	h := newHarness(t, nil)
	h.open(testSaleTokenSu)
	h.deposit("alice", 500_000)
	h.deposit("bob", 500_000)

	h.gov.FailNext(1)
	first := h.finalize()
	if first.SaleToken.Success != 2 || first.Governance != (SweepResult{Success: 1, Failure: 1}) {
		t.Fatalf("first pass = %+v", first)
	}
	if first.Complete {
		t.Fatal("sale complete with an unregistered participant")
	}

	second := h.finalize()
	if second.SaleToken != (SweepResult{}) || second.Governance != (SweepResult{Success: 1}) {
		t.Fatalf("second pass = %+v", second)
	}
	if !second.Complete {
		t.Error("expected complete")
	}
	if h.token.TransferCalls() != 2 {
		t.Errorf("sale token transfers = %d, want 2", h.token.TransferCalls())
	}
	if len(h.gov.Records()) != 2 {
		t.Errorf("records = %d", len(h.gov.Records()))
	}
}

func TestFinalize_RequiresTerminal(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.svc.FinalizeSale(h.ctx); !errors.Is(err, ErrInvalidLifecycle) {
		t.Errorf("pending: expected ErrInvalidLifecycle, got %v", err)
	}
	h.open(testSaleTokenSu)
	if _, err := h.svc.FinalizeSale(h.ctx); !errors.Is(err, ErrInvalidLifecycle) {
		t.Errorf("open: expected ErrInvalidLifecycle, got %v", err)
	}
}

func TestFinalize_ConcurrentPassesNeverDoubleSpend(t *testing.T) {
	h := newHarness(t, func(i *Init) { i.MinParticipants = 1 })
	h.open(testSaleTokenSu)
	h.deposit("alice", 1_000_000)
	if h.lifecycle() != LifecycleCommitted {
		t.Fatalf("expected commit, got %s", h.lifecycle())
	}

	entered, release := h.base.Block()
	var (
		wg    sync.WaitGroup
		first *FinalizeResult
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := h.svc.FinalizeSale(h.ctx)
		if err != nil {
			t.Errorf("first pass: %v", err)
		}
		first = res
	}()
	<-entered

	// The base leg is in flight: a second pass must skip it.
	alice := h.buyer("alice")
	if alice.BaseLeg() != LegInFlight {
		t.Fatalf("expected base leg in flight, got %s", alice.BaseLeg())
	}
	second := h.finalize()
	if second.Base != (SweepResult{Skipped: 1}) {
		t.Errorf("second pass base = %+v", second.Base)
	}
	if second.Complete {
		t.Error("sale complete while a leg is in flight")
	}

	release()
	wg.Wait()

	if first.Base != (SweepResult{Success: 1}) {
		t.Errorf("first pass base = %+v", first.Base)
	}
	if h.base.TransferCalls() != 1 || h.token.TransferCalls() != 1 {
		t.Errorf("transfer calls base=%d token=%d, want 1/1", h.base.TransferCalls(), h.token.TransferCalls())
	}
	if got := h.balance(h.base, ledger.DefaultAccount(testNetworkGov)); got != 1_000_000 {
		t.Errorf("governance = %d", got)
	}
	if !h.state().SettlementComplete() {
		t.Error("expected settlement complete")
	}
}

func TestFinalize_ManyConcurrentPasses(t *testing.T) {
	h := newHarness(t, nil)
	h.open(testSaleTokenSu)
	for _, p := range []string{"a", "b", "c", "d"} {
		h.deposit(p, 250_000)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.FinalizeSale(h.ctx)
		}()
	}
	wg.Wait()
	h.finalize()

	if h.base.TransferCalls() != 4 || h.token.TransferCalls() != 4 {
		t.Errorf("transfer calls base=%d token=%d, want 4/4", h.base.TransferCalls(), h.token.TransferCalls())
	}
	if !h.state().SettlementComplete() {
		t.Error("expected settlement complete")
	}
	h.checkInvariants()
}

func TestResetDisbursing(t *testing.T) {
	store := NewMemoryStore()
	h := newHarnessWithStore(t, store, func(i *Init) { i.MinParticipants = 1 })
	h.open(testSaleTokenSu)
	h.deposit("alice", 200_000)
	h.clock.Advance(2 * time.Hour)
	if _, err := h.svc.Advance(h.ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := h.svc.ResetDisbursing(h.ctx, "alice", LegBase); !errors.Is(err, ErrNotDisbursing) {
		t.Fatalf("expected ErrNotDisbursing, got %v", err)
	}
	if _, err := h.svc.ResetDisbursing(h.ctx, "nobody", LegBase); !errors.Is(err, ErrBuyerNotFound) {
		t.Fatalf("expected ErrBuyerNotFound, got %v", err)
	}

	// Simulate a crash after the transfer landed but before its outcome was
	// recorded: the flag is persisted and the ledger already holds the block.
	stuck := h.state()
	b, _ := stuck.State.Buyer("alice")
	b.BaseDisbursing = true
	if err := store.Save(h.ctx, stuck); err != nil {
		t.Fatal(err)
	}
	if _, err := h.base.MemoryLedger.Transfer(h.ctx, ledger.TransferArgs{
		From:      buyerAccount(stuck, "alice"),
		To:        ledger.DefaultAccount(testNetworkGov),
		AmountE8s: 200_000,
		Memo:      memoBaseLeg,
	}); err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, h.base, h.token, h.gov).WithClock(h.clock.Now)
	if _, err := svc.Load(h.ctx, testSaleID, testSalePrinc, h.init); err != nil {
		t.Fatal(err)
	}
	res, err := svc.FinalizeSale(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Base != (SweepResult{Skipped: 1}) {
		t.Fatalf("stuck leg not skipped: %+v", res.Base)
	}

	reset, err := svc.ResetDisbursing(h.ctx, "alice", LegBase)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.BaseDisbursing {
		t.Error("flag still set")
	}

	res, err = svc.FinalizeSale(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Base != (SweepResult{Success: 1}) {
		t.Fatalf("resent leg = %+v", res.Base)
	}
	if got := h.balance(h.base, ledger.DefaultAccount(testNetworkGov)); got != 200_000 {
		t.Errorf("governance = %d, duplicate was applied", got)
	}
}

func TestSettleFailureKeepsFlag(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	h := newHarnessWithStore(t, store, func(i *Init) { i.MinParticipants = 1 })
	h.open(testSaleTokenSu)
	h.deposit("alice", 200_000)
	h.clock.Advance(2 * time.Hour)
	if _, err := h.svc.Advance(h.ctx); err != nil {
		t.Fatal(err)
	}

	// The claim is persisted, then the store fails before the outcome is.
	entered, release := h.base.Block()
	done := make(chan *FinalizeResult)
	go func() {
		res, _ := h.svc.FinalizeSale(h.ctx)
		done <- res
	}()
	<-entered
	store.SetFail(true)
	release()
	res := <-done

	if res.Base != (SweepResult{Failure: 1}) {
		t.Fatalf("base = %+v", res.Base)
	}
	if alice := h.buyer("alice"); !alice.BaseDisbursing {
		t.Error("flag cleared without being persisted")
	}
	store.SetFail(false)
	if again := h.finalize(); again.Base != (SweepResult{Skipped: 1}) {
		t.Errorf("in-flight leg re-sent: %+v", again.Base)
	}
}

// A caller that goes away while a transfer is out must not turn the
// transfer into a failure: the next pass would send it again.
func TestFinalize_CallerCancelDoesNotAbandonTransfer(t *testing.T) {
	h := newHarness(t, func(i *Init) { i.MinParticipants = 1 })
	h.open(testSaleTokenSu)
	h.deposit("alice", 1_000_000)
	if h.lifecycle() != LifecycleCommitted {
		t.Fatalf("expected commit, got %s", h.lifecycle())
	}

	h.base.Landing()
	entered, release := h.base.Block()
	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan *FinalizeResult)
	go func() {
		res, _ := h.svc.FinalizeSale(ctx)
		done <- res
	}()
	<-entered
	cancel()
	release()
	first := <-done

	if first.Base != (SweepResult{Success: 1}) {
		t.Fatalf("first pass base = %+v", first.Base)
	}
	alice := h.buyer("alice")
	if alice.BaseLeg() != LegDone || alice.AmountBaseE8s != 0 {
		t.Fatalf("landed transfer not recorded: %+v", alice)
	}

	second := h.finalize()
	if second.Base != (SweepResult{}) {
		t.Errorf("second pass base = %+v", second.Base)
	}
	if !second.Complete {
		t.Error("expected settlement complete")
	}
	if h.base.TransferCalls() != 1 {
		t.Errorf("base transfers = %d, want 1", h.base.TransferCalls())
	}
	if got := h.balance(h.base, ledger.DefaultAccount(testNetworkGov)); got != 1_000_000 {
		t.Errorf("governance = %d", got)
	}
}

func TestFinalize_CallTimeoutLeavesLegInFlight(t *testing.T) {
	h := newHarness(t, func(i *Init) { i.MinParticipants = 1 })
	h.open(testSaleTokenSu)
	h.deposit("alice", 1_000_000)
	h.svc.WithCallTimeout(20 * time.Millisecond)

	h.base.Landing()
	_, release := h.base.Block()
	defer release()

	first := h.finalize()
	if first.Base != (SweepResult{Failure: 1}) {
		t.Fatalf("first pass base = %+v", first.Base)
	}
	alice := h.buyer("alice")
	if alice.BaseLeg() != LegInFlight || alice.AmountBaseE8s != 1_000_000 {
		t.Fatalf("timed out leg not left in flight: %+v", alice)
	}

	second := h.finalize()
	if second.Base != (SweepResult{Skipped: 1}) {
		t.Errorf("second pass base = %+v", second.Base)
	}
	if h.base.TransferCalls() != 1 {
		t.Fatalf("base transfers = %d, want 1", h.base.TransferCalls())
	}

	// The operator confirms the block and resets; the resend is a duplicate.
	if _, err := h.svc.ResetDisbursing(h.ctx, "alice", LegBase); err != nil {
		t.Fatal(err)
	}
	third := h.finalize()
	if third.Base != (SweepResult{Success: 1}) || !third.Complete {
		t.Fatalf("third pass = %+v", third)
	}
	if got := h.balance(h.base, ledger.DefaultAccount(testNetworkGov)); got != 1_000_000 {
		t.Errorf("governance = %d, transfer applied twice", got)
	}
}

func TestLifecycleIsMonotonic(t *testing.T) {
	h := newHarness(t, nil)
	h.open(testSaleTokenSu)
	h.deposit("alice", 500_000)
	h.deposit("bob", 500_000)
	if h.lifecycle() != LifecycleCommitted {
		t.Fatal("expected commit")
	}

	h.clock.Advance(48 * time.Hour)
	if lc, err := h.svc.Advance(h.ctx); err != nil || lc != LifecycleCommitted {
		t.Errorf("advance after commit = %s, %v", lc, err)
	}
	if _, err := h.svc.OpenSale(h.ctx); !errors.Is(err, ErrInvalidLifecycle) {
		t.Errorf("open after commit: %v", err)
	}
	if _, err := h.svc.RefreshBuyerTokens(h.ctx, "alice"); !errors.Is(err, ErrInvalidLifecycle) {
		t.Errorf("refresh after commit: %v", err)
	}
}

func TestAdvance_CommitAtEndWithoutTarget(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1_000)
	h.deposit("alice", 100_000)
	h.deposit("bob", 300_000)

	if lc, _ := h.svc.Advance(h.ctx); lc != LifecycleOpen {
		t.Fatalf("committed early: %s", lc)
	}
	h.clock.Advance(time.Hour)
	if lc, _ := h.svc.Advance(h.ctx); lc != LifecycleCommitted {
		t.Fatalf("expected commit at end, got %s", lc)
	}
	if a := h.buyer("alice"); a.AmountSaleTokenE8s != 250 {
		t.Errorf("alice = %d, want 250", a.AmountSaleTokenE8s)
	}
	if b := h.buyer("bob"); b.AmountSaleTokenE8s != 750 {
		t.Errorf("bob = %d, want 750", b.AmountSaleTokenE8s)
	}
}

func TestRandomDepositsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := newHarness(t, func(i *Init) {
		i.MinParticipants = 3
		i.TargetBaseE8s = 3_000_000
	})
	h.open(testSaleTokenSu)

	principals := []string{"a", "b", "c", "d", "e", "f"}
	for i := 0; i < 200 && h.lifecycle() == LifecycleOpen; i++ {
		p := principals[rng.Intn(len(principals))]
		h.depositFor(p, uint64(rng.Intn(150_000)+1))
		_, err := h.svc.RefreshBuyerTokens(h.ctx, p)
		if err != nil && !errors.Is(err, ErrBelowMinimum) && !errors.Is(err, ErrTargetReached) && !errors.Is(err, ErrInvalidLifecycle) {
			t.Fatalf("refresh %s: %v", p, err)
		}
		h.checkInvariants()
	}
	if h.lifecycle() != LifecycleCommitted {
		h.clock.Advance(2 * time.Hour)
		if _, err := h.svc.Advance(h.ctx); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		h.finalize()
		h.checkInvariants()
	}
	if !h.state().SettlementComplete() {
		t.Fatal("sale did not converge")
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	p.events = append(p.events, eventType)
	p.mu.Unlock()
}

func TestPublishesEvents(t *testing.T) {
	h := newHarness(t, nil)
	pub := &recordingPublisher{}
	h.svc.WithPublisher(pub)

	h.open(testSaleTokenSu)
	h.deposit("alice", 500_000)
	if _, err := h.svc.RefreshBuyerTokens(h.ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	h.deposit("bob", 500_000)
	h.finalize()

	want := []string{
		EventLifecycleChanged, // open
		EventBuyerRefreshed,
		EventLifecycleChanged, // committed
		EventBuyerRefreshed,
		EventSweepCompleted,
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != len(want) {
		t.Fatalf("events = %v, want %v", pub.events, want)
	}
	for i := range want {
		if pub.events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, pub.events[i], want[i])
		}
	}
}
