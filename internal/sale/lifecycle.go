package sale

import (
	"fmt"
	"time"

	"github.com/mbd888/swapsale/internal/e8s"
)

// New creates a sale in Pending. If init is invalid the sale is created
// already Aborted, with the reason recorded, and never accepts deposits.
func New(id, principal string, init Init, now time.Time) *Sale {
	s := &Sale{
		ID:        id,
		Principal: principal,
		Init:      init,
		State:     State{Lifecycle: LifecyclePending, Buyers: []*BuyerState{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := init.Validate(now); err != nil {
		s.State.Lifecycle = LifecycleAborted
		s.State.AbortReason = "invalid init: " + err.Error()
		closed := now
		s.State.ClosedAt = &closed
	}
	return s
}

// CanCommit reports whether an Open sale should move to Committed: the target
// is reached or the window has ended, and enough buyers participated.
func (s *Sale) CanCommit(now time.Time) bool {
	if s.State.Lifecycle != LifecycleOpen {
		return false
	}
	if s.State.TotalBaseE8s == 0 {
		return false
	}
	if uint64(len(s.State.Buyers)) < uint64(s.Init.MinParticipants) {
		return false
	}
	return s.State.TotalBaseE8s >= s.Init.TargetBaseE8s || s.Init.Ended(now)
}

// CanAbort reports whether an Open sale should move to Aborted: the window
// ended without the sale being committable.
func (s *Sale) CanAbort(now time.Time) bool {
	if s.State.Lifecycle != LifecycleOpen {
		return false
	}
	return s.Init.Ended(now) && !s.CanCommit(now)
}

// advance applies at most one transition. It returns whether the lifecycle
// changed. Evaluating it when nothing applies is a no-op.
func (s *Sale) advance(now time.Time) (bool, error) {
	switch {
	case s.CanCommit(now):
		if err := s.allocate(); err != nil {
			return false, err
		}
		s.State.Lifecycle = LifecycleCommitted
	case s.CanAbort(now):
		s.State.Lifecycle = LifecycleAborted
		s.State.AbortReason = s.abortReason()
	default:
		return false, nil
	}
	closed := now
	s.State.ClosedAt = &closed
	return true, nil
}

func (s *Sale) abortReason() string {
	if n := uint64(len(s.State.Buyers)); n < uint64(s.Init.MinParticipants) {
		return fmt.Sprintf("sale ended with %d of %d required participants", n, s.Init.MinParticipants)
	}
	return "sale ended without reaching commit conditions"
}

// allocate computes every buyer's sale-token allocation as
// floor(amount * supply / total). The remainder stays with the sale.
func (s *Sale) allocate() error {
	total := s.State.TotalBaseE8s
	if total == 0 {
		return fmt.Errorf("%w: allocate with zero total", ErrInvariant)
	}
	supply := s.State.SaleTokenE8s

	var sum uint64
	for _, b := range s.State.Buyers {
		alloc, ok := e8s.MulDiv(b.AmountBaseE8s, supply, total)
		if !ok {
			return fmt.Errorf("%w: allocation overflow for %s", ErrInvariant, b.Principal)
		}
		b.AmountSaleTokenE8s = alloc
		sum += alloc
	}
	if sum > supply {
		return fmt.Errorf("%w: allocations %d exceed supply %d", ErrInvariant, sum, supply)
	}
	return nil
}

// CheckInvariants validates the accounting invariants. A mutation that
// fails this check is never persisted.
func (s *Sale) CheckInvariants() error {
	if s.State.Lifecycle == LifecycleUnspecified {
		return fmt.Errorf("%w: lifecycle unspecified", ErrInvariant)
	}
	if s.State.TotalBaseE8s > s.Init.TargetBaseE8s {
		return fmt.Errorf("%w: total %d exceeds target %d", ErrInvariant, s.State.TotalBaseE8s, s.Init.TargetBaseE8s)
	}

	var sumBase, sumAlloc uint64
	seen := make(map[string]struct{}, len(s.State.Buyers))
	for _, b := range s.State.Buyers {
		if _, dup := seen[b.Principal]; dup {
			return fmt.Errorf("%w: duplicate buyer %s", ErrInvariant, b.Principal)
		}
		seen[b.Principal] = struct{}{}

		var ok bool
		if sumBase, ok = e8s.Add(sumBase, b.AmountBaseE8s); !ok {
			return fmt.Errorf("%w: base amounts overflow", ErrInvariant)
		}
		if sumAlloc, ok = e8s.Add(sumAlloc, b.AmountSaleTokenE8s); !ok {
			return fmt.Errorf("%w: allocations overflow", ErrInvariant)
		}
		if s.State.Lifecycle != LifecycleCommitted && (b.AmountSaleTokenE8s != 0 || b.ParticipationE8s != 0) {
			return fmt.Errorf("%w: %s has an allocation outside committed", ErrInvariant, b.Principal)
		}
	}

	if s.State.Lifecycle == LifecycleOpen && sumBase != s.State.TotalBaseE8s {
		return fmt.Errorf("%w: buyer sum %d != total %d", ErrInvariant, sumBase, s.State.TotalBaseE8s)
	}
	if sumBase > s.State.TotalBaseE8s {
		return fmt.Errorf("%w: buyer sum %d exceeds total %d", ErrInvariant, sumBase, s.State.TotalBaseE8s)
	}
	if sumAlloc > s.State.SaleTokenE8s {
		return fmt.Errorf("%w: unswept allocations %d exceed escrowed supply %d", ErrInvariant, sumAlloc, s.State.SaleTokenE8s)
	}
	return nil
}

// checkTransition rejects lifecycle regressions between two versions.
func checkTransition(from, to Lifecycle) error {
	if to < from {
		return fmt.Errorf("%w: lifecycle %s -> %s", ErrInvariant, from, to)
	}
	if from.IsTerminal() && to != from {
		return fmt.Errorf("%w: lifecycle %s -> %s", ErrInvariant, from, to)
	}
	return nil
}
