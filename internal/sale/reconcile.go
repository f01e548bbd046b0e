package sale

import (
	"fmt"
	"time"
)

// applyDeposit reconciles principal's observed subaccount balance into the
// sale. Deposits only move up: a lower observation than the recorded amount
// leaves the record untouched. Admission is clamped so the total never
// exceeds the target; the unadmitted excess stays in the buyer's subaccount.
func (s *Sale) applyDeposit(principal string, observed uint64, now time.Time) (RefreshResult, error) {
	if s.State.Lifecycle != LifecycleOpen {
		return RefreshResult{}, fmt.Errorf("%w: refresh buyer requires open, sale is %s", ErrInvalidLifecycle, s.State.Lifecycle)
	}
	if s.State.TotalBaseE8s > s.Init.TargetBaseE8s {
		return RefreshResult{}, fmt.Errorf("%w: total above target", ErrInvariant)
	}
	headroom := s.Init.TargetBaseE8s - s.State.TotalBaseE8s

	res := RefreshResult{ObservedE8s: observed}

	b, exists := s.State.Buyer(principal)
	if !exists {
		if observed < s.Init.MinParticipantBaseE8s {
			return RefreshResult{}, fmt.Errorf("%w: observed %d, minimum %d", ErrBelowMinimum, observed, s.Init.MinParticipantBaseE8s)
		}
		if headroom == 0 {
			return RefreshResult{}, ErrTargetReached
		}
		admitted := min(observed, headroom)
		b = &BuyerState{
			Principal:     principal,
			AmountBaseE8s: admitted,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.State.addBuyer(b)
		s.State.TotalBaseE8s += admitted
		res.Created = true
		res.AdmittedE8s = admitted
		res.ExcessE8s = observed - admitted
		res.Buyer = *b
		return res, nil
	}

	if observed > b.AmountBaseE8s {
		increase := observed - b.AmountBaseE8s
		admitted := min(increase, headroom)
		if admitted > 0 {
			b.AmountBaseE8s += admitted
			b.UpdatedAt = now
			s.State.TotalBaseE8s += admitted
		}
		res.AdmittedE8s = admitted
		res.ExcessE8s = increase - admitted
	}
	res.Buyer = *b
	return res, nil
}
