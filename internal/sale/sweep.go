package sale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/swapsale/internal/governance"
	"github.com/mbd888/swapsale/internal/ledger"
	"github.com/mbd888/swapsale/internal/logging"
	"github.com/mbd888/swapsale/internal/metrics"
	"github.com/mbd888/swapsale/internal/traces"
)

// FinalizeSale runs one settlement pass over every buyer of a Committed or
// Aborted sale. It never waits on a leg that is already in flight and never
// retries a failed leg within the same pass; calling it again converges.
//
// Collaborator failures are reported in the returned counters, not as an
// error. An error means the pass could not run (wrong lifecycle) or was
// cut short by ctx; the counters then cover the buyers visited so far.
func (s *Service) FinalizeSale(ctx context.Context) (*FinalizeResult, error) {
	start := time.Now()

	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	lc := s.sale.State.Lifecycle
	if !lc.IsTerminal() {
		unlock()
		return nil, fmt.Errorf("%w: finalize requires committed or aborted, sale is %s", ErrInvalidLifecycle, lc)
	}
	principals := make([]string, len(s.sale.State.Buyers))
	for i, b := range s.sale.State.Buyers {
		principals[i] = b.Principal
	}
	unlock()

	ctx, span := traces.StartSpan(ctx, "sale.FinalizeSale", traces.SaleID(s.id))
	defer span.End()

	res := &FinalizeResult{Lifecycle: lc}
	var passErr error
	for _, p := range principals {
		if err := s.sweepBase(ctx, p, lc, &res.Base); err != nil {
			passErr = err
			break
		}
		if lc != LifecycleCommitted {
			continue
		}
		if err := s.sweepSaleToken(ctx, p, &res.SaleToken, &res.Governance); err != nil {
			passErr = err
			break
		}
	}

	if unlock, err := s.lock(context.WithoutCancel(ctx)); err == nil {
		res.Complete = s.sale.SettlementComplete()
		unlock()
	}

	recordSweep("base", res.Base)
	recordSweep("sale_token", res.SaleToken)
	recordSweep("governance", res.Governance)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())

	logging.L(ctx).Info("finalize pass completed",
		"lifecycle", lc.String(),
		"base", res.Base,
		"sale_token", res.SaleToken,
		"governance", res.Governance,
		"complete", res.Complete,
	)
	s.publish(EventSweepCompleted, res)

	if passErr != nil {
		span.RecordError(passErr)
		span.SetStatus(codes.Error, "finalize pass interrupted")
		return res, fmt.Errorf("finalize pass interrupted: %w", passErr)
	}
	return res, nil
}

func recordSweep(leg string, r SweepResult) {
	metrics.SweepLegsTotal.WithLabelValues(leg, "success").Add(float64(r.Success))
	metrics.SweepLegsTotal.WithLabelValues(leg, "failure").Add(float64(r.Failure))
	metrics.SweepLegsTotal.WithLabelValues(leg, "skipped").Add(float64(r.Skipped))
}

// claim sets a disbursing flag on principal and persists it. Caller must
// hold mu. The flag is what keeps a concurrent pass off this leg while the
// transfer is in flight.
func (s *Service) claim(ctx context.Context, principal string, set func(b *BuyerState)) error {
	next := s.sale.Clone()
	b, ok := next.State.Buyer(principal)
	if !ok {
		return ErrBuyerNotFound
	}
	set(b)
	b.UpdatedAt = s.now()
	return s.commit(ctx, next)
}

// settle records a leg outcome. Caller must hold mu. If the outcome cannot
// be persisted the flag stays set and the leg waits for an operator reset.
func (s *Service) settle(ctx context.Context, principal string, leg Leg, apply func(next *Sale, b *BuyerState)) bool {
	next := s.sale.Clone()
	b, ok := next.State.Buyer(principal)
	if !ok {
		return false
	}
	apply(next, b)
	b.UpdatedAt = s.now()
	if err := s.commit(ctx, next); err != nil {
		logging.L(ctx).Error("failed to record leg outcome, leg stays in flight",
			"principal", principal, "leg", string(leg), "error", err)
		return false
	}
	return true
}

// detach returns the context a sweep collaborator call is issued under.
// Once issued, a call is not cancelled by the caller going away; only the
// optional call timeout ends it.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.callTimeout > 0 {
		return context.WithTimeout(ctx, s.callTimeout)
	}
	return ctx, func() {}
}

// outcomeUnknown handles a call that ended on its timeout. The flag stays
// set: the call may have landed, so only an operator may clear it.
func (s *Service) outcomeUnknown(ctx context.Context, principal string, leg Leg, err error) {
	metrics.SweepUnknownOutcomes.WithLabelValues(string(leg)).Inc()
	logging.L(ctx).Error("collaborator call timed out, leg stays in flight",
		"principal", principal, "leg", string(leg), "error", err)
}

// sweepBase settles the base-token leg of one buyer: to network governance
// when committed, back to the buyer when aborted.
func (s *Service) sweepBase(ctx context.Context, principal string, lc Lifecycle, out *SweepResult) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	b, ok := s.sale.State.Buyer(principal)
	switch {
	case !ok:
		unlock()
		return nil
	case b.BaseDisbursing:
		out.Skipped++
		unlock()
		return nil
	case b.AmountBaseE8s == 0:
		unlock()
		return nil
	}

	amount := b.AmountBaseE8s
	dest := ledger.DefaultAccount(principal)
	if lc == LifecycleCommitted {
		dest = ledger.DefaultAccount(s.sale.Init.NetworkGovernanceID)
	}
	args := ledger.TransferArgs{
		From:      buyerAccount(s.sale, principal),
		To:        dest,
		AmountE8s: amount,
		Memo:      memoBaseLeg,
	}
	if err := s.claim(ctx, principal, func(b *BuyerState) { b.BaseDisbursing = true }); err != nil {
		unlock()
		out.Failure++
		logging.L(ctx).Warn("failed to claim base leg", "principal", principal, "error", err)
		return nil
	}
	unlock()

	callCtx, cancel := s.detach(ctx)
	err = s.transfer(callCtx, s.baseLedger, CollaboratorBaseLedger, LegBase, principal, args)
	unknown := err != nil && callCtx.Err() != nil
	cancel()
	succeeded := err == nil || errors.Is(err, ledger.ErrDuplicate)

	ctx, unlock = s.relock(ctx)
	defer unlock()

	if unknown {
		out.Failure++
		s.outcomeUnknown(ctx, principal, LegBase, err)
		return nil
	}
	recorded := s.settle(ctx, principal, LegBase, func(_ *Sale, b *BuyerState) {
		b.BaseDisbursing = false
		if succeeded {
			b.AmountBaseE8s = 0
		}
	})
	if succeeded && recorded {
		out.Success++
	} else {
		out.Failure++
	}
	return nil
}

// sweepSaleToken settles the sale-token leg of one buyer of a committed
// sale: the allocation transfer, then the governance participation record.
// Both steps share SaleTokenDisbursing. Registration is retried on later
// passes without re-sending the transfer.
func (s *Service) sweepSaleToken(ctx context.Context, principal string, tok, gov *SweepResult) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	b, ok := s.sale.State.Buyer(principal)
	if !ok {
		unlock()
		return nil
	}
	if b.SaleTokenDisbursing {
		if b.AmountSaleTokenE8s > 0 {
			tok.Skipped++
		} else if b.ParticipationE8s > 0 && !b.ParticipationRegistered {
			gov.Skipped++
		}
		unlock()
		return nil
	}

	if b.AmountSaleTokenE8s > 0 {
		amount := b.AmountSaleTokenE8s
		args := ledger.TransferArgs{
			From:      ledger.DefaultAccount(s.sale.Principal),
			To:        ledger.DefaultAccount(principal),
			AmountE8s: amount,
			Memo:      memoSaleTokenLeg,
		}
		if err := s.claim(ctx, principal, func(b *BuyerState) { b.SaleTokenDisbursing = true }); err != nil {
			unlock()
			tok.Failure++
			logging.L(ctx).Warn("failed to claim sale token leg", "principal", principal, "error", err)
			return nil
		}
		unlock()

		callCtx, cancel := s.detach(ctx)
		err := s.transfer(callCtx, s.saleLedger, CollaboratorSaleLedger, LegSaleToken, principal, args)
		unknown := err != nil && callCtx.Err() != nil
		cancel()
		succeeded := err == nil || errors.Is(err, ledger.ErrDuplicate)

		var lockCtx context.Context
		lockCtx, unlock = s.relock(ctx)
		if unknown {
			tok.Failure++
			s.outcomeUnknown(lockCtx, principal, LegSaleToken, err)
			unlock()
			return nil
		}
		recorded := s.settle(lockCtx, principal, LegSaleToken, func(next *Sale, b *BuyerState) {
			b.SaleTokenDisbursing = false
			if succeeded {
				b.AmountSaleTokenE8s = 0
				b.ParticipationE8s += amount
				next.State.SaleTokenE8s -= min(amount, next.State.SaleTokenE8s)
			}
		})
		if !succeeded || !recorded {
			tok.Failure++
			unlock()
			return nil
		}
		tok.Success++

		if err := ctx.Err(); err != nil {
			unlock()
			return err
		}
		b, _ = s.sale.State.Buyer(principal)
	}

	// Lock is held here.
	if b.ParticipationE8s == 0 || b.ParticipationRegistered {
		unlock()
		return nil
	}
	p := governance.Participation{Principal: principal, AmountE8s: b.ParticipationE8s}
	if err := s.claim(ctx, principal, func(b *BuyerState) { b.SaleTokenDisbursing = true }); err != nil {
		unlock()
		gov.Failure++
		logging.L(ctx).Warn("failed to claim registration", "principal", principal, "error", err)
		return nil
	}
	unlock()

	callCtx, cancel := s.detach(ctx)
	err = s.register(callCtx, p)
	unknown := err != nil && callCtx.Err() != nil
	cancel()

	ctx, unlock = s.relock(ctx)
	defer unlock()

	if unknown {
		gov.Failure++
		s.outcomeUnknown(ctx, principal, LegSaleToken, err)
		return nil
	}
	recorded := s.settle(ctx, principal, LegSaleToken, func(_ *Sale, b *BuyerState) {
		b.SaleTokenDisbursing = false
		if err == nil {
			b.ParticipationRegistered = true
		}
	})
	if err == nil && recorded {
		gov.Success++
	} else {
		gov.Failure++
	}
	return nil
}

func (s *Service) transfer(ctx context.Context, client ledger.Client, name string, leg Leg, principal string, args ledger.TransferArgs) error {
	ctx, span := traces.StartSpan(ctx, "sale.Transfer",
		traces.SaleID(s.id),
		traces.Principal(principal),
		traces.Leg(string(leg)),
		traces.AmountE8s(args.AmountE8s),
		traces.Collaborator(name),
	)
	defer span.End()

	start := time.Now()
	res, err := client.Transfer(ctx, args)
	metrics.ObserveCall(name, "transfer", start, err)

	switch {
	case err == nil:
		logging.L(ctx).Info("transfer completed",
			"collaborator", name, "leg", string(leg), "principal", principal,
			"to", args.To.String(), "amount_e8s", args.AmountE8s, "block", res.BlockIndex)
	case errors.Is(err, ledger.ErrDuplicate):
		logging.L(ctx).Warn("transfer already applied",
			"collaborator", name, "leg", string(leg), "principal", principal, "block", res.BlockIndex)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer failed")
		logging.L(ctx).Warn("transfer failed",
			"collaborator", name, "leg", string(leg), "principal", principal,
			"amount_e8s", args.AmountE8s, "error", err)
	}
	return err
}

func (s *Service) register(ctx context.Context, p governance.Participation) error {
	ctx, span := traces.StartSpan(ctx, "sale.CreateParticipationRecord",
		traces.SaleID(s.id),
		traces.Principal(p.Principal),
		traces.AmountE8s(p.AmountE8s),
		traces.Collaborator(CollaboratorGovernance),
	)
	defer span.End()

	start := time.Now()
	err := s.governance.CreateParticipationRecord(ctx, p)
	metrics.ObserveCall(CollaboratorGovernance, "create_participation_record", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registration failed")
		logging.L(ctx).Warn("participation registration failed", "principal", p.Principal, "error", err)
	}
	return err
}
