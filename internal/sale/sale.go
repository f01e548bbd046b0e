// Package sale implements a decentralization sale: an escrow that collects
// base-token deposits from participants during a fixed window and then either
// converts them into a sale-token allocation or refunds them.
//
// Lifecycle:
//  1. Pending: sale tokens are escrowed; RefreshSaleTokens records them
//  2. Open: buyers deposit into per-buyer subaccounts; RefreshBuyerTokens
//     reconciles each deposit against the ledger
//  3. Committed (target reached, or end time with enough participants):
//     deposits go to network governance, sale tokens go to buyers
//  4. Aborted (end time without enough participants, or bad Init):
//     deposits are refunded
//
// FinalizeSale sweeps the terminal states. Each buyer has two legs (base and
// sale token), and each leg carries a disbursing flag that is persisted before
// the transfer is issued, so that no leg is ever transferred twice.
package sale

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSaleNotFound     = errors.New("sale not found")
	ErrBuyerNotFound    = errors.New("buyer not found")
	ErrInvalidLifecycle = errors.New("operation not permitted in current lifecycle")
	ErrBelowMinimum     = errors.New("deposit below minimum participation")
	ErrTargetReached    = errors.New("sale target already reached")
	ErrNoSaleTokens     = errors.New("no sale tokens escrowed")
	ErrSaleEnded        = errors.New("sale end time has passed")
	ErrInvalidPrincipal = errors.New("invalid principal")
	ErrNotDisbursing    = errors.New("leg is not disbursing")
	ErrInvariant        = errors.New("sale invariant violated")
)

// Lifecycle is the sale's position in its state machine. It only moves
// forward: Pending, Open, then one of Committed or Aborted.
type Lifecycle int

const (
	LifecycleUnspecified Lifecycle = iota // misconfiguration, never stored
	LifecyclePending
	LifecycleOpen
	LifecycleCommitted
	LifecycleAborted
)

var lifecycleNames = map[Lifecycle]string{
	LifecycleUnspecified: "unspecified",
	LifecyclePending:     "pending",
	LifecycleOpen:        "open",
	LifecycleCommitted:   "committed",
	LifecycleAborted:     "aborted",
}

func (l Lifecycle) String() string {
	if name, ok := lifecycleNames[l]; ok {
		return name
	}
	return "unspecified"
}

// MarshalText encodes the lifecycle by name.
func (l Lifecycle) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a lifecycle name.
func (l *Lifecycle) UnmarshalText(text []byte) error {
	parsed, err := ParseLifecycle(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLifecycle parses a lifecycle name.
func ParseLifecycle(s string) (Lifecycle, error) {
	for l, name := range lifecycleNames {
		if name == s {
			return l, nil
		}
	}
	return LifecycleUnspecified, fmt.Errorf("unknown lifecycle %q", s)
}

// IsTerminal returns true once the sale no longer accepts deposits.
func (l Lifecycle) IsTerminal() bool {
	return l == LifecycleCommitted || l == LifecycleAborted
}

// Init is the write-once sale configuration.
type Init struct {
	NetworkGovernanceID   string `json:"networkGovernanceId"`
	SaleGovernanceID      string `json:"saleGovernanceId"`
	SaleTokenLedgerID     string `json:"saleTokenLedgerId"`
	BaseTokenLedgerID     string `json:"baseTokenLedgerId"`
	TargetBaseE8s         uint64 `json:"targetBaseE8s"`
	EndTimestampSeconds   int64  `json:"endTimestampSeconds"`
	MinParticipants       uint32 `json:"minParticipants"`
	MinParticipantBaseE8s uint64 `json:"minParticipantBaseE8s"`
}

// EndTime returns the configured end of the sale window.
func (i Init) EndTime() time.Time {
	return time.Unix(i.EndTimestampSeconds, 0).UTC()
}

// Ended reports whether now is at or past the end of the window.
func (i Init) Ended(now time.Time) bool {
	return now.Unix() >= i.EndTimestampSeconds
}

// Validate checks the configuration at creation time.
func (i Init) Validate(now time.Time) error {
	switch {
	case i.NetworkGovernanceID == "":
		return errors.New("network governance id is required")
	case i.SaleGovernanceID == "":
		return errors.New("sale governance id is required")
	case i.SaleTokenLedgerID == "":
		return errors.New("sale token ledger id is required")
	case i.BaseTokenLedgerID == "":
		return errors.New("base token ledger id is required")
	case i.TargetBaseE8s == 0:
		return errors.New("target must be positive")
	case i.MinParticipants == 0:
		return errors.New("min participants must be at least 1")
	case i.MinParticipantBaseE8s == 0:
		return errors.New("min participant amount must be positive")
	}

	minTotal := uint64(i.MinParticipants) * i.MinParticipantBaseE8s
	if minTotal/uint64(i.MinParticipants) != i.MinParticipantBaseE8s {
		return errors.New("min participants times min amount overflows")
	}
	if i.TargetBaseE8s < minTotal {
		return fmt.Errorf("target %d is below min participants x min amount (%d)", i.TargetBaseE8s, minTotal)
	}
	if i.Ended(now) {
		return fmt.Errorf("end time %s is not in the future", i.EndTime().Format(time.RFC3339))
	}
	return nil
}

// BuyerState is one participant's escrow record. Records are never deleted.
type BuyerState struct {
	Principal string `json:"principal"`
	// AmountBaseE8s is the admitted deposit still held in escrow.
	AmountBaseE8s uint64 `json:"amountBaseE8s"`
	// AmountSaleTokenE8s is the allocation not yet transferred to the buyer.
	// Set once, when the sale commits.
	AmountSaleTokenE8s  uint64 `json:"amountSaleTokenE8s"`
	BaseDisbursing      bool   `json:"baseDisbursing"`
	SaleTokenDisbursing bool   `json:"saleTokenDisbursing"`
	// ParticipationE8s is the allocation already transferred, pending or
	// done registration with the sale's governance.
	ParticipationE8s        uint64    `json:"participationE8s"`
	ParticipationRegistered bool      `json:"participationRegistered"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// LegStatus is the derived progress of one settlement leg.
type LegStatus string

const (
	LegIdle     LegStatus = "idle"
	LegInFlight LegStatus = "in_flight"
	LegDone     LegStatus = "done"
)

// Leg names a settlement leg.
type Leg string

const (
	LegBase      Leg = "base"
	LegSaleToken Leg = "sale_token"
)

// ParseLeg validates a leg name.
func ParseLeg(s string) (Leg, error) {
	switch Leg(s) {
	case LegBase, LegSaleToken:
		return Leg(s), nil
	}
	return "", fmt.Errorf("unknown leg %q", s)
}

// BaseLeg returns the status of the base-token leg.
func (b *BuyerState) BaseLeg() LegStatus {
	switch {
	case b.BaseDisbursing:
		return LegInFlight
	case b.AmountBaseE8s == 0:
		return LegDone
	default:
		return LegIdle
	}
}

// SaleTokenLeg returns the status of the sale-token leg, including
// governance registration.
func (b *BuyerState) SaleTokenLeg() LegStatus {
	switch {
	case b.SaleTokenDisbursing:
		return LegInFlight
	case b.AmountSaleTokenE8s == 0 && (b.ParticipationE8s == 0 || b.ParticipationRegistered):
		return LegDone
	default:
		return LegIdle
	}
}

// Settled reports whether nothing remains to be moved for this buyer.
func (b *BuyerState) Settled() bool {
	return b.BaseLeg() == LegDone && b.SaleTokenLeg() == LegDone
}

// State is the mutable part of a sale. Buyers are kept in insertion order.
type State struct {
	Lifecycle   Lifecycle `json:"lifecycle"`
	AbortReason string    `json:"abortReason,omitempty"`
	// SaleTokenE8s is the escrowed sale-token supply. It decreases only as
	// allocations are swept out.
	SaleTokenE8s uint64 `json:"saleTokenE8s"`
	// TotalBaseE8s is the sum of admitted deposits. It is frozen when the
	// sale leaves Open, so it still describes the sale after the sweep.
	TotalBaseE8s uint64        `json:"totalBaseE8s"`
	Buyers       []*BuyerState `json:"buyers"`
	OpenedAt     *time.Time    `json:"openedAt,omitempty"`
	ClosedAt     *time.Time    `json:"closedAt,omitempty"`

	index map[string]int
}

// Buyer looks up a buyer by principal.
func (s *State) Buyer(principal string) (*BuyerState, bool) {
	s.reindex()
	i, ok := s.index[principal]
	if !ok {
		return nil, false
	}
	return s.Buyers[i], true
}

func (s *State) addBuyer(b *BuyerState) {
	s.reindex()
	s.index[b.Principal] = len(s.Buyers)
	s.Buyers = append(s.Buyers, b)
}

func (s *State) reindex() {
	if s.index != nil && len(s.index) == len(s.Buyers) {
		return
	}
	s.index = make(map[string]int, len(s.Buyers))
	for i, b := range s.Buyers {
		s.index[b.Principal] = i
	}
}

// Sale is one sale instance: its configuration and state.
type Sale struct {
	// ID identifies the sale; buyer subaccounts are derived from it.
	ID string `json:"id"`
	// Principal owns the sale's ledger accounts.
	Principal string    `json:"principal"`
	Init      Init      `json:"init"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy. Mutations are computed on a clone and swapped
// in only after they are persisted.
func (s *Sale) Clone() *Sale {
	cp := *s
	cp.State.Buyers = make([]*BuyerState, len(s.State.Buyers))
	for i, b := range s.State.Buyers {
		bc := *b
		cp.State.Buyers[i] = &bc
	}
	cp.State.index = nil
	if s.State.OpenedAt != nil {
		t := *s.State.OpenedAt
		cp.State.OpenedAt = &t
	}
	if s.State.ClosedAt != nil {
		t := *s.State.ClosedAt
		cp.State.ClosedAt = &t
	}
	return &cp
}

// SettlementComplete reports whether the sale is terminal and every buyer
// is fully settled.
func (s *Sale) SettlementComplete() bool {
	if !s.State.Lifecycle.IsTerminal() {
		return false
	}
	for _, b := range s.State.Buyers {
		if !b.Settled() {
			return false
		}
	}
	return true
}

// DerivedState is a read-only projection computed on demand.
type DerivedState struct {
	TotalBaseE8s uint64 `json:"totalBaseE8s"`
	// ExchangeRate is sale tokens per base token, zero until deposits exist.
	ExchangeRate       float64 `json:"exchangeRate"`
	BuyerCount         int     `json:"buyerCount"`
	SettlementComplete bool    `json:"settlementComplete"`
}

// Derive computes the derived state of s.
func (s *Sale) Derive() DerivedState {
	d := DerivedState{
		TotalBaseE8s:       s.State.TotalBaseE8s,
		BuyerCount:         len(s.State.Buyers),
		SettlementComplete: s.SettlementComplete(),
	}
	if d.TotalBaseE8s > 0 {
		d.ExchangeRate = float64(s.saleTokenSupply()) / float64(d.TotalBaseE8s)
	}
	return d
}

// saleTokenSupply is the sale-token amount the exchange rate is based on.
// After commit part of it has been swept out, so the allocated amounts are
// added back.
func (s *Sale) saleTokenSupply() uint64 {
	if s.State.Lifecycle != LifecycleCommitted {
		return s.State.SaleTokenE8s
	}
	supply := s.State.SaleTokenE8s
	for _, b := range s.State.Buyers {
		supply += b.ParticipationE8s
	}
	return supply
}

// Snapshot is what GetState returns.
type Snapshot struct {
	Sale    *Sale        `json:"sale"`
	Derived DerivedState `json:"derived"`
}

// SweepResult counts the outcomes of one leg category in one finalize pass.
type SweepResult struct {
	Success uint32 `json:"success"`
	Failure uint32 `json:"failure"`
	Skipped uint32 `json:"skipped"`
}

// FinalizeResult is the outcome of one FinalizeSale pass.
type FinalizeResult struct {
	Lifecycle  Lifecycle   `json:"lifecycle"`
	Base       SweepResult `json:"base"`
	SaleToken  SweepResult `json:"saleToken"`
	Governance SweepResult `json:"governance"`
	Complete   bool        `json:"complete"`
}

// RefreshResult is the outcome of RefreshBuyerTokens.
type RefreshResult struct {
	Buyer BuyerState `json:"buyer"`
	// ObservedE8s is the subaccount balance read from the base ledger.
	ObservedE8s uint64 `json:"observedE8s"`
	// AdmittedE8s is how much of the observation was added by this call.
	AdmittedE8s uint64 `json:"admittedE8s"`
	// ExcessE8s is the part of the balance above the recorded amount that
	// was not admitted because the sale is at its target. It stays in the
	// buyer's subaccount.
	ExcessE8s uint64    `json:"excessE8s"`
	Created   bool      `json:"created"`
	Lifecycle Lifecycle `json:"lifecycle"`
}

// SubjectPrincipal names the buyer a refresh concerns.
func (r RefreshResult) SubjectPrincipal() string {
	return r.Buyer.Principal
}
