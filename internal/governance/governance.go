// Package governance records sale participants with the governance service
// of the token being sold. Each buyer of a committed sale gets exactly one
// participation record carrying the sale tokens allocated to them.
package governance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidRecord = errors.New("invalid participation record")
	ErrConflict      = errors.New("participation already recorded with a different amount")
	ErrUnavailable   = errors.New("governance unavailable")
)

// Client is the contract the sale needs from the governance service.
type Client interface {
	// CreateParticipationRecord registers principal as a participant holding
	// amountE8s sale tokens. Registering the same (principal, amount) twice
	// succeeds without creating a second record.
	CreateParticipationRecord(ctx context.Context, p Participation) error
}

// Participation is a request to register one participant.
type Participation struct {
	Principal string `json:"principal"`
	AmountE8s uint64 `json:"amountE8s"`
}

// Validate checks the request fields.
func (p Participation) Validate() error {
	if strings.TrimSpace(p.Principal) == "" {
		return fmt.Errorf("%w: principal is required", ErrInvalidRecord)
	}
	if p.AmountE8s == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRecord)
	}
	return nil
}

// Record is a stored participation.
type Record struct {
	Principal string    `json:"principal"`
	AmountE8s uint64    `json:"amountE8s"`
	CreatedAt time.Time `json:"createdAt"`
}

// Memory is an in-process governance service for development mode and tests.
type Memory struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemory creates an empty governance service.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

func (m *Memory) CreateParticipationRecord(ctx context.Context, p Participation) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[p.Principal]; ok {
		if existing.AmountE8s != p.AmountE8s {
			return fmt.Errorf("%w: %s has %d, got %d", ErrConflict, p.Principal, existing.AmountE8s, p.AmountE8s)
		}
		return nil
	}
	m.records[p.Principal] = &Record{
		Principal: p.Principal,
		AmountE8s: p.AmountE8s,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// Get returns the record for principal.
func (m *Memory) Get(principal string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[principal]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Records returns all records ordered by principal.
func (m *Memory) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out
}

// Compile-time assertion that Memory implements Client.
var _ Client = (*Memory)(nil)
