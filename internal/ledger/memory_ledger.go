package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process token ledger for development mode and tests.
type MemoryLedger struct {
	name     string
	balances map[string]uint64
	blocks   []Block
	applied  map[string]uint64 // dedup key -> block index
	mu       sync.RWMutex
}

// NewMemoryLedger creates an empty ledger. name is only used in errors.
func NewMemoryLedger(name string) *MemoryLedger {
	return &MemoryLedger{
		name:     name,
		balances: make(map[string]uint64),
		applied:  make(map[string]uint64),
	}
}

// Name returns the ledger name.
func (m *MemoryLedger) Name() string {
	return m.name
}

// Mint credits an account out of thin air. Used to simulate deposits.
func (m *MemoryLedger) Mint(ctx context.Context, to Account, amountE8s uint64) (TransferResult, error) {
	if err := to.Validate(); err != nil {
		return TransferResult{}, err
	}
	if amountE8s == 0 {
		return TransferResult{}, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[to.Key()]
	if bal+amountE8s < bal {
		return TransferResult{}, fmt.Errorf("%s: %w: balance overflow", m.name, ErrInvalidAmount)
	}
	m.balances[to.Key()] = bal + amountE8s
	return m.appendBlock(Block{Kind: BlockMint, To: to, AmountE8s: amountE8s}), nil
}

func (m *MemoryLedger) BalanceOf(ctx context.Context, account Account) (uint64, error) {
	if err := account.Validate(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account.Key()], nil
}

func (m *MemoryLedger) Transfer(ctx context.Context, args TransferArgs) (TransferResult, error) {
	if err := args.From.Validate(); err != nil {
		return TransferResult{}, err
	}
	if err := args.To.Validate(); err != nil {
		return TransferResult{}, err
	}
	if args.AmountE8s == 0 {
		return TransferResult{}, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := dedupKey(args)
	if idx, ok := m.applied[key]; ok {
		return TransferResult{BlockIndex: idx, TxID: m.blocks[idx].TxID},
			fmt.Errorf("%s: %w (block %d)", m.name, ErrDuplicate, idx)
	}

	from := m.balances[args.From.Key()]
	if from < args.AmountE8s {
		return TransferResult{}, fmt.Errorf("%s: %w: have %d, need %d", m.name, ErrInsufficientFunds, from, args.AmountE8s)
	}
	to := m.balances[args.To.Key()]
	if args.From.Key() != args.To.Key() && to+args.AmountE8s < to {
		return TransferResult{}, fmt.Errorf("%s: %w: balance overflow", m.name, ErrInvalidAmount)
	}

	m.balances[args.From.Key()] = from - args.AmountE8s
	m.balances[args.To.Key()] += args.AmountE8s

	fromAcct := args.From
	res := m.appendBlock(Block{
		Kind:      BlockTransfer,
		From:      &fromAcct,
		To:        args.To,
		AmountE8s: args.AmountE8s,
		Memo:      args.Memo,
	})
	m.applied[key] = res.BlockIndex
	return res, nil
}

// Blocks returns a copy of the block log.
func (m *MemoryLedger) Blocks() []Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Block, len(m.blocks))
	copy(out, m.blocks)
	return out
}

// appendBlock records b. Caller must hold m.mu.
func (m *MemoryLedger) appendBlock(b Block) TransferResult {
	b.Index = uint64(len(m.blocks))
	b.TxID = uuid.NewString()
	b.Timestamp = time.Now().UTC()
	m.blocks = append(m.blocks, b)
	return TransferResult{BlockIndex: b.Index, TxID: b.TxID}
}

func dedupKey(args TransferArgs) string {
	return fmt.Sprintf("%s>%s:%d:%d", args.From.Key(), args.To.Key(), args.AmountE8s, args.Memo)
}

// Compile-time assertion that MemoryLedger implements Client.
var _ Client = (*MemoryLedger)(nil)
