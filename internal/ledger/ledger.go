// Package ledger models the token ledgers the sale escrows funds on.
//
// The sale never holds funds itself. Buyers transfer base tokens into a
// subaccount owned by the sale and derived from their principal; the sale
// observes those deposits with BalanceOf and moves them with Transfer.
// Two independent ledgers are used: one for the base token and one for the
// sale token.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidAccount    = errors.New("invalid account")
	ErrDuplicate         = errors.New("duplicate transfer")
	ErrUnavailable       = errors.New("ledger unavailable")
)

// Client is the contract the sale needs from a token ledger.
type Client interface {
	// BalanceOf returns the balance of an account in e8s.
	BalanceOf(ctx context.Context, account Account) (uint64, error)
	// Transfer moves funds between accounts. A transfer identical to one
	// already applied (same from, to, amount and memo) is rejected with an
	// error wrapping ErrDuplicate and the original block index.
	Transfer(ctx context.Context, args TransferArgs) (TransferResult, error)
}

// TransferArgs describes a single transfer.
type TransferArgs struct {
	From      Account `json:"from"`
	To        Account `json:"to"`
	AmountE8s uint64  `json:"amountE8s"`
	Memo      uint64  `json:"memo"`
}

// TransferResult identifies the block a transfer was recorded in.
type TransferResult struct {
	BlockIndex uint64 `json:"blockIndex"`
	TxID       string `json:"txId"`
}

// BlockKind distinguishes minted funds from transfers.
type BlockKind string

const (
	BlockMint     BlockKind = "mint"
	BlockTransfer BlockKind = "transfer"
)

// Block is one applied ledger operation.
type Block struct {
	Index     uint64    `json:"index"`
	TxID      string    `json:"txId"`
	Kind      BlockKind `json:"kind"`
	From      *Account  `json:"from,omitempty"`
	To        Account   `json:"to"`
	AmountE8s uint64    `json:"amountE8s"`
	Memo      uint64    `json:"memo"`
	Timestamp time.Time `json:"timestamp"`
}
