package sale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// PostgresStore persists sales in PostgreSQL. e8s amounts are stored as
// NUMERIC(20,0) and exchanged as decimal strings, since database/sql cannot
// carry a uint64 above the int64 range.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed sale store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const saleColumns = `id, principal, network_governance_id, sale_governance_id,
		       sale_token_ledger_id, base_token_ledger_id, target_base_e8s::TEXT,
		       end_timestamp_seconds, min_participants, min_participant_base_e8s::TEXT,
		       lifecycle, abort_reason, sale_token_e8s::TEXT, total_base_e8s::TEXT,
		       opened_at, closed_at, created_at, updated_at`

const buyerColumns = `principal, amount_base_e8s::TEXT, amount_sale_token_e8s::TEXT,
		       base_disbursing, sale_token_disbursing, participation_e8s::TEXT,
		       participation_registered, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Sale, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
	s, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSaleNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+buyerColumns+`
		FROM sale_buyers
		WHERE sale_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	s.State.Buyers = []*BuyerState{}
	for rows.Next() {
		b, err := scanBuyer(rows)
		if err != nil {
			return nil, err
		}
		s.State.Buyers = append(s.State.Buyers, b)
	}
	return s, rows.Err()
}

// Save upserts the sale row and every buyer row in one transaction.
func (p *PostgresStore) Save(ctx context.Context, s *Sale) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, principal, network_governance_id, sale_governance_id,
			sale_token_ledger_id, base_token_ledger_id, target_base_e8s,
			end_timestamp_seconds, min_participants, min_participant_base_e8s,
			lifecycle, abort_reason, sale_token_e8s, total_base_e8s,
			opened_at, closed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7::NUMERIC,
			$8, $9, $10::NUMERIC,
			$11, $12, $13::NUMERIC, $14::NUMERIC,
			$15, $16, $17, $18
		)
		ON CONFLICT (id) DO UPDATE SET
			lifecycle = EXCLUDED.lifecycle,
			abort_reason = EXCLUDED.abort_reason,
			sale_token_e8s = EXCLUDED.sale_token_e8s,
			total_base_e8s = EXCLUDED.total_base_e8s,
			opened_at = EXCLUDED.opened_at,
			closed_at = EXCLUDED.closed_at,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.Principal, s.Init.NetworkGovernanceID, s.Init.SaleGovernanceID,
		s.Init.SaleTokenLedgerID, s.Init.BaseTokenLedgerID, formatE8s(s.Init.TargetBaseE8s),
		s.Init.EndTimestampSeconds, int64(s.Init.MinParticipants), formatE8s(s.Init.MinParticipantBaseE8s),
		s.State.Lifecycle.String(), nullString(s.State.AbortReason),
		formatE8s(s.State.SaleTokenE8s), formatE8s(s.State.TotalBaseE8s),
		nullTime(s.State.OpenedAt), nullTime(s.State.ClosedAt), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert sale: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sale_buyers (
			sale_id, principal, seq, amount_base_e8s, amount_sale_token_e8s,
			base_disbursing, sale_token_disbursing, participation_e8s,
			participation_registered, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC, $5::NUMERIC,
			$6, $7, $8::NUMERIC,
			$9, $10, $11
		)
		ON CONFLICT (sale_id, principal) DO UPDATE SET
			amount_base_e8s = EXCLUDED.amount_base_e8s,
			amount_sale_token_e8s = EXCLUDED.amount_sale_token_e8s,
			base_disbursing = EXCLUDED.base_disbursing,
			sale_token_disbursing = EXCLUDED.sale_token_disbursing,
			participation_e8s = EXCLUDED.participation_e8s,
			participation_registered = EXCLUDED.participation_registered,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare buyer upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, b := range s.State.Buyers {
		_, err := stmt.ExecContext(ctx,
			s.ID, b.Principal, i, formatE8s(b.AmountBaseE8s), formatE8s(b.AmountSaleTokenE8s),
			b.BaseDisbursing, b.SaleTokenDisbursing, formatE8s(b.ParticipationE8s),
			b.ParticipationRegistered, b.CreatedAt, b.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert buyer %s: %w", b.Principal, err)
		}
	}

	return tx.Commit()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSale(sc scanner) (*Sale, error) {
	s := &Sale{}
	var (
		target, minAmount, saleToken, total string
		minParticipants                     int64
		lifecycle                           string
		abortReason                         sql.NullString
		openedAt, closedAt                  sql.NullTime
	)

	err := sc.Scan(
		&s.ID, &s.Principal, &s.Init.NetworkGovernanceID, &s.Init.SaleGovernanceID,
		&s.Init.SaleTokenLedgerID, &s.Init.BaseTokenLedgerID, &target,
		&s.Init.EndTimestampSeconds, &minParticipants, &minAmount,
		&lifecycle, &abortReason, &saleToken, &total,
		&openedAt, &closedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Init.MinParticipants = uint32(minParticipants) // #nosec G115 -- column written from a uint32
	if s.State.Lifecycle, err = ParseLifecycle(lifecycle); err != nil {
		return nil, err
	}
	s.State.AbortReason = abortReason.String
	if openedAt.Valid {
		s.State.OpenedAt = &openedAt.Time
	}
	if closedAt.Valid {
		s.State.ClosedAt = &closedAt.Time
	}

	for _, f := range []struct {
		dst *uint64
		src string
	}{
		{&s.Init.TargetBaseE8s, target},
		{&s.Init.MinParticipantBaseE8s, minAmount},
		{&s.State.SaleTokenE8s, saleToken},
		{&s.State.TotalBaseE8s, total},
	} {
		if *f.dst, err = parseE8s(f.src); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func scanBuyer(sc scanner) (*BuyerState, error) {
	b := &BuyerState{}
	var base, alloc, participation string

	err := sc.Scan(
		&b.Principal, &base, &alloc,
		&b.BaseDisbursing, &b.SaleTokenDisbursing, &participation,
		&b.ParticipationRegistered, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if b.AmountBaseE8s, err = parseE8s(base); err != nil {
		return nil, err
	}
	if b.AmountSaleTokenE8s, err = parseE8s(alloc); err != nil {
		return nil, err
	}
	if b.ParticipationE8s, err = parseE8s(participation); err != nil {
		return nil, err
	}
	return b, nil
}

func formatE8s(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseE8s(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid e8s column value %q: %w", s, err)
	}
	return v, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
