package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/papertutor/papertutor/internal/database"
	"github.com/papertutor/papertutor/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL. The schema is owned by
// the embedded migrations in internal/database.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. Close does not close the pool; the owner does.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close is a no-op; the pool is shared with the other PostgreSQL stores.
func (s *Store) Close() error { return nil }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Balance returns the sum of all entries for the account.
func (s *Store) Balance(ctx context.Context, accountID int64) (int64, error) {
	if accountID <= 0 {
		return 0, ledger.ErrAccountRequired
	}
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// Credit appends a positive entry; the UNIQUE constraint on external_id turns
// a second settlement of the same payment into ErrDuplicatePayment.
func (s *Store) Credit(ctx context.Context, accountID, amount int64, kind ledger.Kind, externalID, memo string) (ledger.Entry, error) {
	if err := ledger.ValidateCredit(accountID, amount, kind); err != nil {
		return ledger.Entry{}, err
	}
	entry := ledger.Entry{
		AccountID:  accountID,
		Amount:     ledger.SignedAmount(amount, kind),
		Kind:       kind,
		ExternalID: ledger.NormalizeExternalID(externalID),
		Memo:       memo,
	}
	err := s.pool.QueryRow(ctx, `
INSERT INTO ledger_entries (account_id, amount, kind, external_id, memo)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
RETURNING id, created_at`,
		entry.AccountID, entry.Amount, string(entry.Kind), entry.ExternalID, entry.Memo,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ledger.Entry{}, ledger.ErrDuplicatePayment
		}
		return ledger.Entry{}, fmt.Errorf("insert credit: %w", err)
	}
	return entry, nil
}

// Debit locks the account's ledger_accounts row, checks the balance and
// appends the entry in one transaction. Credits never lower a balance, so
// they do not take the lock.
func (s *Store) Debit(ctx context.Context, accountID, amount int64, kind ledger.Kind, memo string) (ledger.Entry, error) {
	if err := ledger.ValidateDebit(accountID, amount, kind); err != nil {
		return ledger.Entry{}, err
	}
	entry := ledger.Entry{
		AccountID: accountID,
		Amount:    ledger.SignedAmount(amount, kind),
		Kind:      kind,
		Memo:      memo,
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_accounts (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING`, accountID); err != nil {
			return fmt.Errorf("ensure ledger account: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`SELECT account_id FROM ledger_accounts WHERE account_id = $1 FOR UPDATE`, accountID); err != nil {
			return fmt.Errorf("lock ledger account: %w", err)
		}
		var balance int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&balance); err != nil {
			return fmt.Errorf("query balance: %w", err)
		}
		if balance < amount {
			return ledger.ErrInsufficientFunds
		}
		return tx.QueryRow(ctx, `
INSERT INTO ledger_entries (account_id, amount, kind, memo)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`,
			entry.AccountID, entry.Amount, string(entry.Kind), entry.Memo,
		).Scan(&entry.ID, &entry.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return ledger.Entry{}, err
		}
		return ledger.Entry{}, fmt.Errorf("debit: %w", err)
	}
	return entry, nil
}

// FindByExternalID returns the entry carrying externalID, or nil.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*ledger.Entry, error) {
	externalID = ledger.NormalizeExternalID(externalID)
	if externalID == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, account_id, amount, kind, COALESCE(external_id, ''), memo, created_at
FROM ledger_entries
WHERE external_id = $1`, externalID)
	if err != nil {
		return nil, err
	}
	entries, err := collectEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// ListRecent returns the latest entries for an account.
func (s *Store) ListRecent(ctx context.Context, accountID int64, limit int) ([]ledger.Entry, error) {
	if accountID <= 0 {
		return nil, ledger.ErrAccountRequired
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, account_id, amount, kind, COALESCE(external_id, ''), memo, created_at
FROM ledger_entries
WHERE account_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Entry, error) {
		var (
			e    ledger.Entry
			kind string
		)
		if err := row.Scan(&e.ID, &e.AccountID, &e.Amount, &kind, &e.ExternalID, &e.Memo, &e.CreatedAt); err != nil {
			return ledger.Entry{}, err
		}
		e.Kind = ledger.Kind(kind)
		return e, nil
	})
}
