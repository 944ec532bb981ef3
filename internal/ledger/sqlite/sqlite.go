package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlitedb "github.com/papertutor/papertutor/internal/database/sqlite"
	"github.com/papertutor/papertutor/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	amount INTEGER NOT NULL CHECK(amount <> 0),
	kind TEXT NOT NULL CHECK(kind IN ('bonus','purchase','usage')),
	external_id TEXT,
	memo TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_external_id ON ledger_entries(external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_created ON ledger_entries(account_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Balance returns the sum of all entries for the account.
func (s *Store) Balance(ctx context.Context, accountID int64) (int64, error) {
	if accountID <= 0 {
		return 0, ledger.ErrAccountRequired
	}
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = ?`, accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// Credit appends a positive entry. Duplicate external ids are rejected by the
// unique index, not by a prior lookup.
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
		CreatedAt:  s.now(),
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO ledger_entries(account_id, amount, kind, external_id, memo, created_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		entry.AccountID, entry.Amount, string(entry.Kind), nullString(entry.ExternalID), entry.Memo, entry.CreatedAt)
	if err != nil {
		if sqlitedb.IsUniqueViolation(err) {
			return ledger.Entry{}, ledger.ErrDuplicatePayment
		}
		return ledger.Entry{}, fmt.Errorf("insert credit: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return ledger.Entry{}, fmt.Errorf("credit id: %w", err)
	}
	return entry, nil
}

// Debit appends a negative entry only when the current balance covers the
// amount. The balance check and the insert are one statement, so two debits
// racing on the same account cannot both pass the check.
func (s *Store) Debit(ctx context.Context, accountID, amount int64, kind ledger.Kind, memo string) (ledger.Entry, error) {
	if err := ledger.ValidateDebit(accountID, amount, kind); err != nil {
		return ledger.Entry{}, err
	}
	entry := ledger.Entry{
		AccountID: accountID,
		Amount:    ledger.SignedAmount(amount, kind),
		Kind:      kind,
		Memo:      memo,
		CreatedAt: s.now(),
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO ledger_entries(account_id, amount, kind, external_id, memo, created_at)
SELECT ?, ?, ?, NULL, ?, ?
WHERE (SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = ?) >= ?`,
		entry.AccountID, entry.Amount, string(entry.Kind), entry.Memo, entry.CreatedAt, accountID, amount)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("insert debit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("debit rows: %w", err)
	}
	if affected == 0 {
		return ledger.Entry{}, ledger.ErrInsufficientFunds
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return ledger.Entry{}, fmt.Errorf("debit id: %w", err)
	}
	return entry, nil
}

// FindByExternalID returns the entry carrying externalID, or nil.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*ledger.Entry, error) {
	externalID = ledger.NormalizeExternalID(externalID)
	if externalID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, account_id, amount, kind, external_id, memo, created_at
FROM ledger_entries
WHERE external_id = ?`, externalID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListRecent returns the latest entries for an account.
func (s *Store) ListRecent(ctx context.Context, accountID int64, limit int) ([]ledger.Entry, error) {
	if accountID <= 0 {
		return nil, ledger.ErrAccountRequired
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, amount, kind, external_id, memo, created_at
FROM ledger_entries
WHERE account_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e          ledger.Entry
		kind       string
		externalID sql.NullString
	)
	if err := row.Scan(&e.ID, &e.AccountID, &e.Amount, &kind, &externalID, &e.Memo, &e.CreatedAt); err != nil {
		return ledger.Entry{}, err
	}
	e.Kind = ledger.Kind(kind)
	e.ExternalID = externalID.String
	return e, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
