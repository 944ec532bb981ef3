package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlitedb "github.com/papertutor/papertutor/internal/database/sqlite"
	"github.com/papertutor/papertutor/internal/userstore"
)

// Store implements userstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite account store at the supplied path.
func New(path string) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// consent_granted_at holds unix nanoseconds so ExpireConsent can compare the
// observed grant exactly.
func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	consent_requires_renewal INTEGER NOT NULL DEFAULT 1,
	consent_granted_at INTEGER,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
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

// EnsureAccount inserts the account if the email is new.
func (s *Store) EnsureAccount(ctx context.Context, email, displayName string) (*userstore.Account, bool, error) {
	email = userstore.NormalizeEmail(email)
	if email == "" {
		return nil, false, userstore.ErrEmailRequired
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(email, display_name, created_at, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(email) DO NOTHING`, email, displayName, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	acct, err := s.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	return acct, affected == 1, nil
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*userstore.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, display_name, created_at, updated_at FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// FindByEmail loads an account by its normalised email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, display_name, created_at, updated_at FROM accounts WHERE email = ?`, userstore.NormalizeEmail(email))
	return scanAccount(row)
}

// Consent returns the stored consent state for the account.
func (s *Store) Consent(ctx context.Context, accountID int64) (userstore.ConsentRecord, error) {
	var (
		requires  bool
		grantedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT consent_requires_renewal, consent_granted_at FROM accounts WHERE id = ?`, accountID).Scan(&requires, &grantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return userstore.ConsentRecord{}, userstore.ErrNotFound
	}
	if err != nil {
		return userstore.ConsentRecord{}, fmt.Errorf("query consent: %w", err)
	}
	rec := userstore.ConsentRecord{AccountID: accountID, RequiresRenewal: requires}
	if grantedAt.Valid {
		t := time.Unix(0, grantedAt.Int64).UTC()
		rec.GrantedAt = &t
	}
	return rec, nil
}

// GrantConsent clears the renewal flag and restarts the window at at.
func (s *Store) GrantConsent(ctx context.Context, accountID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET consent_requires_renewal = 0, consent_granted_at = ?, updated_at = ?
WHERE id = ?`, at.UnixNano(), time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("grant consent: %w", err)
	}
	return requireRow(res)
}

// ExpireConsent marks the grant observed at grantedAt as lapsed.
func (s *Store) ExpireConsent(ctx context.Context, accountID int64, grantedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET consent_requires_renewal = 1, updated_at = ?
WHERE id = ? AND consent_requires_renewal = 0 AND consent_granted_at = ?`,
		time.Now().UTC(), accountID, grantedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("expire consent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func scanAccount(row *sql.Row) (*userstore.Account, error) {
	var acct userstore.Account
	err := row.Scan(&acct.ID, &acct.Email, &acct.DisplayName, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, userstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return userstore.ErrNotFound
	}
	return nil
}
