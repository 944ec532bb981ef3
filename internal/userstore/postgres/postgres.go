package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/papertutor/papertutor/internal/userstore"
)

// Store implements userstore.Store backed by Postgres through lib/pq. The
// accounts table comes from the embedded migrations.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed account store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	return &Store{db: db}, nil
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
	var acct userstore.Account
	err := s.db.QueryRowContext(ctx, `
INSERT INTO accounts (email, display_name)
VALUES ($1, $2)
ON CONFLICT (email) DO NOTHING
RETURNING id, email, display_name, created_at, updated_at`, email, displayName).
		Scan(&acct.ID, &acct.Email, &acct.DisplayName, &acct.CreatedAt, &acct.UpdatedAt)
	if err == nil {
		return &acct, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	existing, err := s.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*userstore.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, display_name, created_at, updated_at FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// FindByEmail loads an account by its normalised email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, display_name, created_at, updated_at FROM accounts WHERE email = $1`, userstore.NormalizeEmail(email))
	return scanAccount(row)
}

// Consent returns the stored consent state for the account.
func (s *Store) Consent(ctx context.Context, accountID int64) (userstore.ConsentRecord, error) {
	var (
		requires  bool
		grantedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
SELECT consent_requires_renewal, consent_granted_at FROM accounts WHERE id = $1`, accountID).Scan(&requires, &grantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return userstore.ConsentRecord{}, userstore.ErrNotFound
	}
	if err != nil {
		return userstore.ConsentRecord{}, fmt.Errorf("query consent: %w", err)
	}
	rec := userstore.ConsentRecord{AccountID: accountID, RequiresRenewal: requires}
	if grantedAt.Valid {
		t := grantedAt.Time.UTC()
		rec.GrantedAt = &t
	}
	return rec, nil
}

// GrantConsent clears the renewal flag and restarts the window at at.
// TIMESTAMPTZ keeps microseconds, so at is truncated to match what a later
// Consent call reads back.
func (s *Store) GrantConsent(ctx context.Context, accountID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET consent_requires_renewal = FALSE, consent_granted_at = $1, updated_at = NOW()
WHERE id = $2`, at.UTC().Truncate(time.Microsecond), accountID)
	if err != nil {
		return fmt.Errorf("grant consent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return userstore.ErrNotFound
	}
	return nil
}

// ExpireConsent marks the grant observed at grantedAt as lapsed.
func (s *Store) ExpireConsent(ctx context.Context, accountID int64, grantedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET consent_requires_renewal = TRUE, updated_at = NOW()
WHERE id = $1 AND consent_requires_renewal = FALSE AND consent_granted_at = $2`,
		accountID, grantedAt.UTC().Truncate(time.Microsecond))
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
