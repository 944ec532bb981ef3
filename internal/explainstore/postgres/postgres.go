// Package postgres stores generated explanations, access records and billing
// anomalies in PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/papertutor/papertutor/internal/access"
	"github.com/papertutor/papertutor/internal/artifact"
)

// Store implements artifact.Store and access.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a shared pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close is a no-op; the pool owner closes it.
func (s *Store) Close() error { return nil }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetArtifact loads the entry for fingerprint.
func (s *Store) GetArtifact(ctx context.Context, fingerprint string) (*artifact.Entry, error) {
	var e artifact.Entry
	err := s.pool.QueryRow(ctx, `
SELECT fingerprint, body, produced_at FROM artifact_entries WHERE fingerprint = $1`, fingerprint).
		Scan(&e.Fingerprint, &e.Text, &e.ProducedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutArtifact inserts the entry unless the fingerprint is taken. The upsert
// returns the existing row on conflict so the loser sees the winner's text.
func (s *Store) PutArtifact(ctx context.Context, entry artifact.Entry) (artifact.Entry, bool, error) {
	var (
		stored   artifact.Entry
		inserted bool
	)
	err := s.pool.QueryRow(ctx, `
WITH ins AS (
	INSERT INTO artifact_entries (fingerprint, body, produced_at)
	VALUES ($1, $2, COALESCE($3, NOW()))
	ON CONFLICT (fingerprint) DO NOTHING
	RETURNING fingerprint, body, produced_at
)
SELECT fingerprint, body, produced_at, TRUE FROM ins
UNION ALL
SELECT fingerprint, body, produced_at, FALSE FROM artifact_entries
WHERE fingerprint = $1 AND NOT EXISTS (SELECT 1 FROM ins)`,
		entry.Fingerprint, entry.Text, nullTime(entry),
	).Scan(&stored.Fingerprint, &stored.Text, &stored.ProducedAt, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting row was committed after this statement's snapshot.
		existing, gerr := s.GetArtifact(ctx, entry.Fingerprint)
		if gerr != nil || existing == nil {
			return artifact.Entry{}, false, fmt.Errorf("reload artifact after conflict: %v", gerr)
		}
		return *existing, false, nil
	}
	if err != nil {
		return artifact.Entry{}, false, fmt.Errorf("insert artifact: %w", err)
	}
	return stored, inserted, nil
}

// GetAccess loads the access record for the pair.
func (s *Store) GetAccess(ctx context.Context, accountID int64, fingerprint string) (*access.Record, error) {
	var r access.Record
	err := s.pool.QueryRow(ctx, `
SELECT account_id, fingerprint, body, cost, ledger_entry_id, billed_at
FROM access_records WHERE account_id = $1 AND fingerprint = $2`, accountID, fingerprint).
		Scan(&r.AccountID, &r.Fingerprint, &r.Text, &r.Cost, &r.LedgerEntryID, &r.BilledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertAccess writes rec unless the pair already has a record.
func (s *Store) InsertAccess(ctx context.Context, rec access.Record) (access.Record, bool, error) {
	var (
		stored   access.Record
		inserted bool
	)
	err := s.pool.QueryRow(ctx, `
WITH ins AS (
	INSERT INTO access_records (account_id, fingerprint, body, cost, ledger_entry_id, billed_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (account_id, fingerprint) DO NOTHING
	RETURNING account_id, fingerprint, body, cost, ledger_entry_id, billed_at
)
SELECT account_id, fingerprint, body, cost, ledger_entry_id, billed_at, TRUE FROM ins
UNION ALL
SELECT account_id, fingerprint, body, cost, ledger_entry_id, billed_at, FALSE FROM access_records
WHERE account_id = $1 AND fingerprint = $2 AND NOT EXISTS (SELECT 1 FROM ins)`,
		rec.AccountID, rec.Fingerprint, rec.Text, rec.Cost, rec.LedgerEntryID, rec.BilledAt,
	).Scan(&stored.AccountID, &stored.Fingerprint, &stored.Text, &stored.Cost, &stored.LedgerEntryID, &stored.BilledAt, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := s.GetAccess(ctx, rec.AccountID, rec.Fingerprint)
		if gerr != nil || existing == nil {
			return access.Record{}, false, fmt.Errorf("reload access after conflict: %v", gerr)
		}
		return *existing, false, nil
	}
	if err != nil {
		return access.Record{}, false, fmt.Errorf("insert access: %w", err)
	}
	return stored, inserted, nil
}

// FlagAnomaly appends an anomaly row.
func (s *Store) FlagAnomaly(ctx context.Context, a access.Anomaly) (access.Anomaly, error) {
	err := s.pool.QueryRow(ctx, `
INSERT INTO billing_anomalies (account_id, fingerprint, ledger_entry_id, reason)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`, a.AccountID, a.Fingerprint, a.LedgerEntryID, a.Reason).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return access.Anomaly{}, fmt.Errorf("insert anomaly: %w", err)
	}
	return a, nil
}

// ListAnomalies returns the newest anomalies first.
func (s *Store) ListAnomalies(ctx context.Context, limit int) ([]access.Anomaly, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, account_id, fingerprint, ledger_entry_id, reason, created_at
FROM billing_anomalies ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (access.Anomaly, error) {
		var a access.Anomaly
		err := row.Scan(&a.ID, &a.AccountID, &a.Fingerprint, &a.LedgerEntryID, &a.Reason, &a.CreatedAt)
		return a, err
	})
}

func nullTime(e artifact.Entry) any {
	if e.ProducedAt.IsZero() {
		return nil
	}
	return e.ProducedAt
}
