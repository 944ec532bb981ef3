// Package sqlite stores generated explanations, access records and billing
// anomalies in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/papertutor/papertutor/internal/access"
	"github.com/papertutor/papertutor/internal/artifact"
	sqlitedb "github.com/papertutor/papertutor/internal/database/sqlite"
)

// Store implements artifact.Store and access.Store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the explanation database at path.
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

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS artifact_entries (
	fingerprint TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	produced_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS access_records (
	account_id INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	body TEXT NOT NULL,
	cost INTEGER NOT NULL,
	ledger_entry_id INTEGER NOT NULL,
	billed_at TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS billing_anomalies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	ledger_entry_id INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_billing_anomalies_created ON billing_anomalies(created_at DESC);
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

// GetArtifact loads the entry for fingerprint.
func (s *Store) GetArtifact(ctx context.Context, fingerprint string) (*artifact.Entry, error) {
	var e artifact.Entry
	err := s.db.QueryRowContext(ctx, `
SELECT fingerprint, body, produced_at FROM artifact_entries WHERE fingerprint = ?`, fingerprint).
		Scan(&e.Fingerprint, &e.Text, &e.ProducedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutArtifact inserts the entry unless the fingerprint is taken.
func (s *Store) PutArtifact(ctx context.Context, entry artifact.Entry) (artifact.Entry, bool, error) {
	if entry.ProducedAt.IsZero() {
		entry.ProducedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO artifact_entries(fingerprint, body, produced_at) VALUES(?, ?, ?)
ON CONFLICT(fingerprint) DO NOTHING`, entry.Fingerprint, entry.Text, entry.ProducedAt)
	if err != nil {
		return artifact.Entry{}, false, fmt.Errorf("insert artifact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return artifact.Entry{}, false, err
	}
	if affected == 1 {
		return entry, true, nil
	}
	stored, err := s.GetArtifact(ctx, entry.Fingerprint)
	if err != nil {
		return artifact.Entry{}, false, err
	}
	if stored == nil {
		return artifact.Entry{}, false, fmt.Errorf("artifact %s vanished after conflict", entry.Fingerprint)
	}
	return *stored, false, nil
}

// GetAccess loads the access record for the pair.
func (s *Store) GetAccess(ctx context.Context, accountID int64, fingerprint string) (*access.Record, error) {
	var r access.Record
	err := s.db.QueryRowContext(ctx, `
SELECT account_id, fingerprint, body, cost, ledger_entry_id, billed_at
FROM access_records WHERE account_id = ? AND fingerprint = ?`, accountID, fingerprint).
		Scan(&r.AccountID, &r.Fingerprint, &r.Text, &r.Cost, &r.LedgerEntryID, &r.BilledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertAccess writes rec unless the pair already has a record.
func (s *Store) InsertAccess(ctx context.Context, rec access.Record) (access.Record, bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO access_records(account_id, fingerprint, body, cost, ledger_entry_id, billed_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id, fingerprint) DO NOTHING`,
		rec.AccountID, rec.Fingerprint, rec.Text, rec.Cost, rec.LedgerEntryID, rec.BilledAt)
	if err != nil {
		return access.Record{}, false, fmt.Errorf("insert access: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return access.Record{}, false, err
	}
	if affected == 1 {
		return rec, true, nil
	}
	stored, err := s.GetAccess(ctx, rec.AccountID, rec.Fingerprint)
	if err != nil {
		return access.Record{}, false, err
	}
	if stored == nil {
		return access.Record{}, false, fmt.Errorf("access record vanished after conflict")
	}
	return *stored, false, nil
}

// FlagAnomaly appends an anomaly row.
func (s *Store) FlagAnomaly(ctx context.Context, a access.Anomaly) (access.Anomaly, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO billing_anomalies(account_id, fingerprint, ledger_entry_id, reason, created_at)
VALUES(?, ?, ?, ?, ?)`, a.AccountID, a.Fingerprint, a.LedgerEntryID, a.Reason, a.CreatedAt)
	if err != nil {
		return access.Anomaly{}, fmt.Errorf("insert anomaly: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return access.Anomaly{}, err
	}
	return a, nil
}

// ListAnomalies returns the newest anomalies first.
func (s *Store) ListAnomalies(ctx context.Context, limit int) ([]access.Anomaly, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, fingerprint, ledger_entry_id, reason, created_at
FROM billing_anomalies ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Anomaly
	for rows.Next() {
		var a access.Anomaly
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Fingerprint, &a.LedgerEntryID, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
