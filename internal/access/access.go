// Package access meters first access to an artifact per account. An account
// pays once per fingerprint; later requests read back the text it paid for.
package access

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAccessNotRecorded means credits were debited but the access record
	// could not be written. An anomaly was flagged for manual reconciliation
	// and the caller should still deliver the paid-for text.
	ErrAccessNotRecorded = errors.New("access: debited but access record not written")
	ErrInvalidCost       = errors.New("access: cost must not be negative")
)

// Status is the outcome of Resolve or Bill.
type Status string

const (
	// StatusCached: the account already paid; no ledger interaction.
	StatusCached Status = "cached"
	// StatusBilled: this call debited the account and recorded access.
	StatusBilled Status = "billed"
	// StatusNeedsBilling: first access; the caller must obtain the artifact
	// and call Bill.
	StatusNeedsBilling Status = "needs_billing"
)

// Record marks that an account paid for a fingerprint. Text is the artifact
// as it was at billing time.
type Record struct {
	AccountID     int64     `json:"account_id"`
	Fingerprint   string    `json:"fingerprint"`
	Text          string    `json:"text"`
	Cost          int64     `json:"cost"`
	LedgerEntryID int64     `json:"ledger_entry_id"`
	BilledAt      time.Time `json:"billed_at"`
}

// Anomaly is a debit that is not matched by exactly one access record.
type Anomaly struct {
	ID            int64     `json:"id"`
	AccountID     int64     `json:"account_id"`
	Fingerprint   string    `json:"fingerprint"`
	LedgerEntryID int64     `json:"ledger_entry_id"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// Resolution carries the status and, unless billing is still needed, the
// text the account is entitled to.
type Resolution struct {
	Status Status  `json:"status"`
	Text   string  `json:"text,omitempty"`
	Record *Record `json:"record,omitempty"`
}

// Store persists access records and anomalies.
type Store interface {
	// GetAccess returns nil, nil when the account has not paid.
	GetAccess(ctx context.Context, accountID int64, fingerprint string) (*Record, error)
	// InsertAccess writes rec unless a record for the pair exists, and
	// returns the stored record.
	InsertAccess(ctx context.Context, rec Record) (stored Record, inserted bool, err error)
	FlagAnomaly(ctx context.Context, a Anomaly) (Anomaly, error)
	ListAnomalies(ctx context.Context, limit int) ([]Anomaly, error)
}
