package userstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("userstore: account not found")
	ErrEmailRequired = errors.New("userstore: email required")
)

// Account represents an identity that owns a credit balance and a consent
// record. The balance itself lives in the ledger.
type Account struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConsentRecord is the mutable consent state kept alongside each account.
// GrantedAt is nil when consent was never given.
type ConsentRecord struct {
	AccountID       int64      `json:"account_id"`
	RequiresRenewal bool       `json:"requires_renewal"`
	GrantedAt       *time.Time `json:"granted_at,omitempty"`
}

// Store persists accounts across SQLite/Postgres backends.
type Store interface {
	// EnsureAccount returns the account for email, creating it when absent.
	// created reports whether this call inserted the row.
	EnsureAccount(ctx context.Context, email, displayName string) (acct *Account, created bool, err error)
	GetAccount(ctx context.Context, id int64) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)

	Consent(ctx context.Context, accountID int64) (ConsentRecord, error)
	GrantConsent(ctx context.Context, accountID int64, at time.Time) error
	// ExpireConsent flips the record to require renewal only if the stored
	// grant is still grantedAt. It reports whether a row changed.
	ExpireConsent(ctx context.Context, accountID int64, grantedAt time.Time) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// NormalizeEmail lower-cases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
