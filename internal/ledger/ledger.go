package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a credit-affecting event. The direction of the balance
// change is derived from the kind, never from the sign supplied by a caller.
type Kind string

const (
	KindBonus    Kind = "bonus"
	KindPurchase Kind = "purchase"
	KindUsage    Kind = "usage"
)

// Direction indicates whether an entry adds to or removes from a balance.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Direction reports which way entries of this kind move the balance.
func (k Kind) Direction() Direction {
	if k == KindUsage {
		return DirectionDebit
	}
	return DirectionCredit
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindBonus, KindPurchase, KindUsage:
		return true
	}
	return false
}

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrDuplicatePayment  = errors.New("ledger: duplicate external payment id")
	ErrInvalidAmount     = errors.New("ledger: amount must be a positive integer")
	ErrInvalidKind       = errors.New("ledger: kind does not match direction")
	ErrAccountRequired   = errors.New("ledger: account id required")
)

// Entry is an immutable record of a credit-affecting event. Amount is signed:
// credits are stored positive and debits negative so that the balance is
// always the plain sum of an account's entries.
type Entry struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"account_id"`
	Amount     int64     `json:"amount"`
	Kind       Kind      `json:"kind"`
	ExternalID string    `json:"external_id,omitempty"`
	Memo       string    `json:"memo,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists ledger entries. Implementations must enforce uniqueness of
// ExternalID in storage and must make the balance check inside Debit atomic
// with the insert.
type Store interface {
	Balance(ctx context.Context, accountID int64) (int64, error)
	// Credit appends a positive entry. A non-empty externalID that already
	// exists yields ErrDuplicatePayment and no write.
	Credit(ctx context.Context, accountID, amount int64, kind Kind, externalID, memo string) (Entry, error)
	// Debit appends a negative entry, or returns ErrInsufficientFunds.
	Debit(ctx context.Context, accountID, amount int64, kind Kind, memo string) (Entry, error)
	FindByExternalID(ctx context.Context, externalID string) (*Entry, error)
	ListRecent(ctx context.Context, accountID int64, limit int) ([]Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

// ValidateCredit checks the arguments of a Credit call before any write.
func ValidateCredit(accountID, amount int64, kind Kind) error {
	if accountID <= 0 {
		return ErrAccountRequired
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !kind.Valid() || kind.Direction() != DirectionCredit {
		return fmt.Errorf("%w: %q cannot credit", ErrInvalidKind, kind)
	}
	return nil
}

// ValidateDebit checks the arguments of a Debit call before any write.
func ValidateDebit(accountID, amount int64, kind Kind) error {
	if accountID <= 0 {
		return ErrAccountRequired
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !kind.Valid() || kind.Direction() != DirectionDebit {
		return fmt.Errorf("%w: %q cannot debit", ErrInvalidKind, kind)
	}
	return nil
}

// NormalizeExternalID trims the id; an empty result means "no external id".
func NormalizeExternalID(externalID string) string {
	return strings.TrimSpace(externalID)
}

// SignedAmount returns the stored value for a positive amount of kind k.
func SignedAmount(amount int64, k Kind) int64 {
	if k.Direction() == DirectionDebit {
		return -amount
	}
	return amount
}
