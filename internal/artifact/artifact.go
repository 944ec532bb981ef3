// Package artifact is the shared, write-once store of generated explanations
// keyed by question fingerprint.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxFingerprintLen bounds externally supplied keys.
const MaxFingerprintLen = 128

var (
	// ErrProductionFailed wraps every producer failure, timeout included.
	// Nothing is cached when it is returned, so a retry is always safe.
	ErrProductionFailed   = errors.New("artifact: production failed")
	ErrInvalidFingerprint = errors.New("artifact: invalid fingerprint")
)

// Entry is one generated artifact. At most one exists per fingerprint.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Text        string    `json:"text"`
	ProducedAt  time.Time `json:"produced_at"`
}

// Store persists entries.
type Store interface {
	// GetArtifact returns nil, nil when no entry exists.
	GetArtifact(ctx context.Context, fingerprint string) (*Entry, error)
	// PutArtifact inserts entry unless one already exists for its
	// fingerprint, and returns whichever entry is stored afterwards.
	// inserted is false when another writer got there first.
	PutArtifact(ctx context.Context, entry Entry) (stored Entry, inserted bool, err error)
}

// ProduceFunc generates the artifact text. It receives a context carrying the
// production deadline.
type ProduceFunc func(ctx context.Context) (string, error)

// ValidateFingerprint accepts 1..MaxFingerprintLen characters drawn from
// letters, digits and . _ : -
func ValidateFingerprint(fp string) error {
	if fp == "" || len(fp) > MaxFingerprintLen {
		return fmt.Errorf("%w: length must be 1..%d", ErrInvalidFingerprint, MaxFingerprintLen)
	}
	for _, r := range fp {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == ':', r == '-':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidFingerprint, r)
		}
	}
	return nil
}
