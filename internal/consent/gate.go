// Package consent decides whether an account currently holds a live grant to
// use the AI features. Expiry is lazy: a lapsed grant is only materialised as
// "requires renewal" when an access check observes it.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/papertutor/papertutor/internal/hooks"
	"github.com/papertutor/papertutor/internal/metrics"
	"github.com/papertutor/papertutor/internal/userstore"
)

// DefaultWindow is how long a grant stays valid.
const DefaultWindow = 30 * 24 * time.Hour

// State is the gate's view of an account's consent.
type State string

const (
	StateNotGiven State = "not_given"
	StateActive   State = "active"
	StateExpired  State = "expired"
)

var (
	// ErrConsentRequired blocks gated access when no live grant exists.
	ErrConsentRequired = errors.New("consent: required")
	// ErrConsentExpired is ErrConsentRequired for an account whose earlier
	// grant lapsed; errors.Is matches both.
	ErrConsentExpired = fmt.Errorf("%w: grant expired", ErrConsentRequired)
)

// Store is the slice of the account store the gate needs.
type Store interface {
	Consent(ctx context.Context, accountID int64) (userstore.ConsentRecord, error)
	GrantConsent(ctx context.Context, accountID int64, at time.Time) error
	ExpireConsent(ctx context.Context, accountID int64, grantedAt time.Time) (bool, error)
}

// Status describes the consent of one account at check time.
type Status struct {
	State     State      `json:"state"`
	GrantedAt *time.Time `json:"granted_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Config wires optional collaborators.
type Config struct {
	Window  time.Duration
	Now     func() time.Time
	Events  hooks.Emitter
	Metrics *metrics.Metrics
	Logger  *log.Logger
}

// Gate evaluates and records consent.
type Gate struct {
	store   Store
	window  time.Duration
	now     func() time.Time
	events  hooks.Emitter
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewGate builds a gate over store.
func NewGate(store Store, cfg Config) *Gate {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{
		store:   store,
		window:  cfg.Window,
		now:     cfg.Now,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Window returns the configured validity period.
func (g *Gate) Window() time.Duration { return g.window }

// Check returns the account's consent status. If the stored grant has lapsed
// but is not yet marked, Check marks it as requiring renewal before
// returning StateExpired.
func (g *Gate) Check(ctx context.Context, accountID int64) (Status, error) {
	rec, err := g.store.Consent(ctx, accountID)
	if err != nil {
		return Status{}, fmt.Errorf("load consent: %w", err)
	}
	status := g.evaluate(rec)
	if status.State != StateExpired || rec.RequiresRenewal {
		return status, nil
	}

	changed, err := g.store.ExpireConsent(ctx, accountID, *rec.GrantedAt)
	if err != nil {
		return Status{}, err
	}
	if changed {
		g.metrics.ConsentTransition("expired")
		g.emit(ctx, hooks.NewEvent(hooks.EventConsentExpired, accountID, map[string]any{
			"granted_at": rec.GrantedAt.UTC(),
			"expired_at": status.ExpiresAt.UTC(),
		}))
		g.logf("account=%d consent expired (granted %s)", accountID, rec.GrantedAt.UTC().Format(time.RFC3339))
		return status, nil
	}

	// Someone else touched the record between our read and write: either a
	// concurrent check already expired it or the account re-granted.
	rec, err = g.store.Consent(ctx, accountID)
	if err != nil {
		return Status{}, fmt.Errorf("reload consent: %w", err)
	}
	return g.evaluate(rec), nil
}

// Require returns nil only for an active grant; otherwise it returns
// ErrConsentRequired or ErrConsentExpired.
func (g *Gate) Require(ctx context.Context, accountID int64) error {
	status, err := g.Check(ctx, accountID)
	if err != nil {
		return err
	}
	switch status.State {
	case StateActive:
		return nil
	case StateExpired:
		return ErrConsentExpired
	default:
		return ErrConsentRequired
	}
}

// Grant records a fresh grant starting now. Granting again resets the window.
func (g *Gate) Grant(ctx context.Context, accountID int64) (Status, error) {
	at := g.now().UTC()
	if err := g.store.GrantConsent(ctx, accountID, at); err != nil {
		return Status{}, fmt.Errorf("grant consent: %w", err)
	}
	expires := at.Add(g.window)
	g.metrics.ConsentTransition("granted")
	g.emit(ctx, hooks.NewEvent(hooks.EventConsentGranted, accountID, map[string]any{
		"granted_at": at,
		"expires_at": expires,
	}))
	return Status{State: StateActive, GrantedAt: &at, ExpiresAt: &expires}, nil
}

func (g *Gate) evaluate(rec userstore.ConsentRecord) Status {
	if rec.GrantedAt == nil {
		return Status{State: StateNotGiven}
	}
	granted := *rec.GrantedAt
	expires := granted.Add(g.window)
	status := Status{GrantedAt: &granted, ExpiresAt: &expires}
	if rec.RequiresRenewal || !g.now().Before(expires) {
		status.State = StateExpired
		return status
	}
	status.State = StateActive
	return status
}

func (g *Gate) emit(ctx context.Context, evt hooks.Event) {
	if g.events == nil {
		return
	}
	if err := g.events.Emit(ctx, evt); err != nil {
		g.logf("emit %s: %v", evt.Type, err)
	}
}

func (g *Gate) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}
