// Package settlement turns external payment events into exactly one ledger
// credit each, whether the event arrives by webhook, by the buyer's return
// to the confirmation page, or both.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/papertutor/papertutor/internal/hooks"
	"github.com/papertutor/papertutor/internal/ledger"
	"github.com/papertutor/papertutor/internal/metrics"
)

// PaymentStatus is the processor's verdict carried by a notification.
type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentPending PaymentStatus = "pending"
	PaymentFailed  PaymentStatus = "failed"
)

// Channel names how a notification was observed.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelConfirm Channel = "confirm"
	ChannelManual  Channel = "manual"
)

// State is what a reconciliation reports back to the caller.
type State string

const (
	StateProcessing     State = "processing"
	StateSettled        State = "settled"
	StateAlreadySettled State = "already_settled"
	StateRejected       State = "rejected"
	StateIgnored        State = "ignored"
)

// Notification is an authenticated payment event.
type Notification struct {
	PaymentRef string
	AccountID  int64
	Credits    int64
	PackID     string
	Status     PaymentStatus
	Channel    Channel
}

// Outcome reports the result of a reconciliation. For already_settled,
// Credits and EntryID describe the entry written by the first settlement.
type Outcome struct {
	State      State  `json:"state"`
	PaymentRef string `json:"payment_ref,omitempty"`
	AccountID  int64  `json:"account_id,omitempty"`
	Credits    int64  `json:"credits,omitempty"`
	EntryID    int64  `json:"entry_id,omitempty"`
	Balance    int64  `json:"balance"`
}

// Ledger is the subset of ledger.Store the guard writes through.
type Ledger interface {
	Credit(ctx context.Context, accountID, amount int64, kind ledger.Kind, externalID, memo string) (ledger.Entry, error)
	FindByExternalID(ctx context.Context, externalID string) (*ledger.Entry, error)
	Balance(ctx context.Context, accountID int64) (int64, error)
}

// Config wires the guard.
type Config struct {
	Catalog       Catalog
	Processor     Processor // optional; nil disables checkout and confirm
	WebhookSecret string    // optional; empty rejects every webhook
	Verifier      *Verifier // optional; built from WebhookSecret when nil
	Events        hooks.Emitter
	Metrics       *metrics.Metrics
	Logger        *log.Logger
}

// Guard is the single entry point for every credit that originates outside
// the explain flow.
type Guard struct {
	ledger    Ledger
	catalog   Catalog
	processor Processor
	verifier  *Verifier
	events    hooks.Emitter
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// NewGuard builds a guard over l.
func NewGuard(l Ledger, cfg Config) *Guard {
	if len(cfg.Catalog.Packs) == 0 {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.Verifier == nil && cfg.WebhookSecret != "" {
		cfg.Verifier = NewVerifier(cfg.WebhookSecret)
	}
	return &Guard{
		ledger:    l,
		catalog:   cfg.Catalog,
		processor: cfg.Processor,
		verifier:  cfg.Verifier,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Catalog returns the purchasable packs.
func (g *Guard) Catalog() Catalog { return g.catalog }

// Reconcile applies an authenticated notification. Paid notifications credit
// the account once per PaymentRef; the storage uniqueness constraint on the
// external id decides the winner, and the loser reports already_settled.
// Pending and failed notifications never touch the ledger.
func (g *Guard) Reconcile(ctx context.Context, n Notification) (Outcome, error) {
	n.PaymentRef = strings.TrimSpace(n.PaymentRef)
	if n.PaymentRef == "" {
		return Outcome{}, fmt.Errorf("%w: payment reference required", ErrMalformedNotification)
	}
	if n.Channel == "" {
		n.Channel = ChannelManual
	}

	out := Outcome{PaymentRef: n.PaymentRef, AccountID: n.AccountID}
	switch n.Status {
	case PaymentPending:
		out.State = StateProcessing
		g.record(n, out)
		return out, nil
	case PaymentFailed:
		out.State = StateRejected
		g.record(n, out)
		return out, nil
	case PaymentPaid:
	default:
		return Outcome{}, fmt.Errorf("%w: unknown payment status %q", ErrMalformedNotification, n.Status)
	}

	if n.AccountID <= 0 {
		return Outcome{}, fmt.Errorf("%w: account id required", ErrMalformedNotification)
	}
	if n.Credits <= 0 {
		return Outcome{}, fmt.Errorf("%w: credited amount required", ErrMalformedNotification)
	}

	memo := "purchase"
	if n.PackID != "" {
		memo = "purchase pack " + n.PackID
	}
	entry, err := g.ledger.Credit(ctx, n.AccountID, n.Credits, ledger.KindPurchase, n.PaymentRef, memo)
	switch {
	case err == nil:
		out.State = StateSettled
		out.Credits = entry.Amount
		out.EntryID = entry.ID
		g.emit(ctx, hooks.NewEvent(hooks.EventPaymentSettled, n.AccountID, map[string]any{
			"payment_ref": n.PaymentRef,
			"credits":     entry.Amount,
			"pack_id":     n.PackID,
			"channel":     string(n.Channel),
		}))
		g.logf("settled payment=%s account=%d credits=%d channel=%s", n.PaymentRef, n.AccountID, entry.Amount, n.Channel)
	case errors.Is(err, ledger.ErrDuplicatePayment):
		existing, ferr := g.ledger.FindByExternalID(ctx, n.PaymentRef)
		if ferr != nil {
			return Outcome{}, fmt.Errorf("load settled payment: %w", ferr)
		}
		out.State = StateAlreadySettled
		if existing != nil {
			out.AccountID = existing.AccountID
			out.Credits = existing.Amount
			out.EntryID = existing.ID
			if existing.AccountID != n.AccountID {
				g.logf("WARNING payment=%s already settled to account=%d, notification names account=%d",
					n.PaymentRef, existing.AccountID, n.AccountID)
			}
		}
	default:
		return Outcome{}, fmt.Errorf("credit payment %s: %w", n.PaymentRef, err)
	}

	balance, err := g.ledger.Balance(ctx, out.AccountID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load balance: %w", err)
	}
	out.Balance = balance
	g.record(n, out)
	return out, nil
}

// GrantBonus credits promotional credits under reference, which makes the
// grant idempotent the same way payments are.
func (g *Guard) GrantBonus(ctx context.Context, accountID, credits int64, reference string) (Outcome, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Outcome{}, fmt.Errorf("%w: bonus reference required", ErrMalformedNotification)
	}
	out := Outcome{PaymentRef: reference, AccountID: accountID}
	entry, err := g.ledger.Credit(ctx, accountID, credits, ledger.KindBonus, reference, "bonus "+reference)
	switch {
	case err == nil:
		out.State = StateSettled
		out.Credits = entry.Amount
		out.EntryID = entry.ID
	case errors.Is(err, ledger.ErrDuplicatePayment):
		out.State = StateAlreadySettled
		if existing, ferr := g.ledger.FindByExternalID(ctx, reference); ferr == nil && existing != nil {
			out.Credits = existing.Amount
			out.EntryID = existing.ID
		}
	default:
		return Outcome{}, fmt.Errorf("grant bonus %s: %w", reference, err)
	}
	if out.Balance, err = g.ledger.Balance(ctx, accountID); err != nil {
		return Outcome{}, fmt.Errorf("load balance: %w", err)
	}
	return out, nil
}

// SignupBonusRef is the external id that makes the signup bonus one-off.
func SignupBonusRef(accountID int64) string {
	return fmt.Sprintf("signup:%d", accountID)
}

func (g *Guard) record(n Notification, out Outcome) {
	credited := int64(0)
	if out.State == StateSettled {
		credited = out.Credits
	}
	g.metrics.Settlement(string(n.Channel), string(out.State), credited)
}

func (g *Guard) emit(ctx context.Context, evt hooks.Event) {
	if g.events == nil {
		return
	}
	if err := g.events.Emit(ctx, evt); err != nil {
		g.logf("emit %s: %v", evt.Type, err)
	}
}

func (g *Guard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}
