package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/papertutor/papertutor/internal/hooks"
	"github.com/papertutor/papertutor/internal/ledger"
	"github.com/papertutor/papertutor/internal/metrics"
)

// Debiter is the ledger operation the meter needs.
type Debiter interface {
	Debit(ctx context.Context, accountID, amount int64, kind ledger.Kind, memo string) (ledger.Entry, error)
}

// DefaultBillTimeout bounds one shared billing flight.
const DefaultBillTimeout = 10 * time.Second

// Config wires optional collaborators.
type Config struct {
	Events      hooks.Emitter
	Metrics     *metrics.Metrics
	Logger      *log.Logger
	Now         func() time.Time
	BillTimeout time.Duration // 0 means DefaultBillTimeout
}

// Meter decides whether a request must pay and performs the billing.
type Meter struct {
	store   Store
	ledger  Debiter
	group   singleflight.Group
	events  hooks.Emitter
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewMeter builds a meter.
func NewMeter(store Store, debiter Debiter, cfg Config) *Meter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BillTimeout <= 0 {
		cfg.BillTimeout = DefaultBillTimeout
	}
	return &Meter{
		store:   store,
		ledger:  debiter,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
		timeout: cfg.BillTimeout,
	}
}

// Resolve reports whether the account already paid for fingerprint.
func (m *Meter) Resolve(ctx context.Context, accountID int64, fingerprint string) (Resolution, error) {
	rec, err := m.store.GetAccess(ctx, accountID, fingerprint)
	if err != nil {
		return Resolution{}, fmt.Errorf("load access: %w", err)
	}
	if rec == nil {
		return Resolution{Status: StatusNeedsBilling}, nil
	}
	return Resolution{Status: StatusCached, Text: rec.Text, Record: rec}, nil
}

// Bill debits cost and then records access with text. Concurrent calls for
// the same account and fingerprint share one billing. On
// ledger.ErrInsufficientFunds nothing is written. If the debit succeeds but
// the record does not, Bill returns the billed resolution together with
// ErrAccessNotRecorded.
func (m *Meter) Bill(ctx context.Context, accountID int64, fingerprint, text string, cost int64) (Resolution, error) {
	if cost < 0 {
		return Resolution{}, ErrInvalidCost
	}
	key := strconv.FormatInt(accountID, 10) + "|" + fingerprint
	ch := m.group.DoChan(key, func() (any, error) {
		// The flight is shared, so the caller that started it must not
		// cancel it for the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		res, err := m.bill(fctx, accountID, fingerprint, text, cost)
		return billOutcome{res: res, err: err}, nil
	})
	select {
	case r := <-ch:
		out := r.Val.(billOutcome)
		return out.res, out.err
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// billOutcome lets a billed resolution travel through singleflight alongside
// ErrAccessNotRecorded.
type billOutcome struct {
	res Resolution
	err error
}

func (m *Meter) bill(ctx context.Context, accountID int64, fingerprint, text string, cost int64) (Resolution, error) {
	// A request that finished just before this flight started may already
	// have paid.
	if existing, err := m.Resolve(ctx, accountID, fingerprint); err != nil || existing.Status == StatusCached {
		return existing, err
	}

	var entry ledger.Entry
	if cost > 0 {
		var err error
		entry, err = m.ledger.Debit(ctx, accountID, cost, ledger.KindUsage, "explanation "+fingerprint)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return Resolution{}, err
			}
			return Resolution{}, fmt.Errorf("debit: %w", err)
		}
		m.metrics.CreditsDebited(cost)
	}

	// The debit is committed; the record must be attempted even if the
	// caller has gone away.
	wctx := context.WithoutCancel(ctx)
	rec := Record{
		AccountID:     accountID,
		Fingerprint:   fingerprint,
		Text:          text,
		Cost:          cost,
		LedgerEntryID: entry.ID,
		BilledAt:      m.now().UTC(),
	}
	stored, inserted, err := m.store.InsertAccess(wctx, rec)
	if err != nil {
		m.flag(wctx, rec, fmt.Sprintf("access record insert failed: %v", err))
		return Resolution{Status: StatusBilled, Text: text, Record: &rec},
			fmt.Errorf("%w: %w", ErrAccessNotRecorded, err)
	}
	if !inserted {
		// Another process billed the same pair between our check and insert.
		if cost > 0 {
			m.flag(wctx, rec, "duplicate billing: access already recorded by a concurrent request")
		}
		return Resolution{Status: StatusCached, Text: stored.Text, Record: &stored}, nil
	}

	if m.events != nil {
		evt := hooks.NewEvent(hooks.EventAccessBilled, accountID, map[string]any{
			"fingerprint":     fingerprint,
			"cost":            cost,
			"ledger_entry_id": entry.ID,
		})
		if err := m.events.Emit(wctx, evt); err != nil {
			m.logf("emit %s: %v", evt.Type, err)
		}
	}
	return Resolution{Status: StatusBilled, Text: stored.Text, Record: &stored}, nil
}

func (m *Meter) flag(ctx context.Context, rec Record, reason string) {
	m.metrics.BillingAnomaly()
	m.logf("ANOMALY account=%d fingerprint=%s ledger_entry=%d: %s", rec.AccountID, rec.Fingerprint, rec.LedgerEntryID, reason)
	anomaly, err := m.store.FlagAnomaly(ctx, Anomaly{
		AccountID:     rec.AccountID,
		Fingerprint:   rec.Fingerprint,
		LedgerEntryID: rec.LedgerEntryID,
		Reason:        reason,
		CreatedAt:     m.now().UTC(),
	})
	if err != nil {
		m.logf("ANOMALY not persisted account=%d ledger_entry=%d: %v", rec.AccountID, rec.LedgerEntryID, err)
	}
	if m.events != nil {
		evt := hooks.NewEvent(hooks.EventBillingAnomaly, rec.AccountID, map[string]any{
			"anomaly_id":      anomaly.ID,
			"fingerprint":     rec.Fingerprint,
			"ledger_entry_id": rec.LedgerEntryID,
			"reason":          reason,
		})
		if err := m.events.Emit(ctx, evt); err != nil {
			m.logf("emit %s: %v", evt.Type, err)
		}
	}
}

// Anomalies lists the most recent flagged anomalies.
func (m *Meter) Anomalies(ctx context.Context, limit int) ([]Anomaly, error) {
	return m.store.ListAnomalies(ctx, limit)
}

func (m *Meter) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
