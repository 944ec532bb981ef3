package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names the billing and consent transitions papertutor exports.
// Audit sinks and notification scripts subscribe to these to mirror state.
type EventType string

const (
	// EventPaymentSettled is emitted once per external payment, on the
	// reconciliation that actually wrote the ledger credit.
	EventPaymentSettled EventType = "payment.settled"
	// EventConsentGranted is emitted on every grant, including renewals.
	EventConsentGranted EventType = "consent.granted"
	// EventConsentExpired is emitted when a lapsed grant is materialised.
	EventConsentExpired EventType = "consent.expired"
	// EventArtifactProduced is emitted after a new explanation is persisted.
	EventArtifactProduced EventType = "artifact.produced"
	// EventAccessBilled is emitted when an account pays for a fingerprint.
	EventAccessBilled EventType = "access.billed"
	// EventBillingAnomaly is emitted when credits were debited but the access
	// record could not be written. Operators must reconcile these by hand.
	EventBillingAnomaly EventType = "billing.anomaly"
)

// Event envelopes the concrete payload we broadcast to hook listeners.
type Event struct {
	ID         string         // globally unique event identifier
	Type       EventType      // transition identifier
	OccurredAt time.Time      // timestamp of emission
	AccountID  string         // account the event concerns, if any
	ActorID    string         // initiator (account, webhook, cli)
	Metadata   map[string]any // extensible JSON-friendly payload
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(typ EventType, accountID int64, metadata map[string]any) Event {
	evt := Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Metadata:   metadata,
	}
	if accountID > 0 {
		evt.AccountID = strconv.FormatInt(accountID, 10)
	}
	return evt
}

// Handler reacts to an Event. Implementations should be idempotent.
type Handler func(context.Context, Event) error

// Emitter is what domain services depend on. Both Dispatcher and Async
// satisfy it.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// Dispatcher coordinates handler registration and event fan-out.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Register adds a new handler. Handlers fire sequentially in registration
// order so operators can reason about side effects.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Emit delivers an event to all registered handlers. Errors are aggregated so
// callers can surface each failure in logs.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScriptConfig describes how to invoke an external command when events fire.
type ScriptConfig struct {
	Command string            // required executable (absolute or PATH lookup)
	Args    []string          // static arguments passed to the executable
	Env     map[string]string // optional environment overrides
	Timeout time.Duration     // optional max execution time
}

// MarshalEvent converts an Event into the wire format presented to scripts.
var MarshalEvent = JSONMarshaler

// NewScriptHandler returns a Handler that pipes the marshalled event to a
// configured executable via STDIN.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parentCtx context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("hooks: command not configured")
		}

		payload, err := MarshalEvent(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}

		ctx := parentCtx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := cmd.Environ()
			for key, val := range cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", key, val))
			}
			cmd.Env = env
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("hooks: stdin pipe: %w", err)
		}
		go func() {
			defer stdin.Close()
			_, _ = stdin.Write(payload)
		}()

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("hooks: command %s for %s: %w", cfg.Command, evt.Type, err)
		}
		return nil
	}
}

// JSONMarshaler serialises the event into a stable JSON envelope.
func JSONMarshaler(evt Event) ([]byte, error) {
	envelope := struct {
		ID         string         `json:"id"`
		Type       EventType      `json:"type"`
		OccurredAt time.Time      `json:"occurred_at"`
		AccountID  string         `json:"account_id,omitempty"`
		ActorID    string         `json:"actor_id,omitempty"`
		Metadata   map[string]any `json:"metadata"`
	}{
		ID:         evt.ID,
		Type:       evt.Type,
		OccurredAt: evt.OccurredAt,
		AccountID:  evt.AccountID,
		ActorID:    evt.ActorID,
		Metadata:   evt.Metadata,
	}
	return json.Marshal(envelope)
}
