package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const testSecret = "whsec_test"

func sessionEvent(t *testing.T, typ string, session map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": typ,
		"data": map[string]any{"object": session},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func paidSession(id string) map[string]any {
	return map[string]any{
		"id":             id,
		"payment_status": "paid",
		"status":         "complete",
		"metadata": map[string]string{
			"account_id": "21",
			"credits":    "250",
			"pack_id":    "standard",
		},
	}
}

func TestVerifier(t *testing.T) {
	payload := []byte(`{"id":"evt"}`)
	now := time.Unix(1_800_000_000, 0)
	v := NewVerifier(testSecret)
	v.now = func() time.Time { return now }

	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{"valid", SignatureHeader(testSecret, now, payload), true},
		{"valid with rotated secret first", "t=1800000000,v1=deadbeef," + SignatureHeader(testSecret, now, payload)[len("t=1800000000,"):], true},
		{"wrong secret", SignatureHeader("other", now, payload), false},
		{"stale", SignatureHeader(testSecret, now.Add(-6*time.Minute), payload), false},
		{"future", SignatureHeader(testSecret, now.Add(6*time.Minute), payload), false},
		{"missing", "", false},
		{"no signature", "t=1800000000", false},
		{"bad timestamp", "t=abc,v1=00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(payload, tt.header)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}

	tampered := []byte(`{"id":"evt2"}`)
	if err := v.Verify(tampered, SignatureHeader(testSecret, now, payload)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered payload accepted: %v", err)
	}
}

func TestHandleWebhookSettlesAndDeduplicates(t *testing.T) {
	l := newTestLedger(t)
	guard := NewGuard(l, Config{WebhookSecret: testSecret})
	ctx := context.Background()

	payload := sessionEvent(t, "checkout.session.completed", paidSession("cs_hook"))
	header := SignatureHeader(testSecret, time.Now(), payload)

	out, err := guard.HandleWebhook(ctx, header, payload)
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if out.State != StateSettled || out.AccountID != 21 || out.Credits != 250 {
		t.Fatalf("unexpected outcome %#v", out)
	}

	// Processors redeliver; the second delivery must not credit again.
	out, err = guard.HandleWebhook(ctx, header, payload)
	if err != nil {
		t.Fatalf("HandleWebhook redelivery: %v", err)
	}
	if out.State != StateAlreadySettled {
		t.Fatalf("expected already_settled, got %s", out.State)
	}
	balance, _ := l.Balance(ctx, 21)
	if balance != 250 {
		t.Fatalf("expected 250, got %d", balance)
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	l := newTestLedger(t)
	guard := NewGuard(l, Config{WebhookSecret: testSecret})
	payload := sessionEvent(t, "checkout.session.completed", paidSession("cs_forged"))

	_, err := guard.HandleWebhook(context.Background(), SignatureHeader("attacker", time.Now(), payload), payload)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	balance, _ := l.Balance(context.Background(), 21)
	if balance != 0 {
		t.Fatalf("forged webhook credited %d", balance)
	}

	unconfigured := NewGuard(l, Config{})
	if _, err := unconfigured.HandleWebhook(context.Background(), SignatureHeader(testSecret, time.Now(), payload), payload); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature without secret, got %v", err)
	}
}

func TestHandleWebhookEventMapping(t *testing.T) {
	l := newTestLedger(t)
	guard := NewGuard(l, Config{WebhookSecret: testSecret})
	ctx := context.Background()

	pending := paidSession("cs_async")
	pending["payment_status"] = "unpaid"

	tests := []struct {
		name    string
		typ     string
		session map[string]any
		want    State
	}{
		{"completed but unpaid", "checkout.session.completed", pending, StateProcessing},
		{"async failed", "checkout.session.async_payment_failed", paidSession("cs_fail"), StateRejected},
		{"expired", "checkout.session.expired", map[string]any{"id": "cs_exp", "status": "expired"}, StateRejected},
		{"unrelated", "customer.created", map[string]any{"id": "cus_1"}, StateIgnored},
		{"async succeeded", "checkout.session.async_payment_succeeded", pending, StateSettled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := sessionEvent(t, tt.typ, tt.session)
			out, err := guard.HandleWebhook(ctx, SignatureHeader(testSecret, time.Now(), payload), payload)
			if err != nil {
				t.Fatalf("HandleWebhook: %v", err)
			}
			if out.State != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, out.State)
			}
		})
	}
	balance, _ := l.Balance(ctx, 21)
	if balance != 250 {
		t.Fatalf("expected only the async success to credit, balance %d", balance)
	}
}

func TestHandleWebhookMalformed(t *testing.T) {
	guard := NewGuard(newTestLedger(t), Config{WebhookSecret: testSecret})
	ctx := context.Background()

	noMeta := paidSession("cs_nometa")
	delete(noMeta, "metadata")
	badCredits := paidSession("cs_bad")
	badCredits["metadata"] = map[string]string{"account_id": "21", "credits": "lots"}

	payloads := map[string][]byte{
		"not json":         []byte("{"),
		"missing type":     []byte(`{"id":"evt"}`),
		"missing metadata": sessionEvent(t, "checkout.session.completed", noMeta),
		"bad credits":      sessionEvent(t, "checkout.session.completed", badCredits),
		"missing id":       sessionEvent(t, "checkout.session.async_payment_succeeded", map[string]any{"payment_status": "paid"}),
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			_, err := guard.HandleWebhook(ctx, SignatureHeader(testSecret, time.Now(), payload), payload)
			if !errors.Is(err, ErrMalformedNotification) {
				t.Fatalf("expected ErrMalformedNotification, got %v", err)
			}
		})
	}
}
