package settlement

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds the age of a signed webhook timestamp.
const DefaultTolerance = 5 * time.Minute

// Verifier checks Stripe-style "t=<unix>,v1=<hex>" signatures computed as
// HMAC-SHA256 over "<t>.<payload>".
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a verifier with DefaultTolerance.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), tolerance: DefaultTolerance, now: time.Now}
}

// Verify returns ErrInvalidSignature unless one v1 signature matches and the
// timestamp is within tolerance.
func (v *Verifier) Verify(payload []byte, header string) error {
	if v == nil || len(v.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	timestamp, signatures := parseSignatureHeader(header)
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	eventTime := time.Unix(ts, 0)
	now := v.now()
	if now.Sub(eventTime) > v.tolerance || eventTime.Sub(now) > v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := Sign(v.secret, timestamp, payload)
	for _, sigHex := range signatures {
		actual, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(actual, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// Sign computes the raw v1 signature.
func Sign(secret []byte, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureHeader renders a header for payload signed at t.
func SignatureHeader(secret string, t time.Time, payload []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(Sign([]byte(secret), ts, payload))
}

func parseSignatureHeader(header string) (string, []string) {
	var timestamp string
	signatures := make([]string, 0, 1)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			timestamp = strings.TrimSpace(kv[1])
		case "v1":
			signatures = append(signatures, strings.TrimSpace(kv[1]))
		}
	}
	return timestamp, signatures
}

type processorEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// checkoutSession is the processor's checkout session object as it appears in
// webhook payloads and in API responses.
type checkoutSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	PaymentStatus     string            `json:"payment_status"`
	Status            string            `json:"status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
}

// HandleWebhook authenticates and parses a processor event and reconciles
// it. Event types that carry no payment decision are acknowledged as
// ignored.
func (g *Guard) HandleWebhook(ctx context.Context, signatureHeader string, payload []byte) (Outcome, error) {
	if err := g.verifier.Verify(payload, signatureHeader); err != nil {
		g.metrics.Settlement(string(ChannelWebhook), "invalid_signature", 0)
		return Outcome{}, err
	}

	var evt processorEvent
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&evt); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if evt.Type == "" {
		return Outcome{}, fmt.Errorf("%w: event type required", ErrMalformedNotification)
	}

	var status PaymentStatus
	switch evt.Type {
	case "checkout.session.completed":
		status = "" // decided by the session's payment_status
	case "checkout.session.async_payment_succeeded":
		status = PaymentPaid
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		status = PaymentFailed
	default:
		g.metrics.Settlement(string(ChannelWebhook), string(StateIgnored), 0)
		return Outcome{State: StateIgnored}, nil
	}

	var session checkoutSession
	if len(evt.Data.Object) == 0 {
		return Outcome{}, fmt.Errorf("%w: event data missing", ErrMalformedNotification)
	}
	if err := json.Unmarshal(evt.Data.Object, &session); err != nil {
		return Outcome{}, fmt.Errorf("%w: checkout session: %v", ErrMalformedNotification, err)
	}
	if status == "" {
		status = session.paymentStatus()
	}
	n, err := session.notification(status, ChannelWebhook)
	if err != nil {
		return Outcome{}, err
	}
	return g.Reconcile(ctx, n)
}

// paymentStatus maps the session's own fields to a verdict.
func (s checkoutSession) paymentStatus() PaymentStatus {
	switch {
	case s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required":
		return PaymentPaid
	case s.Status == "expired":
		return PaymentFailed
	default:
		return PaymentPending
	}
}

// notification validates the metadata written at checkout creation. Paid
// sessions must name the account and the credits; other statuses only need
// the session id.
func (s checkoutSession) notification(status PaymentStatus, channel Channel) (Notification, error) {
	n := Notification{
		PaymentRef: strings.TrimSpace(s.ID),
		PackID:     strings.TrimSpace(s.Metadata["pack_id"]),
		Status:     status,
		Channel:    channel,
	}
	if n.PaymentRef == "" {
		return Notification{}, fmt.Errorf("%w: session id required", ErrMalformedNotification)
	}

	account := strings.TrimSpace(s.Metadata["account_id"])
	credits := strings.TrimSpace(s.Metadata["credits"])
	if status != PaymentPaid && account == "" && credits == "" {
		return n, nil
	}
	var err error
	if n.AccountID, err = strconv.ParseInt(account, 10, 64); err != nil || n.AccountID <= 0 {
		return Notification{}, fmt.Errorf("%w: metadata.account_id %q", ErrMalformedNotification, account)
	}
	if n.Credits, err = strconv.ParseInt(credits, 10, 64); err != nil || n.Credits <= 0 {
		return Notification{}, fmt.Errorf("%w: metadata.credits %q", ErrMalformedNotification, credits)
	}
	return n, nil
}
