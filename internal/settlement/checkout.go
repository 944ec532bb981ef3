package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CheckoutRequest describes a hosted checkout to open for one pack.
type CheckoutRequest struct {
	AccountID int64
	Pack      Pack
}

// CheckoutSession is the processor's view of a checkout.
type CheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url,omitempty"`
	PaymentStatus string            `json:"payment_status,omitempty"`
	Status        string            `json:"status,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Processor talks to the hosted payment page provider.
type Processor interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	FetchSession(ctx context.Context, sessionID string) (CheckoutSession, error)
}

// StripeConfig holds configuration for the Stripe processor.
type StripeConfig struct {
	SecretKey  string
	BaseURL    string // optional, defaults to https://api.stripe.com
	SuccessURL string // {CHECKOUT_SESSION_ID} is substituted by Stripe
	CancelURL  string
	Timeout    time.Duration
}

// StripeClient creates and fetches Stripe Checkout sessions over the REST API.
type StripeClient struct {
	secretKey  string
	baseURL    string
	successURL string
	cancelURL  string
	httpClient *http.Client
}

var _ Processor = (*StripeClient)(nil)

// NewStripeClient validates cfg and returns a client.
func NewStripeClient(cfg StripeConfig) (*StripeClient, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("stripe: secret key required")
	}
	if strings.TrimSpace(cfg.SuccessURL) == "" || strings.TrimSpace(cfg.CancelURL) == "" {
		return nil, errors.New("stripe: success and cancel urls required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StripeClient{
		secretKey:  cfg.SecretKey,
		baseURL:    baseURL,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// CreateCheckout opens a payment-mode session for one unit of the pack. The
// account, credits and pack id travel as metadata so the webhook can settle
// without a lookup.
func (c *StripeClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	account := strconv.FormatInt(req.AccountID, 10)
	credits := strconv.FormatInt(req.Pack.Credits, 10)

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", c.successURL)
	form.Set("cancel_url", c.cancelURL)
	form.Set("client_reference_id", account)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Pack.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Pack.UnitAmount, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.Pack.Name)
	form.Set("metadata[account_id]", account)
	form.Set("metadata[credits]", credits)
	form.Set("metadata[pack_id]", req.Pack.ID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())
	return c.do(httpReq)
}

// FetchSession loads a session by id.
func (c *StripeClient) FetchSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: session id required", ErrMalformedNotification)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create request: %w", err)
	}
	return c.do(httpReq)
}

func (c *StripeClient) do(httpReq *http.Request) (CheckoutSession, error) {
	httpReq.SetBasicAuth(c.secretKey, "")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return CheckoutSession{}, fmt.Errorf("stripe: %s (type=%s)", errResp.Error.Message, errResp.Error.Type)
		}
		return CheckoutSession{}, fmt.Errorf("stripe: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var session CheckoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: unmarshal response: %w", err)
	}
	if session.ID == "" {
		return CheckoutSession{}, errors.New("stripe: response missing session id")
	}
	return session, nil
}

// CreateCheckout opens a hosted checkout for packID on behalf of accountID.
func (g *Guard) CreateCheckout(ctx context.Context, accountID int64, packID string) (CheckoutSession, error) {
	if g.processor == nil {
		return CheckoutSession{}, ErrProcessorDisabled
	}
	pack, err := g.catalog.Lookup(packID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if accountID <= 0 {
		return CheckoutSession{}, fmt.Errorf("%w: account id required", ErrMalformedNotification)
	}
	session, err := g.processor.CreateCheckout(ctx, CheckoutRequest{AccountID: accountID, Pack: pack})
	if err != nil {
		return CheckoutSession{}, err
	}
	g.logf("checkout opened session=%s account=%d pack=%s", session.ID, accountID, pack.ID)
	return session, nil
}

// Confirm is the buyer-return path. It asks the processor for the session's
// current state and reconciles it exactly like a webhook would, so whichever
// of the two arrives second reports already_settled.
func (g *Guard) Confirm(ctx context.Context, sessionID string, accountID int64) (Outcome, error) {
	if g.processor == nil {
		return Outcome{}, ErrProcessorDisabled
	}
	remote, err := g.processor.FetchSession(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	session := checkoutSession{
		ID:            remote.ID,
		Metadata:      remote.Metadata,
		PaymentStatus: remote.PaymentStatus,
		Status:        remote.Status,
	}
	if owner := strings.TrimSpace(session.Metadata["account_id"]); owner != "" && owner != strconv.FormatInt(accountID, 10) {
		return Outcome{}, ErrSessionMismatch
	}
	n, err := session.notification(session.paymentStatus(), ChannelConfirm)
	if err != nil {
		return Outcome{}, err
	}
	if n.Status != PaymentPaid && n.AccountID == 0 {
		n.AccountID = accountID
	}
	return g.Reconcile(ctx, n)
}
