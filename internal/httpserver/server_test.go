package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/papertutor/papertutor/internal/access"
	"github.com/papertutor/papertutor/internal/adapter/loopback"
	"github.com/papertutor/papertutor/internal/artifact"
	"github.com/papertutor/papertutor/internal/auth"
	"github.com/papertutor/papertutor/internal/consent"
	"github.com/papertutor/papertutor/internal/explain"
	explainsqlite "github.com/papertutor/papertutor/internal/explainstore/sqlite"
	"github.com/papertutor/papertutor/internal/health"
	ledgersqlite "github.com/papertutor/papertutor/internal/ledger/sqlite"
	"github.com/papertutor/papertutor/internal/metrics"
	"github.com/papertutor/papertutor/internal/ratelimit"
	"github.com/papertutor/papertutor/internal/settlement"
	usersqlite "github.com/papertutor/papertutor/internal/userstore/sqlite"
)

const webhookSecret = "whsec_http"

type testServer struct {
	handler http.Handler
	auth    *auth.Manager
}

func newTestServer(t *testing.T, bonus int64, opts ...func(*Deps)) *testServer {
	t.Helper()
	dir := t.TempDir()
	users, err := usersqlite.New(filepath.Join(dir, "identity.db"))
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	led, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	explains, err := explainsqlite.New(filepath.Join(dir, "explain.db"))
	if err != nil {
		t.Fatalf("explain store: %v", err)
	}
	t.Cleanup(func() {
		_ = users.Close()
		_ = led.Close()
		_ = explains.Close()
	})

	images := filepath.Join(dir, "questions")
	if err := os.MkdirAll(images, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, fp := range []string{"paper1-q1", "paper1-q2"} {
		if err := os.WriteFile(filepath.Join(images, fp+".png"), []byte("png:"+fp), 0o600); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}

	m := metrics.New()
	gate := consent.NewGate(users, consent.Config{Metrics: m})
	meter := access.NewMeter(explains, led, access.Config{Metrics: m})
	cache := artifact.NewCache(explains, artifact.Config{MemorySize: 8, Metrics: m})
	svc := explain.NewService(gate, meter, cache, led, explain.DirImages{Dir: images}, loopback.New(), explain.Config{Cost: 10, PreviewChars: 12, Metrics: m})
	guard := settlement.NewGuard(led, settlement.Config{WebhookSecret: webhookSecret, Metrics: m})
	checker := health.New(health.Config{Stores: map[string]health.Pinger{"ledger": led, "accounts": users, "explain": explains}})
	authManager := auth.NewManager("test-secret")

	deps := Deps{
		Accounts:    users,
		Ledger:      led,
		Auth:        authManager,
		Consent:     gate,
		Explain:     svc,
		Guard:       guard,
		Health:      checker,
		Metrics:     m,
		SignupBonus: bonus,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := New(deps)
	return &testServer{handler: srv.Router(), auth: authManager}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body []byte, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

// login signs up a new account and returns its token and id.
func (ts *testServer) login(t *testing.T, email string) (string, int64) {
	t.Helper()
	rec, body := ts.do(t, http.MethodPost, "/api/v1/accounts", "", []byte(`{"email":"`+email+`"}`), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("login %s: status %d body %s", email, rec.Code, rec.Body.String())
	}
	acct := body["account"].(map[string]any)
	return body["token"].(string), int64(acct["id"].(float64))
}

func expectCode(t *testing.T, rec *httptest.ResponseRecorder, body map[string]any, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	if code != "" && body["code"] != code {
		t.Fatalf("expected code %q, got %v", code, body["code"])
	}
}

func TestCreateAccountGrantsSignupBonusOnce(t *testing.T) {
	ts := newTestServer(t, 50)

	rec, body := ts.do(t, http.MethodPost, "/api/v1/accounts", "", []byte(`{"email":"Student@Example.com"}`), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["balance"].(float64) != 50 || body["signup_bonus"].(float64) != 50 || body["created"] != true {
		t.Fatalf("unexpected first login %v", body)
	}

	token := body["token"].(string)

	// A repeated signup must not hand out a token for the existing account.
	rec, body = ts.do(t, http.MethodPost, "/api/v1/accounts", "", []byte(`{"email":"student@example.com"}`), nil)
	expectCode(t, rec, body, http.StatusConflict, "account_exists")
	if _, ok := body["token"]; ok {
		t.Fatalf("token issued for existing account: %v", body)
	}
	rec, body = ts.do(t, http.MethodGet, "/api/v1/account", token, nil, nil)
	if rec.Code != http.StatusOK || body["balance"].(float64) != 50 {
		t.Fatalf("bonus granted twice or balance changed: %d %v", rec.Code, body)
	}

	rec, body = ts.do(t, http.MethodPost, "/api/v1/accounts", "", []byte(`{"email":"  "}`), nil)
	expectCode(t, rec, body, http.StatusBadRequest, "email_required")
	rec, body = ts.do(t, http.MethodPost, "/api/v1/accounts", "", []byte(`{`), nil)
	expectCode(t, rec, body, http.StatusBadRequest, "bad_request")
}

func TestPrivateRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, 0)

	rec, body := ts.do(t, http.MethodGet, "/api/v1/account", "", nil, nil)
	expectCode(t, rec, body, http.StatusUnauthorized, "unauthorized")

	rec, body = ts.do(t, http.MethodGet, "/api/v1/account", "not-a-token", nil, nil)
	expectCode(t, rec, body, http.StatusUnauthorized, "unauthorized")

	// A valid signature for an account that does not exist.
	orphan, err := ts.auth.IssueToken(999, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	rec, body = ts.do(t, http.MethodGet, "/api/v1/ledger", orphan, nil, nil)
	expectCode(t, rec, body, http.StatusUnauthorized, "unauthorized")

	token, _ := ts.login(t, "a@example.com")
	rec, body = ts.do(t, http.MethodGet, "/api/v1/account", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	consentState := body["consent"].(map[string]any)["state"]
	if consentState != string(consent.StateNotGiven) || body["explanation_cost"].(float64) != 10 {
		t.Fatalf("unexpected account body %v", body)
	}
}

func TestExplanationFlow(t *testing.T) {
	ts := newTestServer(t, 15)
	tokenA, _ := ts.login(t, "a@example.com")
	tokenB, _ := ts.login(t, "b@example.com")
	q1 := "/api/v1/questions/paper1-q1/explanation?subject=mathematics"
	q2 := "/api/v1/questions/paper1-q2/explanation"

	rec, body := ts.do(t, http.MethodGet, q1, tokenA, nil, nil)
	expectCode(t, rec, body, http.StatusForbidden, "consent_required")

	for _, tok := range []string{tokenA, tokenB} {
		rec, body = ts.do(t, http.MethodPost, "/api/v1/consent", tok, nil, nil)
		if rec.Code != http.StatusOK || body["state"] != string(consent.StateActive) {
			t.Fatalf("grant consent: %d %v", rec.Code, body)
		}
	}

	rec, body = ts.do(t, http.MethodGet, q1, tokenA, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["outcome"] != "billed" || body["charged"].(float64) != 10 || body["balance"].(float64) != 5 {
		t.Fatalf("unexpected billed body %v", body)
	}
	text := body["text"].(string)
	if !strings.Contains(text, "mathematics") {
		t.Fatalf("unexpected explanation %q", text)
	}

	rec, body = ts.do(t, http.MethodGet, q1, tokenA, nil, nil)
	if rec.Code != http.StatusOK || body["outcome"] != "cached" || body["charged"].(float64) != 0 || body["text"] != text {
		t.Fatalf("repeat view should be free: %d %v", rec.Code, body)
	}

	// A cannot afford q2 and nobody has produced it yet: no preview.
	rec, body = ts.do(t, http.MethodGet, q2, tokenA, nil, nil)
	expectCode(t, rec, body, http.StatusPaymentRequired, "insufficient_credits")
	if _, ok := body["preview"]; ok {
		t.Fatalf("preview offered before production: %v", body)
	}
	if body["balance"].(float64) != 5 || body["cost"].(float64) != 10 {
		t.Fatalf("unexpected insufficient body %v", body)
	}

	// Missing images and bad fingerprints cost nothing.
	rec, body = ts.do(t, http.MethodGet, "/api/v1/questions/paper9-q9/explanation", tokenB, nil, nil)
	expectCode(t, rec, body, http.StatusNotFound, "question_not_found")
	rec, body = ts.do(t, http.MethodGet, "/api/v1/questions/bad*fp/explanation", tokenB, nil, nil)
	expectCode(t, rec, body, http.StatusBadRequest, "invalid_fingerprint")

	rec, body = ts.do(t, http.MethodGet, q2, tokenB, nil, nil)
	if rec.Code != http.StatusOK || body["outcome"] != "billed" {
		t.Fatalf("B should pay for q2: %d %v", rec.Code, body)
	}

	// Now that q2 exists, A gets a truncated preview and is still not charged.
	rec, body = ts.do(t, http.MethodGet, q2, tokenA, nil, nil)
	expectCode(t, rec, body, http.StatusPaymentRequired, "insufficient_credits")
	preview, _ := body["preview"].(string)
	if preview == "" || !strings.HasSuffix(preview, "…") || len([]rune(preview)) != 13 {
		t.Fatalf("unexpected preview %q", preview)
	}
	if body["balance"].(float64) != 5 {
		t.Fatalf("preview charged the account: %v", body)
	}

	rec, body = ts.do(t, http.MethodGet, "/api/v1/ledger?limit=10", tokenA, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger: %d", rec.Code)
	}
	entries := body["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected bonus and one debit, got %v", entries)
	}
	if entries[0].(map[string]any)["kind"] != "usage" || entries[1].(map[string]any)["kind"] != "bonus" {
		t.Fatalf("unexpected ledger ordering %v", entries)
	}
}

func signedWebhook(t *testing.T, eventType, sessionID string, accountID, credits int64) ([]byte, map[string]string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   "evt_" + sessionID,
		"type": eventType,
		"data": map[string]any{"object": map[string]any{
			"id":             sessionID,
			"payment_status": "paid",
			"status":         "complete",
			"metadata": map[string]string{
				"account_id": strconv.FormatInt(accountID, 10),
				"credits":    strconv.FormatInt(credits, 10),
				"pack_id":    "standard",
			},
		}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	header := settlement.SignatureHeader(webhookSecret, time.Now(), payload)
	return payload, map[string]string{"Stripe-Signature": header}
}

func TestWebhookSettlesOnce(t *testing.T) {
	ts := newTestServer(t, 0)
	token, id := ts.login(t, "buyer@example.com")
	payload, header := signedWebhook(t, "checkout.session.completed", "cs_http_1", id, 250)

	rec, body := ts.do(t, http.MethodPost, "/api/v1/payments/webhook", "", payload, header)
	if rec.Code != http.StatusOK || body["state"] != "settled" || body["balance"].(float64) != 250 {
		t.Fatalf("first delivery: %d %v", rec.Code, body)
	}
	rec, body = ts.do(t, http.MethodPost, "/api/v1/payments/webhook", "", payload, header)
	if rec.Code != http.StatusOK || body["state"] != "already_settled" || body["balance"].(float64) != 250 {
		t.Fatalf("replay: %d %v", rec.Code, body)
	}

	rec, body = ts.do(t, http.MethodPost, "/api/v1/payments/webhook", "", payload, map[string]string{"Stripe-Signature": "t=1,v1=00"})
	expectCode(t, rec, body, http.StatusUnauthorized, "invalid_signature")

	garbage := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_x","payment_status":"paid"}}}`)
	rec, body = ts.do(t, http.MethodPost, "/api/v1/payments/webhook", "", garbage,
		map[string]string{"Stripe-Signature": settlement.SignatureHeader(webhookSecret, time.Now(), garbage)})
	expectCode(t, rec, body, http.StatusBadRequest, "malformed_notification")

	other, otherHeader := signedWebhook(t, "customer.created", "cs_other", id, 1)
	rec, body = ts.do(t, http.MethodPost, "/api/v1/payments/webhook", "", other, otherHeader)
	if rec.Code != http.StatusOK || body["state"] != "ignored" {
		t.Fatalf("unrelated event: %d %v", rec.Code, body)
	}

	rec, body = ts.do(t, http.MethodGet, "/api/v1/account", token, nil, nil)
	if rec.Code != http.StatusOK || body["balance"].(float64) != 250 {
		t.Fatalf("unexpected balance after webhooks: %v", body)
	}
}

func TestCheckoutWithoutProcessor(t *testing.T) {
	ts := newTestServer(t, 0)
	token, _ := ts.login(t, "c@example.com")

	rec, body := ts.do(t, http.MethodGet, "/api/v1/packs", "", nil, nil)
	if rec.Code != http.StatusOK || len(body["packs"].([]any)) == 0 {
		t.Fatalf("packs: %d %v", rec.Code, body)
	}

	rec, body = ts.do(t, http.MethodPost, "/api/v1/checkout", token, []byte(`{"pack_id":"standard"}`), nil)
	expectCode(t, rec, body, http.StatusServiceUnavailable, "processor_disabled")

	rec, body = ts.do(t, http.MethodGet, "/api/v1/payments/confirm", token, nil, nil)
	expectCode(t, rec, body, http.StatusBadRequest, "bad_request")

	rec, body = ts.do(t, http.MethodGet, "/api/v1/payments/confirm?session_id=cs_1", token, nil, nil)
	expectCode(t, rec, body, http.StatusServiceUnavailable, "processor_disabled")
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.login(t, "m@example.com")

	rec, body := ts.do(t, http.MethodGet, "/health", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	if status := body["status"]; status != string(health.StatusHealthy) && status != string(health.StatusDegraded) {
		t.Fatalf("unexpected health %v", body)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	ts.handler.ServeHTTP(mrec, req.WithContext(context.Background()))
	if mrec.Code != http.StatusOK || !strings.Contains(mrec.Body.String(), "papertutor_http_requests_total") {
		t.Fatalf("metrics missing http counter: %d", mrec.Code)
	}
}

func TestRateLimits(t *testing.T) {
	limiter := func(scope string, burst float64) *ratelimit.Limiter {
		l := ratelimit.NewLimiter(ratelimit.Config{
			Scope: scope,
			Rule:  ratelimit.Rule{PerMinute: 1, Burst: burst},
			Store: ratelimit.NewMemoryStoreWithCleanup(0, time.Now),
		})
		t.Cleanup(func() { _ = l.Close() })
		return l
	}
	ts := newTestServer(t, 0, func(d *Deps) {
		d.SignupLimit = limiter("signup", 2)
		d.ExplainLimit = limiter("explain", 1)
	})

	tokenA, _ := ts.login(t, "a@example.com")
	tokenB, _ := ts.login(t, "b@example.com")
	rec, body := ts.do(t, http.MethodPost, "/api/v1/accounts", "", []byte(`{"email":"c@example.com"}`), nil)
	expectCode(t, rec, body, http.StatusTooManyRequests, "rate_limited")
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}

	path := "/api/v1/questions/paper1-q1/explanation"
	rec, body = ts.do(t, http.MethodGet, path, tokenA, nil, nil)
	expectCode(t, rec, body, http.StatusForbidden, "consent_required")
	rec, body = ts.do(t, http.MethodGet, path, tokenA, nil, nil)
	expectCode(t, rec, body, http.StatusTooManyRequests, "rate_limited")

	// Limits are per account.
	rec, body = ts.do(t, http.MethodGet, path, tokenB, nil, nil)
	expectCode(t, rec, body, http.StatusForbidden, "consent_required")

	// Unauthenticated requests are rejected before the limiter runs.
	rec, body = ts.do(t, http.MethodGet, path, "", nil, nil)
	expectCode(t, rec, body, http.StatusUnauthorized, "unauthorized")
}
