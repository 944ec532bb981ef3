package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/papertutor/papertutor/internal/artifact"
	"github.com/papertutor/papertutor/internal/auth"
	"github.com/papertutor/papertutor/internal/consent"
	"github.com/papertutor/papertutor/internal/explain"
	"github.com/papertutor/papertutor/internal/health"
	"github.com/papertutor/papertutor/internal/ledger"
	"github.com/papertutor/papertutor/internal/logging"
	"github.com/papertutor/papertutor/internal/metrics"
	"github.com/papertutor/papertutor/internal/ratelimit"
	"github.com/papertutor/papertutor/internal/settlement"
	"github.com/papertutor/papertutor/internal/userstore"
)

const maxWebhookBytes = 1 << 20

// Deps lists the collaborators the HTTP layer serves. Health, Metrics and
// the limiters are optional.
type Deps struct {
	Accounts userstore.Store
	Ledger   ledger.Store
	Auth     *auth.Manager
	Consent  *consent.Gate
	Explain  *explain.Service
	Guard    *settlement.Guard
	Health   *health.Checker
	Metrics  *metrics.Metrics

	ExplainLimit *ratelimit.Limiter // per account
	SignupLimit  *ratelimit.Limiter // per client address

	// SignupBonus is credited once when an account is first created.
	SignupBonus int64
	TokenTTL    time.Duration
}

// Server exposes the papertutor REST API.
type Server struct {
	accounts    userstore.Store
	ledger      ledger.Store
	auth        *auth.Manager
	consent     *consent.Gate
	explain     *explain.Service
	guard       *settlement.Guard
	health      *health.Checker
	metrics     *metrics.Metrics
	explainRL   *ratelimit.Limiter
	signupRL    *ratelimit.Limiter
	signupBonus int64
	tokenTTL    time.Duration
	// logging
	logger   *log.Logger
	logLevel logging.Level
}

// New constructs a Server with the required dependencies.
func New(deps Deps) *Server {
	return &Server{
		accounts:    deps.Accounts,
		ledger:      deps.Ledger,
		auth:        deps.Auth,
		consent:     deps.Consent,
		explain:     deps.Explain,
		guard:       deps.Guard,
		health:      deps.Health,
		metrics:     deps.Metrics,
		explainRL:   deps.ExplainLimit,
		signupRL:    deps.SignupLimit,
		signupBonus: deps.SignupBonus,
		tokenTTL:    deps.TokenTTL,
		logLevel:    logging.LevelInfo,
	}
}

// SetLogger configures server-level logger and verbosity ("debug", "info", ...).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = logging.ParseLevel(level)
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) isDebug() bool { return s.logLevel == logging.LevelDebug }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.With(ratelimit.Middleware(s.signupRL, ratelimit.ClientAddress, s.denyRateLimited("signup"))).
			Post("/accounts", s.handleCreateAccount)
		api.Get("/packs", s.handlePacks)
		api.Post("/payments/webhook", s.handleWebhook)

		api.Group(func(private chi.Router) {
			private.Use(s.sessionMiddleware)
			private.Get("/account", s.handleAccount)
			private.Get("/ledger", s.handleLedger)
			private.Get("/consent", s.handleConsentStatus)
			private.Post("/consent", s.handleConsentGrant)
			private.With(ratelimit.Middleware(s.explainRL, accountKey, s.denyRateLimited("explain"))).
				Get("/questions/{fingerprint}/explanation", s.handleExplanation)
			private.Post("/checkout", s.handleCheckout)
			private.Get("/payments/confirm", s.handleConfirm)
		})
	})
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.isDebug() {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": health.StatusHealthy})
		return
	}
	s.health.Handler().ServeHTTP(w, r)
}

type accountContextKey struct{}

func accountFromContext(ctx context.Context) *userstore.Account {
	acct, _ := ctx.Value(accountContextKey{}).(*userstore.Account)
	return acct
}

var (
	errUnauthorized  = errors.New("missing or invalid bearer token")
	errAccountExists = errors.New("an account with this email already exists")
)

func accountKey(r *http.Request) string {
	if acct := accountFromContext(r.Context()); acct != nil {
		return "account:" + strconv.FormatInt(acct.ID, 10)
	}
	return ""
}

func (s *Server) denyRateLimited(scope string) ratelimit.DenyFunc {
	return func(w http.ResponseWriter, r *http.Request, d ratelimit.Decision) {
		s.metrics.RateLimited(scope)
		s.respondJSON(w, http.StatusTooManyRequests, errorBody{
			Error: "too many requests, retry after " + w.Header().Get("Retry-After") + "s",
			Code:  "rate_limited",
		})
	}
}

func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acct, err := s.authenticateRequest(r)
		if err != nil {
			s.debugf("auth rejected path=%s err=%v", r.URL.Path, err)
			s.respondError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), accountContextKey{}, acct)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticateRequest(r *http.Request) (*userstore.Account, error) {
	if s.auth == nil || s.accounts == nil {
		return nil, errors.New("authentication unavailable")
	}
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, errUnauthorized
	}
	accountID, err := s.auth.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return s.accounts.GetAccount(r.Context(), accountID)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Preview string `json:"preview,omitempty"`
	Balance *int64 `json:"balance,omitempty"`
	Cost    int64  `json:"cost,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	_, code := classify(err)
	if code == "" {
		code = codeForStatus(status)
	}
	s.respondJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

// fail maps err onto its status and code. Errors outside the taxonomy get
// fallback.
func (s *Server) fail(w http.ResponseWriter, err error, fallback int) {
	status, _ := classify(err)
	if status == 0 {
		status = fallback
	}
	if status >= http.StatusInternalServerError {
		s.logf("request failed status=%d err=%v", status, err)
	}
	s.respondError(w, status, err)
}

// classify is the single mapping from domain errors to HTTP. It returns a
// zero status for errors it does not know.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, explain.ErrInsufficientCredits), errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, consent.ErrConsentExpired):
		return http.StatusForbidden, "consent_expired"
	case errors.Is(err, consent.ErrConsentRequired):
		return http.StatusForbidden, "consent_required"
	case errors.Is(err, artifact.ErrInvalidFingerprint):
		return http.StatusBadRequest, "invalid_fingerprint"
	case errors.Is(err, explain.ErrQuestionNotFound):
		return http.StatusNotFound, "question_not_found"
	case errors.Is(err, artifact.ErrProductionFailed):
		return http.StatusBadGateway, "production_failed"
	case errors.Is(err, settlement.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, settlement.ErrMalformedNotification):
		return http.StatusBadRequest, "malformed_notification"
	case errors.Is(err, settlement.ErrUnknownPack):
		return http.StatusBadRequest, "unknown_pack"
	case errors.Is(err, settlement.ErrSessionMismatch):
		return http.StatusConflict, "session_mismatch"
	case errors.Is(err, settlement.ErrProcessorDisabled):
		return http.StatusServiceUnavailable, "processor_disabled"
	case errors.Is(err, errUnauthorized), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, userstore.ErrEmailRequired):
		return http.StatusBadRequest, "email_required"
	case errors.Is(err, userstore.ErrNotFound):
		return http.StatusNotFound, "account_not_found"
	}
	return 0, ""
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}
