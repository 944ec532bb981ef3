package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/papertutor/papertutor/internal/ledger"
	"github.com/papertutor/papertutor/internal/settlement"
)

const (
	defaultLedgerLimit = 20
	maxLedgerLimit     = 200
)

type createAccountRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// handleCreateAccount signs up a new account and returns a bearer token for
// it. An email that already has an account gets no token: nothing here
// proves the caller owns it, so existing accounts obtain tokens out of band
// (papertutor token).
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	acct, created, err := s.accounts.EnsureAccount(r.Context(), req.Email, req.DisplayName)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	if !created {
		s.debugf("signup refused for existing account id=%d", acct.ID)
		s.fail(w, errAccountExists, http.StatusConflict)
		return
	}

	var bonus int64
	if s.signupBonus > 0 && s.guard != nil {
		out, err := s.guard.GrantBonus(r.Context(), acct.ID, s.signupBonus, settlement.SignupBonusRef(acct.ID))
		if err != nil {
			s.logf("signup bonus failed account=%d: %v", acct.ID, err)
		} else if out.State == settlement.StateSettled {
			bonus = out.Credits
		}
	}

	token, err := s.auth.IssueToken(acct.ID, s.tokenTTL)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), acct.ID)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	s.debugf("account created id=%d bonus=%d", acct.ID, bonus)

	s.respondJSON(w, http.StatusCreated, map[string]any{
		"account":      acct,
		"token":        token,
		"created":      true,
		"balance":      balance,
		"signup_bonus": bonus,
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct := accountFromContext(r.Context())
	balance, err := s.ledger.Balance(r.Context(), acct.ID)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	status, err := s.consent.Check(r.Context(), acct.ID)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account":          acct,
		"balance":          balance,
		"consent":          status,
		"explanation_cost": s.explain.Cost(),
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	acct := accountFromContext(r.Context())
	limit := defaultLedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxLedgerLimit {
		limit = maxLedgerLimit
	}
	entries, err := s.ledger.ListRecent(r.Context(), acct.ID, limit)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleConsentStatus(w http.ResponseWriter, r *http.Request) {
	acct := accountFromContext(r.Context())
	status, err := s.consent.Check(r.Context(), acct.ID)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleConsentGrant(w http.ResponseWriter, r *http.Request) {
	acct := accountFromContext(r.Context())
	status, err := s.consent.Grant(r.Context(), acct.ID)
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}
