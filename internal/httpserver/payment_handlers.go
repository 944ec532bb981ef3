package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

func (s *Server) handlePacks(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.guard.Catalog())
}

type checkoutRequest struct {
	PackID string `json:"pack_id"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	acct := accountFromContext(r.Context())
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	session, err := s.guard.CreateCheckout(r.Context(), acct.ID, strings.TrimSpace(req.PackID))
	if err != nil {
		s.fail(w, err, http.StatusBadGateway)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"url":        session.URL,
	})
}

// handleWebhook authenticates with the signature header, not a bearer token.
// Already-settled and ignored events still answer 200 so the processor
// stops retrying them.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("unreadable webhook body"))
		return
	}
	out, err := s.guard.HandleWebhook(r.Context(), r.Header.Get("Stripe-Signature"), payload)
	if err != nil {
		s.debugf("webhook rejected: %v", err)
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	acct := accountFromContext(r.Context())
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("session_id required"))
		return
	}
	out, err := s.guard.Confirm(r.Context(), sessionID, acct.ID)
	if err != nil {
		s.fail(w, err, http.StatusBadGateway)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"state":   out.State,
		"credits": out.Credits,
		"balance": out.Balance,
	})
}
