package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/papertutor/papertutor/internal/explain"
)

func (s *Server) handleExplanation(w http.ResponseWriter, r *http.Request) {
	acct := accountFromContext(r.Context())
	req := explain.Request{
		AccountID:   acct.ID,
		Fingerprint: chi.URLParam(r, "fingerprint"),
		Subject:     r.URL.Query().Get("subject"),
	}
	res, err := s.explain.Explain(r.Context(), req)
	if errors.Is(err, explain.ErrInsufficientCredits) {
		balance := res.Balance
		s.respondJSON(w, http.StatusPaymentRequired, errorBody{
			Error:   err.Error(),
			Code:    "insufficient_credits",
			Preview: res.Text,
			Balance: &balance,
			Cost:    s.explain.Cost(),
		})
		return
	}
	if err != nil {
		s.fail(w, err, http.StatusInternalServerError)
		return
	}
	s.debugf("explanation account=%d fingerprint=%s outcome=%s charged=%d", acct.ID, req.Fingerprint, res.Outcome, res.Charged)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"fingerprint": req.Fingerprint,
		"outcome":     res.Outcome,
		"text":        res.Text,
		"charged":     res.Charged,
		"balance":     res.Balance,
	})
}
