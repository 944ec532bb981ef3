// Package auth issues and validates HMAC-signed bearer tokens that carry an
// account id.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// DefaultTTL applies when IssueToken is called with a zero ttl.
const DefaultTTL = 24 * time.Hour

// Manager signs and verifies session tokens.
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) *Manager {
	if secret == "" {
		panic("auth manager requires non-empty secret")
	}
	return &Manager{secret: []byte(secret), now: time.Now}
}

// IssueToken issues a signed session token for the account.
func (m *Manager) IssueToken(accountID int64, ttl time.Duration) (string, error) {
	if accountID <= 0 {
		return "", errors.New("auth: account id required")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	expires := m.now().Add(ttl).Unix()
	payload := fmt.Sprintf("%d|%d", accountID, expires)
	sig := m.sign([]byte(payload))
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString([]byte(payload)), base64.RawURLEncoding.EncodeToString(sig))
	return token, nil
}

// ValidateToken validates and returns the embedded account id.
func (m *Manager) ValidateToken(token string) (int64, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: format", ErrInvalidToken)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return 0, fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%w: signature encoding", ErrInvalidToken)
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return 0, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}
	account, expiry, ok := strings.Cut(string(payloadBytes), "|")
	if !ok {
		return 0, fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	accountID, err := strconv.ParseInt(account, 10, 64)
	if err != nil || accountID <= 0 {
		return 0, fmt.Errorf("%w: account", ErrInvalidToken)
	}
	exp, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: expiry", ErrInvalidToken)
	}
	if m.now().Unix() > exp {
		return 0, ErrTokenExpired
	}
	return accountID, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
