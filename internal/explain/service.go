// Package explain serves AI explanations for exam questions. It strings the
// consent gate, the access meter, the ledger and the shared artifact cache
// together in the one order that never charges for an explanation that was
// not produced.
package explain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"unicode/utf8"

	"github.com/papertutor/papertutor/internal/access"
	"github.com/papertutor/papertutor/internal/adapter"
	"github.com/papertutor/papertutor/internal/artifact"
	"github.com/papertutor/papertutor/internal/ledger"
	"github.com/papertutor/papertutor/internal/metrics"
)

// ErrInsufficientCredits is returned when the balance does not cover the
// cost of a first view. The accompanying Result may carry a preview.
var ErrInsufficientCredits = errors.New("explain: insufficient credits")

const (
	DefaultCost         int64 = 10
	DefaultPreviewChars       = 280
)

// Outcome says how the text in a Result was obtained.
type Outcome string

const (
	OutcomeCached  Outcome = "cached"  // already paid for; free
	OutcomeBilled  Outcome = "billed"  // paid for by this request
	OutcomePreview Outcome = "preview" // truncated, nothing recorded
)

// Request asks for the explanation of one question.
type Request struct {
	AccountID   int64
	Fingerprint string
	Subject     string
}

// Result is returned for successful requests and, with a preview or just the
// balance, alongside ErrInsufficientCredits.
type Result struct {
	Outcome  Outcome `json:"outcome,omitempty"`
	Text     string  `json:"text,omitempty"`
	Charged  int64   `json:"charged"`
	Balance  int64   `json:"balance"`
	Produced bool    `json:"produced"`
}

// Gate is the consent check.
type Gate interface {
	Require(ctx context.Context, accountID int64) error
}

// Balances reads the ledger projection.
type Balances interface {
	Balance(ctx context.Context, accountID int64) (int64, error)
}

// Config tunes the service.
type Config struct {
	Cost         int64 // credits per first view; 0 means DefaultCost
	PreviewChars int   // 0 means DefaultPreviewChars
	Metrics      *metrics.Metrics
	Logger       *log.Logger
}

// Service answers explanation requests.
type Service struct {
	gate     Gate
	meter    *access.Meter
	cache    *artifact.Cache
	balances Balances
	images   ImageSource
	producer adapter.Producer
	cost     int64
	preview  int
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// NewService wires the collaborators.
func NewService(gate Gate, meter *access.Meter, cache *artifact.Cache, balances Balances, images ImageSource, producer adapter.Producer, cfg Config) *Service {
	if cfg.Cost == 0 {
		cfg.Cost = DefaultCost
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = DefaultPreviewChars
	}
	return &Service{
		gate:     gate,
		meter:    meter,
		cache:    cache,
		balances: balances,
		images:   images,
		producer: producer,
		cost:     cfg.Cost,
		preview:  cfg.PreviewChars,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Cost returns the price of a first view.
func (s *Service) Cost() int64 { return s.cost }

// Explain returns the explanation for req.Fingerprint.
//
// Consent is checked first and blocks everything else. An account that
// already paid gets its recorded text for free. Otherwise the balance must
// cover the cost before anything is produced; when it does not, a preview
// is returned only if the explanation already exists. The account is debited
// after production succeeds, never before.
func (s *Service) Explain(ctx context.Context, req Request) (Result, error) {
	if err := artifact.ValidateFingerprint(req.Fingerprint); err != nil {
		return Result{}, err
	}
	if err := s.gate.Require(ctx, req.AccountID); err != nil {
		s.metrics.AccessOutcome("consent_required")
		return Result{}, err
	}

	res, err := s.meter.Resolve(ctx, req.AccountID, req.Fingerprint)
	if err != nil {
		return Result{}, err
	}
	if res.Status == access.StatusCached {
		return s.finish(ctx, req, Result{Outcome: OutcomeCached, Text: res.Text})
	}

	balance, err := s.balances.Balance(ctx, req.AccountID)
	if err != nil {
		return Result{}, fmt.Errorf("load balance: %w", err)
	}
	if balance < s.cost {
		return s.insufficient(ctx, req, balance, nil)
	}

	entry, fresh, err := s.cache.GetOrProduce(ctx, req.Fingerprint, s.produceFunc(req))
	if err != nil {
		s.metrics.AccessOutcome("production_failed")
		return Result{}, err
	}

	res, err = s.meter.Bill(ctx, req.AccountID, req.Fingerprint, entry.Text, s.cost)
	switch {
	case err == nil:
	case errors.Is(err, access.ErrAccessNotRecorded):
		// Debited, record lost; an anomaly was flagged and the viewer keeps
		// what they paid for.
		s.logf("account=%d fingerprint=%s delivered without access record: %v", req.AccountID, req.Fingerprint, err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		// The balance dropped while producing.
		return s.insufficient(ctx, req, -1, &entry)
	default:
		return Result{}, err
	}

	out := Result{Text: res.Text, Produced: fresh}
	if res.Status == access.StatusBilled {
		out.Outcome = OutcomeBilled
		out.Charged = s.cost
	} else {
		out.Outcome = OutcomeCached
	}
	return s.finish(ctx, req, out)
}

func (s *Service) produceFunc(req Request) artifact.ProduceFunc {
	return func(ctx context.Context) (string, error) {
		image, mediaType, err := s.images.Load(ctx, req.Fingerprint)
		if err != nil {
			return "", err
		}
		return s.producer.Produce(ctx, adapter.Request{Image: image, MediaType: mediaType, Subject: req.Subject})
	}
}

// insufficient builds the low-credit response. A preview is offered only
// when the explanation already exists; nothing is produced for it.
func (s *Service) insufficient(ctx context.Context, req Request, balance int64, known *artifact.Entry) (Result, error) {
	if balance < 0 {
		b, err := s.balances.Balance(ctx, req.AccountID)
		if err != nil {
			return Result{}, fmt.Errorf("load balance: %w", err)
		}
		balance = b
	}
	out := Result{Balance: balance}

	entry := known
	if entry == nil {
		var err error
		if entry, err = s.cache.Peek(ctx, req.Fingerprint); err != nil {
			return Result{}, err
		}
	}
	if entry != nil {
		out.Outcome = OutcomePreview
		out.Text = Truncate(entry.Text, s.preview)
		s.metrics.AccessOutcome(string(OutcomePreview))
	} else {
		s.metrics.AccessOutcome("insufficient_credits")
	}
	return out, ErrInsufficientCredits
}

func (s *Service) finish(ctx context.Context, req Request, out Result) (Result, error) {
	balance, err := s.balances.Balance(ctx, req.AccountID)
	if err != nil {
		return Result{}, fmt.Errorf("load balance: %w", err)
	}
	out.Balance = balance
	s.metrics.AccessOutcome(string(out.Outcome))
	return out, nil
}

// Truncate cuts text to at most n runes and marks the cut with an ellipsis.
func Truncate(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "…"
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
