package loopback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/papertutor/papertutor/internal/adapter"
)

// Ensure Producer implements adapter.Producer.
var _ adapter.Producer = (*Producer)(nil)

// Producer fabricates a deterministic explanation so the billing pipeline can
// run locally without an API key.
type Producer struct{}

// New creates a loopback Producer.
func New() *Producer {
	return &Producer{}
}

// Produce describes the image instead of explaining it. Identical inputs give
// identical text.
func (p *Producer) Produce(ctx context.Context, req adapter.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(req.Image) == 0 {
		return "", adapter.ErrEmptyImage
	}
	sum := sha256.Sum256(req.Image)
	return fmt.Sprintf("[loopback] %s explanation for image %s (%d bytes)",
		adapter.NormalizeSubject(req.Subject), hex.EncodeToString(sum[:6]), len(req.Image)), nil
}
