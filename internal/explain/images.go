package explain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/papertutor/papertutor/internal/artifact"
)

// ErrQuestionNotFound means no image exists for the fingerprint.
var ErrQuestionNotFound = errors.New("explain: question image not found")

// ImageSource loads the question image behind a fingerprint.
type ImageSource interface {
	Load(ctx context.Context, fingerprint string) (image []byte, mediaType string, err error)
}

// DirImages serves <Dir>/<fingerprint>.png, falling back to .jpg and .jpeg.
type DirImages struct {
	Dir string
}

var imageExtensions = []struct {
	ext       string
	mediaType string
}{
	{".png", "image/png"},
	{".jpg", "image/jpeg"},
	{".jpeg", "image/jpeg"},
}

// Load reads the image file. The fingerprint charset keeps the path inside
// Dir.
func (d DirImages) Load(ctx context.Context, fingerprint string) ([]byte, string, error) {
	if err := artifact.ValidateFingerprint(fingerprint); err != nil {
		return nil, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	for _, candidate := range imageExtensions {
		raw, err := os.ReadFile(filepath.Join(d.Dir, fingerprint+candidate.ext))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("read question image: %w", err)
		}
		return raw, candidate.mediaType, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrQuestionNotFound, fingerprint)
}
