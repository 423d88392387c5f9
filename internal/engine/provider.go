package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/face-memory/internal/identity"
)

var (
	// ErrProviderUnavailable is returned when the detection/embedding provider
	// is not loaded or cannot be reached.
	ErrProviderUnavailable = errors.New("face provider unavailable")
	// ErrNoFace is returned when an image holds no face above the confidence floor.
	ErrNoFace = errors.New("no qualifying face found")
)

// Frame is one decoded image together with its encoded bytes.
type Frame struct {
	Data  []byte
	Image image.Image
}

// DecodeFrame decodes JPEG, PNG, GIF or BMP data.
func DecodeFrame(data []byte) (*Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return &Frame{Data: data, Image: img}, nil
}

// Detection is a face found by the provider. Providers that compute the
// embedding together with detection fill Embedding.
type Detection struct {
	Box        identity.Box
	Confidence float64
	Embedding  []float32
}

// Provider detects faces and computes their embeddings.
type Provider interface {
	// Ready returns an error wrapping ErrProviderUnavailable when models are not loaded.
	Ready(ctx context.Context) error
	Detect(ctx context.Context, frame *Frame) ([]Detection, error)
	Embed(ctx context.Context, frame *Frame, d Detection) ([]float32, error)
}
