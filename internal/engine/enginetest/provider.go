// Package enginetest provides an in-memory face provider for tests.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"slices"
	"sync"

	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/identity"
)

// Provider returns a scripted list of detections for every frame.
type Provider struct {
	mu         sync.Mutex
	faces      []engine.Detection
	ready      bool
	detectErr  error
	split      bool
	embedCalls int
}

// NewProvider returns a ready provider that detects nothing.
func NewProvider() *Provider {
	return &Provider{ready: true}
}

// SetFaces sets the detections returned for the next frames.
func (p *Provider) SetFaces(faces ...engine.Detection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faces = slices.Clone(faces)
}

// SetReady toggles model availability.
func (p *Provider) SetReady(ready bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = ready
}

// SetDetectError makes Detect fail with err.
func (p *Provider) SetDetectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detectErr = err
}

// SplitEmbedding makes Detect omit embeddings so the engine has to call Embed.
func (p *Provider) SplitEmbedding(split bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.split = split
}

// EmbedCalls returns how many times Embed was called.
func (p *Provider) EmbedCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedCalls
}

func (p *Provider) Ready(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return fmt.Errorf("%w: models not loaded", engine.ErrProviderUnavailable)
	}
	return nil
}

func (p *Provider) Detect(context.Context, *engine.Frame) ([]engine.Detection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detectErr != nil {
		return nil, p.detectErr
	}
	out := make([]engine.Detection, len(p.faces))
	for i, f := range p.faces {
		out[i] = f
		out[i].Embedding = slices.Clone(f.Embedding)
		if p.split {
			out[i].Embedding = nil
		}
	}
	return out, nil
}

func (p *Provider) Embed(_ context.Context, _ *engine.Frame, d engine.Detection) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.embedCalls++
	for _, f := range p.faces {
		if f.Box == d.Box {
			return slices.Clone(f.Embedding), nil
		}
	}
	return nil, fmt.Errorf("no face at %+v", d.Box)
}

// Face builds a detection.
func Face(x, y, w, h int, confidence float64, embedding ...float32) engine.Detection {
	return engine.Detection{
		Box:        identity.Box{X: x, Y: y, W: w, H: h},
		Confidence: confidence,
		Embedding:  embedding,
	}
}

// Frame returns a decoded gray frame of the given size.
func Frame(width, height int) *engine.Frame {
	data := JPEG(width, height)
	frame, err := engine.DecodeFrame(data)
	if err != nil {
		panic(err)
	}
	return frame
}

// JPEG returns an encoded gray image of the given size.
func JPEG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, color.Gray{Y: uint8((x + y) % 256)})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
