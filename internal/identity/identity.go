// Package identity defines the record kept for every face the system tracks.
package identity

import (
	"slices"
	"time"

	"github.com/kozaktomas/face-memory/internal/facematch"
)

// MaxThumbnails is the number of thumbnails kept per identity.
const MaxThumbnails = 5

// smoothingWeight is the share of a newly observed embedding in the running estimate.
const smoothingWeight = 0.3

// Box is a face bounding box in pixels.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Corners returns the box as [x1, y1, x2, y2].
func (b Box) Corners() []float64 {
	return facematch.RectToCorners(b.X, b.Y, b.W, b.H)
}

// Identity is one tracked or named face.
type Identity struct {
	ID              string
	Embedding       []float32 // exponentially smoothed, nil until first observation
	IsNamed         bool
	AppearanceCount int
	FirstSeen       time.Time
	LastSeen        time.Time
	LastBox         *Box
	LastConfidence  *float64
	LastMatchScore  float64
	Thumbnails      []string // oldest first
}

// New creates an identity first seen at now.
func New(id string, embedding []float32, named bool, now time.Time) *Identity {
	return &Identity{
		ID:        id,
		Embedding: slices.Clone(embedding),
		IsNamed:   named,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// ApplyEmbedding folds an observed embedding into the running estimate:
// new = 0.7*old + 0.3*incoming. The first observation is stored as is,
// as is any observation whose length differs from the current estimate.
func (p *Identity) ApplyEmbedding(incoming []float32) {
	if len(incoming) == 0 {
		return
	}
	if len(p.Embedding) == 0 || len(p.Embedding) != len(incoming) {
		p.Embedding = slices.Clone(incoming)
		return
	}
	for i := range p.Embedding {
		p.Embedding[i] = float32((1-smoothingWeight)*float64(p.Embedding[i]) + smoothingWeight*float64(incoming[i]))
	}
}

// Touch moves LastSeen forward to now. LastSeen never moves backwards.
func (p *Identity) Touch(now time.Time) {
	if now.After(p.LastSeen) {
		p.LastSeen = now
	}
}

// PushThumbnail appends a thumbnail filename and returns the names evicted
// to keep at most MaxThumbnails.
func (p *Identity) PushThumbnail(name string) []string {
	p.Thumbnails = append(p.Thumbnails, name)
	if len(p.Thumbnails) <= MaxThumbnails {
		return nil
	}
	n := len(p.Thumbnails) - MaxThumbnails
	evicted := slices.Clone(p.Thumbnails[:n])
	p.Thumbnails = slices.Clone(p.Thumbnails[n:])
	return evicted
}

// Clone returns a deep copy.
func (p *Identity) Clone() *Identity {
	c := *p
	c.Embedding = slices.Clone(p.Embedding)
	c.Thumbnails = slices.Clone(p.Thumbnails)
	if p.LastBox != nil {
		b := *p.LastBox
		c.LastBox = &b
	}
	if p.LastConfidence != nil {
		v := *p.LastConfidence
		c.LastConfidence = &v
	}
	return &c
}
