// Package similarity compares face embeddings under cosine similarity and L2 distance.
package similarity

import "math"

// Thresholds holds the two match thresholds. A pair of embeddings is similar
// when its cosine similarity is at least Cosine or its L2 distance is at most L2.
type Thresholds struct {
	Cosine float64 `yaml:"cosine" json:"cosine"`
	L2     float64 `yaml:"l2" json:"l2"`
}

var (
	// StrictThresholds are the original SFace recommended values.
	StrictThresholds = Thresholds{Cosine: 0.38, L2: 1.12}

	// LenientThresholds were calibrated to reduce false "unknown" results.
	LenientThresholds = Thresholds{Cosine: 0.33, L2: 1.20}
)

// Service compares embeddings with a fixed set of thresholds.
// It is safe for concurrent use.
type Service struct {
	thresholds Thresholds
}

// NewService creates a comparison service using the given thresholds.
func NewService(t Thresholds) *Service {
	return &Service{thresholds: t}
}

// Thresholds returns the configured thresholds.
func (s *Service) Thresholds() Thresholds {
	return s.thresholds
}

// Similar reports whether a and b match under the configured thresholds.
func (s *Service) Similar(a, b []float32) bool {
	return Similar(a, b, s.thresholds.Cosine, s.thresholds.L2)
}

// Confidence returns the cosine similarity and L2 distance between a and b.
func (s *Service) Confidence(a, b []float32) (cosine, l2 float64) {
	return Cosine(a, b), L2(a, b)
}

// Similar reports whether a and b match on either metric.
// Vectors of different length, empty vectors, zero-norm vectors and vectors
// containing NaN or Inf never match.
func Similar(a, b []float32, cosineThreshold, l2Threshold float64) bool {
	if !Valid(a) || !Valid(b) || len(a) != len(b) {
		return false
	}
	if Cosine(a, b) >= cosineThreshold {
		return true
	}
	return L2(a, b) <= l2Threshold
}

// Cosine computes the cosine similarity between two vectors.
// Returns a value between -1 and 1, or 0 when either vector has zero norm
// or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	return max(-1, min(1, similarity))
}

// L2 computes the Euclidean distance between two vectors.
// Returns +Inf when the lengths differ.
func L2(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Valid reports whether v is usable for matching: non-empty, finite and
// with a non-zero norm.
func Valid(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	var norm float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		norm += f * f
	}
	return norm > 0
}
