package identity

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Record is the snapshot representation of an Identity.
type Record struct {
	ID             string    `json:"id"`
	IsNamed        bool      `json:"is_named"`
	Count          int       `json:"count"`
	FirstSeen      string    `json:"first_seen"`
	LastSeen       string    `json:"last_seen"`
	Feature        []float64 `json:"feature"`
	LastBox        []int     `json:"last_box"`
	LastConfidence *float64  `json:"last_confidence"`
	LastMatchScore float64   `json:"last_match_score"`
	Thumbnails     []string  `json:"thumbnails"`
	ThumbnailCount int       `json:"thumbnail_count"`
}

// Anomaly describes a value that could not be represented as is and was coerced.
type Anomaly struct {
	ID    string
	Field string
	Value string // string form of the original value
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s.%s=%s", a.ID, a.Field, a.Value)
}

// naiveTimestampLayout matches ISO-8601 timestamps without a zone offset,
// as written by older snapshot files.
const naiveTimestampLayout = "2006-01-02T15:04:05.999999999"

// ToRecord converts an identity into its snapshot form. It is the only path
// into the snapshot format: values JSON cannot carry (NaN, Inf) are coerced
// and reported as anomalies instead of failing the snapshot.
func ToRecord(p *Identity) (Record, []Anomaly) {
	var anomalies []Anomaly
	note := func(field string, v any) {
		anomalies = append(anomalies, Anomaly{ID: p.ID, Field: field, Value: fmt.Sprint(v)})
	}

	r := Record{
		ID:             p.ID,
		IsNamed:        p.IsNamed,
		Count:          p.AppearanceCount,
		FirstSeen:      p.FirstSeen.Format(time.RFC3339Nano),
		LastSeen:       p.LastSeen.Format(time.RFC3339Nano),
		LastMatchScore: p.LastMatchScore,
		Thumbnails:     slices.Clone(p.Thumbnails),
		ThumbnailCount: len(p.Thumbnails),
	}
	if r.Thumbnails == nil {
		r.Thumbnails = []string{}
	}

	if p.Embedding != nil {
		r.Feature = make([]float64, len(p.Embedding))
		for i, x := range p.Embedding {
			f := float64(x)
			if !finite(f) {
				note(fmt.Sprintf("feature[%d]", i), f)
				f = 0
			}
			r.Feature[i] = f
		}
	}
	if p.LastBox != nil {
		r.LastBox = []int{p.LastBox.X, p.LastBox.Y, p.LastBox.W, p.LastBox.H}
	}
	if p.LastConfidence != nil {
		if finite(*p.LastConfidence) {
			v := *p.LastConfidence
			r.LastConfidence = &v
		} else {
			note("last_confidence", *p.LastConfidence)
		}
	}
	if !finite(r.LastMatchScore) {
		note("last_match_score", r.LastMatchScore)
		r.LastMatchScore = 0
	}
	return r, anomalies
}

// FromRecord rebuilds an identity from its snapshot form. Embeddings are
// narrowed to float32; values outside float32 range and malformed timestamps
// are coerced and reported. now stands in for missing timestamps.
func FromRecord(r Record, now time.Time) (*Identity, []Anomaly) {
	var anomalies []Anomaly
	note := func(field string, v any) {
		anomalies = append(anomalies, Anomaly{ID: r.ID, Field: field, Value: fmt.Sprint(v)})
	}

	p := &Identity{
		ID:              r.ID,
		IsNamed:         r.IsNamed,
		AppearanceCount: r.Count,
		LastMatchScore:  r.LastMatchScore,
		Thumbnails:      slices.Clone(r.Thumbnails),
	}
	if p.AppearanceCount < 0 {
		note("count", r.Count)
		p.AppearanceCount = 0
	}

	var err error
	if p.FirstSeen, err = ParseTimestamp(r.FirstSeen); err != nil {
		note("first_seen", r.FirstSeen)
		p.FirstSeen = now
	}
	if p.LastSeen, err = ParseTimestamp(r.LastSeen); err != nil {
		note("last_seen", r.LastSeen)
		p.LastSeen = p.FirstSeen
	}
	if p.LastSeen.Before(p.FirstSeen) {
		note("last_seen", r.LastSeen)
		p.LastSeen = p.FirstSeen
	}

	if r.Feature != nil {
		p.Embedding = make([]float32, len(r.Feature))
		for i, f := range r.Feature {
			if !finite(f) || math.Abs(f) > math.MaxFloat32 {
				note(fmt.Sprintf("feature[%d]", i), f)
				continue
			}
			p.Embedding[i] = float32(f)
		}
	}
	if len(r.LastBox) == 4 {
		p.LastBox = &Box{X: r.LastBox[0], Y: r.LastBox[1], W: r.LastBox[2], H: r.LastBox[3]}
	} else if r.LastBox != nil {
		note("last_box", r.LastBox)
	}
	if r.LastConfidence != nil {
		v := *r.LastConfidence
		p.LastConfidence = &v
	}
	return p, anomalies
}

// ParseTimestamp parses an ISO-8601 timestamp. Timestamps without an offset
// are interpreted in the local zone.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(naiveTimestampLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
