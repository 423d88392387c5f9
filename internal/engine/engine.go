// Package engine matches detected faces against the identity memory.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/facematch"
	"github.com/kozaktomas/face-memory/internal/identity"
	"github.com/kozaktomas/face-memory/internal/memory"
	"github.com/kozaktomas/face-memory/internal/metrics"
	"github.com/kozaktomas/face-memory/internal/similarity"
)

// Assignment phases.
const (
	PhaseTracked = "tracked"
	PhaseNamed   = "named"
	PhaseNew     = "new"
)

const (
	newIDPrefix   = "Face_"
	newIDAttempts = 5
)

// IdentityStore is the part of the memory store the engine needs.
type IdentityStore interface {
	Get(id string) (*identity.Identity, bool)
	Add(id string, embedding []float32, named bool) (*identity.Identity, error)
	Update(id string, args memory.UpdateArgs) (*identity.Identity, error)
	Merge(sourceID, targetID string) bool
	Nearest(embedding []float32, filter memory.Filter, accept func(a, b []float32) bool) (memory.Match, bool)
	Matching(embedding []float32, filter memory.Filter, accept func(a, b []float32) bool) []memory.Match
	AddThumbnail(id string, jpeg []byte) (string, error)
	RequestSave()
}

// Options configures an Engine.
type Options struct {
	DetectionThreshold float64
	ImportThreshold    float64
	// OverlapThreshold drops detections whose IoU with a more confident one exceeds it.
	OverlapThreshold    float64
	SaveRequestInterval time.Duration
	SaveRequestUpdates  int
	ThumbnailWidth      int
	ThumbnailHeight     int
	Logger              *zap.Logger
	Now                 func() time.Time
	// NewID generates ids for unseen faces.
	NewID func() string
}

// DefaultOptions returns the live-video defaults.
func DefaultOptions() Options {
	return Options{
		DetectionThreshold:  0.9,
		ImportThreshold:     0.85,
		OverlapThreshold:    0.3,
		SaveRequestInterval: 45 * time.Second,
		SaveRequestUpdates:  10,
		ThumbnailWidth:      96,
		ThumbnailHeight:     128,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.DetectionThreshold <= 0 {
		o.DetectionThreshold = d.DetectionThreshold
	}
	if o.ImportThreshold <= 0 {
		o.ImportThreshold = d.ImportThreshold
	}
	if o.OverlapThreshold <= 0 {
		o.OverlapThreshold = d.OverlapThreshold
	}
	if o.SaveRequestInterval <= 0 {
		o.SaveRequestInterval = d.SaveRequestInterval
	}
	if o.SaveRequestUpdates <= 0 {
		o.SaveRequestUpdates = d.SaveRequestUpdates
	}
	if o.ThumbnailWidth <= 0 || o.ThumbnailHeight <= 0 {
		o.ThumbnailWidth, o.ThumbnailHeight = d.ThumbnailWidth, d.ThumbnailHeight
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = NewFaceID
	}
}

// NewFaceID returns "Face_" followed by eight random hex characters.
func NewFaceID() string {
	return newIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Result describes one recognized face.
type Result struct {
	ID              string       `json:"id"`
	Box             identity.Box `json:"box"`
	Confidence      float64      `json:"confidence"`
	MatchScore      float64      `json:"match_score"`
	NamedPerson     bool         `json:"named_person"`
	AppearanceCount int          `json:"count"`
	FirstSeen       time.Time    `json:"first_seen"`
	LastSeen        time.Time    `json:"last_seen"`
	Thumbnail       string       `json:"thumbnail,omitempty"`
	Phase           string       `json:"phase"`
}

// Engine runs per-frame matching against an IdentityStore.
type Engine struct {
	store    IdentityStore
	provider Provider
	sim      *similarity.Service
	opts     Options
	log      *zap.Logger

	mu                  sync.Mutex
	updatesSinceRequest int
	lastRequest         time.Time
}

// New creates an engine.
func New(store IdentityStore, provider Provider, sim *similarity.Service, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		store:       store,
		provider:    provider,
		sim:         sim,
		opts:        opts,
		log:         opts.Logger.Named("engine"),
		lastRequest: opts.Now(),
	}
}

// Similarity returns the comparison service used for matching.
func (e *Engine) Similarity() *similarity.Service {
	return e.sim
}

// Recognize detects faces in frame, assigns each to an identity and returns
// the results, most recently seen first. When the provider is unavailable it
// returns no results and an error wrapping ErrProviderUnavailable.
func (e *Engine) Recognize(ctx context.Context, frame *Frame) ([]Result, error) {
	start := time.Now()
	defer func() { metrics.RecognizeDuration.Observe(time.Since(start).Seconds()) }()

	if err := e.ready(ctx); err != nil {
		metrics.FramesTotal.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	detections, err := e.provider.Detect(ctx, frame)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("error").Inc()
		e.log.Warn("face detection failed", zap.Error(err))
		return nil, fmt.Errorf("detecting faces: %w", err)
	}
	detections = e.qualifying(detections, e.opts.DetectionThreshold)
	if len(detections) == 0 {
		metrics.FramesTotal.WithLabelValues("no_faces").Inc()
		return []Result{}, nil
	}

	results := make([]Result, 0, len(detections))
	for _, d := range detections {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, ok := e.recognizeOne(ctx, frame, d)
		if ok {
			results = append(results, r)
		}
	}

	slices.SortStableFunc(results, func(a, b Result) int { return b.LastSeen.Compare(a.LastSeen) })
	if len(results) > 0 {
		e.noteUpdate()
	}
	metrics.FramesTotal.WithLabelValues("ok").Inc()
	return results, nil
}

func (e *Engine) ready(ctx context.Context) error {
	if err := e.provider.Ready(ctx); err != nil {
		e.log.Warn("face provider not ready", zap.Error(err))
		if errors.Is(err, ErrProviderUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// qualifying keeps detections at or above minConfidence and drops those
// overlapping a more confident detection. Provider order is preserved.
func (e *Engine) qualifying(detections []Detection, minConfidence float64) []Detection {
	idx := make([]int, 0, len(detections))
	for i, d := range detections {
		if d.Confidence >= minConfidence && d.Box.W > 0 && d.Box.H > 0 {
			idx = append(idx, i)
		}
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(detections[b].Confidence, detections[a].Confidence)
	})

	var kept []int
	for _, i := range idx {
		overlaps := false
		for _, k := range kept {
			if facematch.ComputeIoU(detections[i].Box.Corners(), detections[k].Box.Corners()) > e.opts.OverlapThreshold {
				overlaps = true
				break
			}
		}
		if overlaps {
			e.log.Debug("dropping overlapping detection", zap.Float64("confidence", detections[i].Confidence))
			continue
		}
		kept = append(kept, i)
	}
	slices.Sort(kept)

	out := make([]Detection, len(kept))
	for j, i := range kept {
		out[j] = detections[i]
	}
	return out
}

func (e *Engine) embedding(ctx context.Context, frame *Frame, d Detection) ([]float32, error) {
	if len(d.Embedding) > 0 {
		return d.Embedding, nil
	}
	return e.provider.Embed(ctx, frame, d)
}

func (e *Engine) recognizeOne(ctx context.Context, frame *Frame, d Detection) (Result, bool) {
	emb, err := e.embedding(ctx, frame, d)
	if err != nil {
		e.log.Warn("computing face embedding failed", zap.Error(err))
		return Result{}, false
	}
	if !similarity.Valid(emb) {
		e.log.Warn("skipping unusable face embedding", zap.Int("dim", len(emb)))
		return Result{}, false
	}

	id, phase, score := e.assign(emb)
	if phase == PhaseNew {
		id, err = e.createIdentity()
		if err != nil {
			e.log.Error("creating identity failed", zap.Error(err))
			return Result{}, false
		}
	}
	metrics.MatchesTotal.WithLabelValues(phase).Inc()

	box, conf := d.Box, d.Confidence
	p, err := e.store.Update(id, memory.UpdateArgs{
		Embedding:      emb,
		Box:            &box,
		Confidence:     &conf,
		MatchScore:     &score,
		IncrementCount: true,
	})
	if err != nil {
		// Merged or deleted concurrently.
		e.log.Warn("updating identity failed", zap.String("id", id), zap.Error(err))
		return Result{}, false
	}

	thumb := e.attachThumbnail(frame, id, box)
	return Result{
		ID:              p.ID,
		Box:             box,
		Confidence:      conf,
		MatchScore:      score,
		NamedPerson:     p.IsNamed,
		AppearanceCount: p.AppearanceCount,
		FirstSeen:       p.FirstSeen,
		LastSeen:        p.LastSeen,
		Thumbnail:       thumb,
		Phase:           phase,
	}, true
}

// assign runs the tracked-match and named-match phases.
func (e *Engine) assign(emb []float32) (id, phase string, score float64) {
	if m, ok := e.store.Nearest(emb, memory.AnyIdentity, e.sim.Similar); ok {
		return m.ID, PhaseTracked, m.Score
	}
	if m, ok := e.store.Nearest(emb, memory.NamedOnly, e.sim.Similar); ok {
		return m.ID, PhaseNamed, m.Score
	}
	return "", PhaseNew, 0
}

func (e *Engine) createIdentity() (string, error) {
	var err error
	for range newIDAttempts {
		id := e.opts.NewID()
		if _, err = e.store.Add(id, nil, false); err == nil {
			e.log.Info("new face", zap.String("id", id))
			return id, nil
		}
		if !errors.Is(err, memory.ErrExists) {
			return "", err
		}
	}
	return "", err
}

// attachThumbnail crops the face and stores it. Failures only cost the thumbnail.
func (e *Engine) attachThumbnail(frame *Frame, id string, box identity.Box) string {
	if frame == nil || frame.Image == nil {
		return ""
	}
	data, err := CropThumbnail(frame.Image, box, e.opts.ThumbnailWidth, e.opts.ThumbnailHeight)
	if err != nil {
		e.log.Debug("cropping thumbnail failed", zap.String("id", id), zap.Error(err))
		return ""
	}
	name, err := e.store.AddThumbnail(id, data)
	if err != nil {
		e.log.Warn("storing thumbnail failed", zap.String("id", id), zap.Error(err))
		return ""
	}
	return name
}

// noteUpdate counts a frame with updates and requests a save once enough
// time or enough updated frames have accumulated.
func (e *Engine) noteUpdate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updatesSinceRequest++
	now := e.opts.Now()
	if now.Sub(e.lastRequest) < e.opts.SaveRequestInterval && e.updatesSinceRequest < e.opts.SaveRequestUpdates {
		return
	}
	e.store.RequestSave()
	e.log.Debug("save requested", zap.Int("updates", e.updatesSinceRequest))
	e.updatesSinceRequest = 0
	e.lastRequest = now
}
