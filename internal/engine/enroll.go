package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/facematch"
	"github.com/kozaktomas/face-memory/internal/memory"
	"github.com/kozaktomas/face-memory/internal/metrics"
	"github.com/kozaktomas/face-memory/internal/similarity"
)

// RegisterIdentity assigns the most confident face in frame to id, creating
// a named identity or updating the existing one, and merges every unnamed
// identity that matches the face into it. It returns false with ErrNoFace
// when the frame holds no face above the detection threshold.
func (e *Engine) RegisterIdentity(ctx context.Context, frame *Frame, id string) (bool, error) {
	if id == "" {
		return false, errors.New("identity id must not be empty")
	}
	return e.enroll(ctx, frame, id, e.opts.DetectionThreshold, true)
}

// ImportIdentity enrolls a curated photo under name. It uses the lower
// import confidence floor, and importing a name that already exists refines
// its embedding without inflating its appearance count. It returns the id
// the face was stored under.
func (e *Engine) ImportIdentity(ctx context.Context, data []byte, name string) (string, bool, error) {
	id := facematch.NormalizeName(name)
	if id == "" {
		return "", false, errors.New("name must not be empty")
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		return "", false, err
	}
	ok, err := e.enroll(ctx, frame, id, e.opts.ImportThreshold, false)
	return id, ok, err
}

func (e *Engine) enroll(ctx context.Context, frame *Frame, id string, minConfidence float64, countRepeats bool) (bool, error) {
	if err := e.ready(ctx); err != nil {
		return false, err
	}
	detections, err := e.provider.Detect(ctx, frame)
	if err != nil {
		e.log.Warn("face detection failed", zap.String("id", id), zap.Error(err))
		return false, fmt.Errorf("detecting faces: %w", err)
	}

	var best *Detection
	for i := range detections {
		d := &detections[i]
		if d.Confidence < minConfidence || d.Box.W <= 0 || d.Box.H <= 0 {
			continue
		}
		if best == nil || d.Confidence > best.Confidence {
			best = d
		}
	}
	if best == nil {
		e.log.Info("no qualifying face for enrollment", zap.String("id", id), zap.Int("detections", len(detections)))
		return false, ErrNoFace
	}

	emb, err := e.embedding(ctx, frame, *best)
	if err != nil {
		e.log.Warn("computing face embedding failed", zap.String("id", id), zap.Error(err))
		return false, fmt.Errorf("computing embedding: %w", err)
	}
	if !similarity.Valid(emb) {
		return false, ErrNoFace
	}

	box, conf := best.Box, best.Confidence
	args := memory.UpdateArgs{
		Embedding:      emb,
		Box:            &box,
		Confidence:     &conf,
		IncrementCount: true,
		MarkNamed:      true,
	}
	if _, exists := e.store.Get(id); exists {
		args.IncrementCount = countRepeats
	} else if _, err := e.store.Add(id, nil, true); errors.Is(err, memory.ErrExists) {
		// a concurrent enrollment created it first
		args.IncrementCount = countRepeats
	} else if err != nil {
		return false, fmt.Errorf("adding identity: %w", err)
	}
	if _, err := e.store.Update(id, args); err != nil {
		return false, fmt.Errorf("updating identity: %w", err)
	}
	e.attachThumbnail(frame, id, box)

	for _, m := range e.store.Matching(emb, memory.UnnamedOnly, e.sim.Similar) {
		if m.ID == id {
			continue
		}
		if e.store.Merge(m.ID, id) {
			metrics.MergesTotal.WithLabelValues("registration").Inc()
			e.log.Info("merged tracked face into named identity",
				zap.String("source", m.ID), zap.String("target", id), zap.Float64("score", m.Score))
		}
	}

	e.store.RequestSave()
	e.log.Info("identity enrolled", zap.String("id", id), zap.Float64("confidence", conf))
	return true, nil
}
