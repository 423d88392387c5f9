package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/engine"
)

// RecognizeHandler runs frames through the matching engine.
type RecognizeHandler struct {
	engine   *engine.Engine
	maxBytes int64
	log      *zap.Logger
}

// NewRecognizeHandler creates a new recognize handler
func NewRecognizeHandler(e *engine.Engine, maxBytes int64, log *zap.Logger) *RecognizeHandler {
	return &RecognizeHandler{engine: e, maxBytes: maxBytes, log: log}
}

// RecognizeResponse is the result of one frame.
type RecognizeResponse struct {
	Faces []engine.Result `json:"faces"`
	Count int             `json:"count"`
}

// Recognize handles POST /api/v1/recognize with the frame as body.
func (h *RecognizeHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	frame, ok := readFrame(w, r, h.maxBytes)
	if !ok {
		return
	}

	results, err := h.engine.Recognize(r.Context(), frame)
	if err != nil {
		h.log.Warn("recognition failed", zap.Error(err))
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RecognizeResponse{Faces: results, Count: len(results)})
}
