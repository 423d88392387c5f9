package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/memory"
)

// StatsHandler reports on and maintains the identity memory.
type StatsHandler struct {
	store              *memory.Store
	duplicateThreshold float64
	log                *zap.Logger
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(store *memory.Store, duplicateThreshold float64, log *zap.Logger) *StatsHandler {
	return &StatsHandler{store: store, duplicateThreshold: duplicateThreshold, log: log}
}

// Get handles GET /api/v1/stats.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.store.Stats())
}

// Save handles POST /api/v1/save. The save is scheduled for the next check
// unless ?wait=true asks to write synchronously.
func (h *StatsHandler) Save(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := h.store.Save(); err != nil {
			h.log.Error("manual save failed", zap.Error(err))
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"success": true, "save": h.store.Stats().Save})
		return
	}
	h.store.RequestSave()
	respondJSON(w, http.StatusAccepted, map[string]any{"success": true, "save": h.store.Stats().Save})
}

// DuplicatesResponse lists candidate duplicate identities.
type DuplicatesResponse struct {
	Threshold float64                `json:"threshold"`
	Pairs     []memory.DuplicatePair `json:"pairs"`
}

// Duplicates handles GET /api/v1/duplicates?threshold=&neighbors=.
func (h *StatsHandler) Duplicates(w http.ResponseWriter, r *http.Request) {
	threshold := h.duplicateThreshold
	if v := r.URL.Query().Get("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < -1 || t > 1 {
			respondError(w, http.StatusBadRequest, "threshold must be a number in [-1, 1]")
			return
		}
		threshold = t
	}
	neighbors := memory.DefaultDuplicateNeighbors
	if v := r.URL.Query().Get("neighbors"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "neighbors must be a positive integer")
			return
		}
		neighbors = n
	}

	pairs := h.store.Duplicates(threshold, neighbors)
	if pairs == nil {
		pairs = []memory.DuplicatePair{}
	}
	respondJSON(w, http.StatusOK, DuplicatesResponse{Threshold: threshold, Pairs: pairs})
}
