package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/facematch"
	"github.com/kozaktomas/face-memory/internal/identity"
	"github.com/kozaktomas/face-memory/internal/memory"
	"github.com/kozaktomas/face-memory/internal/metrics"
)

// IdentitiesHandler handles enrollment and management of identities.
type IdentitiesHandler struct {
	store    *memory.Store
	engine   *engine.Engine
	maxBytes int64
	log      *zap.Logger
}

// NewIdentitiesHandler creates a new identities handler
func NewIdentitiesHandler(store *memory.Store, e *engine.Engine, maxBytes int64, log *zap.Logger) *IdentitiesHandler {
	return &IdentitiesHandler{store: store, engine: e, maxBytes: maxBytes, log: log}
}

// IdentityResponse is the API view of an identity. The embedding is omitted.
type IdentityResponse struct {
	ID              string        `json:"id"`
	IsNamed         bool          `json:"is_named"`
	Count           int           `json:"count"`
	FirstSeen       time.Time     `json:"first_seen"`
	LastSeen        time.Time     `json:"last_seen"`
	LastBox         *identity.Box `json:"last_box,omitempty"`
	LastConfidence  *float64      `json:"last_confidence,omitempty"`
	LastMatchScore  float64       `json:"last_match_score"`
	Thumbnails      []string      `json:"thumbnails"`
	EmbeddingLength int           `json:"embedding_length"`
}

func toIdentityResponse(p *identity.Identity) IdentityResponse {
	thumbs := p.Thumbnails
	if thumbs == nil {
		thumbs = []string{}
	}
	return IdentityResponse{
		ID:              p.ID,
		IsNamed:         p.IsNamed,
		Count:           p.AppearanceCount,
		FirstSeen:       p.FirstSeen,
		LastSeen:        p.LastSeen,
		LastBox:         p.LastBox,
		LastConfidence:  p.LastConfidence,
		LastMatchScore:  p.LastMatchScore,
		Thumbnails:      thumbs,
		EmbeddingLength: len(p.Embedding),
	}
}

// List handles GET /api/v1/identities, most recently seen first.
func (h *IdentitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	people := h.store.All()
	out := make([]IdentityResponse, 0, len(people))
	for _, p := range people {
		out = append(out, toIdentityResponse(p))
	}
	respondJSON(w, http.StatusOK, out)
}

// Get handles GET /api/v1/identities/{id}.
func (h *IdentitiesHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.store.Get(pathParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	respondJSON(w, http.StatusOK, toIdentityResponse(p))
}

// Counts handles GET /api/v1/identities/counts: appearance count per id.
func (h *IdentitiesHandler) Counts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.store.AppearanceCounts())
}

// Register handles POST /api/v1/identities/register?id=.
func (h *IdentitiesHandler) Register(w http.ResponseWriter, r *http.Request) {
	id := facematch.NormalizeName(r.URL.Query().Get("id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}
	frame, ok := readFrame(w, r, h.maxBytes)
	if !ok {
		return
	}

	if _, err := h.engine.RegisterIdentity(r.Context(), frame, id); err != nil {
		h.log.Info("registration failed", zap.String("id", sanitizeForLog(id)), zap.Error(err))
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// Import handles POST /api/v1/identities/import?name=. The body is either one
// raw image or a multipart form of images; the name may also be given in the
// "person_name" form field.
func (h *IdentitiesHandler) Import(w http.ResponseWriter, r *http.Request) {
	uploads, err := readUploads(w, r, h.maxBytes)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" && r.MultipartForm != nil {
		if v := r.MultipartForm.Value["person_name"]; len(v) > 0 {
			name = v[0]
		}
	}
	if facematch.NormalizeName(name) == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	images := make([]engine.ImportImage, len(uploads))
	for i, u := range uploads {
		images[i] = engine.ImportImage{Name: u.name, Data: u.data}
	}
	report, err := h.engine.ImportBatch(r.Context(), name, images, nil)
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusOK
	if !report.Success {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, report)
}

// Delete handles DELETE /api/v1/identities/{id}.
func (h *IdentitiesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if !h.store.Delete(id) {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	h.store.RequestSave()
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// Rename handles POST /api/v1/identities/rename?old_id=&new_id=.
func (h *IdentitiesHandler) Rename(w http.ResponseWriter, r *http.Request) {
	oldID := r.URL.Query().Get("old_id")
	newID := facematch.NormalizeName(r.URL.Query().Get("new_id"))
	if oldID == "" || newID == "" {
		respondError(w, http.StatusBadRequest, "old_id and new_id are required")
		return
	}
	if !h.store.Has(oldID) {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	if !h.store.Rename(oldID, newID) {
		respondError(w, http.StatusConflict, "identity "+newID+" already exists")
		return
	}
	h.store.RequestSave()
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "old_id": oldID, "new_id": newID})
}

// Merge handles POST /api/v1/identities/merge?source=&target=.
func (h *IdentitiesHandler) Merge(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	target := r.URL.Query().Get("target")
	switch {
	case source == "" || target == "":
		respondError(w, http.StatusBadRequest, "source and target are required")
		return
	case source == target:
		respondError(w, http.StatusBadRequest, "source and target must differ")
		return
	case !h.store.Has(source) || !h.store.Has(target):
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	if !h.store.Merge(source, target) {
		respondError(w, http.StatusConflict, "merge failed")
		return
	}
	metrics.MergesTotal.WithLabelValues("manual").Inc()
	h.store.RequestSave()
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "source": source, "target": target})
}

// Thumbnail handles GET /api/v1/identities/{id}/thumbnails/{file}.
func (h *IdentitiesHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	path, ok := h.store.ThumbnailPath(pathParam(r, "id"), pathParam(r, "file"))
	if !ok {
		respondError(w, http.StatusNotFound, "thumbnail not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}
