package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/memory"
)

// DefaultMaxUploadBytes caps image uploads when no limit is configured.
const DefaultMaxUploadBytes = 20 << 20

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrProviderUnavailable), errors.Is(err, memory.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrNoFace):
		return http.StatusUnprocessableEntity
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondErr sends err with the status errorStatus picks for it.
func respondErr(w http.ResponseWriter, err error) {
	respondError(w, errorStatus(err), err.Error())
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// pathParam returns the unescaped URL parameter key.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// upload is one image from a request body.
type upload struct {
	name string
	data []byte
}

// readUploads returns the images of a request. A multipart body yields every
// file part (field names "file", "image" or "images"); any other body is one
// raw image.
func readUploads(w http.ResponseWriter, r *http.Request, limit int64) ([]upload, error) {
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		if len(data) == 0 {
			return nil, errors.New("empty image")
		}
		return []upload{{name: "image", data: data}}, nil
	}

	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, fmt.Errorf("parsing multipart form: %w", err)
	}
	var uploads []upload
	for _, field := range []string{"file", "image", "images"} {
		for _, fh := range r.MultipartForm.File[field] {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", fh.Filename, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", fh.Filename, err)
			}
			uploads = append(uploads, upload{name: fh.Filename, data: data})
		}
	}
	if len(uploads) == 0 {
		return nil, errors.New("no image in request")
	}
	return uploads, nil
}

// readFrame reads and decodes the single image of a request, writing a 400
// response on failure.
func readFrame(w http.ResponseWriter, r *http.Request, limit int64) (*engine.Frame, bool) {
	uploads, err := readUploads(w, r, limit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	frame, err := engine.DecodeFrame(uploads[0].data)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return frame, true
}
