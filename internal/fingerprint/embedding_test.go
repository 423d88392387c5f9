package fingerprint

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/identity"
)

var _ engine.Provider = (*FaceClient)(nil)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F'}

func newFaceServer(t *testing.T, faces []FaceDetection) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /embed/face", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Header.Get("Content-Type") != "image/jpeg" || len(data) != len(jpegHeader) {
			http.Error(w, "unexpected upload", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(FaceResponse{FacesCount: len(faces), Faces: faces, Model: "test"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", jpegHeader, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"gif", []byte("GIF89a\x00\x00"), "image/gif"},
		{"bmp", []byte("BM\x00\x00\x00\x00\x00\x00"), "image/bmp"},
		{"short", []byte{0xFF}, "application/octet-stream"},
		{"unknown", []byte("hello world"), "application/octet-stream"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, detectMIMEType(tc.data))
		})
	}
}

func TestFaceClient_Detect(t *testing.T) {
	srv := newFaceServer(t, []FaceDetection{
		{FaceIndex: 0, Dim: 3, Embedding: []float32{0.1, 0.2, 0.3}, BBox: []float64{10.4, 20, 50.6, 80}, DetScore: 0.97},
		{FaceIndex: 1, Dim: 2, Embedding: []float32{0.1, 0.2}, BBox: []float64{0, 0, 10, 10}, DetScore: 0.99},
		{FaceIndex: 2, Dim: 3, Embedding: []float32{1, 1, 1}, BBox: []float64{5, 5}, DetScore: 0.95},
	})
	c := NewFaceClient(srv.URL+"/", time.Second, 3)

	require.NoError(t, c.Ready(context.Background()))

	detections, err := c.Detect(context.Background(), &engine.Frame{Data: jpegHeader})
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, identity.Box{X: 10, Y: 20, W: 41, H: 60}, detections[0].Box)
	assert.Equal(t, 0.97, detections[0].Confidence)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, detections[0].Embedding)

	_, err = c.Detect(context.Background(), &engine.Frame{})
	assert.Error(t, err)
}

func TestFaceClient_Embed(t *testing.T) {
	srv := newFaceServer(t, []FaceDetection{
		{Embedding: []float32{1, 0}, BBox: []float64{0, 0, 40, 40}, DetScore: 0.9},
		{Embedding: []float32{0, 1}, BBox: []float64{100, 100, 140, 140}, DetScore: 0.9},
	})
	c := NewFaceClient(srv.URL, time.Second, 0)
	frame := &engine.Frame{Data: jpegHeader}

	emb, err := c.Embed(context.Background(), frame, engine.Detection{Box: identity.Box{X: 102, Y: 98, W: 40, H: 40}})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, emb)

	emb, err = c.Embed(context.Background(), frame, engine.Detection{Embedding: []float32{7}})
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, emb)

	_, err = c.Embed(context.Background(), frame, engine.Detection{Box: identity.Box{X: 300, Y: 300, W: 10, H: 10}})
	assert.Error(t, err)
}

func TestFaceClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "models not loaded", http.StatusServiceUnavailable)
	}))
	c := NewFaceClient(srv.URL, time.Second, 0)

	assert.ErrorIs(t, c.Ready(context.Background()), engine.ErrProviderUnavailable)
	_, err := c.Detect(context.Background(), &engine.Frame{Data: jpegHeader})
	assert.ErrorIs(t, err, engine.ErrProviderUnavailable)

	srv.Close()
	assert.ErrorIs(t, c.Ready(context.Background()), engine.ErrProviderUnavailable)
}

func TestFaceClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	c := NewFaceClient(srv.URL, time.Second, 0)

	_, err := c.Detect(context.Background(), &engine.Frame{Data: jpegHeader})
	require.Error(t, err)
	assert.NotErrorIs(t, err, engine.ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "status 400")
}
