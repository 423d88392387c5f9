package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/config"
	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/engine/enginetest"
	"github.com/kozaktomas/face-memory/internal/memory"
	"github.com/kozaktomas/face-memory/internal/similarity"
)

func newTestServer(t *testing.T, cfg config.WebConfig) (*Server, *memory.Store, *enginetest.Provider) {
	t.Helper()
	store, err := memory.Open(memory.Options{Dir: t.TempDir(), CheckInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Shutdown(context.Background()) })

	p := enginetest.NewProvider()
	e := engine.New(store, p, similarity.NewService(similarity.LenientThresholds), engine.Options{})
	return NewServer(cfg, store, e, 0.6, zap.NewNop()), store, p
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _, _ := newTestServer(t, config.WebConfig{Host: "127.0.0.1", Port: 0})

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServer_Metrics(t *testing.T) {
	s, store, _ := newTestServer(t, config.WebConfig{})
	_, err := store.Add("Alice", []float32{1, 0}, true)
	require.NoError(t, err)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "face_memory_identities")
}

func TestServer_RecognizeThenManage(t *testing.T) {
	s, store, p := newTestServer(t, config.WebConfig{})
	p.SetFaces(enginetest.Face(30, 40, 50, 60, 0.97, 1, 0, 0, 0))

	rec := serve(s, httptest.NewRequest(http.MethodPost, "/api/v1/recognize", bytes.NewReader(enginetest.JPEG(120, 160))))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Faces []engine.Result `json:"faces"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Faces, 1)
	id := resp.Faces[0].ID

	rec = serve(s, httptest.NewRequest(http.MethodPost, "/api/v1/identities/rename?old_id="+id+"&new_id=Jan%20Nov%C3%A1k", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	jan, ok := store.Get("Jan Novák")
	require.True(t, ok)
	require.Len(t, jan.Thumbnails, 1)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/identities/Jan%20Nov%C3%A1k/thumbnails/"+jan.Thumbnails[0], nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/identities/counts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"Jan Novák": 1}`, rec.Body.String())

	rec = serve(s, httptest.NewRequest(http.MethodDelete, "/api/v1/identities/Jan%20Nov%C3%A1k", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, store.Counts().Total)
}

func TestServer_RequiresToken(t *testing.T) {
	s, _, _ := newTestServer(t, config.WebConfig{APIToken: "secret"})

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = serve(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")
}

func TestServer_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t, config.WebConfig{})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error": "not found"}`, rec.Body.String())
}

func TestServer_StartShutdown(t *testing.T) {
	s, _, _ := newTestServer(t, config.WebConfig{Host: "127.0.0.1", Port: 0})
	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
