package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/engine/enginetest"
	"github.com/kozaktomas/face-memory/internal/memory"
	"github.com/kozaktomas/face-memory/internal/similarity"
)

var (
	faceA = []float32{1, 0, 0, 0}
	faceB = []float32{0, 0, 1, 0}
)

type testEnv struct {
	store    *memory.Store
	provider *enginetest.Provider
	engine   *engine.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := memory.Open(memory.Options{Dir: t.TempDir(), CheckInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Shutdown(context.Background()) })

	p := enginetest.NewProvider()
	e := engine.New(store, p, similarity.NewService(similarity.LenientThresholds), engine.Options{})
	return &testEnv{store: store, provider: p, engine: e}
}

func (env *testEnv) identities() *IdentitiesHandler {
	return NewIdentitiesHandler(env.store, env.engine, 0, zap.NewNop())
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// multipartRequest builds a request whose body holds files under field.
func multipartRequest(t *testing.T, target, field string, files map[string][]byte, values map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range values {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func parseJSONResponse(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}
