package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/engine/enginetest"
	"github.com/kozaktomas/face-memory/internal/identity"
	"github.com/kozaktomas/face-memory/internal/memory"
	"github.com/kozaktomas/face-memory/internal/similarity"
)

var (
	faceA = []float32{1, 0, 0, 0}
	faceB = []float32{0, 0, 1, 0}
	// cosine 0.9 to faceA
	faceA2 = []float32{0.9, float32(math.Sqrt(0.19)), 0, 0}
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.Open(memory.Options{Dir: t.TempDir(), CheckInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func newEngine(t *testing.T, store engine.IdentityStore, p engine.Provider) *engine.Engine {
	t.Helper()
	return engine.New(store, p, similarity.NewService(similarity.StrictThresholds), engine.Options{})
}

func TestRecognize_SameFaceAcrossFrames(t *testing.T) {
	store := newStore(t)
	p := enginetest.NewProvider()
	e := newEngine(t, store, p)
	frame := enginetest.Frame(200, 200)

	p.SetFaces(enginetest.Face(50, 50, 60, 80, 0.99, faceA...))
	first, err := e.Recognize(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Regexp(t, `^Face_[0-9a-f]{8}$`, first[0].ID)
	assert.Equal(t, engine.PhaseNew, first[0].Phase)
	assert.Equal(t, 1, first[0].AppearanceCount)
	assert.False(t, first[0].NamedPerson)

	p.SetFaces(enginetest.Face(52, 50, 60, 80, 0.98, faceA2...))
	second, err := e.Recognize(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, engine.PhaseTracked, second[0].Phase)
	assert.Equal(t, 2, second[0].AppearanceCount)
	assert.InDelta(t, 0.9, second[0].MatchScore, 1e-6)
	assert.Equal(t, 1, store.Counts().Total)
}

func TestRecognize_DifferentFacesGetDifferentIDs(t *testing.T) {
	store := newStore(t)
	p := enginetest.NewProvider()
	e := newEngine(t, store, p)

	p.SetFaces(
		enginetest.Face(10, 10, 50, 60, 0.95, faceA...),
		enginetest.Face(120, 10, 50, 60, 0.97, faceB...),
	)
	results, err := e.Recognize(context.Background(), enginetest.Frame(200, 100))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NotEqual(t, results[0].ID, results[1].ID)
	assert.False(t, results[0].LastSeen.Before(results[1].LastSeen), "most recent first")
	assert.Equal(t, 2, store.Counts().Unnamed)
}

func TestRegisterThenRecognize(t *testing.T) {
	store := newStore(t)
	p := enginetest.NewProvider()
	e := newEngine(t, store, p)
	frame := enginetest.Frame(200, 200)
	p.SetFaces(enginetest.Face(50, 40, 60, 80, 0.99, faceA...))

	ok, err := e.RegisterIdentity(context.Background(), frame, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	results, err := e.Recognize(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alice", results[0].ID)
	assert.True(t, results[0].NamedPerson)
	assert.Equal(t, 2, results[0].AppearanceCount)

	data, err := json.Marshal(results[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"named_person":true`)
}

func TestRegister_MergesTrackedFace(t *testing.T) {
	store := newStore(t)
	p := enginetest.NewProvider()
	e := newEngine(t, store, p)
	frame := enginetest.Frame(200, 200)

	p.SetFaces(enginetest.Face(50, 40, 60, 80, 0.99, faceA2...))
	tracked, err := e.Recognize(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	p.SetFaces(enginetest.Face(20, 20, 60, 80, 0.99, faceB...))
	other, err := e.Recognize(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, other, 1)

	p.SetFaces(enginetest.Face(50, 40, 60, 80, 0.99, faceA...))
	ok, err := e.RegisterIdentity(context.Background(), frame, "bob")
	require.NoError(t, err)
	require.True(t, ok)

	_, exists := store.Get(tracked[0].ID)
	assert.False(t, exists, "tracked face merged into bob")
	_, exists = store.Get(other[0].ID)
	assert.True(t, exists, "unrelated face untouched")

	bob, ok := store.Get("bob")
	require.True(t, ok)
	assert.True(t, bob.IsNamed)
	assert.Equal(t, 2, bob.AppearanceCount)
}

func TestRegister_NoQualifyingFace(t *testing.T) {
	store := newStore(t)
	p := enginetest.NewProvider()
	e := newEngine(t, store, p)
	frame := enginetest.Frame(100, 100)

	ok, err := e.RegisterIdentity(context.Background(), frame, "carol")
	assert.False(t, ok)
	assert.ErrorIs(t, err, engine.ErrNoFace)

	p.SetFaces(enginetest.Face(10, 10, 40, 40, 0.89, faceA...))
	ok, err = e.RegisterIdentity(context.Background(), frame, "carol")
	assert.False(t, ok)
	assert.ErrorIs(t, err, engine.ErrNoFace)
	assert.False(t, store.Has("carol"))

	_, err = e.RegisterIdentity(context.Background(), frame, "")
	assert.Error(t, err)
}

func TestRegister_PicksMostConfidentFace(t *testing.T) {
	store := newStore(t)
	p := enginetest.NewProvider()
	e := newEngine(t, store, p)
	p.SetFaces(
		enginetest.Face(0, 0, 40, 40, 0.92, faceB...),
		enginetest.Face(100, 0, 40, 40, 0.99, faceA...),
	)

	ok, err := e.RegisterIdentity(context.Background(), enginetest.Frame(200, 100), "dave")
	require.NoError(t, err)
	require.True(t, ok)
	dave, _ := store.Get("dave")
	assert.Equal(t, faceA, dave.Embedding)
	assert.Equal(t, 100, dave.LastBox.X)
}

func TestImportIdentity(t *testing.T) {
	store := newStore(t)
	p := enginetest.NewProvider()
	e := newEngine(t, store, p)
	img := enginetest.JPEG(120, 160)

	// Below the live threshold but above the import floor.
	p.SetFaces(enginetest.Face(30, 40, 50, 60, 0.87, faceA...))
	id, ok, err := e.ImportIdentity(context.Background(), img, "  Jan   Novák ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Jan Novák", id)

	id, ok, err = e.ImportIdentity(context.Background(), img, "Jan Novák")
	require.NoError(t, err)
	require.True(t, ok)

	p1, _ := store.Get(id)
	assert.Equal(t, 1, p1.AppearanceCount, "repeated import does not inflate the count")
	assert.True(t, p1.IsNamed)
	assert.Len(t, p1.Thumbnails, 2)

	p.SetFaces(enginetest.Face(30, 40, 50, 60, 0.80, faceB...))
	_, ok, err = e.ImportIdentity(context.Background(), img, "Eve")
	assert.False(t, ok)
	assert.ErrorIs(t, err, engine.ErrNoFace)

	_, _, err = e.ImportIdentity(context.Background(), []byte("not an image"), "Eve")
	assert.Error(t, err)
}

func TestRecognize_ProviderUnavailable(t *testing.T) {
	store := newStore(t)
	p := enginetest.NewProvider()
	p.SetReady(false)
	p.SetFaces(enginetest.Face(10, 10, 40, 40, 0.99, faceA...))
	e := newEngine(t, store, p)

	results, err := e.Recognize(context.Background(), enginetest.Frame(100, 100))
	assert.ErrorIs(t, err, engine.ErrProviderUnavailable)
	assert.Empty(t, results)

	ok, err := e.RegisterIdentity(context.Background(), enginetest.Frame(100, 100), "alice")
	assert.False(t, ok)
	assert.ErrorIs(t, err, engine.ErrProviderUnavailable)
	assert.Equal(t, 0, store.Counts().Total)
}

func TestRecognize_DetectError(t *testing.T) {
	p := enginetest.NewProvider()
	p.SetDetectError(errors.New("boom"))
	e := newEngine(t, newStore(t), p)

	_, err := e.Recognize(context.Background(), enginetest.Frame(50, 50))
	assert.Error(t, err)
}

func TestRecognize_FiltersDetections(t *testing.T) {
	store := newStore(t)
	p := enginetest.NewProvider()
	e := newEngine(t, store, p)

	p.SetFaces(
		enginetest.Face(10, 10, 50, 50, 0.85, faceA...), // below threshold
		enginetest.Face(100, 10, 50, 50, 0.93, faceB...),
		enginetest.Face(102, 12, 50, 50, 0.91, faceA...), // overlaps the 0.93 face
		enginetest.Face(0, 0, 0, 0, 0.99, faceA...),      // empty box
		enginetest.Face(150, 80, 40, 40, 0.99, 0, 0, 0, 0),
	)
	results, err := e.Recognize(context.Background(), enginetest.Frame(200, 200))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 100, results[0].Box.X)

	p.SetFaces()
	results, err = e.Recognize(context.Background(), enginetest.Frame(200, 200))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRecognize_EmbedsWhenDetectionHasNoEmbedding(t *testing.T) {
	p := enginetest.NewProvider()
	p.SplitEmbedding(true)
	p.SetFaces(enginetest.Face(10, 10, 40, 40, 0.99, faceA...))
	e := newEngine(t, newStore(t), p)

	results, err := e.Recognize(context.Background(), enginetest.Frame(100, 100))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, p.EmbedCalls())
}

func TestRecognize_StoresThumbnail(t *testing.T) {
	store := newStore(t)
	p := enginetest.NewProvider()
	p.SetFaces(enginetest.Face(60, 60, 40, 50, 0.99, faceA...))
	e := newEngine(t, store, p)

	results, err := e.Recognize(context.Background(), enginetest.Frame(200, 200))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].Thumbnail)

	path, ok := store.ThumbnailPath(results[0].ID, results[0].Thumbnail)
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 96, img.Bounds().Dx())
	assert.Equal(t, 128, img.Bounds().Dy())
}

// countingStore records save requests.
type countingStore struct {
	*memory.Store
	mu       sync.Mutex
	requests int
}

func (c *countingStore) RequestSave() {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
	c.Store.RequestSave()
}

func (c *countingStore) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func TestRecognize_ThrottlesSaveRequests(t *testing.T) {
	store := &countingStore{Store: newStore(t)}
	p := enginetest.NewProvider()
	p.SetFaces(enginetest.Face(10, 10, 40, 40, 0.99, faceA...))

	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	e := engine.New(store, p, similarity.NewService(similarity.LenientThresholds), engine.Options{
		Now: func() time.Time { return now },
	})
	frame := enginetest.Frame(100, 100)
	recognize := func() {
		_, err := e.Recognize(context.Background(), frame)
		require.NoError(t, err)
	}

	for range 9 {
		recognize()
	}
	assert.Equal(t, 0, store.Requests())
	recognize()
	assert.Equal(t, 1, store.Requests(), "tenth updated frame requests a save")

	recognize()
	assert.Equal(t, 1, store.Requests())
	now = now.Add(45 * time.Second)
	recognize()
	assert.Equal(t, 2, store.Requests(), "interval elapsed")

	p.SetFaces()
	now = now.Add(time.Hour)
	recognize()
	assert.Equal(t, 2, store.Requests(), "frames without updates never request")
}

// lateStore reports every id as missing on the first Get, as if another
// enrollment created it between the lookup and the Add.
type lateStore struct {
	*memory.Store
	mu     sync.Mutex
	missed bool
}

func (s *lateStore) Get(id string) (*identity.Identity, bool) {
	s.mu.Lock()
	miss := !s.missed
	s.missed = true
	s.mu.Unlock()
	if miss {
		return nil, false
	}
	return s.Store.Get(id)
}

func TestImportIdentity_RacingEnrollmentKeepsCount(t *testing.T) {
	inner := newStore(t)
	_, err := inner.Add("Jan", nil, true)
	require.NoError(t, err)
	_, err = inner.Update("Jan", memory.UpdateArgs{Embedding: faceA, IncrementCount: true, MarkNamed: true})
	require.NoError(t, err)

	store := &lateStore{Store: inner}
	p := enginetest.NewProvider()
	p.SetFaces(enginetest.Face(30, 40, 50, 60, 0.95, faceA...))
	e := newEngine(t, store, p)

	_, ok, err := e.ImportIdentity(context.Background(), enginetest.JPEG(120, 160), "Jan")
	require.NoError(t, err)
	require.True(t, ok)

	got, ok := inner.Get("Jan")
	require.True(t, ok)
	assert.Equal(t, 1, got.AppearanceCount)
}
