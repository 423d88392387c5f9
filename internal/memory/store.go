// Package memory keeps the identity map, persists it to a JSON snapshot and
// manages per-identity thumbnail directories.
package memory

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/identity"
	"github.com/kozaktomas/face-memory/internal/metrics"
	"github.com/kozaktomas/face-memory/internal/similarity"
)

const (
	snapshotFileName  = "face_memory.json"
	thumbnailsDirName = "thumbnails"

	// mergeThumbnailLimit is how many of the source's newest thumbnails a merge carries over.
	mergeThumbnailLimit = 3

	defaultSaveInterval    = 60 * time.Second
	defaultCheckInterval   = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Options configures a Store.
type Options struct {
	// Dir holds the snapshot file and the thumbnails directory.
	Dir             string
	SaveInterval    time.Duration
	CheckInterval   time.Duration
	ShutdownTimeout time.Duration
	// EmbeddingDim drops loaded embeddings of any other length. Zero disables the check.
	EmbeddingDim int
	Logger       *zap.Logger
	// Now is the clock used for timestamps and thumbnail names.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.SaveInterval <= 0 {
		o.SaveInterval = defaultSaveInterval
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = defaultCheckInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaultShutdownTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Filter selects which identities a lookup considers.
type Filter int

const (
	AnyIdentity Filter = iota
	NamedOnly
	UnnamedOnly
)

func (f Filter) accepts(p *identity.Identity) bool {
	switch f {
	case NamedOnly:
		return p.IsNamed
	case UnnamedOnly:
		return !p.IsNamed
	default:
		return true
	}
}

// Match is an identity id with its cosine similarity to a query embedding.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// UpdateArgs describes an observation applied by Update. Nil fields are left untouched.
type UpdateArgs struct {
	Embedding      []float32
	Box            *identity.Box
	Confidence     *float64
	MatchScore     *float64
	IncrementCount bool
	MarkNamed      bool
}

// Counts is the identity population split by kind.
type Counts struct {
	Total   int `json:"total"`
	Named   int `json:"named"`
	Unnamed int `json:"unnamed"`
}

// Stats summarizes the store.
type Stats struct {
	TotalPeople      int      `json:"total_people"`
	NamedPeople      int      `json:"named_people"`
	UnnamedPeople    int      `json:"unnamed_people"`
	TotalAppearances int      `json:"total_appearances"`
	Save             SaveInfo `json:"save"`
}

// Store is the identity memory. All methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	people map[string]*identity.Identity

	opts     Options
	log      *zap.Logger
	path     string
	thumbDir string

	// persistence state, guarded by mu
	saveRequested   bool
	writing         bool
	generation      uint64
	savedGeneration uint64
	lastSave        time.Time
	lastSaveErr     error
	inflight        chan error
	closed          bool

	// fileSem serializes snapshot file writes; a token in it means a write is running.
	fileSem   chan struct{}
	writeFile func(path string, data []byte) error

	jobs          chan saveJob
	stop          chan struct{}
	schedulerDone chan struct{}
	writerDone    chan struct{}
	shutdownOnce  sync.Once
	shutdownErr   error
}

// Open loads the snapshot under opts.Dir, falling back to the backup and then
// to an empty memory, and starts the background persistence goroutines.
// Callers must call Shutdown to flush the final snapshot.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("storage directory is required")
	}
	opts.setDefaults()

	s := &Store{
		people:    make(map[string]*identity.Identity),
		opts:      opts,
		log:       opts.Logger.Named("memory"),
		path:      filepath.Join(opts.Dir, snapshotFileName),
		thumbDir:  filepath.Join(opts.Dir, thumbnailsDirName),
		fileSem:   make(chan struct{}, 1),
		writeFile: writeFileSync,
	}
	if err := os.MkdirAll(s.thumbDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	s.load()
	s.lastSave = s.now()
	s.updateGaugesLocked()
	s.startBackground()
	return s, nil
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) now() time.Time {
	return s.opts.Now()
}

func (s *Store) markDirtyLocked() {
	s.generation++
	s.updateGaugesLocked()
}

func (s *Store) updateGaugesLocked() {
	c := s.countsLocked()
	metrics.IdentitiesTotal.WithLabelValues("named").Set(float64(c.Named))
	metrics.IdentitiesTotal.WithLabelValues("unnamed").Set(float64(c.Unnamed))
}

// Get returns a copy of the identity with the given id.
func (s *Store) Get(id string) (*identity.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Has reports whether id exists.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.people[id]
	return ok
}

// Add inserts a new identity first seen now.
func (s *Store) Add(id string, embedding []float32, named bool) (*identity.Identity, error) {
	if id == "" {
		return nil, errors.New("identity id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.people[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	p := identity.New(id, embedding, named, s.now())
	s.people[id] = p
	s.markDirtyLocked()
	s.log.Info("identity added", zap.String("id", id), zap.Bool("named", named))
	return p.Clone(), nil
}

// Update applies an observation to an existing identity, refreshes its
// LastSeen and returns a copy of the result.
func (s *Store) Update(id string, args UpdateArgs) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.ApplyEmbedding(args.Embedding)
	if args.Box != nil {
		b := *args.Box
		p.LastBox = &b
	}
	if args.Confidence != nil {
		v := *args.Confidence
		p.LastConfidence = &v
	}
	if args.MatchScore != nil {
		p.LastMatchScore = *args.MatchScore
	}
	if args.IncrementCount {
		p.AppearanceCount++
	}
	if args.MarkNamed {
		p.IsNamed = true
	}
	p.Touch(s.now())
	s.markDirtyLocked()
	return p.Clone(), nil
}

// Rename moves an identity to newID, marks it named and moves its thumbnail
// directory. It returns false if oldID is unknown or newID is taken.
func (s *Store) Rename(oldID, newID string) bool {
	if newID == "" {
		s.log.Warn("rename rejected: empty target id", zap.String("old_id", oldID))
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.people[oldID]
	if !ok {
		s.log.Warn("rename rejected: unknown identity", zap.String("old_id", oldID))
		return false
	}
	if _, taken := s.people[newID]; taken {
		s.log.Warn("rename rejected: target id exists", zap.String("old_id", oldID), zap.String("new_id", newID))
		return false
	}

	if err := s.moveThumbnailsLocked(oldID, newID, p.Thumbnails); err != nil {
		s.log.Warn("moving thumbnails failed", zap.String("old_id", oldID), zap.String("new_id", newID), zap.Error(err))
	}

	delete(s.people, oldID)
	p.ID = newID
	p.IsNamed = true
	s.people[newID] = p
	s.markDirtyLocked()
	s.log.Info("identity renamed", zap.String("old_id", oldID), zap.String("new_id", newID))
	return true
}

// Merge folds source into target and removes source. Embeddings are averaged
// weighted by appearance count, counts are summed, first/last seen widen and
// up to three of the source's newest thumbnails move to the target.
func (s *Store) Merge(sourceID, targetID string) bool {
	if sourceID == targetID {
		s.log.Warn("merge rejected: source equals target", zap.String("id", sourceID))
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	source, okSource := s.people[sourceID]
	target, okTarget := s.people[targetID]
	if !okSource || !okTarget {
		s.log.Warn("merge rejected: unknown identity",
			zap.String("source", sourceID), zap.Bool("source_found", okSource),
			zap.String("target", targetID), zap.Bool("target_found", okTarget))
		return false
	}

	target.Embedding = mergeEmbeddings(source, target)
	target.AppearanceCount += source.AppearanceCount
	if source.FirstSeen.Before(target.FirstSeen) {
		target.FirstSeen = source.FirstSeen
	}
	if source.LastSeen.After(target.LastSeen) {
		target.LastSeen = source.LastSeen
	}

	s.transferThumbnailsLocked(source, target)
	delete(s.people, sourceID)
	s.markDirtyLocked()
	s.log.Info("identities merged", zap.String("source", sourceID), zap.String("target", targetID),
		zap.Int("count", target.AppearanceCount))
	return true
}

func mergeEmbeddings(source, target *identity.Identity) []float32 {
	switch {
	case len(source.Embedding) == 0:
		return target.Embedding
	case len(target.Embedding) == 0:
		return slices.Clone(source.Embedding)
	case len(source.Embedding) != len(target.Embedding):
		return target.Embedding
	}
	ws, wt := float64(source.AppearanceCount), float64(target.AppearanceCount)
	if ws+wt <= 0 {
		return target.Embedding
	}
	out := make([]float32, len(target.Embedding))
	for i := range out {
		out[i] = float32((ws*float64(source.Embedding[i]) + wt*float64(target.Embedding[i])) / (ws + wt))
	}
	return out
}

// Delete removes an identity and its thumbnails.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[id]
	if !ok {
		return false
	}
	delete(s.people, id)
	s.removeThumbnailsLocked(id, p.Thumbnails)
	s.markDirtyLocked()
	s.log.Info("identity deleted", zap.String("id", id))
	return true
}

// FindSimilar returns identities whose cosine similarity to embedding is at
// least threshold, best first.
func (s *Store) FindSimilar(embedding []float32, threshold float64) []Match {
	if !similarity.Valid(embedding) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Match
	for id, p := range s.people {
		if len(p.Embedding) != len(embedding) {
			continue
		}
		if score := similarity.Cosine(embedding, p.Embedding); score >= threshold {
			out = append(out, Match{ID: id, Score: score})
		}
	}
	sortMatches(out)
	return out
}

// Matching returns every identity passing filter whose embedding is accepted
// by accept, best cosine score first.
func (s *Store) Matching(embedding []float32, filter Filter, accept func(a, b []float32) bool) []Match {
	if !similarity.Valid(embedding) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Match
	for id, p := range s.people {
		if !filter.accepts(p) || len(p.Embedding) == 0 {
			continue
		}
		if accept(embedding, p.Embedding) {
			out = append(out, Match{ID: id, Score: similarity.Cosine(embedding, p.Embedding)})
		}
	}
	sortMatches(out)
	return out
}

// Nearest returns the best accepted match among identities passing filter.
func (s *Store) Nearest(embedding []float32, filter Filter, accept func(a, b []float32) bool) (Match, bool) {
	if !similarity.Valid(embedding) {
		return Match{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	best := Match{Score: math.Inf(-1)}
	found := false
	for id, p := range s.people {
		if !filter.accepts(p) || len(p.Embedding) == 0 || !accept(embedding, p.Embedding) {
			continue
		}
		score := similarity.Cosine(embedding, p.Embedding)
		if !found || score > best.Score || (score == best.Score && id < best.ID) {
			best = Match{ID: id, Score: score}
			found = true
		}
	}
	return best, found
}

func sortMatches(m []Match) {
	slices.SortFunc(m, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// All returns copies of every identity, most recently seen first.
func (s *Store) All() []*identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*identity.Identity, 0, len(s.people))
	for _, p := range s.people {
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b *identity.Identity) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// AppearanceCounts maps every id to its appearance count.
func (s *Store) AppearanceCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.people))
	for id, p := range s.people {
		out[id] = p.AppearanceCount
	}
	return out
}

// Counts returns the number of identities by kind.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked()
}

func (s *Store) countsLocked() Counts {
	c := Counts{Total: len(s.people)}
	for _, p := range s.people {
		if p.IsNamed {
			c.Named++
		}
	}
	c.Unnamed = c.Total - c.Named
	return c
}

// Stats returns population counts and the persistence status.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.countsLocked()
	st := Stats{
		TotalPeople:   c.Total,
		NamedPeople:   c.Named,
		UnnamedPeople: c.Unnamed,
		Save:          s.saveInfoLocked(),
	}
	for _, p := range s.people {
		st.TotalAppearances += p.AppearanceCount
	}
	return st
}
