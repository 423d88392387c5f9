package memory

import (
	"cmp"
	"slices"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-memory/internal/similarity"
)

const (
	hnswMaxNeighbors = 16
	hnswEfSearch     = 64

	// DefaultDuplicateNeighbors is how many nearest neighbours are checked per identity.
	DefaultDuplicateNeighbors = 5
)

// DuplicatePair is two identities whose embeddings are close enough to be
// the same person. A is always the lexically smaller id.
type DuplicatePair struct {
	A     string  `json:"a"`
	B     string  `json:"b"`
	Score float64 `json:"score"`
}

// Duplicates finds pairs of identities with cosine similarity of at least
// threshold using an HNSW graph over the current embeddings. Only embeddings
// of the most common dimension take part.
func (s *Store) Duplicates(threshold float64, neighbors int) []DuplicatePair {
	if neighbors <= 0 {
		neighbors = DefaultDuplicateNeighbors
	}

	s.mu.Lock()
	vectors := make(map[string][]float32, len(s.people))
	dims := make(map[int]int)
	for id, p := range s.people {
		if similarity.Valid(p.Embedding) {
			vectors[id] = slices.Clone(p.Embedding)
			dims[len(p.Embedding)]++
		}
	}
	s.mu.Unlock()

	dim, best := 0, 0
	for d, n := range dims {
		if n > best || (n == best && d < dim) {
			dim, best = d, n
		}
	}
	if best < 2 {
		return nil
	}

	ids := make([]string, 0, best)
	for id, v := range vectors {
		if len(v) == dim {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	g := hnsw.NewGraph[string]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.EfSearch = hnswEfSearch
	g.Distance = hnsw.CosineDistance
	for _, id := range ids {
		g.Add(hnsw.MakeNode(id, vectors[id]))
	}

	seen := make(map[[2]string]bool)
	var pairs []DuplicatePair
	for _, id := range ids {
		for _, n := range g.Search(vectors[id], neighbors+1) {
			if n.Key == id {
				continue
			}
			score := similarity.Cosine(vectors[id], n.Value)
			if score < threshold {
				continue
			}
			a, b := id, n.Key
			if b < a {
				a, b = b, a
			}
			key := [2]string{a, b}
			if seen[key] {
				continue
			}
			seen[key] = true
			pairs = append(pairs, DuplicatePair{A: a, B: b, Score: score})
		}
	}

	slices.SortFunc(pairs, func(x, y DuplicatePair) int {
		if c := cmp.Compare(y.Score, x.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(x.A, y.A); c != 0 {
			return c
		}
		return cmp.Compare(x.B, y.B)
	})
	return pairs
}
