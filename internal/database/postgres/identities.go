package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-memory/internal/identity"
)

// StoredIdentity is an identity row.
type StoredIdentity struct {
	ID              string
	IsNamed         bool
	AppearanceCount int
	FirstSeen       time.Time
	LastSeen        time.Time
	Embedding       []float32
	Thumbnails      []string
	SyncedAt        time.Time
}

// SimilarIdentity is a row returned by FindSimilar.
type SimilarIdentity struct {
	StoredIdentity
	Similarity float64
}

// SyncResult reports what Sync changed.
type SyncResult struct {
	Upserted int
	Deleted  int
}

// IdentityRepository stores identity snapshots in the identities table.
type IdentityRepository struct {
	pool *Pool
}

// NewIdentityRepository creates a new PostgreSQL identity repository
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

const upsertIdentity = `
	INSERT INTO identities (id, is_named, appearance_count, first_seen, last_seen, embedding, dim, thumbnails, synced_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	ON CONFLICT (id) DO UPDATE SET
		is_named = EXCLUDED.is_named,
		appearance_count = EXCLUDED.appearance_count,
		first_seen = EXCLUDED.first_seen,
		last_seen = EXCLUDED.last_seen,
		embedding = EXCLUDED.embedding,
		dim = EXCLUDED.dim,
		thumbnails = EXCLUDED.thumbnails,
		synced_at = NOW()
`

// Sync makes the table mirror people: every identity is upserted and rows of
// identities no longer present are deleted, all in one transaction.
func (r *IdentityRepository) Sync(ctx context.Context, people []*identity.Identity) (SyncResult, error) {
	var res SyncResult
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertIdentity)
	if err != nil {
		return res, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(people))
	for _, p := range people {
		var vec any
		if len(p.Embedding) > 0 {
			vec = pgvector.NewVector(p.Embedding)
		}
		thumbs := p.Thumbnails
		if thumbs == nil {
			thumbs = []string{}
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.IsNamed, p.AppearanceCount, p.FirstSeen, p.LastSeen,
			vec, len(p.Embedding), pq.Array(thumbs)); err != nil {
			return res, fmt.Errorf("upsert identity %s: %w", p.ID, err)
		}
		ids = append(ids, p.ID)
		res.Upserted++
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM identities WHERE NOT (id = ANY($1))", pq.Array(ids))
	if err != nil {
		return res, fmt.Errorf("delete stale identities: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil {
		res.Deleted = int(n)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit sync: %w", err)
	}
	return res, nil
}

const selectIdentity = `
	SELECT id, is_named, appearance_count, first_seen, last_seen, embedding, thumbnails, synced_at
	FROM identities
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner, extra ...any) (StoredIdentity, error) {
	var s StoredIdentity
	var vec sql.Null[pgvector.Vector]
	dest := []any{&s.ID, &s.IsNamed, &s.AppearanceCount, &s.FirstSeen, &s.LastSeen, &vec,
		(*pq.StringArray)(&s.Thumbnails), &s.SyncedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return s, err
	}
	if vec.Valid {
		s.Embedding = vec.V.Slice()
	}
	return s, nil
}

// Get returns the identity with the given id, or nil if there is none.
func (r *IdentityRepository) Get(ctx context.Context, id string) (*StoredIdentity, error) {
	s, err := scanIdentity(r.pool.QueryRow(ctx, selectIdentity+" WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query identity: %w", err)
	}
	return &s, nil
}

// Count returns the number of mirrored identities.
func (r *IdentityRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// FindSimilar returns up to limit identities of the same embedding dimension
// whose cosine similarity to embedding is at least minSimilarity, best first.
func (r *IdentityRepository) FindSimilar(ctx context.Context, embedding []float32, limit int, minSimilarity float64) ([]SimilarIdentity, error) {
	if len(embedding) == 0 {
		return nil, errors.New("empty embedding")
	}
	// Rows of another dimension are filtered before any distance is computed.
	query := `
		WITH candidates AS MATERIALIZED (
			SELECT id, is_named, appearance_count, first_seen, last_seen, embedding, thumbnails, synced_at
			FROM identities
			WHERE dim = $2 AND embedding IS NOT NULL
		), scored AS (
			SELECT *, 1 - (embedding <=> $1::vector) AS similarity FROM candidates
		)
		SELECT id, is_named, appearance_count, first_seen, last_seen, embedding, thumbnails, synced_at, similarity
		FROM scored
		WHERE similarity >= $3
		ORDER BY similarity DESC, id
		LIMIT $4
	`
	rows, err := r.pool.Query(ctx, query, pgvector.NewVector(embedding), len(embedding), minSimilarity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimilarIdentity
	for rows.Next() {
		var m SimilarIdentity
		s, err := scanIdentity(rows, &m.Similarity)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		m.StoredIdentity = s
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}
