package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// DefaultSearchLimit is used when Search is called with k <= 0.
const DefaultSearchLimit = 10

// ErrEmptyQuery is returned by Search for a blank query.
var ErrEmptyQuery = errors.New("archive: empty search query")

// Hit is one search result. Score is higher for better matches: cosine
// similarity for semantic search, ts_rank for full-text search.
type Hit struct {
	Segment
	Score float64 `json:"score"`
}

// Search returns up to k archived segments matching query, best first.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = DefaultSearchLimit
	}
	if s.embedder != nil {
		return s.searchSemantic(ctx, query, k)
	}
	return s.searchText(ctx, query, k)
}

func (s *Store) searchSemantic(ctx context.Context, query string, k int) ([]Hit, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("archive: embed query: %w", err)
	}

	const q = `
		SELECT t.session_id, t.seq, t.engine_id, t.text, t.error, t.recorded_at,
		       1 - (e.embedding <=> $1) AS score
		FROM   segment_embeddings e
		JOIN   transcript_segments t USING (session_id, seq, engine_id)
		ORDER  BY e.embedding <=> $1
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectHits(rows)
}

func (s *Store) searchText(ctx context.Context, query string, k int) ([]Hit, error) {
	const q = `
		SELECT session_id, seq, engine_id, text, error, recorded_at,
		       ts_rank(to_tsvector('simple', text), plainto_tsquery('simple', $1)) AS score
		FROM   transcript_segments
		WHERE  to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)
		ORDER  BY score DESC, recorded_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, k)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectHits(rows)
}

func collectHits(rows pgx.Rows) ([]Hit, error) {
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var (
			h   Hit
			seq int64
		)
		if err := row.Scan(&h.SessionID, &seq, &h.EngineID, &h.Text, &h.Error, &h.At, &h.Score); err != nil {
			return Hit{}, err
		}
		h.Seq = uint64(seq)
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}
