// Package postgres archives transcript records in PostgreSQL and searches
// them, by meaning through pgvector when an embedding provider is
// configured and by PostgreSQL full-text search otherwise.
//
// Every engine result of a record becomes one row of transcript_segments,
// keyed by session, sequence number and engine. Embeddings live in a
// separate table so the archive can run without a vector model and gain
// one later.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, postgres.WithEmbedder(emb))
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, rec)
//	hits, _ := store.Search(ctx, "deployment rollback", 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSegments = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    session_id        TEXT         NOT NULL,
    seq               BIGINT       NOT NULL,
    engine_id         TEXT         NOT NULL,
    text              TEXT         NOT NULL DEFAULT '',
    error             TEXT         NOT NULL DEFAULT '',
    model_tier        TEXT         NOT NULL DEFAULT '',
    snapshot_version  BIGINT       NOT NULL DEFAULT 0,
    duration_ns       BIGINT       NOT NULL DEFAULT 0,
    recorded_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, seq, engine_id)
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_recorded_at
    ON transcript_segments (recorded_at);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_fts
    ON transcript_segments USING GIN (to_tsvector('simple', text));
`

// ddlEmbeddings returns the embeddings DDL with the vector dimension baked
// into the column type.
func ddlEmbeddings(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS segment_embeddings (
    session_id  TEXT       NOT NULL,
    seq         BIGINT     NOT NULL,
    engine_id   TEXT       NOT NULL,
    model       TEXT       NOT NULL DEFAULT '',
    embedding   vector(%d) NOT NULL,
    PRIMARY KEY (session_id, seq, engine_id),
    FOREIGN KEY (session_id, seq, engine_id)
        REFERENCES transcript_segments (session_id, seq, engine_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_segment_embeddings_hnsw
    ON segment_embeddings USING hnsw (embedding vector_cosine_ops);
`, dims)
}

// Migrate creates the archive tables if they do not exist. With dims > 0 it
// also installs pgvector and the embeddings table. It is idempotent.
//
// Changing dims after the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	statements := []string{ddlSegments}
	if dims > 0 {
		statements = append(statements, ddlEmbeddings(dims))
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}
