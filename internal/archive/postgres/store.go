package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/livescribe/internal/live"
	"github.com/MrWong99/livescribe/pkg/provider/embeddings"
)

// Option configures a [Store].
type Option func(*Store)

// WithEmbedder enables semantic search. Non-empty segment texts are embedded
// on Append and queries are embedded on Search.
func WithEmbedder(p embeddings.Provider) Option {
	return func(s *Store) { s.embedder = p }
}

// Store is the PostgreSQL transcript archive. All methods are safe for
// concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewStore connects to the database at dsn, registers the pgvector types on
// every connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{}
	for _, o := range opts {
		o(s)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	dims := 0
	if s.embedder != nil {
		dims = s.embedder.Dimensions()
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			// The vector type exists only after the first migration, so
			// registration is retried on every new connection.
			if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
				slog.Debug("archive: pgvector types not registered yet", "err", err)
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	if dims > 0 {
		// Connections opened before the migration lack the vector type.
		pool.Reset()
	}

	s.pool = pool
	return s, nil
}

// Semantic reports whether Search compares embeddings.
func (s *Store) Semantic() bool {
	return s.embedder != nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// segmentRow is one engine result of a record.
type segmentRow struct {
	engineID string
	text     string
	errMsg   string
}

// rowsOf flattens rec into one row per engine, in snapshot order. Engines
// missing from Results still get a row so gaps stay visible.
func rowsOf(rec live.ResultRecord) []segmentRow {
	ids := rec.Engines
	if len(ids) == 0 {
		ids = slices.Sorted(maps.Keys(rec.Results))
	}
	rows := make([]segmentRow, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, segmentRow{
			engineID: id,
			text:     rec.Results[id],
			errMsg:   rec.Errors[id],
		})
	}
	return rows
}

// embedTargets returns the indexes of rows with text worth embedding.
func embedTargets(rows []segmentRow) []int {
	var idx []int
	for i, r := range rows {
		if strings.TrimSpace(r.text) != "" {
			idx = append(idx, i)
		}
	}
	return idx
}

// Append stores every engine result of rec. Re-appending the same record
// replaces the earlier rows. An embedding failure is logged and the text is
// archived without a vector.
func (s *Store) Append(ctx context.Context, rec live.ResultRecord) error {
	rows := rowsOf(rec)
	if len(rows) == 0 {
		return nil
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}

	vectors := s.embed(ctx, rows)

	const qSegment = `
		INSERT INTO transcript_segments
		    (session_id, seq, engine_id, text, error, model_tier, snapshot_version, duration_ns, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, seq, engine_id) DO UPDATE SET
		    text             = EXCLUDED.text,
		    error            = EXCLUDED.error,
		    model_tier       = EXCLUDED.model_tier,
		    snapshot_version = EXCLUDED.snapshot_version,
		    duration_ns      = EXCLUDED.duration_ns,
		    recorded_at      = EXCLUDED.recorded_at`

	const qEmbedding = `
		INSERT INTO segment_embeddings (session_id, seq, engine_id, model, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, seq, engine_id) DO UPDATE SET
		    model     = EXCLUDED.model,
		    embedding = EXCLUDED.embedding`

	batch := &pgx.Batch{}
	for i, r := range rows {
		batch.Queue(qSegment,
			rec.SessionID,
			int64(rec.Seq),
			r.engineID,
			r.text,
			r.errMsg,
			string(rec.ModelTier),
			int64(rec.SnapshotVersion),
			rec.Duration.Nanoseconds(),
			at,
		)
		if vec, ok := vectors[i]; ok {
			batch.Queue(qEmbedding,
				rec.SessionID,
				int64(rec.Seq),
				r.engineID,
				s.embedder.ModelID(),
				pgvector.NewVector(vec),
			)
		}
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("archive: append seq %d: %w", rec.Seq, err)
	}
	return nil
}

// embed returns vectors keyed by row index. It returns nil without an
// embedder or on failure.
func (s *Store) embed(ctx context.Context, rows []segmentRow) map[int][]float32 {
	if s.embedder == nil {
		return nil
	}
	idx := embedTargets(rows)
	if len(idx) == 0 {
		return nil
	}
	texts := make([]string, len(idx))
	for i, j := range idx {
		texts[i] = rows[j].text
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		slog.Warn("archive: embedding failed, storing text only", "err", err)
		return nil
	}
	out := make(map[int][]float32, len(idx))
	for i, j := range idx {
		out[j] = vecs[i]
	}
	return out
}

// Segment is one archived engine result.
type Segment struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	EngineID  string    `json:"engine_id"`
	Text      string    `json:"text"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Session returns the segments of sessionID in sequence order, with the
// engines of one segment in ID order.
func (s *Store) Session(ctx context.Context, sessionID string) ([]Segment, error) {
	const q = `
		SELECT session_id, seq, engine_id, text, error, recorded_at
		FROM   transcript_segments
		WHERE  session_id = $1
		ORDER  BY seq, engine_id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: session: %w", err)
	}
	segments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Segment, error) {
		var (
			seg Segment
			seq int64
		)
		if err := row.Scan(&seg.SessionID, &seq, &seg.EngineID, &seg.Text, &seg.Error, &seg.At); err != nil {
			return Segment{}, err
		}
		seg.Seq = uint64(seq)
		return seg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if segments == nil {
		segments = []Segment{}
	}
	return segments, nil
}
