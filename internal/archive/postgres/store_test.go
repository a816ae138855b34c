package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livescribe/internal/archive/postgres"
	"github.com/MrWong99/livescribe/internal/live"
	"github.com/MrWong99/livescribe/pkg/provider/embeddings/mock"
)

const testEmbeddingDim = 8

// testDSN returns the test database DSN from the environment, or skips the
// test if LIVESCRIBE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LIVESCRIBE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LIVESCRIBE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore drops the archive tables and opens a fresh store.
func newTestStore(t *testing.T, opts ...postgres.Option) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS segment_embeddings",
		"DROP TABLE IF EXISTS transcript_segments",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	store, err := postgres.NewStore(ctx, dsn, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func record(session string, seq uint64, results map[string]string) live.ResultRecord {
	engines := make([]string, 0, len(results))
	for _, id := range []string{"whisper", "vosk"} {
		if _, ok := results[id]; ok {
			engines = append(engines, id)
		}
	}
	return live.ResultRecord{
		SessionID: session,
		Seq:       seq,
		Engines:   engines,
		Results:   results,
		ModelTier: "base",
		Duration:  2 * time.Second,
		At:        time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestStore_AppendAndSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []live.ResultRecord{
		record("s1", 1, map[string]string{"whisper": "good morning", "vosk": "good mourning"}),
		record("s1", 2, map[string]string{"whisper": "", "vosk": ""}),
		record("s2", 1, map[string]string{"whisper": "other session"}),
	}
	recs[1].Errors = map[string]string{"vosk": "vosk: unavailable"}
	for _, r := range recs {
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	segs, err := store.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(segs) != 4 {
		t.Fatalf("segments = %d, want 4", len(segs))
	}
	if segs[0].Seq != 1 || segs[0].EngineID != "vosk" || segs[0].Text != "good mourning" {
		t.Errorf("first segment = %+v", segs[0])
	}
	if segs[3].Seq != 2 || segs[3].EngineID != "whisper" {
		t.Errorf("last segment = %+v", segs[3])
	}
	if segs[2].Error != "vosk: unavailable" {
		t.Errorf("error column = %q", segs[2].Error)
	}

	// Re-appending replaces.
	again := record("s1", 1, map[string]string{"whisper": "good evening"})
	if err := store.Append(ctx, again); err != nil {
		t.Fatalf("Append: %v", err)
	}
	segs, _ = store.Session(ctx, "s1")
	for _, s := range segs {
		if s.Seq == 1 && s.EngineID == "whisper" && s.Text != "good evening" {
			t.Errorf("upsert kept %q", s.Text)
		}
	}

	empty, err := store.Session(ctx, "nope")
	if err != nil || len(empty) != 0 {
		t.Errorf("Session(nope) = %v, %v", empty, err)
	}
}

func TestStore_FullTextSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if store.Semantic() {
		t.Fatal("store without embedder reports semantic search")
	}

	_ = store.Append(ctx, record("s1", 1, map[string]string{"whisper": "the deployment failed on friday"}))
	_ = store.Append(ctx, record("s1", 2, map[string]string{"whisper": "lunch is at noon"}))

	hits, err := store.Search(ctx, "deployment", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Seq != 1 {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Score <= 0 {
		t.Errorf("score = %f, want > 0", hits[0].Score)
	}

	if _, err := store.Search(ctx, "  ", 5); !errors.Is(err, postgres.ErrEmptyQuery) {
		t.Errorf("blank query err = %v", err)
	}
}

func TestStore_SemanticSearch(t *testing.T) {
	emb := &mock.Provider{Dims: testEmbeddingDim}
	store := newTestStore(t, postgres.WithEmbedder(emb))
	ctx := context.Background()
	if !store.Semantic() {
		t.Fatal("store with embedder does not report semantic search")
	}

	_ = store.Append(ctx, record("s1", 1, map[string]string{"whisper": "rollback the release", "vosk": ""}))
	_ = store.Append(ctx, record("s1", 2, map[string]string{"whisper": "coffee machine is broken"}))

	if emb.BatchCalls != 2 {
		t.Errorf("EmbedBatch calls = %d, want 2", emb.BatchCalls)
	}
	for _, text := range emb.Texts {
		if text == "" {
			t.Error("empty text was embedded")
		}
	}

	hits, err := store.Search(ctx, "rollback the release", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Text != "rollback the release" {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("identical text score = %f, want ~1", hits[0].Score)
	}
}

func TestStore_EmbeddingFailureKeepsText(t *testing.T) {
	emb := &mock.Provider{Dims: testEmbeddingDim}
	store := newTestStore(t, postgres.WithEmbedder(emb))
	ctx := context.Background()

	emb.Err = errors.New("quota exceeded")
	if err := store.Append(ctx, record("s1", 1, map[string]string{"whisper": "kept anyway"})); err != nil {
		t.Fatalf("Append: %v", err)
	}
	segs, err := store.Session(ctx, "s1")
	if err != nil || len(segs) != 1 || segs[0].Text != "kept anyway" {
		t.Errorf("Session = %+v, %v", segs, err)
	}
}
