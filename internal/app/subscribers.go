package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/livescribe/internal/archive/postgres"
	"github.com/MrWong99/livescribe/internal/live"
	redispub "github.com/MrWong99/livescribe/internal/publish/redis"
)

// Subscriber buffer sizes. Archive and publisher writes are network round
// trips, so they get more slack than the console.
const (
	displayBuffer = 64
	storeBuffer   = 256
	feedBuffer    = 64

	// writeTimeout bounds a single archive or publish call.
	writeTimeout = 10 * time.Second
)

// Archive persists records and searches past sessions.
type Archive interface {
	Append(ctx context.Context, rec live.ResultRecord) error
	Search(ctx context.Context, query string, k int) ([]postgres.Hit, error)
	Ping(ctx context.Context) error
	Close()
}

// Publisher forwards records to other services.
type Publisher interface {
	Publish(ctx context.Context, rec live.ResultRecord) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Archive   = (*postgres.Store)(nil)
	_ Publisher = (*redispub.Publisher)(nil)
)

// formatRecord renders one line per engine that produced text, in snapshot
// order. Engines that failed are shown with their diagnostic.
func formatRecord(rec live.ResultRecord) string {
	var b strings.Builder
	for _, id := range rec.Engines {
		switch {
		case rec.Results[id] != "":
			fmt.Fprintf(&b, "[%d] %s: %s\n", rec.Seq, id, rec.Results[id])
		case rec.Errors[id] != "":
			fmt.Fprintf(&b, "[%d] %s: (error: %s)\n", rec.Seq, id, rec.Errors[id])
		}
	}
	return b.String()
}

// runDisplay writes every record to w until sub is closed.
func runDisplay(w io.Writer, sub *live.Subscription) {
	for rec := range sub.C() {
		if line := formatRecord(rec); line != "" {
			if _, err := io.WriteString(w, line); err != nil {
				slog.Debug("app: display write failed", "err", err)
			}
		}
	}
}

// runConsumer hands every record to fn until sub is closed. Failures are
// logged and the record is skipped; the live transcript is unaffected.
func runConsumer(name string, sub *live.Subscription, fn func(context.Context, live.ResultRecord) error) {
	for rec := range sub.C() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := fn(ctx, rec)
		cancel()
		if err != nil {
			slog.Warn("app: record consumer failed", "consumer", name, "session_id", rec.SessionID, "seq", rec.Seq, "err", err)
		}
	}
}
