package live

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/livescribe/internal/observe"
)

// DefaultHistory is the number of records a Sink keeps by default.
const DefaultHistory = 1000

// SinkOption configures a [Sink].
type SinkOption func(*Sink)

// WithHistory sets how many recent records are kept for [Sink.Records].
func WithHistory(n int) SinkOption {
	return func(s *Sink) { s.history = n }
}

// WithSinkMetrics overrides the metrics instance. Defaults to
// observe.DefaultMetrics().
func WithSinkMetrics(m *observe.Metrics) SinkOption {
	return func(s *Sink) { s.metrics = m }
}

// Sink keeps the cumulative transcript of every engine and fans records out
// to subscribers. All methods are safe for concurrent use.
type Sink struct {
	history int
	metrics *observe.Metrics

	mu          sync.Mutex
	order       []string
	transcripts map[string]*strings.Builder
	records     []ResultRecord
	subs        map[*Subscription]struct{}
}

// NewSink creates an empty Sink.
func NewSink(opts ...SinkOption) *Sink {
	s := &Sink{
		history:     DefaultHistory,
		transcripts: make(map[string]*strings.Builder),
		subs:        make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Append adds the non-empty text of every engine in rec to that engine's
// transcript, one line per segment. Engines with empty text are skipped.
// Subscribers whose buffer is full miss the record.
func (s *Sink) Append(rec ResultRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range rec.Engines {
		b, ok := s.transcripts[id]
		if !ok {
			b = &strings.Builder{}
			s.transcripts[id] = b
			s.order = append(s.order, id)
		}
		text := rec.Results[id]
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(text)
	}

	if s.history > 0 {
		s.records = append(s.records, rec)
		if over := len(s.records) - s.history; over > 0 {
			s.records = append([]ResultRecord(nil), s.records[over:]...)
		}
	}

	for sub := range s.subs {
		select {
		case sub.ch <- rec:
		default:
			slog.Warn("live: subscriber too slow, record dropped", "subscriber", sub.name, "seq", rec.Seq)
			s.metrics.RecordDropped(context.Background(), sub.name)
		}
	}
}

// Transcript returns the cumulative transcript of engine id.
func (s *Sink) Transcript(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.transcripts[id]; ok {
		return b.String()
	}
	return ""
}

// Transcripts returns every engine's transcript keyed by engine ID.
func (s *Sink) Transcripts() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.transcripts))
	for id, b := range s.transcripts {
		out[id] = b.String()
	}
	return out
}

// Engines returns the engine IDs in the order they first appeared.
func (s *Sink) Engines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Records returns the most recent records, oldest first.
func (s *Sink) Records() []ResultRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ResultRecord(nil), s.records...)
}

// Clear drops every transcript and record. Subscriptions stay open.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.transcripts = make(map[string]*strings.Builder)
	s.records = nil
}

// Subscription delivers records appended after it was created.
type Subscription struct {
	name string
	ch   chan ResultRecord
	sink *Sink
	once sync.Once
}

// C returns the record channel. It is closed by Close.
func (sub *Subscription) C() <-chan ResultRecord {
	return sub.ch
}

// Close ends the subscription. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.sink.mu.Lock()
		delete(sub.sink.subs, sub)
		sub.sink.mu.Unlock()
		close(sub.ch)
	})
}

// Subscribe registers a subscriber with a buffer of buf records. The name
// labels drop warnings and metrics.
func (s *Sink) Subscribe(name string, buf int) *Subscription {
	if buf < 1 {
		buf = 1
	}
	sub := &Subscription{name: name, ch: make(chan ResultRecord, buf), sink: s}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}
