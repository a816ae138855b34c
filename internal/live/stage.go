package live

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Corrector rewrites recognised text, e.g. to snap misheard words onto a
// known vocabulary. Implementations must be safe for concurrent use.
type Corrector interface {
	Correct(text string) string
}

// StageOption configures a [Stage].
type StageOption func(*Stage)

// WithLanguage sets the language hint passed to every engine.
func WithLanguage(lang string) StageOption {
	return func(s *Stage) { s.language = lang }
}

// WithCorrector sets the initial corrector applied to non-empty text.
func WithCorrector(c Corrector) StageOption {
	return func(s *Stage) { s.corrector = c }
}

// WithStageMetrics overrides the metrics instance. Defaults to
// observe.DefaultMetrics().
func WithStageMetrics(m *observe.Metrics) StageOption {
	return func(s *Stage) { s.metrics = m }
}

// Stage runs the engines of a segment's snapshot and bundles their output
// into a [ResultRecord].
//
// Engines of one segment run in parallel and Process returns only after all
// of them finished. Callers process segments one at a time, which keeps
// records in segment order.
type Stage struct {
	language string
	metrics  *observe.Metrics
	now      func() time.Time

	mu        sync.RWMutex
	corrector Corrector
}

// NewStage creates a Stage.
func NewStage(opts ...StageOption) *Stage {
	s := &Stage{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetCorrector replaces the corrector. A nil corrector disables correction.
func (s *Stage) SetCorrector(c Corrector) {
	s.mu.Lock()
	s.corrector = c
	s.mu.Unlock()
}

// Language returns the language hint.
func (s *Stage) Language() string {
	return s.language
}

// Process transcribes seg with every engine of its snapshot.
//
// stt.ErrNotUnderstood yields empty text. Any other failure yields empty
// text plus an entry in Errors; it never aborts the other engines.
func (s *Stage) Process(ctx context.Context, seg Segment) ResultRecord {
	rec := ResultRecord{
		Seq:      seg.Seq,
		Results:  make(map[string]string),
		Duration: seg.Duration(),
	}
	if seg.Engines == nil {
		rec.At = s.now()
		return rec
	}
	engines := seg.Engines.Engines()
	rec.Engines = seg.Engines.IDs()
	rec.ModelTier = seg.Engines.Tier()
	rec.SnapshotVersion = seg.Engines.Version()

	pcm := seg.PCM()
	rate := seg.SampleRate()

	results := make([]EngineResult, len(engines))
	var g errgroup.Group
	for i, e := range engines {
		g.Go(func() error {
			results[i] = s.transcribe(ctx, seg.Seq, e, pcm, rate)
			return nil
		})
	}
	_ = g.Wait()

	corrector := s.currentCorrector()
	for _, r := range results {
		text := r.Text
		if text != "" && corrector != nil {
			text = corrector.Correct(text)
		}
		rec.Results[r.EngineID] = text
		if r.Err != nil {
			if rec.Errors == nil {
				rec.Errors = make(map[string]string)
			}
			rec.Errors[r.EngineID] = r.Err.Error()
		}
	}
	rec.At = s.now()
	return rec
}

func (s *Stage) currentCorrector() Corrector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.corrector
}

// transcribe runs one engine. NotUnderstood is not reported as an error.
func (s *Stage) transcribe(ctx context.Context, seq uint64, e Engine, pcm []byte, rate int) EngineResult {
	ctx, span := observe.StartSpan(ctx, "stt.transcribe",
		trace.WithAttributes(
			attribute.String("engine", e.ID),
			attribute.Int64("seq", int64(seq)),
			attribute.Int("pcm_bytes", len(pcm)),
		),
	)
	defer span.End()

	start := time.Now()
	text, err := e.Provider.Transcribe(ctx, pcm, rate, s.language)
	elapsed := time.Since(start)
	log := observe.Logger(ctx)

	switch {
	case err == nil:
		text = strings.TrimSpace(text)
		s.metrics.RecordSTT(ctx, e.ID, "ok", elapsed.Seconds())
		log.Debug("live: segment transcribed", "seq", seq, "engine", e.ID, "chars", len(text), "elapsed", elapsed)
		return EngineResult{Seq: seq, EngineID: e.ID, Text: text}

	case errors.Is(err, stt.ErrNotUnderstood):
		s.metrics.RecordSTT(ctx, e.ID, "not_understood", elapsed.Seconds())
		log.Debug("live: segment not understood", "seq", seq, "engine", e.ID, "elapsed", elapsed)
		return EngineResult{Seq: seq, EngineID: e.ID}

	default:
		kind := errorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordSTT(ctx, e.ID, "error", elapsed.Seconds())
		s.metrics.RecordEngineError(ctx, e.ID, kind)
		log.Warn("live: engine failed", "seq", seq, "engine", e.ID, "kind", kind, "err", err)
		return EngineResult{Seq: seq, EngineID: e.ID, Err: err}
	}
}

// errorKind classifies an engine failure for the error metric.
func errorKind(err error) string {
	switch {
	case errors.Is(err, stt.ErrEngineUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}
