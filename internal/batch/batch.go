// Package batch transcribes whole audio and video files with a single
// engine. It reuses the live segmenter to cut long recordings at pauses and
// the live stage to run the engine, so a file and a microphone session
// produce the same kind of text.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/livescribe/internal/live"
	"github.com/MrWong99/livescribe/internal/media"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// DefaultMaxChunk caps the audio sent to the engine in one request.
// Neighbouring segments are merged up to this length so the engine sees
// whole sentences.
const DefaultMaxChunk = 60 * time.Second

var (
	// ErrEmptyTranscript is returned when the engine recognised nothing in
	// the whole file.
	ErrEmptyTranscript = errors.New("batch: transcript is empty")

	// ErrEngineFailed wraps the engine error when every chunk failed.
	ErrEngineFailed = errors.New("batch: engine failed")
)

// EngineLoader returns a ready engine for name at tier. The tier is ignored
// by engines that have no model sizes.
type EngineLoader func(ctx context.Context, name string, tier stt.ModelTier) (stt.Provider, error)

// Option configures a [Transcriber].
type Option func(*Transcriber)

// WithLanguage sets the language hint. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// WithSegmenter sets how the file is split at pauses. SampleRate and
// FrameSize of cfg also decide the extraction rate and frame size.
func WithSegmenter(cfg live.SegmenterConfig) Option {
	return func(t *Transcriber) { t.segmenter = cfg }
}

// WithMaxChunk overrides [DefaultMaxChunk].
func WithMaxChunk(d time.Duration) Option {
	return func(t *Transcriber) { t.maxChunk = d }
}

// WithCorrector applies c to every recognised chunk.
func WithCorrector(c live.Corrector) Option {
	return func(t *Transcriber) { t.corrector = c }
}

// WithMediaOptions passes options to [media.ExtractPCM].
func WithMediaOptions(opts ...media.Option) Option {
	return func(t *Transcriber) { t.mediaOpts = append(t.mediaOpts, opts...) }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transcriber) { t.metrics = m }
}

// WithProgress registers fn to be called after each chunk.
func WithProgress(fn func(done, total int)) Option {
	return func(t *Transcriber) { t.progress = fn }
}

// Transcriber turns files into plain text.
type Transcriber struct {
	load      EngineLoader
	language  string
	segmenter live.SegmenterConfig
	maxChunk  time.Duration
	corrector live.Corrector
	mediaOpts []media.Option
	metrics   *observe.Metrics
	progress  func(done, total int)
}

// New creates a Transcriber that obtains engines from load.
func New(load EngineLoader, opts ...Option) *Transcriber {
	t := &Transcriber{
		load:      load,
		language:  "en",
		segmenter: live.DefaultSegmenterConfig(),
		maxChunk:  DefaultMaxChunk,
	}
	for _, o := range opts {
		o(t)
	}
	if t.segmenter.SampleRate <= 0 {
		t.segmenter.SampleRate = live.DefaultSampleRate
	}
	if t.segmenter.FrameSize <= 0 {
		t.segmenter.FrameSize = live.DefaultFrameSize
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// DefaultOutputPath returns the suggested transcript path for in:
// "talk.mp4" becomes "talk_transcript.txt" in the same directory.
func DefaultOutputPath(in string) string {
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + "_transcript.txt"
}

// TranscribeFile loads engine at tier and transcribes the file at path.
// Chunks are joined with newlines.
func (t *Transcriber) TranscribeFile(ctx context.Context, path, engine string, tier stt.ModelTier) (string, error) {
	if tier == "" {
		tier = stt.DefaultTier
	}
	pcm, err := media.ExtractPCM(ctx, path,
		append([]media.Option{media.WithSampleRate(t.segmenter.SampleRate)}, t.mediaOpts...)...)
	if err != nil {
		return "", fmt.Errorf("batch: %w", err)
	}

	p, err := t.load(ctx, engine, tier)
	if err != nil {
		return "", fmt.Errorf("batch: load engine %q: %w", engine, err)
	}
	if c, ok := p.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("batch: close engine", "engine", engine, "err", err)
			}
		}()
	}

	slog.Info("batch: transcribing",
		"path", path,
		"engine", engine,
		"tier", tier,
		"duration", pcmDuration(len(pcm), t.segmenter.SampleRate),
	)
	return t.TranscribePCM(ctx, pcm, engine, p)
}

// TranscribeToFile transcribes in and writes the text to out as UTF-8. An
// empty out selects [DefaultOutputPath]. It returns the path written.
func (t *Transcriber) TranscribeToFile(ctx context.Context, in, out, engine string, tier stt.ModelTier) (string, error) {
	if out == "" {
		out = DefaultOutputPath(in)
	}
	text, err := t.TranscribeFile(ctx, in, engine, tier)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(out, []byte(text+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("batch: write transcript: %w", err)
	}
	slog.Info("batch: transcript written", "path", out, "chars", len(text))
	return out, nil
}

// TranscribePCM transcribes mono 16-bit PCM at the segmenter's sample rate
// with p, registered under id.
func (t *Transcriber) TranscribePCM(ctx context.Context, pcm []byte, id string, p stt.Provider) (string, error) {
	set, err := live.NewEngineSet(live.Engine{ID: id, Provider: p})
	if err != nil {
		return "", fmt.Errorf("batch: %w", err)
	}
	stage := live.NewStage(
		live.WithLanguage(t.language),
		live.WithCorrector(t.corrector),
		live.WithStageMetrics(t.metrics),
	)

	chunks := t.chunks(pcm)
	var (
		texts    []string
		firstErr string
		failed   int
	)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		seg := live.Segment{
			Seq:     uint64(i + 1),
			Frames:  t.frames(audio.Normalize(chunk, audio.DefaultHeadroomDB)),
			Engines: set,
		}
		rec := stage.Process(ctx, seg)
		if msg, ok := rec.Errors[id]; ok {
			failed++
			if firstErr == "" {
				firstErr = msg
			}
		}
		if text := rec.Text(id); text != "" {
			texts = append(texts, text)
		}
		if t.progress != nil {
			t.progress(i+1, len(chunks))
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(chunks) > 0 && failed == len(chunks) {
		return "", fmt.Errorf("%w: %s", ErrEngineFailed, firstErr)
	}
	if len(texts) == 0 {
		return "", ErrEmptyTranscript
	}
	if failed > 0 {
		slog.Warn("batch: some chunks failed", "failed", failed, "chunks", len(chunks), "err", firstErr)
	}
	return strings.Join(texts, "\n"), nil
}

// chunks splits pcm at pauses and merges neighbouring segments up to the
// chunk limit. Segments longer than the limit are cut hard.
func (t *Transcriber) chunks(pcm []byte) [][]byte {
	seg := live.NewSegmenter(t.segmenter)
	var segments [][]byte
	for _, f := range t.frames(pcm) {
		if s, ok := seg.Push(f); ok {
			segments = append(segments, s.PCM())
		}
	}
	if s, ok := seg.Flush(); ok {
		segments = append(segments, s.PCM())
	}

	limit := t.chunkBytes()
	var (
		out [][]byte
		cur []byte
	)
	for _, s := range segments {
		if len(cur) > 0 && len(cur)+len(s) > limit {
			out = append(out, cur)
			cur = nil
		}
		for len(s) > limit {
			out = append(out, s[:limit])
			s = s[limit:]
		}
		cur = append(cur, s...)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (t *Transcriber) chunkBytes() int {
	n := int(t.maxChunk.Seconds()*float64(t.segmenter.SampleRate)) * 2
	frame := t.segmenter.FrameSize * 2
	if n < frame {
		n = frame
	}
	return n - n%2
}

// frames cuts pcm into frames of the segmenter's size. The last frame may
// be shorter.
func (t *Transcriber) frames(pcm []byte) []audio.Frame {
	size := t.segmenter.FrameSize * 2
	out := make([]audio.Frame, 0, len(pcm)/size+1)
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		out = append(out, audio.Frame{
			Data:       pcm[off:end],
			SampleRate: t.segmenter.SampleRate,
			Channels:   1,
			Timestamp:  pcmDuration(off, t.segmenter.SampleRate),
		})
	}
	return out
}

func pcmDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}
