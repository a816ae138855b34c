package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Compile-time assertion that ReaderSource implements Source.
var _ Source = (*ReaderSource)(nil)

// ReaderSourceOption configures a [ReaderSource].
type ReaderSourceOption func(*ReaderSource)

// WithRealtime paces frame delivery to the wall clock, so a recording is
// replayed at the speed it was captured. Off by default.
func WithRealtime(enabled bool) ReaderSourceOption {
	return func(s *ReaderSource) { s.realtime = enabled }
}

// WithCloser registers a function called once the reader is exhausted or the
// source is stopped (e.g. to reap an ffmpeg child process).
func WithCloser(fn func() error) ReaderSourceOption {
	return func(s *ReaderSource) { s.closer = fn }
}

// ReaderSource produces frames from a raw mono PCM stream. It is used to
// replay media files through the live pipeline and to drive tests.
//
// A trailing partial frame is zero-padded to full size so every frame keeps
// the fixed length the segmenter expects.
type ReaderSource struct {
	r          io.Reader
	sampleRate int
	frameSize  int
	realtime   bool
	closer     func() error

	mu      sync.Mutex
	started bool
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

// NewReaderSource creates a source that slices r into frames of frameSize
// samples at sampleRate Hz.
func NewReaderSource(r io.Reader, sampleRate, frameSize int, opts ...ReaderSourceOption) (*ReaderSource, error) {
	if r == nil {
		return nil, errors.New("audio: reader must not be nil")
	}
	if sampleRate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("audio: invalid format %d Hz / %d samples", sampleRate, frameSize)
	}
	s := &ReaderSource{
		r:          r,
		sampleRate: sampleRate,
		frameSize:  frameSize,
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start launches the read loop. It may only be called once.
func (s *ReaderSource) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, errors.New("audio: reader source already started")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	s.started = true

	out := make(chan Frame, 16)
	go s.loop(out)
	return out, nil
}

// Stop ends the read loop after the frame currently being read and waits for
// the loop to exit.
func (s *ReaderSource) Stop() error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.exited
	}
	return nil
}

func (s *ReaderSource) loop(out chan<- Frame) {
	defer close(s.exited)
	defer close(out)
	defer func() {
		if s.closer != nil {
			if err := s.closer(); err != nil {
				slog.Debug("audio: reader source closer failed", "err", err)
			}
		}
	}()

	frameBytes := s.frameSize * 2
	frameDur := time.Duration(s.frameSize) * time.Second / time.Duration(s.sampleRate)
	start := time.Now()
	var ts time.Duration

	for {
		select {
		case <-s.done:
			return
		default:
		}

		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(s.r, buf)
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				slog.Warn("audio: reader source read failed", "err", err)
			}
			return
		}
		// A short final read leaves the rest of buf zeroed.
		frame := Frame{Data: buf, SampleRate: s.sampleRate, Channels: 1, Timestamp: ts}
		ts += frameDur

		if s.realtime {
			if wait := time.Until(start.Add(ts)); wait > 0 {
				select {
				case <-time.After(wait):
				case <-s.done:
					// The frame was already read; deliver it before exiting.
				}
			}
		}

		out <- frame

		if err != nil {
			// io.ErrUnexpectedEOF: that was the last, partial frame.
			return
		}
	}
}
