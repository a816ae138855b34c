package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/media"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/audio/audiosocket"
	"github.com/MrWong99/livescribe/pkg/audio/portaudio"
)

// buildSource creates the live audio source selected by cfg.
func buildSource(cfg config.AudioConfig) (audio.Source, error) {
	switch cfg.Source {
	case config.SourcePortAudio, "":
		var opts []portaudio.Option
		if cfg.Device != "" {
			opts = append(opts, portaudio.WithDevice(cfg.Device))
		}
		return portaudio.New(cfg.SampleRate, cfg.FrameSize, opts...)
	case config.SourceAudioSocket:
		return audiosocket.New(cfg.ListenAddr, cfg.SampleRate, cfg.FrameSize)
	case config.SourceFile:
		return newFileSource(cfg.Path, cfg.SampleRate, cfg.FrameSize, cfg.Realtime), nil
	}
	return nil, fmt.Errorf("app: unknown audio source %q", cfg.Source)
}

// fileSource replays a media file as live audio. Every Start decodes the
// file from the beginning, so each session hears the whole recording.
type fileSource struct {
	path      string
	rate      int
	frameSize int
	realtime  bool

	mu  sync.Mutex
	cur *audio.ReaderSource
}

var _ audio.Source = (*fileSource)(nil)

func newFileSource(path string, rate, frameSize int, realtime bool) *fileSource {
	return &fileSource{path: path, rate: rate, frameSize: frameSize, realtime: realtime}
}

// Start implements [audio.Source]. A missing file or ffmpeg binary is
// reported as [audio.ErrDeviceUnavailable].
func (s *fileSource) Start(ctx context.Context) (<-chan audio.Frame, error) {
	rc, err := media.Open(ctx, s.path, media.WithSampleRate(s.rate))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	src, err := audio.NewReaderSource(rc, s.rate, s.frameSize,
		audio.WithRealtime(s.realtime),
		audio.WithCloser(rc.Close),
	)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	frames, err := src.Start(ctx)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}

	s.mu.Lock()
	s.cur = src
	s.mu.Unlock()
	return frames, nil
}

// Stop implements [audio.Source].
func (s *fileSource) Stop() error {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.Stop()
}
