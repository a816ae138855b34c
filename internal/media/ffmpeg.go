// Package media turns audio and video files into the mono 16-bit PCM the
// recognition engines consume.
//
// Plain 16-bit WAV files are decoded in-process. Everything else (MP3, FLAC,
// MP4, MKV, ...) is piped through the ffmpeg binary, which must be on PATH
// or set via [WithBinary].
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// DefaultSampleRate is the rate files are converted to when none is given.
const DefaultSampleRate = 16000

// ErrFFmpegMissing is returned when a file needs ffmpeg and the binary
// cannot be found.
var ErrFFmpegMissing = errors.New("media: ffmpeg not found")

// videoExts are containers that always go through ffmpeg, even when a WAV
// decoder would accept the bytes.
var videoExts = map[string]bool{
	".mp4": true, ".mkv": true, ".mov": true, ".avi": true, ".webm": true,
}

// Option configures [ExtractPCM] and [Open].
type Option func(*options)

type options struct {
	binary     string
	sampleRate int
}

// WithBinary sets the ffmpeg executable. Defaults to "ffmpeg" on PATH.
func WithBinary(path string) Option {
	return func(o *options) { o.binary = path }
}

// WithSampleRate sets the output sample rate. Defaults to [DefaultSampleRate].
func WithSampleRate(rate int) Option {
	return func(o *options) {
		if rate > 0 {
			o.sampleRate = rate
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{binary: "ffmpeg", sampleRate: DefaultSampleRate}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// IsVideo reports whether path has a video container extension.
func IsVideo(path string) bool {
	return videoExts[strings.ToLower(filepath.Ext(path))]
}

// ExtractPCM returns the whole file as mono 16-bit PCM at the configured
// rate.
func ExtractPCM(ctx context.Context, path string, opts ...Option) ([]byte, error) {
	o := buildOptions(opts)

	if !IsVideo(path) {
		pcm, err := decodeWAVFile(path, o.sampleRate)
		if err == nil {
			return pcm, nil
		}
		if !errors.Is(err, audio.ErrNotWAV) {
			return nil, err
		}
		slog.Debug("media: not a plain WAV file, using ffmpeg", "path", path, "err", err)
	}

	rc, err := Open(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	pcm, readErr := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, fmt.Errorf("media: read ffmpeg output: %w", readErr)
	}
	return pcm, nil
}

func decodeWAVFile(path string, rate int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("media: open %q: %w", path, err)
	}
	defer f.Close()

	format, pcm, err := audio.DecodeWAV(f)
	if err != nil {
		return nil, err
	}
	return audio.ToMono(pcm, format, rate), nil
}

// Open starts ffmpeg on path and streams its PCM output. The stream ends
// when the file is fully decoded. Close stops ffmpeg if it is still running
// and reports a decoding failure together with ffmpeg's last stderr line.
func Open(ctx context.Context, path string, opts ...Option) (io.ReadCloser, error) {
	o := buildOptions(opts)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	bin, err := exec.LookPath(o.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFFmpegMissing, err)
	}

	cmd := exec.CommandContext(ctx, bin,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", path,
		"-vn", "-ac", "1", "-ar", strconv.Itoa(o.sampleRate),
		"-f", "s16le", "-acodec", "pcm_s16le",
		"pipe:1",
	)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("media: ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("media: start ffmpeg: %w", err)
	}
	slog.Debug("media: ffmpeg started", "path", path, "rate", o.sampleRate)
	return &ffmpegStream{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer

	mu      sync.Mutex
	eof     bool
	closed  bool
	waitErr error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		s.mu.Lock()
		s.eof = true
		s.mu.Unlock()
	}
	return n, err
}

// Close kills ffmpeg unless the output was read to the end, then waits for
// it. Killing on early close is expected and not reported.
func (s *ffmpegStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.waitErr
	}
	s.closed = true

	if !s.eof {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
		return nil
	}
	if err := s.cmd.Wait(); err != nil {
		msg := strings.TrimSpace(s.stderr.String())
		if msg != "" {
			s.waitErr = fmt.Errorf("media: ffmpeg: %w: %s", err, lastLine(msg))
		} else {
			s.waitErr = fmt.Errorf("media: ffmpeg: %w", err)
		}
	}
	return s.waitErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
