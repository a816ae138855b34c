// Package portaudio implements [audio.Source] on top of the PortAudio
// library, capturing mono 16-bit PCM from the default or a named input
// device.
//
// Each Read blocks for exactly one frame, so a Stop request takes effect
// within one frame period.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Option is a functional option for configuring a [Source].
type Option func(*Source)

// WithDevice selects the input device whose name contains name
// (case-insensitive). The default input device is used when unset.
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// WithBuffer sets the capacity of the frame channel returned by Start.
func WithBuffer(n int) Option {
	return func(s *Source) { s.buffer = n }
}

// stream is the part of *pa.Stream the read loop uses.
type stream interface {
	Read() error
	Stop() error
	Close() error
}

// Source captures microphone audio through PortAudio.
type Source struct {
	sampleRate int
	frameSize  int
	device     string
	buffer     int

	mu      sync.Mutex
	running bool
	done    chan struct{}
	exited  chan struct{}
}

// New creates a microphone source producing frames of frameSize samples at
// sampleRate Hz.
func New(sampleRate, frameSize int, opts ...Option) (*Source, error) {
	if sampleRate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("portaudio: invalid format %d Hz / %d samples", sampleRate, frameSize)
	}
	s := &Source{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		buffer:     32,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start initialises PortAudio, opens the input stream and launches the read
// loop. Any failure to reach the device is reported as
// [audio.ErrDeviceUnavailable].
func (s *Source) Start(ctx context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, errors.New("portaudio: source already started")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}

	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init: %w", audio.ErrDeviceUnavailable, err)
	}

	buf := make([]int16, s.frameSize)
	stream, err := s.open(buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("%w: start stream: %w", audio.ErrDeviceUnavailable, err)
	}

	slog.Info("portaudio: capture started",
		"device", s.deviceLabel(),
		"sample_rate", s.sampleRate,
		"frame_size", s.frameSize,
	)
	return s.run(stream, buf, pa.Terminate), nil
}

// run launches the read loop on an opened stream. s.mu must be held.
func (s *Source) run(st stream, buf []int16, terminate func() error) <-chan audio.Frame {
	s.running = true
	s.done = make(chan struct{})
	s.exited = make(chan struct{})
	out := make(chan audio.Frame, s.buffer)
	go s.loop(st, buf, out, s.done, s.exited, terminate)
	return out
}

// Stop ends capture after the current frame and waits for the stream to be
// released. Safe to call when not running.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	exited := s.exited
	s.mu.Unlock()

	<-exited
	return nil
}

func (s *Source) open(buf []int16) (*pa.Stream, error) {
	if s.device == "" {
		stream, err := pa.OpenDefaultStream(1, 0, float64(s.sampleRate), s.frameSize, buf)
		if err != nil {
			return nil, fmt.Errorf("open default input: %w", err)
		}
		return stream, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var dev *pa.DeviceInfo
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(s.device)) {
			dev = d
			break
		}
	}
	if dev == nil {
		return nil, fmt.Errorf("no input device matching %q", s.device)
	}

	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(s.sampleRate)
	params.FramesPerBuffer = s.frameSize
	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", dev.Name, err)
	}
	return stream, nil
}

func (s *Source) loop(st stream, buf []int16, out chan<- audio.Frame, done <-chan struct{}, exited chan<- struct{}, terminate func() error) {
	defer close(exited)
	defer close(out)
	defer func() {
		if err := st.Stop(); err != nil {
			slog.Debug("portaudio: stop stream", "err", err)
		}
		if err := st.Close(); err != nil {
			slog.Debug("portaudio: close stream", "err", err)
		}
		if err := terminate(); err != nil {
			slog.Debug("portaudio: terminate", "err", err)
		}
		slog.Info("portaudio: capture stopped")
	}()

	frameDur := time.Duration(s.frameSize) * time.Second / time.Duration(s.sampleRate)
	var ts time.Duration

	for {
		select {
		case <-done:
			return
		default:
		}

		if err := st.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				slog.Warn("portaudio: input overflowed, samples were lost")
			} else {
				slog.Error("portaudio: read failed", "err", err)
				return
			}
		}

		frame := audio.Frame{
			Data:       samplesToPCM(buf),
			SampleRate: s.sampleRate,
			Channels:   1,
			Timestamp:  ts,
		}
		select {
		case out <- frame:
		case <-done:
			return
		}
		ts += frameDur
	}
}

func (s *Source) deviceLabel() string {
	if s.device == "" {
		return "default"
	}
	return s.device
}

// samplesToPCM copies buf into a fresh little-endian byte slice so the
// capture buffer can be reused for the next read.
func samplesToPCM(buf []int16) []byte {
	pcm := make([]byte, len(buf)*2)
	for i, v := range buf {
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(uint16(v) >> 8)
	}
	return pcm
}
