// Package audiosocket implements [audio.Source] for Asterisk AudioSocket
// calls. The source listens on a TCP address, accepts a single call, and
// turns the 8 kHz signed-linear payloads into fixed-size frames at the
// session sample rate. A hangup from the far end ends the stream.
package audiosocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// SlinRate is the fixed sample rate of AudioSocket signed-linear audio.
const SlinRate = 8000

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Source accepts one AudioSocket call per Start.
type Source struct {
	addr       string
	sampleRate int
	frameSize  int

	mu       sync.Mutex
	running  bool
	listener net.Listener
	conn     net.Conn
	callID   uuid.UUID
	done     chan struct{}
	exited   chan struct{}
}

// New creates a source listening on addr (e.g. ":9092") that produces frames
// of frameSize samples at sampleRate Hz.
func New(addr string, sampleRate, frameSize int) (*Source, error) {
	if addr == "" {
		return nil, errors.New("audiosocket: listen address must not be empty")
	}
	if sampleRate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("audiosocket: invalid format %d Hz / %d samples", sampleRate, frameSize)
	}
	return &Source{addr: addr, sampleRate: sampleRate, frameSize: frameSize}, nil
}

// Start binds the listen address and waits for a call in the background.
// Failing to bind is reported as [audio.ErrDeviceUnavailable].
func (s *Source) Start(ctx context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, errors.New("audiosocket: source already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", audio.ErrDeviceUnavailable, s.addr, err)
	}

	s.running = true
	s.listener = ln
	s.conn = nil
	s.callID = uuid.Nil
	s.done = make(chan struct{})
	s.exited = make(chan struct{})

	out := make(chan audio.Frame, 32)
	slog.Info("audiosocket: waiting for call", "addr", ln.Addr().String())
	go s.serve(ln, out, s.done, s.exited)
	return out, nil
}

// Addr returns the bound listen address while the source is running.
func (s *Source) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// CallID returns the AudioSocket call identifier of the connected call, or
// uuid.Nil when no call has been accepted yet.
func (s *Source) CallID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// Stop closes the listener and the active call, then waits for the read loop
// to deliver its remaining frames.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	_ = s.listener.Close()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	exited := s.exited
	s.mu.Unlock()

	<-exited

	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
	return nil
}

func (s *Source) serve(ln net.Listener, out chan<- audio.Frame, done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)
	defer close(out)

	conn, err := ln.Accept()
	// One call per session: stop listening as soon as it is accepted.
	_ = ln.Close()
	if err != nil {
		select {
		case <-done:
		default:
			slog.Error("audiosocket: accept failed", "err", err)
		}
		return
	}
	defer conn.Close()

	s.mu.Lock()
	select {
	case <-done:
		s.mu.Unlock()
		return
	default:
	}
	s.conn = conn
	s.mu.Unlock()

	id, err := audiosocket.GetID(conn)
	if err != nil {
		slog.Error("audiosocket: read call id", "remote", conn.RemoteAddr().String(), "err", err)
		return
	}
	s.mu.Lock()
	s.callID = id
	s.mu.Unlock()
	slog.Info("audiosocket: call connected", "call_id", id.String(), "remote", conn.RemoteAddr().String())

	reframer := audio.NewReframer(SlinRate, s.sampleRate, s.frameSize)
	defer func() {
		for _, f := range reframer.Flush() {
			out <- f
		}
	}()

	for {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			select {
			case <-done:
			default:
				if !errors.Is(err, io.EOF) {
					slog.Warn("audiosocket: read message", "call_id", id.String(), "err", err)
				}
			}
			return
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			for _, f := range reframer.Write(msg.Payload()) {
				out <- f
			}
		case audiosocket.KindHangup:
			slog.Info("audiosocket: call hung up", "call_id", id.String())
			return
		case audiosocket.KindError:
			slog.Warn("audiosocket: call reported error", "call_id", id.String(), "code", msg.ErrorCode())
			return
		}
	}
}
