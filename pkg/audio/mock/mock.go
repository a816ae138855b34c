// Package mock provides an in-memory implementation of [audio.Source] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records every Start and Stop call
// and exposes exported fields that the test sets to control behaviour.
//
// Typical usage:
//
//	src := &mock.Source{Frames: frames}
//	ch, err := src.Start(ctx)
//	for f := range ch { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Source is a scripted [audio.Source]. On Start it delivers Frames in order
// and then either closes the channel (the default) or, with HoldOpen set,
// keeps it open until Stop is called, mimicking a live microphone.
type Source struct {
	mu sync.Mutex

	// Frames are delivered in order after Start.
	Frames []audio.Frame

	// StartErr is returned by Start. When set, no channel is created.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// HoldOpen keeps the frame channel open after Frames are exhausted until
	// Stop is called.
	HoldOpen bool

	// StartCalls counts Start invocations.
	StartCalls int

	// StopCalls counts Stop invocations.
	StopCalls int

	done    chan struct{}
	exited  chan struct{}
	stopped bool
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	if s.StartErr != nil {
		return nil, s.StartErr
	}

	frames := make([]audio.Frame, len(s.Frames))
	copy(frames, s.Frames)

	s.done = make(chan struct{})
	s.exited = make(chan struct{})
	s.stopped = false
	done, exited, hold := s.done, s.exited, s.HoldOpen

	out := make(chan audio.Frame)
	go func() {
		defer close(exited)
		defer close(out)
		for _, f := range frames {
			select {
			case out <- f:
			case <-done:
				return
			}
		}
		if hold {
			<-done
		}
	}()
	return out, nil
}

// Stop implements [audio.Source]. Pending undelivered frames are discarded.
func (s *Source) Stop() error {
	s.mu.Lock()
	s.StopCalls++
	done, exited := s.done, s.exited
	if done != nil && !s.stopped {
		s.stopped = true
		close(done)
	}
	err := s.StopErr
	s.mu.Unlock()

	if exited != nil {
		<-exited
	}
	return err
}

// StartCallCount returns the number of Start calls so far.
func (s *Source) StartCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartCalls
}

// StopCallCount returns the number of Stop calls so far.
func (s *Source) StopCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCalls
}
