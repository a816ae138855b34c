package live_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
)

const (
	testRate      = 16000
	testFrameSize = 160
)

// frame returns one mono frame whose samples all have the given amplitude.
func frame(amplitude int16) audio.Frame {
	data := make([]byte, testFrameSize*2)
	for i := range testFrameSize {
		s := amplitude
		if i%2 == 1 {
			s = -amplitude
		}
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return audio.Frame{Data: data, SampleRate: testRate, Channels: 1}
}

func voiced(n int) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		out[i] = frame(3000)
	}
	return out
}

func silent(n int) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		out[i] = frame(20)
	}
	return out
}

func concat(groups ...[]audio.Frame) []audio.Frame {
	var out []audio.Frame
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func pcmOf(frames []audio.Frame) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, f.Data...)
	}
	return out
}

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
