// Package audio defines the frame type that flows through the live
// transcription pipeline, the Source abstraction over capture devices, and
// PCM helpers (format conversion, normalisation, WAV encoding).
//
// All PCM handled by this package is signed 16-bit little-endian.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned by [Source.Start] when the input device
// cannot be opened. Callers should surface it to the user; retrying rarely
// helps.
var ErrDeviceUnavailable = errors.New("audio: input device unavailable")

// Frame is a fixed-size block of PCM captured at one instant. Frames are
// immutable once produced: consumers must not modify Data.
type Frame struct {
	// Data holds the PCM samples.
	Data []byte

	// SampleRate in Hz (16000 for the default live pipeline).
	SampleRate int

	// Channels is 1 for every source in this module.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel held by the frame.
func (f Frame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Source owns an input device and produces frames while capture is active.
//
// Start opens the device and returns a channel of frames. The channel is
// closed once the producer loop exits, either because Stop was called or
// because the device stream ended. Frames read before Stop are always
// delivered.
//
// Stop must cause the blocking device read to return promptly. It is safe to
// call Stop more than once.
type Source interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop() error
}

// MeanAbsAmplitude returns the mean absolute sample value of pcm. Returns 0
// for buffers shorter than one sample.
func MeanAbsAmplitude(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := range n {
		s := int64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if s < 0 {
			s = -s
		}
		sum += s
	}
	return float64(sum) / float64(n)
}
