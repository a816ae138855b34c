package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Downmix averages interleaved channels into mono. Uses int32 arithmetic so
// the sum cannot overflow. With channels <= 1 the input is returned as is.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[i*frameBytes+ch*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match (or either is invalid) the input is
// returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample(idx + 1)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s0*(1-frac)+s1*frac)))
	}
	return out
}

// ToMono converts PCM in format from to mono at dstRate. Channels are mixed
// down before resampling so only one channel is interpolated.
func ToMono(pcm []byte, from Format, dstRate int) []byte {
	return ResampleMono16(Downmix(pcm, from.Channels), from.SampleRate, dstRate)
}

// Reframer converts a stream of arbitrarily sized mono chunks into fixed-size
// frames at a target rate. Sources whose devices deliver their own packet
// size (telephony, network streams) use it to satisfy the fixed-frame
// contract of the pipeline.
//
// A Reframer is not safe for concurrent use.
type Reframer struct {
	srcRate   int
	dstRate   int
	frameSize int

	pending []byte
	emitted time.Duration

	warnOnce sync.Once
}

// NewReframer creates a Reframer that resamples srcRate input to dstRate and
// slices it into frames of frameSize samples.
func NewReframer(srcRate, dstRate, frameSize int) *Reframer {
	return &Reframer{srcRate: srcRate, dstRate: dstRate, frameSize: frameSize}
}

// Write adds chunk to the internal buffer and returns every complete frame
// now available. Odd-length chunks are dropped with a one-time warning.
func (r *Reframer) Write(chunk []byte) []Frame {
	if len(chunk)%2 != 0 {
		r.warnOnce.Do(func() {
			slog.Warn("audio: odd byte count in PCM chunk, dropping",
				"bytes", len(chunk),
				"format", formatString(r.srcRate, 1),
			)
		})
		return nil
	}
	r.pending = append(r.pending, ResampleMono16(chunk, r.srcRate, r.dstRate)...)
	return r.drain(false)
}

// Flush returns the remaining buffered audio as a final zero-padded frame,
// or nil if nothing is pending.
func (r *Reframer) Flush() []Frame {
	return r.drain(true)
}

func (r *Reframer) drain(final bool) []Frame {
	frameBytes := r.frameSize * 2
	frameDur := time.Duration(r.frameSize) * time.Second / time.Duration(r.dstRate)

	var frames []Frame
	for len(r.pending) >= frameBytes || (final && len(r.pending) > 0) {
		data := make([]byte, frameBytes)
		n := copy(data, r.pending)
		r.pending = r.pending[n:]
		frames = append(frames, Frame{Data: data, SampleRate: r.dstRate, Channels: 1, Timestamp: r.emitted})
		r.emitted += frameDur
	}
	if len(r.pending) == 0 {
		r.pending = nil
	}
	return frames
}

// formatString returns a human-readable format label, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
