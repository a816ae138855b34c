package live

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// Segmenter defaults. They are tuned for a quiet room and a close microphone.
const (
	DefaultSampleRate       = 16000
	DefaultFrameSize        = 1024
	DefaultSilenceThreshold = 1000.0
	DefaultSilenceDuration  = 1500 * time.Millisecond
	DefaultMinSegmentFrames = 10
)

// SegmenterConfig configures a [Segmenter].
type SegmenterConfig struct {
	// SampleRate and FrameSize describe the incoming frames and turn
	// SilenceDuration into a frame count.
	SampleRate int
	FrameSize  int

	// Threshold is the mean absolute amplitude below which a frame counts as
	// silent.
	Threshold float64

	// SilenceDuration is how much trailing silence ends a segment.
	SilenceDuration time.Duration

	// SilenceFrames overrides SilenceDuration with an explicit frame count
	// when positive.
	SilenceFrames int

	// MinFrames is the length a buffer must exceed before silence can end it.
	MinFrames int
}

// DefaultSegmenterConfig returns the default configuration for 16 kHz frames
// of 1024 samples. Its silence frame count is 23.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		SampleRate:      DefaultSampleRate,
		FrameSize:       DefaultFrameSize,
		Threshold:       DefaultSilenceThreshold,
		SilenceDuration: DefaultSilenceDuration,
		MinFrames:       DefaultMinSegmentFrames,
	}
}

// withDefaults fills zero fields from DefaultSegmenterConfig.
func (c SegmenterConfig) withDefaults() SegmenterConfig {
	d := DefaultSegmenterConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = d.FrameSize
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = d.SilenceDuration
	}
	if c.MinFrames <= 0 {
		c.MinFrames = d.MinFrames
	}
	return c
}

// Validate reports configuration errors. Zero values are valid and mean
// "use the default".
func (c SegmenterConfig) Validate() error {
	var errs []error
	if c.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("live: sample rate %d must not be negative", c.SampleRate))
	}
	if c.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("live: frame size %d must not be negative", c.FrameSize))
	}
	if c.Threshold < 0 {
		errs = append(errs, fmt.Errorf("live: silence threshold %g must not be negative", c.Threshold))
	}
	if c.SilenceDuration < 0 {
		errs = append(errs, fmt.Errorf("live: silence duration %s must not be negative", c.SilenceDuration))
	}
	if c.SilenceFrames < 0 {
		errs = append(errs, fmt.Errorf("live: silence frames %d must not be negative", c.SilenceFrames))
	}
	if c.MinFrames < 0 {
		errs = append(errs, fmt.Errorf("live: min segment frames %d must not be negative", c.MinFrames))
	}
	return errors.Join(errs...)
}

// SilenceFrameCount returns the number of trailing silent frames the counter
// must exceed before a segment is emitted.
func (c SegmenterConfig) SilenceFrameCount() int {
	c = c.withDefaults()
	if c.SilenceFrames > 0 {
		return c.SilenceFrames
	}
	return int(float64(c.SampleRate) / float64(c.FrameSize) * c.SilenceDuration.Seconds())
}

// Segmenter cuts a frame stream into segments with a fixed energy threshold.
// Every frame is buffered; a run of silent frames longer than the silence
// count ends the segment once the buffer is longer than MinFrames. The
// heuristic can split mid-word or merge utterances across short pauses, and
// it emits runs of pure silence once they are long enough.
//
// A Segmenter is not safe for concurrent use. The controller drives it from
// its capture goroutine only.
type Segmenter struct {
	threshold     float64
	silenceFrames int
	minFrames     int

	buf     []audio.Frame
	silent  int
	nextSeq uint64
}

// NewSegmenter creates a Segmenter. Zero fields of cfg take their defaults.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	c := cfg.withDefaults()
	return &Segmenter{
		threshold:     c.Threshold,
		silenceFrames: c.SilenceFrameCount(),
		minFrames:     c.MinFrames,
		nextSeq:       1,
	}
}

// Push feeds one frame. It returns a segment and true when the frame
// completed one.
func (s *Segmenter) Push(f audio.Frame) (Segment, bool) {
	s.buf = append(s.buf, f)
	if audio.MeanAbsAmplitude(f.Data) < s.threshold {
		s.silent++
	} else {
		s.silent = 0
	}
	if s.silent > s.silenceFrames && len(s.buf) > s.minFrames {
		return s.emit(), true
	}
	return Segment{}, false
}

// Flush emits whatever is buffered, regardless of trailing silence.
func (s *Segmenter) Flush() (Segment, bool) {
	if len(s.buf) == 0 {
		return Segment{}, false
	}
	return s.emit(), true
}

// Buffered returns the number of frames waiting in the current buffer.
func (s *Segmenter) Buffered() int {
	return len(s.buf)
}

func (s *Segmenter) emit() Segment {
	seg := Segment{Seq: s.nextSeq, Frames: s.buf}
	s.nextSeq++
	s.buf = nil
	s.silent = 0
	return seg
}
