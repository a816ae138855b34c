// Package live implements the live transcription pipeline: frames from an
// [audio.Source] are cut into speech segments by a [Segmenter], handed through
// a [Queue] to the [Stage] which runs every configured engine, and the
// resulting records are appended to a [Sink] in segment order. A [Controller]
// owns the session state and is the only component that accepts commands.
//
//	Source -> Segmenter -> Queue -> Stage -> Sink
package live

import (
	"fmt"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Segment is a run of frames treated as one candidate utterance. Segments are
// never modified after emission.
type Segment struct {
	// Seq starts at 1 for every session and has no gaps.
	Seq uint64

	// Frames holds at least one frame.
	Frames []audio.Frame

	// Engines is the snapshot captured when the segment was enqueued. Nil
	// until then.
	Engines *EngineSet
}

// PCM concatenates the frames into one contiguous buffer.
func (s Segment) PCM() []byte {
	n := 0
	for _, f := range s.Frames {
		n += len(f.Data)
	}
	pcm := make([]byte, 0, n)
	for _, f := range s.Frames {
		pcm = append(pcm, f.Data...)
	}
	return pcm
}

// SampleRate returns the rate of the first frame, or 0 for an empty segment.
func (s Segment) SampleRate() int {
	if len(s.Frames) == 0 {
		return 0
	}
	return s.Frames[0].SampleRate
}

// Duration returns the summed playback length of the frames.
func (s Segment) Duration() time.Duration {
	var d time.Duration
	for _, f := range s.Frames {
		d += f.Duration()
	}
	return d
}

// EngineResult is the outcome of one engine for one segment.
type EngineResult struct {
	Seq      uint64
	EngineID string
	Text     string
	Err      error
}

// ResultRecord bundles the output of every engine for one segment.
type ResultRecord struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`

	// Engines lists the engine IDs of the snapshot in order.
	Engines []string `json:"engines"`

	// Results maps engine ID to text. Empty text means the engine produced
	// nothing usable for this segment.
	Results map[string]string `json:"results"`

	// Errors maps engine ID to a diagnostic for engines that failed. Engines
	// that simply did not understand the audio do not appear here.
	Errors map[string]string `json:"errors,omitempty"`

	ModelTier       stt.ModelTier `json:"model_tier,omitempty"`
	SnapshotVersion uint64        `json:"snapshot_version"`
	Duration        time.Duration `json:"duration"`
	At              time.Time     `json:"at"`
}

// Text returns the text of engine id.
func (r ResultRecord) Text(id string) string {
	return r.Results[id]
}

// Empty reports whether no engine produced text.
func (r ResultRecord) Empty() bool {
	for _, t := range r.Results {
		if t != "" {
			return false
		}
	}
	return true
}

// State is the controller's session state.
type State int

const (
	// Idle: no capture and no queued work.
	Idle State = iota
	// Recording: the source is active and segments flow through the pipeline.
	Recording
	// Draining: the source is stopped; queued segments are still processed.
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state by name in JSON status responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of the controller.
type Status struct {
	State           State         `json:"state"`
	SessionID       string        `json:"session_id,omitempty"`
	ModelTier       stt.ModelTier `json:"model_tier,omitempty"`
	ModelLoading    bool          `json:"model_loading"`
	Engines         []string      `json:"engines"`
	SnapshotVersion uint64        `json:"snapshot_version"`
	QueueDepth      int           `json:"queue_depth"`
}
