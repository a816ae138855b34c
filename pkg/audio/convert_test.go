package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestDownmix(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{"mono passthrough", []int16{1, 2, 3}, 1, []int16{1, 2, 3}},
		{"stereo", []int16{100, 200, -100, -200}, 2, []int16{150, -150}},
		{"stereo no overflow", []int16{32767, 32767}, 2, []int16{32767}},
		{"three channels", []int16{30, 60, 90}, 3, []int16{60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesToSamples(audio.Downmix(samplesToBytes(tt.in), tt.channels))
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 8 kHz telephony audio doubled to 16 kHz.
	pcm := samplesToBytes([]int16{1000, 2000})
	got := bytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if got[1] != 1500 {
		t.Errorf("interpolated sample: got %d, want 1500", got[1])
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	got := bytesToSamples(audio.ResampleMono16(pcm, 48000, 16000))
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResampleMono16_InvalidRate(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2})
	if out := audio.ResampleMono16(pcm, 0, 16000); len(out) != len(pcm) {
		t.Errorf("zero source rate should return input unchanged")
	}
}

func TestToMono(t *testing.T) {
	// 4 stereo frames at 32 kHz → 2 mono samples at 16 kHz.
	pcm := samplesToBytes([]int16{100, 300, 100, 300, 500, 700, 500, 700})
	got := bytesToSamples(audio.ToMono(pcm, audio.Format{SampleRate: 32000, Channels: 2}, 16000))
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 200 || got[1] != 600 {
		t.Errorf("got %v, want [200 600]", got)
	}
}

func TestReframer_FixedFrames(t *testing.T) {
	r := audio.NewReframer(16000, 16000, 4)

	if frames := r.Write(samplesToBytes([]int16{1, 2, 3})); len(frames) != 0 {
		t.Fatalf("expected no frame from 3 samples, got %d", len(frames))
	}
	frames := r.Write(samplesToBytes([]int16{4, 5, 6, 7, 8, 9}))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if got := bytesToSamples(frames[1].Data); got[0] != 5 || got[3] != 8 {
		t.Errorf("second frame = %v", got)
	}
	if frames[1].Timestamp != 250*time.Microsecond {
		t.Errorf("timestamp = %v, want 250µs", frames[1].Timestamp)
	}

	tail := r.Flush()
	if len(tail) != 1 {
		t.Fatalf("expected 1 flushed frame, got %d", len(tail))
	}
	got := bytesToSamples(tail[0].Data)
	if len(got) != 4 || got[0] != 9 || got[1] != 0 {
		t.Errorf("flushed frame = %v, want [9 0 0 0]", got)
	}
	if extra := r.Flush(); extra != nil {
		t.Errorf("second Flush returned %d frames", len(extra))
	}
}

func TestReframer_Resamples(t *testing.T) {
	r := audio.NewReframer(8000, 16000, 320)
	// 160 samples at 8 kHz (one AudioSocket packet) → 320 samples at 16 kHz.
	frames := r.Write(make([]byte, 320))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].SampleRate != 16000 || frames[0].Channels != 1 {
		t.Errorf("format = %d Hz / %d ch", frames[0].SampleRate, frames[0].Channels)
	}
}

func TestReframer_OddChunkDropped(t *testing.T) {
	r := audio.NewReframer(16000, 16000, 2)
	if frames := r.Write([]byte{1, 2, 3}); frames != nil {
		t.Errorf("expected odd chunk to be dropped")
	}
	if frames := r.Flush(); frames != nil {
		t.Errorf("nothing should be pending after a dropped chunk")
	}
}

func TestMeanAbsAmplitude(t *testing.T) {
	tests := []struct {
		name string
		in   []int16
		want float64
	}{
		{"empty", nil, 0},
		{"silence", []int16{0, 0, 0, 0}, 0},
		{"symmetric", []int16{1000, -1000, 1000, -1000}, 1000},
		{"min int16", []int16{-32768, 0}, 16384},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.MeanAbsAmplitude(samplesToBytes(tt.in)); got != tt.want {
				t.Errorf("MeanAbsAmplitude = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrame_Duration(t *testing.T) {
	f := audio.Frame{Data: make([]byte, 2048), SampleRate: 16000, Channels: 1}
	if f.Samples() != 1024 {
		t.Errorf("Samples = %d, want 1024", f.Samples())
	}
	if f.Duration() != 64*time.Millisecond {
		t.Errorf("Duration = %v, want 64ms", f.Duration())
	}
}
