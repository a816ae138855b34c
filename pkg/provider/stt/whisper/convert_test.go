package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestPcmToFloat32(t *testing.T) {
	tests := []struct {
		name string
		in   []int16
		want []float32
	}{
		{"empty", nil, []float32{}},
		{"half scale", []int16{16384}, []float32{0.5}},
		{"full scale", []int16{math.MinInt16, math.MaxInt16}, []float32{-1, 32767.0 / 32768.0}},
		{"mixed", []int16{0, -16384, 8192}, []float32{0, -0.5, 0.25}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := make([]byte, len(tt.in)*2)
			for i, s := range tt.in {
				binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
			}
			got := pcmToFloat32(pcm)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Errorf("sample %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPcmToFloat32_OddByteCount(t *testing.T) {
	if out := pcmToFloat32([]byte{0, 0, 1}); len(out) != 1 {
		t.Fatalf("expected trailing byte to be ignored, got %d samples", len(out))
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  hello world \n", "hello world"},
		{"[BLANK_AUDIO]", ""},
		{" (silence) ", ""},
		{"", ""},
		{"[Music] hello", "[Music] hello"},
	}
	for _, tt := range tests {
		if got := cleanText(tt.in); got != tt.want {
			t.Errorf("cleanText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
