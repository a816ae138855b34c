package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
)

func TestEncodeDecodeWAV(t *testing.T) {
	pcm := samplesToBytes([]int16{1, -2, 3, -4})
	wav := audio.EncodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE magic")
	}

	format, got, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format.SampleRate != 16000 || format.Channels != 1 {
		t.Errorf("format = %+v", format)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	pcm := samplesToBytes([]int16{7, 8})
	wav := audio.EncodeWAV(pcm, 8000, 1)

	// Insert a LIST chunk with an odd payload between fmt and data.
	list := []byte("LIST")
	list = binary.LittleEndian.AppendUint32(list, 3)
	list = append(list, 'a', 'b', 'c', 0)

	var buf bytes.Buffer
	buf.Write(wav[:36])
	buf.Write(list)
	buf.Write(wav[36:])

	format, got, err := audio.DecodeWAV(&buf)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", format.SampleRate)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAV_Rejects(t *testing.T) {
	float32WAV := audio.EncodeWAV(nil, 16000, 1)
	binary.LittleEndian.PutUint16(float32WAV[20:22], 3) // IEEE float
	binary.LittleEndian.PutUint16(float32WAV[34:36], 32)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"not riff", []byte("OggS0000000000000000")},
		{"float samples", float32WAV},
		{"no data chunk", audio.EncodeWAV(nil, 16000, 1)[:36]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := audio.DecodeWAV(bytes.NewReader(tt.in))
			if !errors.Is(err, audio.ErrNotWAV) {
				t.Errorf("err = %v, want ErrNotWAV", err)
			}
		})
	}
}

func TestReadWAVInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	// 1.5 s of stereo silence at 8 kHz.
	pcm := make([]byte, 8000*2*2*3/2)
	if err := os.WriteFile(path, audio.EncodeWAV(pcm, 8000, 2), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := audio.ReadWAVInfo(path)
	if err != nil {
		t.Fatalf("ReadWAVInfo: %v", err)
	}
	if info.Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", info.Duration)
	}
	if got, want := info.String(), "1.50s, 8000Hz, 2 channel(s)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNormalize(t *testing.T) {
	pcm := samplesToBytes([]int16{1000, -2000, 500})
	got := bytesToSamples(audio.Normalize(pcm, 0))
	if got[1] != -32767 {
		t.Errorf("peak sample = %d, want -32767", got[1])
	}
	if got[0] < 16380 || got[0] > 16386 {
		t.Errorf("scaled sample = %d, want ≈16383", got[0])
	}
	if orig := bytesToSamples(pcm); orig[0] != 1000 {
		t.Error("Normalize modified its input")
	}
}

func TestNormalize_SilenceUnchanged(t *testing.T) {
	pcm := make([]byte, 8)
	if got := audio.Normalize(pcm, audio.DefaultHeadroomDB); !bytes.Equal(got, pcm) {
		t.Errorf("silence changed: %v", got)
	}
}
