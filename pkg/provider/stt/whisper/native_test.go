package whisper_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

// makeTonePCM generates a 440 Hz tone; whisper will not find words in it.
func makeTonePCM(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_MissingFile_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative("/nonexistent/path/to/model.bin"); err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestNewNativeTier_InvalidTier(t *testing.T) {
	if _, err := whisper.NewNativeTier(t.TempDir(), stt.ModelTier("huge")); err == nil {
		t.Fatal("expected error for invalid tier")
	}
}

func TestNewNativeTier_MissingModelFile(t *testing.T) {
	dir := t.TempDir()
	_, err := whisper.NewNativeTier(dir, stt.TierTiny)
	if err == nil {
		t.Fatal("expected error for missing model file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "ggml-tiny.bin")); !os.IsNotExist(statErr) {
		t.Error("loader must not create the model file")
	}
}

func TestNativeTranscribe_Tone(t *testing.T) {
	p, err := whisper.NewNative(testModelPath(t), whisper.WithNativeLanguage("en"), whisper.WithNativeThreads(2))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	// One second of tone. Either nothing is recognised or some text comes
	// back; both are acceptable as long as the call completes.
	_, err = p.Transcribe(context.Background(), makeTonePCM(16000), 16000, "")
	if err != nil && !errors.Is(err, stt.ErrNotUnderstood) {
		t.Fatalf("Transcribe: %v", err)
	}
}

func TestNativeTranscribe_AfterClose(t *testing.T) {
	p, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	_, err = p.Transcribe(context.Background(), make([]byte, 3200), 16000, "en")
	if !errors.Is(err, stt.ErrEngineUnavailable) {
		t.Errorf("err = %v, want ErrEngineUnavailable", err)
	}
}
