package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// bitsPerSample is fixed at 16: every PCM buffer in this module is 16-bit
// signed little-endian.
const bitsPerSample = 16

// ErrNotWAV is returned by [DecodeWAV] when the input is not a RIFF/WAVE
// stream carrying uncompressed 16-bit PCM.
var ErrNotWAV = errors.New("audio: not a 16-bit PCM WAV stream")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// WAVInfo summarises a WAV file.
type WAVInfo struct {
	Format
	Frames   int
	Duration time.Duration
}

// String renders the info the way it is shown to users,
// e.g. "12.5s, 44100Hz, 2 channel(s)".
func (i WAVInfo) String() string {
	return fmt.Sprintf("%.2fs, %dHz, %d channel(s)", i.Duration.Seconds(), i.SampleRate, i.Channels)
}

// EncodeWAV wraps raw PCM data in a standard 44-byte RIFF/WAV header. The
// result is suitable for multipart uploads to recognition services.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV reads a RIFF/WAVE stream and returns its format and PCM payload.
// Chunks other than "fmt " and "data" (LIST, fact, ...) are skipped. Only
// uncompressed 16-bit PCM is accepted.
func DecodeWAV(r io.Reader) (Format, []byte, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Format{}, nil, fmt.Errorf("%w: %w", ErrNotWAV, err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return Format{}, nil, ErrNotWAV
	}

	var (
		format  Format
		haveFmt bool
	)
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			return Format{}, nil, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
		}
		id := string(ch[0:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, nil, fmt.Errorf("%w: %w", ErrNotWAV, err)
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE, which ffmpeg writes for >2 channels.
			if (audioFormat != 1 && audioFormat != 0xFFFE) || bits != bitsPerSample {
				return Format{}, nil, fmt.Errorf("%w: format %d, %d bits", ErrNotWAV, audioFormat, bits)
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			haveFmt = true
			if size%2 == 1 {
				_, _ = io.CopyN(io.Discard, r, 1)
			}

		case "data":
			if !haveFmt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			var pcm bytes.Buffer
			// Some writers leave the size at 0 or 0xFFFFFFFF when streaming.
			if size == 0 || size == 0xFFFFFFFF {
				if _, err := io.Copy(&pcm, r); err != nil {
					return Format{}, nil, fmt.Errorf("audio: read wav data: %w", err)
				}
			} else if _, err := io.CopyN(&pcm, r, size); err != nil && !errors.Is(err, io.EOF) {
				return Format{}, nil, fmt.Errorf("audio: read wav data: %w", err)
			}
			data := pcm.Bytes()
			return format, data[:len(data)-len(data)%2], nil

		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Format{}, nil, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
			}
		}
	}
}

// ReadWAVInfo opens the WAV file at path and reports its format and length.
func ReadWAVInfo(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()

	format, pcm, err := DecodeWAV(f)
	if err != nil {
		return WAVInfo{}, err
	}
	info := WAVInfo{Format: format}
	if format.Channels > 0 && format.SampleRate > 0 {
		info.Frames = len(pcm) / (2 * format.Channels)
		info.Duration = time.Duration(info.Frames) * time.Second / time.Duration(format.SampleRate)
	}
	return info, nil
}
