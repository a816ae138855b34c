// Package vosk provides an STT provider for vosk-server, the WebSocket front
// end of the offline Kaldi-based Vosk recogniser. It needs no cloud account
// and a small lexicon model, which makes it a cheap secondary engine to run
// next to whisper.
//
// Protocol: the client sends a config message with the sample rate, then
// binary PCM chunks, then {"eof" : 1}. The server answers every message
// with a partial or final result and closes the socket after the last one.
package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// chunkBytes is the size of each binary audio message (250 ms at 16 kHz).
const chunkBytes = 8000

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithWords asks the server to include per-word results. They are not
// surfaced but some deployments need the flag to emit final text at all.
func WithWords(enabled bool) Option {
	return func(p *Provider) { p.words = enabled }
}

// Provider implements stt.Provider backed by a vosk-server instance.
// vosk-server loads one language model at start, so the language argument
// of Transcribe is ignored.
type Provider struct {
	serverURL string
	words     bool
}

// New creates a Provider for the vosk-server at serverURL
// (e.g., "ws://localhost:2700").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("vosk: serverURL must not be empty")
	}
	if !strings.HasPrefix(serverURL, "ws://") && !strings.HasPrefix(serverURL, "wss://") {
		return nil, fmt.Errorf("vosk: serverURL %q must use ws:// or wss://", serverURL)
	}
	p := &Provider{serverURL: serverURL}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type configMessage struct {
	Config struct {
		SampleRate int  `json:"sample_rate"`
		Words      bool `json:"words,omitempty"`
	} `json:"config"`
}

// result is one server reply. Partial replies carry only Partial.
type result struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

// Transcribe streams pcm to vosk-server and returns the final text of every
// utterance the server recognised, joined with spaces.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int, _ string) (string, error) {
	conn, _, err := websocket.Dial(ctx, p.serverURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("vosk: dial: %w", ctx.Err())
		}
		return "", fmt.Errorf("vosk: dial: %w: %w", stt.ErrEngineUnavailable, err)
	}
	defer conn.CloseNow()

	type outcome struct {
		text string
		err  error
	}
	results := make(chan outcome, 1)
	go func() {
		text, err := readResults(ctx, conn)
		results <- outcome{text, err}
	}()

	var cfg configMessage
	cfg.Config.SampleRate = sampleRate
	cfg.Config.Words = p.words
	if err := wsjson.Write(ctx, conn, cfg); err != nil {
		return "", fmt.Errorf("vosk: send config: %w: %w", stt.ErrEngineUnavailable, err)
	}
	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return "", fmt.Errorf("vosk: send audio: %w: %w", stt.ErrEngineUnavailable, err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"eof" : 1}`)); err != nil {
		return "", fmt.Errorf("vosk: send eof: %w: %w", stt.ErrEngineUnavailable, err)
	}

	var res outcome
	select {
	case res = <-results:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if res.err != nil {
		return "", res.err
	}
	if res.text == "" {
		return "", stt.ErrNotUnderstood
	}
	return res.text, nil
}

// readResults collects final texts until the server closes the socket.
func readResults(ctx context.Context, conn *websocket.Conn) (string, error) {
	var parts []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return strings.Join(parts, " "), nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// vosk-server drops the TCP connection without a close frame on
			// some versions; whatever was collected is still valid.
			if len(parts) > 0 {
				return strings.Join(parts, " "), nil
			}
			return "", fmt.Errorf("vosk: read: %w: %w", stt.ErrEngineUnavailable, err)
		}
		var r result
		if err := json.Unmarshal(msg, &r); err != nil {
			continue
		}
		if text := strings.TrimSpace(r.Text); text != "" {
			parts = append(parts, text)
		}
	}
}
