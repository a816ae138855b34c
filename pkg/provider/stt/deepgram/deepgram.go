// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. Each Transcribe call opens one stream, sends the
// whole segment, asks Deepgram to flush with CloseStream and collects the
// final results until the server closes the connection.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// chunkBytes is the size of each binary audio message (256 ms at 16 kHz).
	chunkBytes = 8192
)

// Compile-time interface assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.KeywordSetter = (*Provider)(nil)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language used when Transcribe is called without one.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint (ws:// or wss://). Intended
// for self-hosted deployments and tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string

	kwMu     sync.RWMutex
	keywords []stt.KeywordBoost
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SetKeywords replaces the keyword boosts sent with every following stream.
func (p *Provider) SetKeywords(keywords []stt.KeywordBoost) {
	kw := make([]stt.KeywordBoost, len(keywords))
	copy(kw, keywords)
	p.kwMu.Lock()
	p.keywords = kw
	p.kwMu.Unlock()
}

// Transcribe streams pcm to Deepgram and returns the final transcript.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	wsURL, err := p.buildURL(sampleRate, language)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("deepgram: dial: %w", ctx.Err())
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return "", fmt.Errorf("deepgram: dial: unauthorized: %w", err)
		}
		return "", fmt.Errorf("deepgram: dial: %w: %w", stt.ErrEngineUnavailable, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	// Results may arrive while audio is still being sent; read concurrently
	// so the server never blocks on a full socket.
	type outcome struct {
		text string
		err  error
	}
	results := make(chan outcome, 1)
	go func() {
		text, err := readFinals(ctx, conn)
		results <- outcome{text, err}
	}()

	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return "", fmt.Errorf("deepgram: send audio: %w: %w", stt.ErrEngineUnavailable, err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return "", fmt.Errorf("deepgram: close stream: %w: %w", stt.ErrEngineUnavailable, err)
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

// buildURL constructs the Deepgram streaming endpoint URL.
func (p *Provider) buildURL(sampleRate int, language string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	if language == "" {
		language = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")

	p.kwMu.RLock()
	for _, kw := range p.keywords {
		// Deepgram keyword format: word:boost (e.g., "Kubernetes:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}
	p.kwMu.RUnlock()

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// readFinals reads messages until the server closes the stream and joins the
// final transcripts in arrival order.
func readFinals(ctx context.Context, conn *websocket.Conn) (string, error) {
	var parts []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				// The server closes the stream once CloseStream is processed.
				return strings.Join(parts, " "), nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("deepgram: read: %w: %w", stt.ErrEngineUnavailable, err)
		}
		if text, ok := parseFinal(msg); ok {
			parts = append(parts, text)
		}
	}
}

// parseFinal extracts the transcript of a final Results message. Interim
// results, metadata and empty transcripts are ignored.
func parseFinal(data []byte) (string, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false
	}
	if resp.Type != "Results" || !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
		return "", false
	}
	text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	return text, text != ""
}
