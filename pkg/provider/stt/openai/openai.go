// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (whisper-1 and the gpt-4o transcribe models), or any
// server that implements the same endpoint.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = string(oai.AudioModelWhisper1)

// Compile-time interface assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.KeywordSetter = (*Provider)(nil)
)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string

	mu     sync.RWMutex
	prompt string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often a failed request is retried. Defaults to 2.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI STT Provider.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: 2}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// SetKeywords turns the keywords into a recognition prompt. The API has no
// boost weights, so only the words themselves are used.
func (p *Provider) SetKeywords(keywords []stt.KeywordBoost) {
	words := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw.Keyword != "" {
			words = append(words, kw.Keyword)
		}
	}
	prompt := ""
	if len(words) > 0 {
		prompt = "Vocabulary: " + strings.Join(words, ", ") + "."
	}
	p.mu.Lock()
	p.prompt = prompt
	p.mu.Unlock()
}

// Transcribe uploads pcm as a WAV file and returns the recognised text.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	wav := audio.EncodeWAV(pcm, sampleRate, 1)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "segment.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	if language != "" {
		params.Language = oai.String(language)
	}
	p.mu.RLock()
	if p.prompt != "" {
		params.Prompt = oai.String(p.prompt)
	}
	p.mu.RUnlock()

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", classify(ctx, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", stt.ErrNotUnderstood
	}
	return text, nil
}

// classify maps API failures onto the stt sentinels. Rate limits and server
// errors mean the engine is unavailable for now; other API errors (bad key,
// bad request) are returned as is.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("openai stt: transcribe: %w", ctx.Err())
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("openai stt: transcribe: %w: %w", stt.ErrEngineUnavailable, err)
		}
		return fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return fmt.Errorf("openai stt: transcribe: %w: %w", stt.ErrEngineUnavailable, err)
}
