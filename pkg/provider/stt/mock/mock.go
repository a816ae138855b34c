// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to script recognition results and inspect which segments an
// engine received. Results can be fixed, queued per call, or computed by a
// custom function.
//
// Example:
//
//	p := &mock.Provider{
//	    Results: []mock.Result{{Text: "hello"}, {Err: stt.ErrNotUnderstood}},
//	}
//	text, err := p.Transcribe(ctx, pcm, 16000, "en")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Result is one scripted Transcribe outcome.
type Result struct {
	Text string
	Err  error
}

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// SampleRate is the sampleRate argument.
	SampleRate int
	// Language is the language argument.
	Language string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are consumed in order, one per Transcribe call. Once exhausted,
	// Text and Err are returned.
	Results []Result

	// Text is the default transcript when Results is exhausted.
	Text string

	// Err is the default error when Results is exhausted.
	Err error

	// Delay is waited before returning. Cancelling ctx cuts it short and
	// returns ctx.Err().
	Delay time.Duration

	// TranscribeFunc, when set, replaces all scripted behaviour. call is the
	// zero-based index of the invocation.
	TranscribeFunc func(ctx context.Context, call int, pcm []byte) (string, error)

	// CloseErr is returned by Close.
	CloseErr error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// KeywordCalls records every SetKeywords invocation.
	KeywordCalls [][]stt.KeywordBoost

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	p.mu.Lock()
	call := len(p.TranscribeCalls)
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{PCM: cp, SampleRate: sampleRate, Language: language})

	fn := p.TranscribeFunc
	delay := p.Delay
	res := Result{Text: p.Text, Err: p.Err}
	if len(p.Results) > 0 {
		res = p.Results[0]
		p.Results = p.Results[1:]
	}
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, call, pcm)
	}
	return res.Text, res.Err
}

// SetKeywords records the keyword list.
func (p *Provider) SetKeywords(keywords []stt.KeywordBoost) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kw := make([]stt.KeywordBoost, len(keywords))
	copy(kw, keywords)
	p.KeywordCalls = append(p.KeywordCalls, kw)
}

// Close records the call and returns CloseErr.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return p.CloseErr
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Closed returns the number of Close calls. Thread-safe.
func (p *Provider) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CloseCallCount
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.KeywordCalls = nil
	p.CloseCallCount = 0
}

// Ensure Provider implements stt.Provider at compile time.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.KeywordSetter = (*Provider)(nil)
)
