package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Compile-time interface assertions.
var (
	_ stt.Provider      = (*STTGuard)(nil)
	_ stt.KeywordSetter = (*STTGuard)(nil)
	_ io.Closer         = (*STTGuard)(nil)
)

// STTGuard wraps an STT engine and its optional fallbacks in circuit
// breakers. [stt.ErrNotUnderstood] counts as a healthy answer and is returned
// without trying a fallback. When no backend can serve the call the error
// wraps [stt.ErrEngineUnavailable].
type STTGuard struct {
	group *FallbackGroup[stt.Provider]
}

// NewSTTGuard creates an [STTGuard] around primary. The breaker template in
// cfg is used as is; IsFailure and IsTerminal are set for STT semantics when
// left nil.
func NewSTTGuard(primary stt.Provider, name string, cfg FallbackConfig) *STTGuard {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = isSTTFailure
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = isSTTTerminal
	}
	return &STTGuard{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers a backend tried when all earlier ones fail.
func (g *STTGuard) AddFallback(name string, p stt.Provider) {
	g.group.AddFallback(name, p)
}

// Transcribe runs the first admitted backend.
func (g *STTGuard) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	text, err := ExecuteWithResult(g.group, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, pcm, sampleRate, language)
	})
	if err == nil || isSTTTerminal(err) || errors.Is(err, stt.ErrEngineUnavailable) {
		return text, err
	}
	if errors.Is(err, ErrAllFailed) {
		return "", fmt.Errorf("%w: %w", stt.ErrEngineUnavailable, err)
	}
	return "", err
}

// SetKeywords forwards keywords to every backend that accepts them.
func (g *STTGuard) SetKeywords(keywords []stt.KeywordBoost) {
	g.group.Each(func(_ string, p stt.Provider) {
		if ks, ok := p.(stt.KeywordSetter); ok {
			ks.SetKeywords(keywords)
		}
	})
}

// States returns the breaker state of each backend by name.
func (g *STTGuard) States() map[string]State {
	return g.group.States()
}

// Close closes every backend that holds resources.
func (g *STTGuard) Close() error {
	var errs []error
	g.group.Each(func(name string, p stt.Provider) {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}

func isSTTFailure(err error) bool {
	return !errors.Is(err, stt.ErrNotUnderstood)
}

func isSTTTerminal(err error) bool {
	return errors.Is(err, stt.ErrNotUnderstood) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
