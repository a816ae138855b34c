package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/live"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// vocabularyBoost is the keyword boost sent to engines that accept hints.
const vocabularyBoost = 2.0

// guards tracks the circuit-breaker wrappers of every engine so their state
// can be reported and their resources released on shutdown. Guards replaced
// by a reload are retired rather than closed: segments queued before the
// reload may still be using them.
type guards struct {
	mu      sync.Mutex
	model   *resilience.STTGuard
	engines map[string]*resilience.STTGuard
	retired []io.Closer
}

func newGuards() *guards {
	return &guards{engines: make(map[string]*resilience.STTGuard)}
}

// setModel records the guard of a freshly loaded model. The controller
// closes the previous one once no queued segment needs it.
func (g *guards) setModel(guard *resilience.STTGuard) {
	g.mu.Lock()
	g.model = guard
	g.mu.Unlock()
}

// replaceEngines installs the guards of a new secondary engine set.
func (g *guards) replaceEngines(next map[string]*resilience.STTGuard) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, old := range g.engines {
		g.retired = append(g.retired, old)
	}
	g.engines = next
}

// setKeywords forwards keywords to every current engine.
func (g *guards) setKeywords(keywords []stt.KeywordBoost) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.model != nil {
		g.model.SetKeywords(keywords)
	}
	for _, guard := range g.engines {
		guard.SetKeywords(keywords)
	}
}

// states returns the breaker states keyed by "<engine>/<backend>".
func (g *guards) states(modelID string) map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string)
	add := func(engine string, guard *resilience.STTGuard) {
		for backend, st := range guard.States() {
			out[engine+"/"+backend] = st.String()
		}
	}
	if g.model != nil {
		add(modelID, g.model)
	}
	for id, guard := range g.engines {
		add(id, guard)
	}
	return out
}

// close releases the secondary engines, current and retired. The model is
// owned by the controller.
func (g *guards) close() error {
	g.mu.Lock()
	closers := slices.Clone(g.retired)
	for _, id := range slices.Sorted(maps.Keys(g.engines)) {
		closers = append(closers, g.engines[id])
	}
	g.retired = nil
	g.engines = make(map[string]*resilience.STTGuard)
	g.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fallbackConfig turns the configured breaker settings into the template used
// for every engine and fallback.
func fallbackConfig(b config.BreakerConfig) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
		},
	}
}

// keywordsFor converts the vocabulary into keyword boosts.
func keywordsFor(vocab []string) []stt.KeywordBoost {
	if len(vocab) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, 0, len(vocab))
	for _, w := range vocab {
		out = append(out, stt.KeywordBoost{Keyword: w, Boost: vocabularyBoost})
	}
	return out
}

// engineBuilder creates guarded engines from provider entries.
type engineBuilder struct {
	reg      *config.Registry
	fcfg     resilience.FallbackConfig
	keywords func() []stt.KeywordBoost
}

// create builds one backend. Model providers are loaded at tier, so a
// whisper fallback of the model engine follows tier switches.
func (b engineBuilder) create(entry config.ProviderEntry, tier stt.ModelTier) (stt.Provider, error) {
	if tier != "" && b.reg.HasModel(entry.Name) {
		return b.reg.CreateModel(entry, tier)
	}
	return b.reg.CreateSTT(entry)
}

// guard wraps primary and the entry's fallbacks in circuit breakers.
// Fallbacks that cannot be created are skipped with a warning.
func (b engineBuilder) guard(entry config.ProviderEntry, primary stt.Provider, tier stt.ModelTier) *resilience.STTGuard {
	g := resilience.NewSTTGuard(primary, entry.Name, b.fcfg)
	for i, fb := range entry.Fallbacks {
		p, err := b.create(fb, tier)
		if err != nil {
			slog.Warn("app: skipping engine fallback", "engine", entry.EngineID(), "fallback", fb.Name, "err", err)
			continue
		}
		g.AddFallback(fmt.Sprintf("%s#%d", fb.Name, i+1), p)
	}
	if b.keywords != nil {
		if kw := b.keywords(); kw != nil {
			g.SetKeywords(kw)
		}
	}
	return g
}

// secondary builds the secondary engines. On error every engine built so
// far is closed.
func (b engineBuilder) secondary(entries []config.ProviderEntry) ([]live.Engine, map[string]*resilience.STTGuard, error) {
	engines := make([]live.Engine, 0, len(entries))
	built := make(map[string]*resilience.STTGuard, len(entries))
	for _, entry := range entries {
		p, err := b.create(entry, "")
		if err != nil {
			for _, g := range built {
				_ = g.Close()
			}
			return nil, nil, fmt.Errorf("app: create engine %q: %w", entry.EngineID(), err)
		}
		g := b.guard(entry, p, "")
		built[entry.EngineID()] = g
		engines = append(engines, live.Engine{ID: entry.EngineID(), Provider: g})
	}
	return engines, built, nil
}

// modelLoader returns the loader for the model engine. Every loaded model is
// wrapped in its own guard and recorded in gs.
func (b engineBuilder) modelLoader(entry config.ProviderEntry, gs *guards) live.ModelLoader {
	return func(ctx context.Context, tier stt.ModelTier) (stt.Provider, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := b.reg.CreateModel(entry, tier)
		if err != nil {
			return nil, err
		}
		g := b.guard(entry, p, tier)
		gs.setModel(g)
		return g, nil
	}
}
