package live

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Engine is one named recognition engine.
type Engine struct {
	ID       string
	Provider stt.Provider
}

func validateEngines(engines []Engine) error {
	var errs []error
	seen := make(map[string]bool, len(engines))
	for i, e := range engines {
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("live: engine %d has an empty id", i))
		}
		if e.Provider == nil {
			errs = append(errs, fmt.Errorf("live: engine %q has no provider", e.ID))
		}
		if seen[e.ID] {
			errs = append(errs, fmt.Errorf("live: duplicate engine id %q", e.ID))
		}
		seen[e.ID] = true
	}
	return errors.Join(errs...)
}

// modelHandle owns a loaded model engine. It holds one reference while it is
// the active model and one per queued or in-flight segment whose snapshot
// uses it. The provider is closed when the count drops to zero.
type modelHandle struct {
	engine Engine
	tier   stt.ModelTier
	refs   atomic.Int64
	closed atomic.Bool
}

func newModelHandle(engine Engine, tier stt.ModelTier) *modelHandle {
	h := &modelHandle{engine: engine, tier: tier}
	h.refs.Store(1)
	return h
}

func (h *modelHandle) acquire() {
	h.refs.Add(1)
}

func (h *modelHandle) release() {
	if h.refs.Add(-1) > 0 {
		return
	}
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	c, ok := h.engine.Provider.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("live: closing retired model failed", "tier", h.tier, "err", err)
		return
	}
	slog.Debug("live: retired model closed", "tier", h.tier)
}

// EngineSet is an immutable snapshot of the engines in effect. Exactly one
// snapshot is active at a time; each segment keeps the snapshot that was
// active when it was enqueued, so reconfiguration never affects segments
// already queued.
type EngineSet struct {
	version uint64
	model   *modelHandle
	engines []Engine
}

// NewEngineSet builds a standalone snapshot without a model engine, for
// running a [Stage] outside a [Controller].
func NewEngineSet(engines ...Engine) (*EngineSet, error) {
	if err := validateEngines(engines); err != nil {
		return nil, err
	}
	return newEngineSet(0, nil, append([]Engine(nil), engines...)), nil
}

func newEngineSet(version uint64, model *modelHandle, secondary []Engine) *EngineSet {
	engines := make([]Engine, 0, len(secondary)+1)
	if model != nil {
		engines = append(engines, model.engine)
	}
	engines = append(engines, secondary...)
	return &EngineSet{version: version, model: model, engines: engines}
}

// Version increases by one with every reconfiguration.
func (s *EngineSet) Version() uint64 {
	return s.version
}

// Tier returns the tier of the model engine, or "" without one.
func (s *EngineSet) Tier() stt.ModelTier {
	if s.model == nil {
		return ""
	}
	return s.model.tier
}

// Engines returns the engines in order: the model engine first, then the
// secondary engines.
func (s *EngineSet) Engines() []Engine {
	out := make([]Engine, len(s.engines))
	copy(out, s.engines)
	return out
}

// IDs returns the engine IDs in order.
func (s *EngineSet) IDs() []string {
	ids := make([]string, len(s.engines))
	for i, e := range s.engines {
		ids[i] = e.ID
	}
	return ids
}

// Len returns the number of engines.
func (s *EngineSet) Len() int {
	return len(s.engines)
}

// secondary returns the engines that are not the model engine.
func (s *EngineSet) secondary() []Engine {
	if s.model == nil {
		return s.Engines()
	}
	return append([]Engine(nil), s.engines[1:]...)
}

func (s *EngineSet) acquire() {
	if s != nil && s.model != nil {
		s.model.acquire()
	}
}

func (s *EngineSet) release() {
	if s != nil && s.model != nil {
		s.model.release()
	}
}
