package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/embeddings"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the entry's provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// STTFactory builds a secondary engine from its entry.
type STTFactory func(entry ProviderEntry) (stt.Provider, error)

// ModelFactory builds the model engine for one tier. It is called on every
// tier switch, so it must load (or download) the tier's model itself.
type ModelFactory func(entry ProviderEntry, tier stt.ModelTier) (stt.Provider, error)

// EmbeddingsFactory builds the embeddings provider of the archive.
type EmbeddingsFactory func(entry ProviderEntry) (embeddings.Provider, error)

// table is one kind's name-to-factory map.
type table[F any] map[string]F

func (t table[F]) lookup(kind, name string) (F, error) {
	f, ok := t[name]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, name)
	}
	return f, nil
}

// Registry maps provider names to factories. Registering a name again
// replaces the earlier factory. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	stt        table[STTFactory]
	model      table[ModelFactory]
	embeddings table[EmbeddingsFactory]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:        make(table[STTFactory]),
		model:      make(table[ModelFactory]),
		embeddings: make(table[EmbeddingsFactory]),
	}
}

func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	r.stt[name] = factory
	r.mu.Unlock()
}

func (r *Registry) RegisterModel(name string, factory ModelFactory) {
	r.mu.Lock()
	r.model[name] = factory
	r.mu.Unlock()
}

func (r *Registry) RegisterEmbeddings(name string, factory EmbeddingsFactory) {
	r.mu.Lock()
	r.embeddings[name] = factory
	r.mu.Unlock()
}

// HasModel reports whether name has a tiered model factory.
func (r *Registry) HasModel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.model[name]
	return ok
}

// Names returns the registered provider names per kind ("stt", "model",
// "embeddings"), sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"stt":        slices.Sorted(maps.Keys(r.stt)),
		"model":      slices.Sorted(maps.Keys(r.model)),
		"embeddings": slices.Sorted(maps.Keys(r.embeddings)),
	}
}

// CreateSTT builds a secondary engine with the factory registered under
// entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	f, err := r.stt.lookup("stt", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateModel builds the model engine for tier.
func (r *Registry) CreateModel(entry ProviderEntry, tier stt.ModelTier) (stt.Provider, error) {
	r.mu.RLock()
	f, err := r.model.lookup("model", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry, tier)
}

func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	f, err := r.embeddings.lookup("embeddings", entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}
