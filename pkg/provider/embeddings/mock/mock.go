// Package mock provides a test double for the embeddings.Provider interface.
//
// Unless a fixed result is configured, Provider derives a deterministic
// vector from each text's letters, so equal texts embed equally and texts
// sharing words land close together.
//
// Example:
//
//	p := &mock.Provider{Dims: 16}
//	vec, _ := p.Embed(ctx, "hello world")
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector length. Defaults to 8.
	Dims int

	// Model is returned by ModelID. Defaults to "mock-embed".
	Model string

	// Result, when non-nil, is returned for every text instead of a derived
	// vector.
	Result []float32

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// --- Call records ---

	// Texts records every text submitted, across Embed and EmbedBatch.
	Texts []string

	// BatchCalls counts EmbedBatch invocations.
	BatchCalls int
}

// Embed records the call and returns a vector for text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// EmbedBatch records the call and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.BatchCalls++
	p.Texts = append(p.Texts, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns Dims (8 when unset).
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID returns Model ("mock-embed" when unset).
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Model == "" {
		return "mock-embed"
	}
	return p.Model
}

// TextCount returns the number of texts embedded so far. Thread-safe.
func (p *Provider) TextCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Texts)
}

func (p *Provider) dims() int {
	if p.Dims <= 0 {
		return 8
	}
	return p.Dims
}

// vector hashes each lower-cased word into a bucket and L2-normalises the
// counts. Must be called with mu held.
func (p *Provider) vector(text string) []float32 {
	if p.Result != nil {
		out := make([]float32, len(p.Result))
		copy(out, p.Result)
		return out
	}
	vec := make([]float32, p.dims())
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32())%len(vec)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
