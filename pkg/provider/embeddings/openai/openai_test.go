package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNativeDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"nomic-embed-text:latest", 768},
		{"some-future-model", 1536},
	}
	for _, tt := range tests {
		if got := nativeDimensions(tt.model); got != tt.want {
			t.Errorf("nativeDimensions(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty API key")
	}

	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel || p.Dimensions() != 1536 || p.shortened {
		t.Errorf("defaults = %q/%d/%v", p.ModelID(), p.Dimensions(), p.shortened)
	}

	p, _ = New("sk-test", "text-embedding-3-large", WithDimensions(256))
	if p.Dimensions() != 256 || !p.shortened {
		t.Errorf("shortened = %d/%v, want 256/true", p.Dimensions(), p.shortened)
	}
}

// fakeEmbeddings answers /embeddings with vectors of dims values, returned in
// reverse order to exercise index handling.
func fakeEmbeddings(t *testing.T, dims int, gotDims *float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input      any     `json:"input"`
			Dimensions float64 `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if gotDims != nil {
			*gotDims = req.Dimensions
		}
		var inputs []string
		switch v := req.Input.(type) {
		case string:
			inputs = []string{v}
		case []any:
			for _, s := range v {
				inputs = append(inputs, s.(string))
			}
		}
		data := make([]map[string]any, 0, len(inputs))
		for i := len(inputs) - 1; i >= 0; i-- {
			vec := make([]float64, dims)
			vec[0] = float64(i)
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": vec})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "text-embedding-3-small",
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedBatch_OrdersByIndex(t *testing.T) {
	srv := fakeEmbeddings(t, 1536, nil)
	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"))

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	for i, v := range vecs {
		if int(v[0]) != i {
			t.Errorf("vector %d carries index %v", i, v[0])
		}
	}
}

func TestEmbed_SendsDimensions(t *testing.T) {
	var gotDims float64
	srv := fakeEmbeddings(t, 64, &gotDims)
	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithDimensions(64))

	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 64 || gotDims != 64 {
		t.Errorf("len = %d, requested dims = %v", len(vec), gotDims)
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	srv := fakeEmbeddings(t, 8, nil)
	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"))

	if _, err := p.Embed(context.Background(), "hello"); err == nil {
		t.Error("expected error for vector of unexpected length")
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	p, _ := New("sk-test", "")
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", vecs, err)
	}
}
