package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/livescribe/internal/batch"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/transcript/phonetic"
	"github.com/MrWong99/livescribe/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/livescribe/pkg/provider/embeddings/openai"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/livescribe/pkg/provider/stt/openai"
	"github.com/MrWong99/livescribe/pkg/provider/stt/vosk"
	"github.com/MrWong99/livescribe/pkg/provider/stt/whisper"
)

// DefaultModelDir is where whisper-native looks for ggml-<tier>.bin files
// unless the model_dir option says otherwise.
const DefaultModelDir = "models"

// RegisterBuiltins wires every provider shipped with livescribe into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── Model engines (tier-aware) ────────────────────────────────────────────

	reg.RegisterModel("whisper", func(entry config.ProviderEntry, tier stt.ModelTier) (stt.Provider, error) {
		url := entry.BaseURL
		if url == "" {
			url = config.DefaultWhisperURL
		}
		// whisper-server names its models after the tier unless mapped.
		model := entry.OptionString("model_"+string(tier), string(tier))
		return whisper.New(url, whisper.WithModel(model))
	})

	reg.RegisterModel("whisper-native", func(entry config.ProviderEntry, tier stt.ModelTier) (stt.Provider, error) {
		dir := entry.OptionString("model_dir", DefaultModelDir)
		var opts []whisper.NativeOption
		if n := entry.OptionInt("threads", 0); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNativeTier(dir, tier, opts...)
	})

	// ── Secondary engines ─────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		url := entry.BaseURL
		if url == "" {
			url = config.DefaultWhisperURL
		}
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(url, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path", "")
		}
		return whisper.NewNative(modelPath)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if d := entry.OptionInt("timeout_seconds", 0); d > 0 {
			opts = append(opts, oaistt.WithTimeout(time.Duration(d)*time.Second))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("vosk", func(entry config.ProviderEntry) (stt.Provider, error) {
		return vosk.New(entry.BaseURL, vosk.WithWords(entry.OptionBool("words", false)))
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if n := entry.OptionInt("dimensions", 0); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// BatchLoader returns a [batch.EngineLoader] that resolves engine names
// against cfg: a name matching the model entry or a configured engine (by ID
// or provider name) reuses that entry's settings, any other name is created
// with defaults. Model providers are loaded at the requested tier. An empty
// name selects the configured model engine.
func BatchLoader(cfg *config.Config, reg *config.Registry) batch.EngineLoader {
	return func(_ context.Context, name string, tier stt.ModelTier) (stt.Provider, error) {
		entry := lookupEntry(cfg, name)
		if !entry.Enabled() {
			return nil, fmt.Errorf("app: no engine named %q", name)
		}
		if reg.HasModel(entry.Name) {
			return reg.CreateModel(entry, tier)
		}
		return reg.CreateSTT(entry)
	}
}

// NewTranscriber creates a batch transcriber that uses the engines,
// language, segmenter and vocabulary of cfg. opts are applied last.
func NewTranscriber(cfg *config.Config, reg *config.Registry, opts ...batch.Option) *batch.Transcriber {
	base := []batch.Option{
		batch.WithLanguage(cfg.Transcription.Language),
		batch.WithSegmenter(segmenterConfig(cfg)),
	}
	if len(cfg.Transcription.Vocabulary) > 0 {
		base = append(base, batch.WithCorrector(phonetic.New(cfg.Transcription.Vocabulary)))
	}
	return batch.New(BatchLoader(cfg, reg), append(base, opts...)...)
}

func lookupEntry(cfg *config.Config, name string) config.ProviderEntry {
	t := cfg.Transcription
	if name == "" {
		return t.Model
	}
	if t.Model.Enabled() && (t.Model.EngineID() == name || t.Model.Name == name) {
		return t.Model
	}
	for _, e := range t.Engines {
		if e.EngineID() == name || e.Name == name {
			return e
		}
	}
	return config.ProviderEntry{Name: name}
}
