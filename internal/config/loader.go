package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultSampleRate       = 16000
	DefaultFrameSize        = 1024
	DefaultSilenceThreshold = 1000.0
	DefaultSilenceDuration  = 1500 * time.Millisecond
	DefaultMinSegmentFrames = 10
	DefaultLanguage         = "en"
	DefaultBreakerFailures  = 5
	DefaultBreakerReset     = 30 * time.Second
	DefaultPublishChannel   = "livescribe:records"
	DefaultEmbeddingDims    = 1536

	// DefaultWhisperURL is the whisper-server address used when no engine is
	// configured at all.
	DefaultWhisperURL = "http://localhost:8081"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper", "whisper-native", "openai", "deepgram", "vosk"},
	"embeddings": {"openai"},
}

// ModelProviderNames lists the STT providers that load a model per tier and
// can therefore serve as transcription.model.
var ModelProviderNames = []string{"whisper", "whisper-native"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration, which
// transcribes with a local whisper-server at [DefaultWhisperURL].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Audio.Source == "" {
		cfg.Audio.Source = SourcePortAudio
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}

	if cfg.Segmenter.SilenceThreshold == 0 {
		cfg.Segmenter.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.Segmenter.SilenceDuration == 0 {
		cfg.Segmenter.SilenceDuration = DefaultSilenceDuration
	}
	if cfg.Segmenter.MinSegmentFrames == 0 {
		cfg.Segmenter.MinSegmentFrames = DefaultMinSegmentFrames
	}

	t := &cfg.Transcription
	if t.Language == "" {
		t.Language = DefaultLanguage
	}
	if !t.Model.Enabled() && len(t.Engines) == 0 {
		t.Model = ProviderEntry{Name: "whisper", BaseURL: DefaultWhisperURL}
	}
	if t.ModelTier == "" {
		t.ModelTier = string(stt.DefaultTier)
	}
	if t.Breaker.MaxFailures == 0 {
		t.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if t.Breaker.ResetTimeout == 0 {
		t.Breaker.ResetTimeout = DefaultBreakerReset
	}

	if cfg.Archive.Embeddings.Enabled() && cfg.Archive.EmbeddingDimensions == 0 {
		cfg.Archive.EmbeddingDimensions = DefaultEmbeddingDims
	}
	if cfg.Publish.RedisAddr != "" && cfg.Publish.Channel == "" {
		cfg.Publish.Channel = DefaultPublishChannel
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.Source != "" && !a.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: portaudio, audiosocket, file", a.Source))
	}
	if a.Source == SourceFile && a.Path == "" {
		errs = append(errs, errors.New("audio.path is required when source is file"))
	}
	if a.Source == SourceAudioSocket && a.ListenAddr == "" {
		errs = append(errs, errors.New("audio.listen_addr is required when source is audiosocket"))
	}
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", a.FrameSize))
	}

	// Segmenter
	s := cfg.Segmenter
	if s.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("segmenter.silence_threshold %g must not be negative", s.SilenceThreshold))
	}
	if s.SilenceDuration < 0 {
		errs = append(errs, fmt.Errorf("segmenter.silence_duration %s must not be negative", s.SilenceDuration))
	}
	if s.MinSegmentFrames < 0 {
		errs = append(errs, fmt.Errorf("segmenter.min_segment_frames %d must not be negative", s.MinSegmentFrames))
	}

	// Transcription
	errs = append(errs, validateTranscription(&cfg.Transcription)...)

	// Archive
	if cfg.Archive.Embeddings.Enabled() {
		validateProviderName("embeddings", cfg.Archive.Embeddings.Name)
		if cfg.Archive.PostgresDSN == "" {
			slog.Warn("archive.embeddings is configured but archive.postgres_dsn is empty; similarity search will not be available")
		}
	}
	if cfg.Archive.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("archive.embedding_dimensions %d must not be negative", cfg.Archive.EmbeddingDimensions))
	}

	// Publish
	if cfg.Publish.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("publish.redis_db %d must not be negative", cfg.Publish.RedisDB))
	}
	if cfg.Publish.StreamMaxLen < 0 {
		errs = append(errs, fmt.Errorf("publish.stream_max_len %d must not be negative", cfg.Publish.StreamMaxLen))
	}
	if cfg.Publish.RedisAddr == "" && (cfg.Publish.Stream != "" || cfg.Publish.Channel != "") {
		slog.Warn("publish.channel or publish.stream set without publish.redis_addr; publishing is disabled")
	}

	return errors.Join(errs...)
}

func validateTranscription(t *TranscriptionConfig) []error {
	var errs []error

	if t.ModelTier != "" {
		if _, err := stt.ParseTier(t.ModelTier); err != nil {
			errs = append(errs, fmt.Errorf("transcription.model_tier %q is invalid; valid values: tiny, base, small", t.ModelTier))
		}
	}
	if !t.Model.Enabled() && len(t.Engines) == 0 {
		errs = append(errs, errors.New("transcription: at least one of model or engines must be configured"))
	}

	// Engine IDs must be unique across the model engine and the secondaries.
	seen := make(map[string]string)
	if t.Model.Enabled() {
		if !slices.Contains(ModelProviderNames, t.Model.Name) {
			errs = append(errs, fmt.Errorf("transcription.model.name %q is invalid; valid values: %v", t.Model.Name, ModelProviderNames))
		}
		seen[t.Model.EngineID()] = "transcription.model"
		errs = append(errs, validateFallbacks("transcription.model", t.Model.Fallbacks)...)
	}
	for i, e := range t.Engines {
		prefix := fmt.Sprintf("transcription.engines[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("stt", e.Name)
		id := e.EngineID()
		if prev, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("%s: engine id %q is a duplicate of %s", prefix, id, prev))
		}
		seen[id] = prefix
		errs = append(errs, validateFallbacks(prefix, e.Fallbacks)...)
	}

	for i, w := range t.Vocabulary {
		if w == "" {
			errs = append(errs, fmt.Errorf("transcription.vocabulary[%d] must not be empty", i))
		}
	}

	if t.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("transcription.breaker.max_failures %d must not be negative", t.Breaker.MaxFailures))
	}
	if t.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.breaker.reset_timeout %s must not be negative", t.Breaker.ResetTimeout))
	}
	return errs
}

func validateFallbacks(prefix string, fallbacks []ProviderEntry) []error {
	var errs []error
	for i, fb := range fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.fallbacks[%d].name is required", prefix, i))
			continue
		}
		validateProviderName("stt", fb.Name)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks[%d]: nested fallbacks are not supported", prefix, i))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
