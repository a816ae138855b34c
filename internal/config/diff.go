package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Applied to the running controller without a restart.
	ModelTierChanged  bool
	NewModelTier      string
	EnginesChanged    bool
	VocabularyChanged bool
	SegmenterChanged  bool
	KeepChanged       bool

	// ModelChanged means the model provider itself (not just its tier)
	// changed, so the loader has to be rebuilt.
	ModelChanged bool

	// Settings read only at startup.
	RestartRequired []string
}

// Changed reports whether anything at all differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ModelTierChanged || d.EnginesChanged ||
		d.VocabularyChanged || d.SegmenterChanged || d.KeepChanged ||
		d.ModelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ot, nt := &old.Transcription, &new.Transcription
	if ot.ModelTier != nt.ModelTier {
		d.ModelTierChanged = true
		d.NewModelTier = nt.ModelTier
	}
	d.ModelChanged = !reflect.DeepEqual(ot.Model, nt.Model)
	d.EnginesChanged = !reflect.DeepEqual(ot.Engines, nt.Engines) ||
		!reflect.DeepEqual(ot.Breaker, nt.Breaker)
	d.VocabularyChanged = !slices.Equal(ot.Vocabulary, nt.Vocabulary)
	d.KeepChanged = ot.KeepTranscripts != nt.KeepTranscripts
	d.SegmenterChanged = old.Segmenter != new.Segmenter

	if ot.Language != nt.Language {
		d.RestartRequired = append(d.RestartRequired, "transcription.language")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !reflect.DeepEqual(old.Archive, new.Archive) {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if old.Publish != new.Publish {
		d.RestartRequired = append(d.RestartRequired, "publish")
	}
	return d
}
