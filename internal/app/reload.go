package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ApplyConfig applies the hot-reloadable differences between old and new to
// the running application. It is the onChange callback of a
// [config.Watcher].
//
// Log level, vocabulary, secondary engines, segmenter and the keep setting
// apply immediately (the segmenter and keep setting from the next session
// on). A changed model tier or model entry triggers a background load; the
// previous model stays active until it succeeds. Everything else is logged
// as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) error {
	d := config.Diff(old, new)
	if !d.Changed() {
		return nil
	}
	var errs []error

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	// Builder and vocabulary first: engines and models created below pick
	// them up.
	a.mu.Lock()
	a.cfg = new
	a.builder.fcfg = fallbackConfig(new.Transcription.Breaker)
	modelReload := false
	if d.ModelChanged {
		if a.hasModel && new.Transcription.Model.Enabled() {
			a.modelEntry = new.Transcription.Model
			modelReload = true
		} else {
			d.RestartRequired = append(d.RestartRequired, "transcription.model")
		}
	}
	b := a.builder
	a.mu.Unlock()

	if d.VocabularyChanged {
		vocab := new.Transcription.Vocabulary
		a.corrector.SetVocabulary(vocab)
		a.guards.setKeywords(keywordsFor(vocab))
		slog.Info("vocabulary updated", "terms", len(vocab))
	}

	if d.EnginesChanged {
		if err := a.reloadEngines(b, new.Transcription.Engines); err != nil {
			errs = append(errs, err)
		}
	}

	if d.SegmenterChanged {
		if err := a.ctrl.SetSegmenterConfig(segmenterConfig(new)); err != nil {
			errs = append(errs, fmt.Errorf("app: segmenter: %w", err))
		} else {
			slog.Info("segmenter updated; applies from the next session")
		}
	}

	if d.KeepChanged {
		a.ctrl.SetKeepTranscripts(new.Transcription.KeepTranscripts)
	}

	if a.hasModel && (d.ModelTierChanged || modelReload) {
		tier, err := stt.ParseTier(new.Transcription.ModelTier)
		if err != nil {
			errs = append(errs, fmt.Errorf("app: %w", err))
		} else {
			slog.Info("reloading model", "tier", tier, "model", new.Transcription.Model.Name)
			a.ctrl.SetModelAsync(tier)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
	return errors.Join(errs...)
}

// reloadEngines builds the new secondary engines and installs them. On
// failure the current engines stay active.
func (a *App) reloadEngines(b engineBuilder, entries []config.ProviderEntry) error {
	engines, built, err := b.secondary(entries)
	if err != nil {
		return err
	}
	if err := a.ctrl.SetEngines(engines...); err != nil {
		for _, g := range built {
			_ = g.Close()
		}
		return fmt.Errorf("app: set engines: %w", err)
	}
	a.guards.replaceEngines(built)
	return nil
}
