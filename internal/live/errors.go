package live

import (
	"errors"
	"fmt"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

var (
	// ErrInvalidState is returned when a command is not valid in the
	// controller's current state, e.g. Start while Recording.
	ErrInvalidState = errors.New("live: invalid state")

	// ErrNoEngines is returned by Start when no engine is configured.
	ErrNoEngines = errors.New("live: no engines configured")

	// ErrModelNotReady is returned by Start while a model engine is
	// configured but no model has finished loading.
	ErrModelNotReady = errors.New("live: model not loaded yet")

	// ErrNoModelEngine is returned by SetModel when the controller was built
	// without a model loader.
	ErrNoModelEngine = errors.New("live: no model engine configured")

	// ErrQueueClosed is returned by Queue.Pop once the queue is closed and
	// drained.
	ErrQueueClosed = errors.New("live: queue closed")

	// ErrModelLoad matches every *ModelLoadError via errors.Is.
	ErrModelLoad = errors.New("live: model load failed")
)

// ModelLoadError reports a failed model reconfiguration. The previously
// active model stays in effect.
type ModelLoadError struct {
	Tier stt.ModelTier
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("live: load model %q: %v", e.Tier, e.Err)
}

// Unwrap lets errors.Is match both ErrModelLoad and the underlying cause.
func (e *ModelLoadError) Unwrap() []error {
	return []error{ErrModelLoad, e.Err}
}
