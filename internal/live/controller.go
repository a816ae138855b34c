package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// DefaultModelEngineID is the engine ID of the model-based engine.
const DefaultModelEngineID = "whisper"

// defaultRecordBuffer is the capacity of the channel between the stage and
// sink goroutines.
const defaultRecordBuffer = 16

// ModelLoader loads the model-based engine for a tier. It may take seconds
// and is never called while holding a lock used by capture.
type ModelLoader func(ctx context.Context, tier stt.ModelTier) (stt.Provider, error)

// Config holds the dependencies of a [Controller].
type Config struct {
	// Source produces frames while recording. Required.
	Source audio.Source

	// Segmenter configures segmentation for each new session.
	Segmenter SegmenterConfig

	// Stage runs the engines. Defaults to NewStage().
	Stage *Stage

	// Sink receives the records. Defaults to NewSink().
	Sink *Sink

	// ModelLoader enables the model-based engine. When nil only Engines are
	// used and SetModel returns ErrNoModelEngine.
	ModelLoader ModelLoader

	// ModelEngineID names the model engine in records. Defaults to
	// DefaultModelEngineID.
	ModelEngineID string

	// Engines are the secondary engines of the initial snapshot.
	Engines []Engine

	// KeepTranscripts keeps the sink's content across sessions.
	KeepTranscripts bool

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Controller owns the session state and is the only component that takes
// commands. The state machine is Idle -> Recording -> Draining -> Idle.
// All exported methods are safe for concurrent use.
type Controller struct {
	stage   *Stage
	sink    *Sink
	loader  ModelLoader
	modelID string
	metrics *observe.Metrics

	// cmdMu serialises Start, Stop and Close. It is never taken by the
	// pipeline goroutines, so a blocking source Stop cannot deadlock capture.
	cmdMu sync.Mutex

	// loadMu serialises model loads so they commit in call order.
	loadMu sync.Mutex

	mu        sync.Mutex
	state     State
	closed    bool
	source    audio.Source
	segCfg    SegmenterConfig
	keep      bool
	set       *EngineSet
	loading   int
	sessionID string
	queue     *Queue
	cancel    context.CancelFunc
	idle      chan struct{}
}

// NewController validates cfg and creates an idle controller.
func NewController(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("live: source must not be nil"))
	}
	if err := cfg.Segmenter.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := validateEngines(cfg.Engines); err != nil {
		errs = append(errs, err)
	}
	modelID := cfg.ModelEngineID
	if modelID == "" {
		modelID = DefaultModelEngineID
	}
	if cfg.ModelLoader != nil {
		if err := checkReserved(cfg.Engines, modelID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	c := &Controller{
		stage:   cfg.Stage,
		sink:    cfg.Sink,
		loader:  cfg.ModelLoader,
		modelID: modelID,
		keep:    cfg.KeepTranscripts,
		metrics: cfg.Metrics,
		source:  cfg.Source,
		segCfg:  cfg.Segmenter,
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.stage == nil {
		c.stage = NewStage(WithStageMetrics(c.metrics))
	}
	if c.sink == nil {
		c.sink = NewSink(WithSinkMetrics(c.metrics))
	}
	c.set = newEngineSet(1, nil, cfg.Engines)
	idle := make(chan struct{})
	close(idle)
	c.idle = idle
	return c, nil
}

// Sink returns the result sink.
func (c *Controller) Sink() *Sink {
	return c.sink
}

// Stage returns the transcription stage.
func (c *Controller) Stage() *Stage {
	return c.stage
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:           c.state,
		SessionID:       c.sessionID,
		ModelTier:       c.set.Tier(),
		ModelLoading:    c.loading > 0,
		Engines:         c.set.IDs(),
		SnapshotVersion: c.set.Version(),
	}
	if c.queue != nil {
		st.QueueDepth = c.queue.Len()
	}
	return st
}

// Snapshot returns the active engine snapshot.
func (c *Controller) Snapshot() *EngineSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// SetSource replaces the audio source for the next session. Only valid while
// Idle.
func (c *Controller) SetSource(src audio.Source) error {
	if src == nil {
		return errors.New("live: source must not be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return fmt.Errorf("%w: cannot change source while %s", ErrInvalidState, c.state)
	}
	c.source = src
	return nil
}

// SetSegmenterConfig replaces the segmenter configuration. It applies from
// the next session on.
func (c *Controller) SetSegmenterConfig(cfg SegmenterConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.segCfg = cfg
	c.mu.Unlock()
	return nil
}

// SetKeepTranscripts sets whether the next session keeps the transcripts of
// the previous ones.
func (c *Controller) SetKeepTranscripts(keep bool) {
	c.mu.Lock()
	c.keep = keep
	c.mu.Unlock()
}

// Start opens the source and begins a new session. It is only valid while
// Idle. The session outlives ctx; use Stop or Close to end it.
func (c *Controller) Start(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return fmt.Errorf("%w: controller closed", ErrInvalidState)
	case c.state != Idle:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, state)
	case c.loader != nil && c.set.model == nil:
		c.mu.Unlock()
		return ErrModelNotReady
	case c.set.Len() == 0:
		c.mu.Unlock()
		return ErrNoEngines
	}
	src, segCfg, keep := c.source, c.segCfg, c.keep
	c.mu.Unlock()

	id := uuid.NewString()
	sessCtx, cancel := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), id))
	frames, err := src.Start(sessCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("live: start source: %w", err)
	}

	if !keep {
		c.sink.Clear()
	}
	queue := NewQueue()
	idle := make(chan struct{})

	c.mu.Lock()
	c.state = Recording
	c.sessionID = id
	c.queue = queue
	c.cancel = cancel
	c.idle = idle
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(sessCtx, 1)
	observe.Logger(sessCtx).Info("live: session started", "snapshot", c.Snapshot().Version())

	go c.run(sessCtx, id, frames, NewSegmenter(segCfg), queue, idle)
	return nil
}

// Stop stops the source and moves to Draining. Queued segments are still
// transcribed; the controller returns to Idle once the sink received every
// record. Only valid while Recording.
func (c *Controller) Stop() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.stop()
}

func (c *Controller) stop() error {
	c.mu.Lock()
	if c.state != Recording {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, state)
	}
	c.state = Draining
	src, id := c.source, c.sessionID
	c.mu.Unlock()

	slog.Info("live: session stopping", "session_id", id)
	if err := src.Stop(); err != nil {
		// The source may still be delivering; stay in Recording so Stop can
		// be retried. run moves on to Draining when the frames end.
		c.mu.Lock()
		if c.state == Draining && c.sessionID == id {
			c.state = Recording
		}
		c.mu.Unlock()
		return fmt.Errorf("live: stop source: %w", err)
	}
	return nil
}

// Wait blocks until the controller is Idle or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetModel loads the model engine for tier and installs it in a new
// snapshot. Segments enqueued after SetModel returns use the new model;
// segments already queued keep the previous one, which is closed once the
// last of them is done. On failure a *ModelLoadError is returned and the
// previous model stays active.
func (c *Controller) SetModel(ctx context.Context, tier stt.ModelTier) error {
	if c.loader == nil {
		return ErrNoModelEngine
	}
	if !tier.IsValid() {
		return &ModelLoadError{Tier: tier, Err: fmt.Errorf("unknown tier %q", tier)}
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.Lock()
	c.loading++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.loading--
		c.mu.Unlock()
	}()

	slog.Info("live: loading model", "tier", tier)
	start := time.Now()
	p, err := c.loader(ctx, tier)
	elapsed := time.Since(start)
	if err == nil && p == nil {
		err = errors.New("loader returned no provider")
	}
	if err != nil {
		c.metrics.RecordModelLoad(ctx, string(tier), "error", elapsed.Seconds())
		slog.Error("live: model load failed", "tier", tier, "err", err)
		return &ModelLoadError{Tier: tier, Err: err}
	}
	c.metrics.RecordModelLoad(ctx, string(tier), "ok", elapsed.Seconds())

	handle := newModelHandle(Engine{ID: c.modelID, Provider: p}, tier)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		handle.release()
		return fmt.Errorf("%w: controller closed", ErrInvalidState)
	}
	old := c.set
	c.set = newEngineSet(old.version+1, handle, old.secondary())
	version := c.set.version
	c.mu.Unlock()

	if old.model != nil {
		old.model.release()
	}
	slog.Info("live: model installed", "tier", tier, "snapshot", version, "elapsed", elapsed)
	return nil
}

// SetModelAsync runs SetModel in the background. The returned channel
// receives its result and is then closed.
func (c *Controller) SetModelAsync(tier stt.ModelTier) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- c.SetModel(context.Background(), tier)
	}()
	return ch
}

// SetEngines replaces the secondary engines. Segments enqueued after
// SetEngines returns use the new set.
func (c *Controller) SetEngines(engines ...Engine) error {
	if err := validateEngines(engines); err != nil {
		return err
	}
	if c.loader != nil {
		if err := checkReserved(engines, c.modelID); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set = newEngineSet(c.set.version+1, c.set.model, append([]Engine(nil), engines...))
	slog.Info("live: engines updated", "engines", c.set.IDs(), "snapshot", c.set.version)
	return nil
}

// checkReserved rejects a secondary engine that uses the model engine's ID.
func checkReserved(engines []Engine, modelID string) error {
	for _, e := range engines {
		if e.ID == modelID {
			return fmt.Errorf("live: engine id %q is reserved for the model engine", e.ID)
		}
	}
	return nil
}

// Close stops a running session, waits for the drain bounded by ctx and
// releases the model. When ctx expires first, in-flight engine calls are
// cancelled and queued segments are discarded.
func (c *Controller) Close(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	recording := c.state == Recording
	c.mu.Unlock()

	var errs []error
	if recording {
		if err := c.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Wait(ctx); err != nil {
		slog.Warn("live: drain interrupted, cancelling session", "err", err)
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		_ = c.Wait(context.Background())
		errs = append(errs, fmt.Errorf("live: drain: %w", err))
	}

	c.mu.Lock()
	c.closed = true
	model := c.set.model
	c.mu.Unlock()
	if model != nil {
		model.release()
	}
	return errors.Join(errs...)
}

// enqueue attaches the active snapshot to seg and queues it. The snapshot is
// taken under the same lock that swaps it, so the model reference is
// acquired before a concurrent SetModel can retire it.
func (c *Controller) enqueue(ctx context.Context, q *Queue, seg Segment, reason string) {
	c.mu.Lock()
	seg.Engines = c.set
	seg.Engines.acquire()
	c.mu.Unlock()

	if err := q.Push(seg); err != nil {
		seg.Engines.release()
		observe.Logger(ctx).Error("live: segment lost", "seq", seg.Seq, "err", err)
		return
	}
	c.metrics.QueueDepth.Add(ctx, 1)
	c.metrics.RecordSegment(ctx, reason, len(seg.Frames))
	observe.Logger(ctx).Debug("live: segment queued", "seq", seg.Seq, "frames", len(seg.Frames), "reason", reason, "snapshot", seg.Engines.Version())
}

// run supervises one session: capture, stage and sink goroutines connected
// by the queue and a record channel.
func (c *Controller) run(ctx context.Context, id string, frames <-chan audio.Frame, seg *Segmenter, q *Queue, idle chan struct{}) {
	records := make(chan ResultRecord, defaultRecordBuffer)
	captured := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	// Capture: segment frames until the source closes its channel.
	go func() {
		defer close(captured)
		for f := range frames {
			if s, ok := seg.Push(f); ok {
				c.enqueue(ctx, q, s, "silence")
			}
		}
		if s, ok := seg.Flush(); ok {
			c.enqueue(ctx, q, s, "flush")
		}
		q.Close()
	}()

	// Stage: one segment at a time, so records leave in segment order.
	go func() {
		defer wg.Done()
		defer close(records)
		for {
			s, err := q.Pop(ctx)
			if err != nil {
				if !errors.Is(err, ErrQueueClosed) {
					// Capture may still flush a segment; the queue is
					// closed once it is done.
					<-captured
					for _, rest := range q.Drain() {
						rest.Engines.release()
						c.metrics.QueueDepth.Add(ctx, -1)
					}
					observe.Logger(ctx).Warn("live: session aborted with queued segments", "err", err)
				}
				return
			}
			c.metrics.QueueDepth.Add(ctx, -1)
			rec := c.stage.Process(ctx, s)
			rec.SessionID = id
			s.Engines.release()
			records <- rec
		}
	}()

	// Sink.
	go func() {
		defer wg.Done()
		for rec := range records {
			c.sink.Append(rec)
		}
	}()

	<-captured
	c.mu.Lock()
	if c.state == Recording {
		c.state = Draining
		observe.Logger(ctx).Info("live: source ended, draining")
	}
	c.mu.Unlock()

	wg.Wait()

	c.mu.Lock()
	c.state = Idle
	c.queue = nil
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	if cancel != nil {
		cancel()
	}
	observe.Logger(ctx).Info("live: session drained")
	close(idle)
}
