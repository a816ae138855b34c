// Package app wires all livescribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the audio source,
// engines, controller and optional archive and publisher, Run loads the
// model, serves the HTTP API and feeds the sink subscribers, and Shutdown
// drains the session and tears everything down in order.
//
// For testing, inject doubles via functional options (WithSource,
// WithArchive, etc.) and register mock providers in the [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/internal/archive/postgres"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/live"
	"github.com/MrWong99/livescribe/internal/observe"
	redispub "github.com/MrWong99/livescribe/internal/publish/redis"
	"github.com/MrWong99/livescribe/internal/transcript/phonetic"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of a live transcription server.
type App struct {
	reg     *config.Registry
	metrics *observe.Metrics
	level   *slog.LevelVar
	display io.Writer

	ctrl      *live.Controller
	corrector *phonetic.Corrector
	guards    *guards
	health    *health.Handler
	handler   http.Handler
	source    audio.Source
	archive   Archive
	publisher Publisher

	// hasModel is fixed at construction: the controller either has a model
	// loader or it does not.
	hasModel bool

	mu         sync.Mutex
	cfg        *config.Config
	modelEntry config.ProviderEntry
	builder    engineBuilder
	server     *http.Server
	addr       net.Addr

	subs []*live.Subscription
	wg   sync.WaitGroup

	// done is closed by Shutdown to end open feed connections.
	done chan struct{}

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects an audio source instead of creating one from config.
func WithSource(src audio.Source) Option {
	return func(a *App) { a.source = src }
}

// WithArchive injects a transcript archive instead of connecting to
// PostgreSQL.
func WithArchive(ar Archive) Option {
	return func(a *App) { a.archive = ar }
}

// WithPublisher injects a record publisher instead of connecting to Redis.
func WithPublisher(p Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics sets the metrics instruments. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets ApplyConfig change the log level of the handler built
// around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithDisplay sets where the console display writes records. Defaults to
// stdout; nil disables the display.
func WithDisplay(w io.Writer) Option {
	return func(a *App) { a.display = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Provider
// constructors are looked up in reg (see [RegisterBuiltins]).
//
// New connects to the archive and publisher when they are configured and
// not injected, and fails if either is unreachable. The model is not loaded
// until Run.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		reg:        reg,
		cfg:        cfg,
		modelEntry: cfg.Transcription.Model,
		hasModel:   cfg.Transcription.Model.Enabled(),
		display:    os.Stdout,
		guards:     newGuards(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	ok := false
	defer func() {
		if !ok {
			a.runClosers()
		}
	}()

	// ── 1. Audio source ──────────────────────────────────────────────────
	if a.source == nil {
		src, err := buildSource(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: init audio: %w", err)
		}
		a.source = src
	}

	// ── 2. Engines + controller ──────────────────────────────────────────
	if err := a.initController(cfg); err != nil {
		return nil, err
	}

	// ── 3. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx, cfg.Archive); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 4. Publisher ─────────────────────────────────────────────────────
	if err := a.initPublisher(ctx, cfg.Publish); err != nil {
		return nil, fmt.Errorf("app: init publisher: %w", err)
	}

	// ── 5. Health + HTTP ─────────────────────────────────────────────────
	a.initHealth()
	a.handler = observe.Middleware(a.metrics)(a.routes())

	ok = true
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initController(cfg *config.Config) error {
	t := cfg.Transcription
	a.corrector = phonetic.New(t.Vocabulary)
	a.builder = engineBuilder{
		reg:      a.reg,
		fcfg:     fallbackConfig(t.Breaker),
		keywords: a.keywords,
	}

	engines, built, err := a.builder.secondary(t.Engines)
	if err != nil {
		return err
	}
	a.guards.replaceEngines(built)
	a.closers = append(a.closers, a.guards.close)

	var loader live.ModelLoader
	if a.hasModel {
		loader = a.loadModel
	}

	stage := live.NewStage(
		live.WithLanguage(t.Language),
		live.WithCorrector(a.corrector),
		live.WithStageMetrics(a.metrics),
	)
	ctrl, err := live.NewController(live.Config{
		Source:          a.source,
		Segmenter:       segmenterConfig(cfg),
		Stage:           stage,
		Sink:            live.NewSink(live.WithSinkMetrics(a.metrics)),
		ModelLoader:     loader,
		ModelEngineID:   t.Model.EngineID(),
		Engines:         engines,
		KeepTranscripts: t.KeepTranscripts,
		Metrics:         a.metrics,
	})
	if err != nil {
		return fmt.Errorf("app: init controller: %w", err)
	}
	a.ctrl = ctrl
	return nil
}

// loadModel is the controller's model loader. It reads the model entry at
// call time so a reloaded model configuration applies to the next load.
func (a *App) loadModel(ctx context.Context, tier stt.ModelTier) (stt.Provider, error) {
	a.mu.Lock()
	entry, b := a.modelEntry, a.builder
	a.mu.Unlock()
	return b.modelLoader(entry, a.guards)(ctx, tier)
}

// keywords returns the vocabulary as keyword boosts.
func (a *App) keywords() []stt.KeywordBoost {
	a.mu.Lock()
	defer a.mu.Unlock()
	return keywordsFor(a.cfg.Transcription.Vocabulary)
}

func (a *App) initArchive(ctx context.Context, cfg config.ArchiveConfig) error {
	if a.archive == nil && cfg.PostgresDSN != "" {
		var opts []postgres.Option
		if cfg.Embeddings.Enabled() {
			entry := cfg.Embeddings
			if entry.OptionInt("dimensions", 0) == 0 && cfg.EmbeddingDimensions > 0 {
				entry.Options = withOption(entry.Options, "dimensions", cfg.EmbeddingDimensions)
			}
			emb, err := a.reg.CreateEmbeddings(entry)
			if err != nil {
				return fmt.Errorf("create embeddings %q: %w", entry.Name, err)
			}
			opts = append(opts, postgres.WithEmbedder(emb))
		}
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return err
		}
		a.archive = store
		slog.Info("transcript archive connected", "semantic", store.Semantic())
	}
	if a.archive != nil {
		ar := a.archive
		a.closers = append(a.closers, func() error {
			ar.Close()
			return nil
		})
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context, cfg config.PublishConfig) error {
	if a.publisher == nil && cfg.RedisAddr != "" {
		p, err := redispub.New(ctx, redispub.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			Channel:      cfg.Channel,
			Stream:       cfg.Stream,
			StreamMaxLen: cfg.StreamMaxLen,
		})
		if err != nil {
			return err
		}
		a.publisher = p
		slog.Info("record publisher connected", "channel", p.Channel())
	}
	if a.publisher != nil {
		a.closers = append(a.closers, a.publisher.Close)
	}
	return nil
}

func (a *App) initHealth() {
	a.health = health.New()
	if a.hasModel {
		a.health.Add(health.Checker{
			Name: "model",
			Check: func(context.Context) error {
				st := a.ctrl.Status()
				if st.ModelTier == "" {
					if st.ModelLoading {
						return errors.New("loading")
					}
					return live.ErrModelNotReady
				}
				return nil
			},
		})
	}
	if a.archive != nil {
		a.health.Add(health.Checker{Name: "archive", Check: a.archive.Ping, Optional: true})
	}
	if a.publisher != nil {
		a.health.Add(health.Checker{Name: "redis", Check: a.publisher.Ping, Optional: true})
	}
}

// segmenterConfig maps the config section onto the segmenter. Frame
// geometry comes from the audio section.
func segmenterConfig(cfg *config.Config) live.SegmenterConfig {
	return live.SegmenterConfig{
		SampleRate:      cfg.Audio.SampleRate,
		FrameSize:       cfg.Audio.FrameSize,
		Threshold:       cfg.Segmenter.SilenceThreshold,
		SilenceDuration: cfg.Segmenter.SilenceDuration,
		MinFrames:       cfg.Segmenter.MinSegmentFrames,
	}
}

// withOption returns a copy of opts with key set.
func withOption(opts map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(opts)+1)
	for k, v := range opts {
		out[k] = v
	}
	out[key] = value
	return out
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *live.Controller {
	return a.ctrl
}

// Handler returns the HTTP API, wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Addr returns the address the HTTP server listens on, or nil before Run
// has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the sink subscribers, loads the configured model tier in the
// background, serves the HTTP API and blocks until ctx is cancelled or the
// server fails. With audio.autostart set a session begins as soon as the
// model is ready.
func (a *App) Run(ctx context.Context) error {
	a.startSubscribers()

	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	go a.warmUp(ctx, cfg)

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.mu.Lock()
	a.server = srv
	a.addr = ln.Addr()
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	slog.Info("http api listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	}
}

// warmUp loads the configured tier and starts a session if autostart is on.
func (a *App) warmUp(ctx context.Context, cfg *config.Config) {
	if a.hasModel {
		tier, err := stt.ParseTier(cfg.Transcription.ModelTier)
		if err != nil {
			tier = stt.DefaultTier
		}
		select {
		case err := <-a.ctrl.SetModelAsync(tier):
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
	if !cfg.Audio.Autostart || ctx.Err() != nil {
		return
	}
	if err := a.ctrl.Start(ctx); err != nil {
		slog.Error("autostart failed", "err", err)
	}
}

// startSubscribers attaches the display, archive and publisher to the sink.
func (a *App) startSubscribers() {
	sink := a.ctrl.Sink()
	if a.display != nil {
		sub := sink.Subscribe("display", displayBuffer)
		a.track(sub, func() { runDisplay(a.display, sub) })
	}
	if a.archive != nil {
		sub := sink.Subscribe("archive", storeBuffer)
		a.track(sub, func() { runConsumer("archive", sub, a.archive.Append) })
	}
	if a.publisher != nil {
		sub := sink.Subscribe("redis", storeBuffer)
		a.track(sub, func() { runConsumer("redis", sub, a.publisher.Publish) })
	}
}

func (a *App) track(sub *live.Subscription, fn func()) {
	a.subs = append(a.subs, sub)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, stops a running session and waits for its
// queued segments to be transcribed and delivered, then tears down all
// subsystems. It respects the context deadline: if ctx expires during the
// drain, in-flight engine calls are cancelled and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		close(a.done)

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http: %w", err))
			}
		}

		if err := a.ctrl.Close(ctx); err != nil {
			errs = append(errs, err)
		}

		for _, sub := range a.subs {
			sub.Close()
		}
		flushed := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while flushing subscribers")
			errs = append(errs, ctx.Err())
		}

		errs = append(errs, a.runClosers())
	})
	return errors.Join(errs...)
}

func (a *App) runClosers() error {
	var errs []error
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
