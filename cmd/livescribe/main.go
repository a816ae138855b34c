// Command livescribe is the entry point for the livescribe transcription
// server and its batch file transcriber.
//
// Live mode (default) records from the configured audio source and serves
// the HTTP API:
//
//	livescribe -config config.yaml
//
// Batch mode transcribes a media file to a text file and exits:
//
//	livescribe -file talk.mp4 [-engine whisper] [-tier small] [-out talk.txt]
//
// -info prints the header of a WAV file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/livescribe/internal/app"
	"github.com/MrWong99/livescribe/internal/batch"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// version is set at build time via -ldflags.
var version = "dev"

// shutdownTimeout bounds the drain of the running session on exit.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	file := flag.String("file", "", "transcribe this media file and exit")
	engine := flag.String("engine", "", "engine for -file (default: the configured model engine)")
	tierFlag := flag.String("tier", "", "model tier for -file: tiny, base or small")
	out := flag.String("out", "", "transcript path for -file (default: <file>_transcript.txt)")
	info := flag.String("info", "", "print the header of a WAV file and exit")
	flag.Parse()

	if *info != "" {
		wi, err := audio.ReadWAVInfo(*info)
		if err != nil {
			fmt.Fprintf(os.Stderr, "livescribe: %v\n", err)
			return 1
		}
		fmt.Println(wi)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	// Batch mode runs without a config file; live mode needs one.
	cfg, err := config.Load(*configPath)
	if err != nil && errors.Is(err, os.ErrNotExist) && *file != "" {
		cfg, err = config.LoadFromReader(strings.NewReader(""))
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livescribe: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livescribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)

	if *file != "" {
		return runBatch(ctx, cfg, reg, *file, *engine, *tierFlag, *out)
	}
	return runLive(ctx, *configPath, cfg, reg, level)
}

// runBatch transcribes one file and writes the transcript next to it.
func runBatch(ctx context.Context, cfg *config.Config, reg *config.Registry, in, engine, tierName, out string) int {
	if tierName == "" {
		tierName = cfg.Transcription.ModelTier
	}
	tier, err := stt.ParseTier(tierName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livescribe: %v\n", err)
		return 2
	}
	if out == "" {
		out = batch.DefaultOutputPath(in)
	}

	t := app.NewTranscriber(cfg, reg, batch.WithProgress(func(done, total int) {
		fmt.Fprintf(os.Stderr, "\rtranscribing %s: %d/%d", in, done, total)
		if done == total {
			fmt.Fprintln(os.Stderr)
		}
	}))

	start := time.Now()
	path, err := t.TranscribeToFile(ctx, in, out, engine, tier)
	if err != nil {
		slog.Error("transcription failed", "file", in, "err", err)
		return 1
	}
	slog.Info("transcript written", "path", path, "elapsed", time.Since(start).Round(time.Millisecond))
	return 0
}

// runLive serves the live pipeline until SIGINT or SIGTERM, reloading the
// config file when it changes or on SIGHUP.
func runLive(ctx context.Context, configPath string, cfg *config.Config, reg *config.Registry, level *slog.LevelVar) int {
	slog.Info("livescribe starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		if err := application.ApplyConfig(old, new); err != nil {
			slog.Error("config reload incomplete", "err", err)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down, draining queued segments…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := w.Reload(); err != nil {
				slog.Error("config reload rejected", "err", err)
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	t := cfg.Transcription
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║       livescribe startup summary       ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Audio source", string(cfg.Audio.Source))
	printRow("Model", t.Model.Name)
	if t.Model.Enabled() {
		printRow("Model tier", t.ModelTier)
	}
	engines := make([]string, 0, len(t.Engines))
	for _, e := range t.Engines {
		engines = append(engines, e.EngineID())
	}
	printRow("Engines", strings.Join(engines, ","))
	printRow("Vocabulary", fmt.Sprintf("%d terms", len(t.Vocabulary)))
	printRow("Archive", enabled(cfg.Archive.PostgresDSN != ""))
	printRow("Publish", enabled(cfg.Publish.RedisAddr != ""))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}
