// Command echoscribe runs the live microphone transcription service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/export"
	"github.com/MrWong99/echoscribe/internal/observe"
	"github.com/MrWong99/echoscribe/internal/server"
	"github.com/MrWong99/echoscribe/internal/transcript"
	"github.com/MrWong99/echoscribe/pkg/audiosource"
	paSource "github.com/MrWong99/echoscribe/pkg/audiosource/portaudio"
	"github.com/MrWong99/echoscribe/pkg/provider/stt"
	"github.com/MrWong99/echoscribe/pkg/provider/stt/vosk"
	"github.com/MrWong99/echoscribe/pkg/provider/stt/whisper"
	"github.com/MrWong99/echoscribe/pkg/provider/vad/energy"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echoscribe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echoscribe: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("echoscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "echoscribe",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Persistence ───────────────────────────────────────────────────────────
	store, err := transcript.Open(ctx, cfg.Storage.DatabasePath, logger)
	if err != nil {
		slog.Error("failed to open transcript store", "path", cfg.Storage.DatabasePath, "err", err)
		return 1
	}
	defer store.Close()

	exporter, err := export.NewWriter(cfg.Storage.ExportDir, logger)
	if err != nil {
		slog.Error("failed to create export writer", "dir", cfg.Storage.ExportDir, "err", err)
		return 1
	}

	// ── Engines ───────────────────────────────────────────────────────────────
	engines, err := buildEngines(cfg)
	if err != nil {
		slog.Error("failed to build engines", "err", err)
		return 1
	}

	// ── Session manager and HTTP server ───────────────────────────────────────
	hub := server.NewHub(logger)
	mgr := server.NewSessionManager(server.SessionManagerConfig{
		Pipeline: cfg.PipelineConfig(),
		Engines:  engines,
		Store:    store,
		Exporter: exporter,
		Hub:      hub,
		Metrics:  metrics,
		Logger:   logger,
	})

	// Pipeline tuning changes in the config file apply to the next session.
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		mgr.UpdatePipeline(next.PipelineConfig())
		slog.Info("config reloaded; new pipeline tuning applies to the next session")
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	srv := server.New(server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Manager:    mgr,
		Store:      store,
		Hub:        hub,
		Metrics:    metrics,
		Logger:     logger,
		Checkers: []server.Checker{
			{Name: "database", Check: store.Ping},
		},
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	err = srv.Run(ctx)

	// Finish an in-flight session so its transcript and recording are saved.
	if mgr.IsActive() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if _, stopErr := mgr.Stop(stopCtx); stopErr != nil {
			slog.Warn("failed to stop active session during shutdown", "err", stopErr)
		}
		cancel()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildEngines wires the configured audio source, VAD, and recognizers. The
// fast recognizer and audio source are created per session; the whisper model
// is loaded lazily by the correction stage on first use.
func buildEngines(cfg *config.Config) (server.Engines, error) {
	var engines server.Engines

	sampleRate := cfg.Audio.SampleRate
	frameDur := time.Duration(cfg.Audio.FrameMs) * time.Millisecond
	device := cfg.Audio.Device
	engines.NewSource = func() (audiosource.Source, error) {
		return paSource.New(paSource.Config{
			SampleRate:    sampleRate,
			FrameDuration: frameDur,
			DeviceName:    device,
		})
	}

	switch name := cfg.Engines.VAD.Name; name {
	case "energy", "":
		var opts []energy.Option
		if v := optFloat(cfg.Engines.VAD.Options, "min_rms"); v > 0 {
			opts = append(opts, energy.WithMinRMS(v))
		}
		enter := optFloat(cfg.Engines.VAD.Options, "enter_ratio")
		exit := optFloat(cfg.Engines.VAD.Options, "exit_ratio")
		if enter > 0 && exit > 0 {
			opts = append(opts, energy.WithRatios(enter, exit))
		}
		engines.VAD = energy.New(opts...)
	default:
		return server.Engines{}, fmt.Errorf("unknown vad engine %q", name)
	}

	switch name := cfg.Engines.Fast.Name; name {
	case "vosk", "":
		modelPath := cfg.Engines.Fast.ModelPath
		engines.NewFast = func() (stt.Streaming, error) {
			return vosk.New(modelPath, sampleRate)
		}
	default:
		return server.Engines{}, fmt.Errorf("unknown fast engine %q", name)
	}

	switch name := cfg.Engines.Slow.Name; name {
	case "whisper", "":
		modelPath := cfg.Engines.Slow.ModelPath
		lang := cfg.Engines.Slow.Language
		engines.Slow = func(context.Context) (stt.Batch, error) {
			var opts []whisper.Option
			if lang != "" {
				opts = append(opts, whisper.WithLanguage(lang))
			}
			return whisper.New(modelPath, opts...)
		}
	default:
		return server.Engines{}, fmt.Errorf("unknown slow engine %q", name)
	}

	return engines, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// optFloat extracts a numeric value from an engine Options map. Returns 0 if
// the map is nil, the key is absent, or the value is not numeric.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
