// Command voxprep is the voice interview practice client.
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

	"github.com/joho/godotenv"

	"github.com/voxprep/voxprep/internal/app"
	"github.com/voxprep/voxprep/internal/backend"
	"github.com/voxprep/voxprep/internal/config"
	"github.com/voxprep/voxprep/internal/interview"
	"github.com/voxprep/voxprep/internal/observe"
	"github.com/voxprep/voxprep/pkg/audio"
	"github.com/voxprep/voxprep/pkg/audio/device"
	"github.com/voxprep/voxprep/pkg/audio/wsbridge"
	"github.com/voxprep/voxprep/pkg/provider/stt"
	"github.com/voxprep/voxprep/pkg/provider/stt/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxprep.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// .env is optional; real deployments set variables in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxprep: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ─────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxprep: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxprep: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxprep starting",
		"config", *configPath,
		"backend", cfg.Backend.BaseURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Component registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	bridge := registerComponents(reg, cfg)

	// ── Config watcher (hot reload) ────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			logLevel.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.RestartRequired {
			slog.Warn("config change requires a restart to take effect")
		} else if diff.VADChanged || diff.HangupGraceChanged {
			slog.Info("tuning change recorded, applies to the next session")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Application ────────────────────────────────────────────────────────────
	var opts []app.Option
	if bridge != nil {
		opts = append(opts, app.WithBridge(bridge))
	}
	application, err := app.New(ctx, cfg, reg, uiEvents(), logger, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("session starting — press Ctrl+C to hang up")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Component wiring ──────────────────────────────────────────────────────────

// registerComponents wires the built-in audio and transcriber factories into
// reg. When either audio direction uses the websocket bridge, one shared
// Bridge instance backs both and is returned for the app to serve.
func registerComponents(reg *config.Registry, cfg *config.Config) *wsbridge.Bridge {
	reg.RegisterSource(config.AudioDevice, func(ac config.AudioConfig) (audio.Source, error) {
		return device.NewSource(ac.CaptureRate)
	})
	reg.RegisterSink(config.AudioDevice, func(ac config.AudioConfig) (audio.Sink, error) {
		return device.NewSink(ac.PlaybackRate)
	})

	var bridge *wsbridge.Bridge
	if cfg.Audio.Input == config.AudioBridge || cfg.Audio.Output == config.AudioBridge {
		bridge = wsbridge.New(slog.Default())
		reg.RegisterSource(config.AudioBridge, func(config.AudioConfig) (audio.Source, error) {
			return bridge, nil
		})
		reg.RegisterSink(config.AudioBridge, func(config.AudioConfig) (audio.Sink, error) {
			return bridge, nil
		})
	}

	reg.RegisterTranscriber(config.TranscriberServer, func(tc config.TranscriberConfig) (stt.Provider, error) {
		var opts []whisper.Option
		if tc.Language != "" {
			opts = append(opts, whisper.WithLanguage(tc.Language))
		}
		return whisper.New(tc.URL, opts...)
	})
	reg.RegisterTranscriber(config.TranscriberNative, func(tc config.TranscriberConfig) (stt.Provider, error) {
		var opts []whisper.NativeOption
		if tc.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(tc.Language))
		}
		return whisper.NewNative(tc.ModelPath, opts...)
	})

	return bridge
}

// uiEvents builds the terminal-facing event surface: status transitions and
// progress on the log, the final transcript on stdout.
func uiEvents() interview.Events {
	return interview.Events{
		OnStatusChange: func(s interview.Status) {
			slog.Info("session status", "status", s)
		},
		OnTranscriptUpdate: func(fullText string) {
			slog.Debug("interviewer", "text", fullText)
		},
		OnProgress: func(current, max int) {
			slog.Info("interview progress", "question", current, "of", max)
		},
		OnError: func(err error) {
			slog.Error("session error", "err", err)
		},
		OnSessionEnded: func(detail backend.SessionDetail) {
			printSessionSummary(detail)
		},
	}
}

// ── Output ────────────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Voxprep — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Backend.BaseURL)
	printRow("Audio in", string(cfg.Audio.Input))
	printRow("Audio out", string(cfg.Audio.Output))
	printRow("Upload format", string(cfg.Interview.AudioFormat))
	printRow("Transcriber", string(cfg.Transcriber.Mode))
	if cfg.Interview.SessionID != "" {
		printRow("Session", "resume "+cfg.Interview.SessionID)
	} else {
		printRow("Session", "new")
	}
	if cfg.Server.DebugAddr != "" {
		printRow("Debug addr", cfg.Server.DebugAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 22 {
		value = string([]rune(value)[:21]) + "…"
	}
	fmt.Printf("║  %-12s : %-22s ║\n", label, value)
}

// printSessionSummary writes the post-interview transcript to stdout.
func printSessionSummary(detail backend.SessionDetail) {
	fmt.Println()
	name := detail.Name
	if name == "" {
		name = detail.SessionID
	}
	fmt.Printf("── interview %s (%s) ──\n", name, detail.Status)
	for _, turn := range detail.History {
		speaker := "you"
		if turn.Role == "assistant" {
			speaker = "interviewer"
		}
		fmt.Printf("%-11s  %s\n", speaker+":", turn.Content)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher retune verbosity without a restart.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
