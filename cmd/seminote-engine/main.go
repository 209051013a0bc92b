// Command seminote-engine is the main entry point for the Seminote
// audio-to-note inference engine.
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

	"github.com/seminote/engine/internal/app"
	"github.com/seminote/engine/internal/config"
	"github.com/seminote/engine/internal/observe"
	"github.com/seminote/engine/pkg/audio"
	"github.com/seminote/engine/pkg/sink"
	mqttsink "github.com/seminote/engine/pkg/sink/mqtt"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "seminote-engine: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "seminote-engine: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("seminote-engine starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "seminote-engine",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Device and sink registry ──────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(application, level, old, new)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)

	slog.Info("engine ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ─── Device and sink wiring ───────────────────────────────────────────────────

// registerBuiltins wires the built-in device and sink factories into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Devices ───────────────────────────────────────────────────────────────

	reg.RegisterDevice("stdin", func(_ config.DeviceEntry) (audio.InputDevice, error) {
		return audio.NewStdinDevice(), nil
	})

	reg.RegisterDevice("file", func(entry config.DeviceEntry) (audio.InputDevice, error) {
		if entry.Path == "" {
			return nil, fmt.Errorf("file device requires a path")
		}
		return audio.NewFileDevice(entry.Path), nil
	})

	// ── Sinks ─────────────────────────────────────────────────────────────────

	reg.RegisterSink("log", func(_ config.SinkEntry) (sink.Sink, error) {
		return &sink.Log{}, nil
	})

	reg.RegisterSink("mqtt", func(entry config.SinkEntry) (sink.Sink, error) {
		return mqttsink.New(mqttsink.Config{
			BrokerURL: entry.BrokerURL,
			ClientID:  entry.ClientID,
			Topic:     entry.Topic,
			QoS:       byte(entry.QoS),
			Username:  entry.Username,
			Password:  entry.Password,
		})
	})

	for _, kind := range []string{"device", "sink"} {
		for _, name := range config.ValidImplementationNames[kind] {
			slog.Debug("registered implementation", "kind", kind, "name", name)
		}
	}
}

// ─── Config hot reload ────────────────────────────────────────────────────────

// applyConfigChange applies the subset of config changes that can take effect
// without a restart: the log level and the mode pin. Everything else is
// reported so the operator knows a restart is needed.
func applyConfigChange(application *app.App, level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}

	if d.ModesChanged {
		if pin := new.Modes.Pin; pin != old.Modes.Pin {
			if pin == "" {
				application.Pipeline().ClearModeOverride()
				slog.Info("mode pin cleared, selection is automatic again")
			} else {
				application.Pipeline().SetMode(app.PipelineMode(pin))
				slog.Info("mode pin updated", "mode", pin)
			}
		}
		if new.Modes.LocalBPM != old.Modes.LocalBPM ||
			new.Modes.EdgeBPM != old.Modes.EdgeBPM ||
			new.Modes.HysteresisBPM != old.Modes.HysteresisBPM ||
			new.Modes.DegradedCooldownMS != old.Modes.DegradedCooldownMS {
			slog.Warn("tempo thresholds changed; restart to apply")
		}
	}

	if d.EdgeChanged {
		slog.Warn("edge settings changed; restart to apply")
	}
	if d.SinksChanged {
		slog.Warn("sink settings changed; restart to apply")
	}
}

// ─── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     seminote-engine — summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Device", cfg.Engine.Device.Name)
	printEntry("Local model", cfg.Local.Model)
	printEntry("Edge", cfg.Edge.URL)
	if cfg.Modes.Pin != "" {
		printEntry("Mode", "pinned "+string(cfg.Modes.Pin))
	} else {
		printEntry("Mode", "automatic")
	}
	fmt.Printf("║  Sinks configured : %-18d ║\n", len(cfg.Sinks))
	if cfg.Server.ListenAddr != "" {
		printEntry("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 18 {
		value = value[:15] + "…"
	}
	fmt.Printf("║  %-16s : %-18s ║\n", kind, value)
}

// ─── Logger ───────────────────────────────────────────────────────────────────

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
