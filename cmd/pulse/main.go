// Command pulse runs one of the four pipeline services. Each service is
// an independent process sharing nothing but the Postgres store:
//
//	pulse ingest      MQTT → validated telemetry rows
//	pulse evaluator   telemetry → device state + fleet alerts
//	pulse dispatcher  alerts → delivery jobs
//	pulse worker      delivery jobs → external endpoints
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pulseiot/pulse/pkg/config"
	"github.com/pulseiot/pulse/pkg/dispatcher"
	"github.com/pulseiot/pulse/pkg/evaluator"
	"github.com/pulseiot/pulse/pkg/ingest"
	"github.com/pulseiot/pulse/pkg/observability"
	"github.com/pulseiot/pulse/pkg/store"
	"github.com/pulseiot/pulse/pkg/worker"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "ingest", "evaluator", "dispatcher", "worker":
		return runService(args[1], stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "pulse %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: pulse <ingest|evaluator|dispatcher|worker|version>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "  ingest      subscribe to the broker and batch-write telemetry")
	_, _ = fmt.Fprintln(w, "  evaluator   maintain device state and evaluate alert rules")
	_, _ = fmt.Fprintln(w, "  dispatcher  match open alerts to routes and enqueue delivery jobs")
	_, _ = fmt.Fprintln(w, "  worker      lease delivery jobs and call external endpoints")
}

func runService(name string, stderr io.Writer) int {
	cfg := config.Load()
	log := newLogger(cfg, name)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database unavailable", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	obs, err := observability.New(ctx, observability.FromEnv("pulse-"+name, version, string(cfg.Mode)))
	if err != nil {
		log.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutCtx)
	}()

	log.Info("starting", "service", name, "mode", cfg.Mode, "version", version)

	switch name {
	case "ingest":
		svc, err := ingest.NewService(ctx, db, cfg, obs, log)
		if err != nil {
			log.Error("ingest init failed", "error", err)
			return 1
		}
		err = svc.Run(ctx)
		return exitCode(log, name, err)
	case "evaluator":
		err = evaluator.NewService(db, cfg, obs, log).Run(ctx)
		return exitCode(log, name, err)
	case "dispatcher":
		svc, err := dispatcher.NewService(db, cfg, obs, log)
		if err != nil {
			log.Error("dispatcher init failed", "error", err)
			return 1
		}
		err = svc.Run(ctx)
		return exitCode(log, name, err)
	case "worker":
		err = worker.NewService(db, cfg, obs, log).Run(ctx)
		return exitCode(log, name, err)
	}
	_, _ = fmt.Fprintf(stderr, "Unknown service: %s\n", name)
	return 2
}

func exitCode(log *slog.Logger, name string, err error) int {
	if err != nil && err != context.Canceled {
		log.Error("service failed", "service", name, "error", err)
		return 1
	}
	log.Info("stopped", "service", name)
	return 0
}

// newLogger builds the process logger: JSON in PROD, text otherwise,
// level from LOG_LEVEL.
func newLogger(cfg *config.Config, service string) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Mode == config.ModeProd {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("component", service)
}
