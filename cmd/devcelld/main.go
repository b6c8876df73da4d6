package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devcell/devcell/internal/config"
	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/daemon"
	"github.com/devcell/devcell/internal/environment"
	"github.com/devcell/devcell/internal/execution"
	"github.com/devcell/devcell/internal/hub"
	"github.com/devcell/devcell/internal/logs"
	"github.com/devcell/devcell/internal/ratelimit"
	"github.com/devcell/devcell/internal/storage/postgres"
	"github.com/devcell/devcell/internal/storage/sqlite"
)

const pidFileName = "devcelld.pid"

func main() {
	if err := run(); err != nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dataDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logFile, err := setupLogging(dataDir, parseLogLevel(cfg.Daemon.LogLevel))
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	pidPath := filepath.Join(dataDir, pidFileName)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite always carries environment state; the log store can be moved
	// to Postgres for high-volume deployments.
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var logStore logs.Store
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		logStore = postgres.NewLogStore(pg)
	default:
		logStore = sqlite.NewLogStore(db)
	}

	containers, err := container.NewManager(container.ManagerConfig{
		PullMaxAttempts: cfg.Runner.PullMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("create container manager: %w", err)
	}

	envs := environment.NewManager(sqlite.NewEnvironmentStore(db), containers, nil, cfg.Runner.DefaultImage)

	h := hub.New(envs)
	var events *hub.Connection
	if cfg.Events.Enabled {
		exchange := cfg.Events.Exchange
		if exchange == "" {
			exchange = hub.DefaultExchange
		}
		events, err = hub.NewConnection(cfg.Events.AMQPURL, exchange)
		if err != nil {
			// The relay runs hub-only until the broker comes back.
			slog.Warn("event broker unavailable", "error", err)
			events = nil
		} else {
			defer events.Close()
		}
	}
	pipeline := logs.NewPipeline(logStore, envs, containers, envs, logs.Config{
		RetentionDays:      cfg.Logs.RetentionDays,
		MaxSizeMB:          cfg.Logs.MaxSizeMB,
		CompressionAgeDays: cfg.Logs.CompressionAgeDays,
		DefaultPageSize:    cfg.Logs.DefaultPageSize,
		MaxPageSize:        cfg.Logs.MaxPageSize,
	})
	pipeline.StartCleanupLoop(ctx, time.Duration(cfg.Logs.CleanupIntervalMin)*time.Minute)

	relay := hub.NewRelay(h, events, pipeline)

	engine := execution.NewEngine(containers, envs, relay, execution.Config{
		DefaultTimeout: time.Duration(cfg.Runner.DefaultTimeoutMs) * time.Millisecond,
		MinTimeout:     time.Duration(cfg.Runner.MinTimeoutMs) * time.Millisecond,
		MaxTimeout:     time.Duration(cfg.Runner.MaxTimeoutMs) * time.Millisecond,
		MaxOutputBytes: cfg.Runner.MaxOutputKB * 1024,
	})

	governor := ratelimit.NewGovernor()
	governor.StartSweepLoop(ctx.Done(), time.Duration(cfg.RateLimit.SweepIntervalSec)*time.Second)

	server := daemon.NewServer(cfg, daemon.Services{
		Envs:     envs,
		Engine:   engine,
		Pipeline: pipeline,
		Hub:      h,
		Governor: governor,
	})

	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		if err := envs.Close(shutdownCtx); err != nil {
			slog.Error("environment teardown error", "error", err)
		}
		close(done)
	}()

	slog.Info("devcell daemon starting", "bind", cfg.Daemon.Bind, "port", cfg.Daemon.Port)
	if err := server.Start(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	slog.Info("daemon stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging writes JSON records to the daemon log file and text records
// to stderr for foreground runs.
func setupLogging(dataDir string, level slog.Level) (*os.File, error) {
	logPath := filepath.Join(dataDir, "devcelld.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	handler := &multiHandler{
		handlers: []slog.Handler{
			slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level}),
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		},
	}
	slog.SetDefault(slog.New(handler))

	return logFile, nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// multiHandler logs to multiple handlers
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
