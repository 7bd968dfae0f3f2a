// Package main is the issuedeck server entry point. The single binary wires
// storage, the event bus, the engine executors, and the issue engine; the
// transport layer attaches through the engine's exported surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/issuedeck/issuedeck/internal/common/config"
	"github.com/issuedeck/issuedeck/internal/common/logger"
	"github.com/issuedeck/issuedeck/internal/db"
	"github.com/issuedeck/issuedeck/internal/events"
	"github.com/issuedeck/issuedeck/internal/executor"
	"github.com/issuedeck/issuedeck/internal/executor/amp"
	"github.com/issuedeck/issuedeck/internal/executor/claude"
	"github.com/issuedeck/issuedeck/internal/executor/codex"
	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/internal/issue/repository/sqlite"
	"github.com/issuedeck/issuedeck/internal/orchestrator"
	"github.com/issuedeck/issuedeck/internal/process"
	"github.com/issuedeck/issuedeck/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting issuedeck...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS if configured)
	provided, busCleanup, err := events.Provide(cfg.Events, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.Events.NATSURL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 4. Storage
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer func() { _ = pool.Close() }()

	repo, err := sqlite.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize issue repository", zap.Error(err))
	}
	log.Info("Database initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))

	// 5. Engine executors
	registry := executor.NewRegistry()
	registry.Register(models.EngineClaudeCode, claude.New(&cfg.Engines, log))
	registry.Register(models.EngineCodex, codex.New(&cfg.Engines, log))
	registry.Register(models.EngineAmp, amp.New(&cfg.Engines, log))

	availability := registry.GetAvailable(ctx)
	for _, a := range availability {
		log.Info("Engine probed",
			zap.String("engine", string(a.EngineType)),
			zap.Bool("installed", a.Installed))
	}

	// 6. Filter rules
	filterRules, err := config.LoadFilterRules(cfg.Engines.FilterRulesPath)
	if err != nil {
		log.Fatal("Failed to load filter rules",
			zap.Error(err),
			zap.String("path", cfg.Engines.FilterRulesPath))
	}
	if len(filterRules) > 0 {
		log.Info("Loaded filter rules", zap.Int("count", len(filterRules)))
	}

	// 7. Issue engine
	pm := process.NewManager[*executor.SpawnedProcess](&cfg.Process, log)
	engine := orchestrator.NewEngine(cfg, log, repo, registry, pm, provided.Bus, filterRules)
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start issue engine", zap.Error(err))
	}
	log.Info("Issue engine started", zap.Int("engines", len(availability)))

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down issuedeck...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	engine.Stop(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("issuedeck stopped")
}
