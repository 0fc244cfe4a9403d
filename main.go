package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"paperdesk/apps/backend/internal/app"
	"paperdesk/apps/backend/internal/config"
	"paperdesk/apps/backend/internal/logger"
	"paperdesk/apps/backend/internal/pipeline"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.DB.Close()

	application, err := app.New(ctx, cfg, deps.DB, deps.Index, deps.NSQProducer, log)
	if err != nil {
		slog.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	consumer, err := pipeline.StartConsumer(application.Runner, cfg.NSQLookupd, cfg.IngestionConcurrency)
	if err != nil {
		slog.Error("failed to start ingestion consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Stop()

	// The in-process index is empty after a restart; reload the
	// persisted embeddings of already-indexed documents before serving.
	if cfg.VectorBackend == "memory" {
		if err := application.Runner.RebuildIndex(ctx); err != nil {
			slog.Error("failed to rebuild vector index", "error", err)
			os.Exit(1)
		}
	}

	// Re-enqueue documents stranded mid-pipeline by a previous run.
	if err := application.Runner.Resume(ctx); err != nil {
		slog.Warn("failed to resume stranded documents", "error", err)
	}

	if err := application.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
