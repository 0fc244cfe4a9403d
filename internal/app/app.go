package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"paperdesk/apps/backend/features/chat"
	"paperdesk/apps/backend/features/document"
	"paperdesk/apps/backend/features/query"
	"paperdesk/apps/backend/features/summary"
	"paperdesk/apps/backend/internal/adapter/gemini"
	"paperdesk/apps/backend/internal/config"
	"paperdesk/apps/backend/internal/extract"
	"paperdesk/apps/backend/internal/middleware"
	"paperdesk/apps/backend/internal/pipeline"
	"paperdesk/apps/backend/internal/retrieval"
	"paperdesk/apps/backend/internal/retry"
	"paperdesk/apps/backend/internal/synthesis"
	"paperdesk/apps/backend/internal/text"
	"paperdesk/apps/backend/internal/vector"
)

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

type App struct {
	Handler http.Handler
	Runner  *pipeline.Runner
	Port    int
}

func New(ctx context.Context, cfg *config.Config, db *sql.DB, index vector.Index, taskPub TaskPublisher, logger *slog.Logger) (*App, error) {
	embedder, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: %w", err)
	}
	generator, err := gemini.NewGenerator(ctx, cfg.GeminiAPIKey, cfg.GenerationModel)
	if err != nil {
		return nil, fmt.Errorf("gemini generator: %w", err)
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.EmbedMaxAttempts

	// Ingestion pipeline
	docRepo := document.NewPostgresRepo(db)
	runner := pipeline.NewRunner(
		docRepo,
		extract.NewPDF(),
		text.NewChunker(cfg.ChunkMaxChars, cfg.ChunkOverlap),
		embedder,
		index,
		taskPub,
		pipeline.Options{
			EmbedBatchSize: cfg.EmbedBatchSize,
			EmbedTimeout:   time.Duration(cfg.EmbedTimeoutSeconds) * time.Second,
			EmbedPolicy:    policy,
		},
		logger,
	)

	// Feature: Document
	docService := document.NewService(docRepo, taskPub, index, runner, cfg.UploadDir, logger)
	docHandler := document.NewHandler(docService, int(cfg.MaxUploadSizeMB))

	// Retrieval & synthesis
	queryLogger, err := retrieval.NewFileQueryLogger("data/logs/query.log")
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	retrievalService := retrieval.NewService(embedder, index, docRepo, queryLogger)
	synthesizer := synthesis.New(generator, policy, cfg.MaxContextChars, time.Duration(cfg.GenTimeoutSeconds)*time.Second)

	// Feature: Query
	queryService := query.NewService(retrievalService, synthesizer, cfg.DefaultTopK, logger)
	queryHandler := query.NewHandler(queryService)

	// Feature: Chat
	chatRepo := chat.NewPostgresRepo(db)
	chatService := chat.NewService(chatRepo, retrievalService, synthesizer, cfg.ChatHistoryWindow, cfg.DefaultTopK, logger)
	chatHandler := chat.NewHandler(chatService)

	// Feature: Summary
	summaryService := summary.NewService(docRepo, synthesizer, cfg.SummaryChunksPerDoc, logger)
	summaryHandler := summary.NewHandler(summaryService)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /documents", middleware.CorrelationID(enableCORS(docHandler.Upload)))
	mux.Handle("GET /documents", middleware.CorrelationID(enableCORS(docHandler.List)))
	mux.Handle("GET /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Get)))
	mux.Handle("DELETE /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Delete)))
	mux.Handle("POST /documents/{id}/retry", middleware.CorrelationID(enableCORS(docHandler.Retry)))

	mux.Handle("POST /query", middleware.CorrelationID(enableCORS(queryHandler.Ask)))

	mux.Handle("POST /chat/sessions", middleware.CorrelationID(enableCORS(chatHandler.CreateSession)))
	mux.Handle("GET /chat/sessions/{id}/messages", middleware.CorrelationID(enableCORS(chatHandler.ListMessages)))
	mux.Handle("POST /chat/sessions/{id}/messages", middleware.CorrelationID(enableCORS(chatHandler.PostMessage)))

	mux.Handle("POST /summarize", middleware.CorrelationID(enableCORS(summaryHandler.Summarize)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler: mux,
		Runner:  runner,
		Port:    cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.Port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
