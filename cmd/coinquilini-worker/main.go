package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"coinquilini/internal/amqp"
	"coinquilini/internal/config"
	"coinquilini/internal/sheets"
	gsheet "coinquilini/internal/sheets/google"
	mem "coinquilini/internal/sheets/memory"
	"coinquilini/internal/storage"
	"coinquilini/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting coinquilini-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var sink sheets.StatementWriter
	switch cfg.StatementBackend {
	case "sheets":
		cli, err := gsheet.NewFromEnv(context.Background())
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", "error", err)
			os.Exit(1)
		}
		sink = cli
		logger.Info("Initialized Google Sheets statement backend")
	default:
		sink = mem.New()
		logger.Info("Initialized memory statement backend")
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	statementWorker := worker.NewStatementWorker(repo, sink)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return amqpClient.ConsumeLedgerEvents(ctx, func(msg *amqp.LedgerEventMessage) error {
			return statementWorker.HandleEvent(ctx, msg)
		})
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down worker...")
		return amqpClient.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete")
}
