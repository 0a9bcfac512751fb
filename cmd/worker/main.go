/**
 * Error Diagnosis Worker - Main Entry Point
 *
 * Go worker that diagnoses error screenshots (1C, Windows, Office, browsers,
 * antivirus tools) taken from a Redis-backed job queue.
 *
 * Architecture:
 * - Redis list or asynq consumer with a fixed worker count
 * - Pipeline: preprocess → Tesseract OCR → normalize → signature match → LLM fallback
 * - Ordered LLM provider pool (Groq, OpenAI, Anthropic, Ollama, inference gateway)
 * - Optional Redis classification cache and PostgreSQL result persistence
 * - Prometheus metrics on METRICS_ADDRESS
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/adverant/nexus/errordiag-worker/internal/app"
	"github.com/adverant/nexus/errordiag-worker/internal/config"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
	"github.com/adverant/nexus/errordiag-worker/internal/metrics"
	"github.com/adverant/nexus/errordiag-worker/internal/queue"
	"github.com/adverant/nexus/errordiag-worker/internal/storage"
)

// consumer is implemented by both queue backends
type consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	queueStats
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "errordiag-worker: %v\n", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run() error {
	// Load environment variables
	envErr := godotenv.Load(".env")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	defer logging.Sync()
	logger := logging.NewLogger("Worker")

	if envErr != nil {
		logger.Debug(".env not found, using system environment variables")
	}

	logger.Info("Error Diagnosis Worker starting...",
		"queue_backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"providers", len(cfg.Providers),
		"persistence", cfg.DatabaseURL != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize optional PostgreSQL persistence
	var db *storage.PostgresClient
	if cfg.DatabaseURL != "" {
		logger.Info("Connecting to PostgreSQL...")
		db, err = storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		logger.Info("PostgreSQL storage initialized")
	} else {
		logger.Warn("DATABASE_URL not configured. Diagnoses are reported through the queue only.")
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// Build pipeline
	pipeline, err := app.BuildPipeline(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	defer pipeline.Close()

	var store queue.ResultStore
	if db != nil {
		store = db
	}
	handler := queue.NewHandler(pipeline, store, logger.Named("JobHandler"))

	// Initialize queue consumer
	logger.Info("Connecting to Redis queue...")
	var qc consumer
	switch cfg.QueueBackend {
	case "asynq":
		qc, err = queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Handler:     handler,
			Logger:      logger.Named("AsynqConsumer"),
		})
	default:
		qc, err = queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Handler:     handler,
			Logger:      logger.Named("RedisConsumer"),
		})
	}
	if err != nil {
		return fmt.Errorf("failed to initialize queue consumer: %w", err)
	}

	// Metrics and health endpoints
	var health database
	if db != nil {
		health = db
	}
	metricsServer := startMetricsServer(cfg.MetricsAddress, newMetricsMux(health, qc), logger.Named("HTTP"))

	if err := qc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}

	logger.Info("Error Diagnosis Worker is READY",
		"signatures", pipeline.Store.Len(),
		"providers", pipeline.Pool.Providers(),
		"threshold", pipeline.Threshold(),
		"timeout", cfg.DiagnosisTimeout,
		"metrics", cfg.MetricsAddress)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DiagnosisTimeout+5*time.Second)
	defer cancel()

	if err := qc.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
