/**
 * Asynq Queue Consumer for the Error Diagnosis Worker
 *
 * Alternative backend for deployments that enqueue "diagnose-image" tasks
 * through asynq instead of the plain Redis list protocol.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
)

// TaskDiagnoseImage is the asynq task type handled by Consumer
const TaskDiagnoseImage = "diagnose-image"

// Consumer handles job consumption through asynq
type Consumer struct {
	inspector *asynq.Inspector
	server    *asynq.Server
	mux       *asynq.ServeMux
	handler   *Handler
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Handler     *Handler
	Logger      *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("AsynqConsumer")
	}

	// Parse Redis connection options
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Inspector backs Stats for /healthz
	inspector := asynq.NewInspector(redisOpt)

	logger := cfg.Logger
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10, // Priority 10 for main queue
				"default":     1,  // Priority 1 for fallback
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error",
					"type", task.Type(),
					"payload_bytes", len(task.Payload()),
					"error", err)
			}),
			Logger:   &asynqLogger{l: logger.Named("asynq")},
			LogLevel: asynq.WarnLevel,
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		inspector: inspector,
		server:    server,
		mux:       mux,
		handler:   cfg.Handler,
		config:    cfg,
		logger:    logger,
	}

	mux.HandleFunc(TaskDiagnoseImage, consumer.handleDiagnoseImage)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting asynq queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.inspector.Close(); err != nil {
		return fmt.Errorf("failed to close inspector: %w", err)
	}

	c.logger.Info("Queue consumer stopped")
	return nil
}

// NewDiagnoseTask builds the asynq task for payload
func NewDiagnoseTask(payload *JobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskDiagnoseImage, data), nil
}

// handleDiagnoseImage processes one diagnose-image task. Errors that a retry
// cannot fix are wrapped in asynq.SkipRetry.
func (c *Consumer) handleDiagnoseImage(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	if payload.JobID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			payload.JobID = id
		}
	}

	if _, err := c.handler.Handle(ctx, &payload); err != nil {
		if !apperrors.Retryable(err) {
			return fmt.Errorf("diagnosis failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("diagnosis failed: %w", err)
	}
	return nil
}

// Stats reports task counts for the main queue, using the same keys as
// RedisConsumer.Stats. Archived tasks have exhausted their retries.
func (c *Consumer) Stats(ctx context.Context) (map[string]int64, error) {
	info, err := c.inspector.GetQueueInfo(c.config.QueueName)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue info: %w", err)
	}
	return queueInfoStats(info), nil
}

func queueInfoStats(info *asynq.QueueInfo) map[string]int64 {
	return map[string]int64{
		"waiting":    int64(info.Pending + info.Scheduled + info.Retry),
		"processing": int64(info.Active),
		"completed":  int64(info.Completed),
		"failed":     int64(info.Archived),
	}
}

// asynqLogger routes asynq's internal logging through zap
type asynqLogger struct {
	l *logging.Logger
}

func (a *asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a *asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	logging.Sync()
	os.Exit(1)
}
