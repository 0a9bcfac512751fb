/**
 * Direct Redis Queue Consumer for the Error Diagnosis Worker
 *
 * Compatible with the TypeScript RedisQueue implementation used by the API:
 * job IDs are pushed to a LIST, job bodies live in the "<queue>:data" HASH.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
)

// errNoJobs is returned by processNextJob when the blocking pop times out
var errNoJobs = stderrors.New("no jobs available")

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client  *redis.Client
	handler *Handler
	config  *RedisConsumerConfig
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Handler     *Handler
	// MaxRetries applies when a job does not carry its own limit
	MaxRetries int
	Logger     *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "errordiag:jobs"
	}

	if cfg.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("RedisConsumer")
	}

	// Parse Redis URL
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:  client,
		handler: cfg.Handler,
		config:  cfg,
		logger:  cfg.Logger,
		ctx:     consumerCtx,
		cancel:  cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting Redis queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	// Start worker goroutines
	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	c.logger.Info("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer. In-flight jobs finish first.
func (c *RedisConsumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer...")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Shutdown deadline reached with jobs still running")
	}
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if stderrors.Is(err, errNoJobs) {
					continue
				}
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Warn("Worker error", "worker", id, "error", err)
				// Small delay before trying again
				time.Sleep(1 * time.Second)
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobID := result[1]

	// Get job data
	jobData, err := c.client.HGet(c.ctx, c.key("data"), jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.updateJobStatus(jobID, "failed", map[string]interface{}{
			"error": fmt.Sprintf("undecodable job: %v", err),
		})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.ID == "" {
		job.ID = jobID
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = jobID
	}

	c.updateJobStatus(job.Payload.JobID, "processing", nil)

	// Jobs run on a context detached from shutdown so in-flight work completes;
	// the pipeline bounds each run with its own deadline.
	diagnosis, err := c.handler.Handle(context.Background(), &job.Payload)
	if err == nil {
		c.updateJobStatus(job.Payload.JobID, "completed", diagnosis)
		return nil
	}

	job.Attempts++
	if shouldRequeue(&job, err, c.config.MaxRetries) {
		// Re-queue for retry
		updatedData, _ := json.Marshal(job)
		c.client.HSet(c.ctx, c.key("data"), job.ID, updatedData)
		c.client.LPush(c.ctx, c.config.QueueName, job.ID)
		c.logger.Info(fmt.Sprintf("[Job %s] Re-queued for retry", job.Payload.JobID),
			"attempt", job.Attempts,
			"max_retries", maxRetries(&job, c.config.MaxRetries))
		return nil
	}

	details := map[string]interface{}{
		"error":    err.Error(),
		"attempts": job.Attempts,
	}
	var de *apperrors.DiagnosisError
	if stderrors.As(err, &de) {
		for k, v := range de.WithJobID(job.Payload.JobID).ToMap() {
			details[k] = v
		}
	}
	c.updateJobStatus(job.Payload.JobID, "failed", details)
	return nil
}

// shouldRequeue reports whether a failed job gets another attempt. Invalid
// input is final regardless of the attempt count.
func shouldRequeue(job *RedisJobData, err error, defaultMax int) bool {
	if !apperrors.Retryable(err) {
		return false
	}
	return job.Attempts < maxRetries(job, defaultMax)
}

func maxRetries(job *RedisJobData, defaultMax int) int {
	if job.MaxRetries > 0 {
		return job.MaxRetries
	}
	return defaultMax
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// updateJobStatus records the job status in Redis and publishes an event
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result interface{}) {
	// Writes must land even while shutting down
	ctx := context.Background()

	switch status {
	case "processing":
		c.client.SAdd(ctx, c.key("processing"), jobID)
	case "completed":
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("completed"), jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			c.client.HSet(ctx, c.key("results"), jobID, resultData)
		}
	case "failed":
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("failed"), jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			c.client.HSet(ctx, c.key("errors"), jobID, errorData)
		}
	}

	// Publish event for WebSocket streaming
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(ctx, c.key("events"), eventData)
}

// Stats returns queue statistics
func (c *RedisConsumer) Stats(ctx context.Context) (map[string]int64, error) {
	waiting, err := c.client.LLen(ctx, c.config.QueueName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	processing, _ := c.client.SCard(ctx, c.key("processing")).Result()
	completed, _ := c.client.SCard(ctx, c.key("completed")).Result()
	failed, _ := c.client.SCard(ctx, c.key("failed")).Result()

	return map[string]int64{
		"waiting":    waiting,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
	}, nil
}
