/**
 * Pipeline assembly shared by the worker and the one-shot CLI
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/errordiag-worker/internal/cache"
	"github.com/adverant/nexus/errordiag-worker/internal/config"
	"github.com/adverant/nexus/errordiag-worker/internal/imaging"
	"github.com/adverant/nexus/errordiag-worker/internal/llm"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
	"github.com/adverant/nexus/errordiag-worker/internal/ocr"
	"github.com/adverant/nexus/errordiag-worker/internal/ocr/tesseract"
	"github.com/adverant/nexus/errordiag-worker/internal/processor"
	"github.com/adverant/nexus/errordiag-worker/internal/signatures"
)

// Pipeline is an assembled pipeline plus the resources it holds open
type Pipeline struct {
	*processor.Pipeline
	Store     *signatures.Store
	Providers []llm.Provider
	Pool      *llm.Pool

	closers []func() error
}

// Close releases the cache connection, if any
func (p *Pipeline) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LoadSignatures reads SIGNATURES_PATH or falls back to the built-in knowledge base
func LoadSignatures(cfg *config.Config) (*signatures.Store, error) {
	opt := signatures.WithFloor(cfg.SignatureFloor)
	if cfg.SignaturesPath != "" {
		return signatures.LoadFile(cfg.SignaturesPath, opt)
	}
	return signatures.LoadDefault(opt)
}

// BuildPipeline wires preprocessor, OCR, signature store, providers and the
// optional classification cache from cfg.
func BuildPipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Pipeline, error) {
	store, err := LoadSignatures(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load signatures: %w", err)
	}
	logger.Info("Signature store loaded", "signatures", store.Len(), "path", cfg.SignaturesPath)

	engine := ocr.NewEngine(
		tesseract.New(tesseract.Config{TessdataPrefix: cfg.TessdataPrefix}),
		cfg.OCRLanguages,
		logger.Named("OCR"),
	)

	providers, err := llm.NewProviders(cfg.Providers, logger.Named("LLM"))
	if err != nil {
		return nil, fmt.Errorf("failed to build LLM providers: %w", err)
	}
	checkGateways(ctx, providers, logger)

	pool := llm.NewPool(providers, llm.PoolConfig{
		Threshold:   cfg.AcceptanceThreshold,
		MaxAttempts: 2,
		BaseDelay:   cfg.LLMRetryBaseDelay,
	}, logger.Named("LLMPool"))

	out := &Pipeline{Store: store, Providers: providers, Pool: pool}

	var classifier processor.Classifier = pool
	if cfg.CacheEnabled {
		redisCache, err := cache.NewRedisProvider(ctx, cfg.RedisURL)
		if err != nil {
			// A cold cache only costs provider calls
			logger.Warn("Classification cache disabled", "error", err)
		} else {
			classifier = cache.NewCachingClassifier(pool, redisCache, cfg.CacheTTL, logger.Named("Cache"))
			out.closers = append(out.closers, redisCache.Close)
			logger.Info("Classification cache enabled", "ttl", cfg.CacheTTL)
		}
	}

	pipeline, err := processor.NewPipeline(processor.PipelineConfig{
		Preprocessor: imaging.NewPreprocessor(imaging.Options{
			MaxBytes: cfg.MaxImageSize,
			MaxEdge:  cfg.MaxImageEdge,
			MinWidth: cfg.MinImageWidth,
			Denoise:  cfg.ImageDenoise,
		}),
		OCR:        engine,
		Store:      store,
		Classifier: classifier,
		Threshold:  cfg.AcceptanceThreshold,
		Timeout:    cfg.DiagnosisTimeout,
		Logger:     logger.Named("Pipeline"),
	})
	if err != nil {
		out.Close()
		return nil, err
	}
	out.Pipeline = pipeline
	return out, nil
}

// checkGateways probes gateway providers; failures are logged, not fatal,
// because the pool falls through to the next provider anyway.
func checkGateways(ctx context.Context, providers []llm.Provider, logger *logging.Logger) {
	for _, p := range providers {
		gw, ok := p.(*llm.GatewayProvider)
		if !ok || !gw.Configured() {
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := gw.HealthCheck(hctx); err != nil {
			logger.Warn("Gateway health check failed", "provider", gw.Name(), "error", err)
		} else {
			logger.Info("Gateway connection verified", "provider", gw.Name())
		}
		cancel()
	}
}
