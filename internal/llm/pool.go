/**
 * LLM Provider Pool - ordered failover across classification providers
 *
 * Providers are tried in configured order with early exit on the first
 * confident answer. Each provider gets a bounded timeout and at most one
 * retry on timeout or transport failure; malformed answers and low
 * confidence advance to the next provider immediately.
 */

package llm

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/adverant/nexus/errordiag-worker/internal/logging"
	"github.com/adverant/nexus/errordiag-worker/internal/metrics"
)

// PoolConfig tunes the failover loop
type PoolConfig struct {
	// Threshold is the minimum confidence accepted as a resolution
	Threshold float64
	// MaxAttempts per provider, including the first call
	MaxAttempts int
	// BaseDelay before the first retry; later retries double it
	BaseDelay time.Duration
}

// DefaultPoolConfig returns the production defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Threshold: 0.65, MaxAttempts: 2, BaseDelay: 500 * time.Millisecond}
}

const defaultAttemptTimeout = 20 * time.Second

// Pool is stateless across calls and safe for concurrent use
type Pool struct {
	providers []Provider
	cfg       PoolConfig
	logger    *logging.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewPool creates a pool over providers in priority order
func NewPool(providers []Provider, cfg PoolConfig, logger *logging.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if logger == nil {
		logger = logging.NewLogger("LLMPool")
	}
	return &Pool{
		providers: append([]Provider(nil), providers...),
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// Providers returns the provider names in priority order
func (p *Pool) Providers() []string {
	names := make([]string, 0, len(p.providers))
	for _, prov := range p.providers {
		names = append(names, prov.Name())
	}
	return names
}

// Classify returns the first classification meeting the threshold. When no
// provider produces one it returns *ExhaustedError. If ctx itself ends, the
// context error is returned as is.
func (p *Pool) Classify(ctx context.Context, req *Request) (*Classification, error) {
	var attempts []Attempt
	var best *Classification

	for _, prov := range p.providers {
		name := prov.Name()
		if !prov.Configured() {
			p.logger.Debug("Skipping unconfigured provider", "provider", name)
			metrics.ObserveProviderAttempt(name, metrics.AttemptUnconfigured)
			attempts = append(attempts, Attempt{Provider: name, Outcome: metrics.AttemptUnconfigured})
			continue
		}

		timeout := prov.Timeout()
		if timeout <= 0 {
			timeout = defaultAttemptTimeout
		}

		for n := 1; n <= p.cfg.MaxAttempts; n++ {
			if n > 1 {
				delay := p.backoff(n - 1)
				p.logger.Info("Retrying provider", "provider", name, "attempt", n, "delay", delay)
				if err := p.sleep(ctx, delay); err != nil {
					return nil, err
				}
			}

			start := time.Now()
			actx, cancel := context.WithTimeout(ctx, timeout)
			res, err := prov.Classify(actx, req)
			cancel()
			elapsed := time.Since(start)

			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			if err == nil && res == nil {
				err = ErrMalformedResponse
			}

			if err != nil {
				outcome, retryable := classifyFailure(err)
				metrics.ObserveProviderAttempt(name, outcome)
				attempts = append(attempts, Attempt{Provider: name, Number: n, Outcome: outcome, Duration: elapsed, Err: err})
				p.logger.Warn("Provider attempt failed",
					"provider", name,
					"attempt", n,
					"outcome", outcome,
					"error", err)
				if retryable {
					continue
				}
				break
			}

			res.Provider = name
			res.Confidence = normalizeConfidence(res.Confidence)

			if res.Confidence >= p.cfg.Threshold {
				metrics.ObserveProviderAttempt(name, metrics.AttemptAccepted)
				attempts = append(attempts, Attempt{Provider: name, Number: n, Outcome: metrics.AttemptAccepted, Confidence: res.Confidence, Duration: elapsed})
				p.logger.Info("Provider classification accepted",
					"provider", name,
					"category", res.Category,
					"confidence", res.Confidence,
					"duration_ms", elapsed.Milliseconds())
				return res, nil
			}

			metrics.ObserveProviderAttempt(name, metrics.AttemptLowConfidence)
			attempts = append(attempts, Attempt{Provider: name, Number: n, Outcome: metrics.AttemptLowConfidence, Confidence: res.Confidence, Duration: elapsed})
			p.logger.Info("Provider classification below threshold",
				"provider", name,
				"confidence", res.Confidence,
				"threshold", p.cfg.Threshold)
			if best == nil || res.Confidence > best.Confidence {
				best = res
			}
			break
		}
	}

	return nil, newExhaustedError(attempts, best)
}

// backoff returns the delay before retry number r (1-based): base << (r-1)
func (p *Pool) backoff(r int) time.Duration {
	return p.cfg.BaseDelay << (r - 1)
}

// classifyFailure maps an attempt error onto a metrics outcome and whether a
// retry of the same provider is allowed.
func classifyFailure(err error) (string, bool) {
	var transport *TransportError
	switch {
	case stderrors.Is(err, ErrMalformedResponse):
		return metrics.AttemptMalformed, false
	case stderrors.Is(err, context.DeadlineExceeded):
		return metrics.AttemptTimeout, true
	case stderrors.As(err, &transport):
		return metrics.AttemptTransport, true
	}
	return metrics.AttemptRejected, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
