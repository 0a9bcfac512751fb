/**
 * Classification cache
 *
 * Wraps the LLM pool so identical error texts are classified once per TTL.
 * Only accepted classifications are stored; exhaustion is never cached, so a
 * provider outage does not pin an unresolved answer.
 */

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/adverant/nexus/errordiag-worker/internal/llm"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
)

const keyPrefix = "errordiag:llm:"

// Classifier is the wrapped classification stage
type Classifier interface {
	Classify(ctx context.Context, req *llm.Request) (*llm.Classification, error)
}

// CachingClassifier decorates a Classifier with a content-addressed cache
type CachingClassifier struct {
	next     Classifier
	provider Provider
	ttl      time.Duration
	logger   *logging.Logger
}

// NewCachingClassifier wraps next. A nil provider disables caching.
func NewCachingClassifier(next Classifier, provider Provider, ttl time.Duration, logger *logging.Logger) *CachingClassifier {
	if provider == nil {
		provider = NoopProvider{}
	}
	if logger == nil {
		logger = logging.NewLogger("ClassificationCache")
	}
	return &CachingClassifier{next: next, provider: provider, ttl: ttl, logger: logger}
}

// Classify returns a cached classification for the same text and hints, or
// asks the wrapped classifier and stores its answer. Cache failures are
// logged and bypassed.
func (c *CachingClassifier) Classify(ctx context.Context, req *llm.Request) (*llm.Classification, error) {
	key := Key(req)

	if raw, err := c.provider.Get(ctx, key); err == nil {
		var cached llm.Classification
		if jerr := json.Unmarshal(raw, &cached); jerr == nil {
			c.logger.Debug("Classification cache hit", "key", key, "provider", cached.Provider)
			return &cached, nil
		}
		c.logger.Warn("Dropping undecodable cache entry", "key", key)
		_ = c.provider.Del(ctx, key)
	} else if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("Classification cache read failed", "error", err)
	}

	res, err := c.next.Classify(ctx, req)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(res)
	if err == nil {
		err = c.provider.Set(ctx, key, raw, c.ttl)
	}
	if err != nil {
		c.logger.Warn("Classification cache write failed", "error", err)
	}
	return res, nil
}

// Key derives the cache key from the request text and hint IDs
func Key(req *llm.Request) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(req.Text)))
	for _, hint := range req.Hints {
		h.Write([]byte{0})
		h.Write([]byte(hint.SignatureID))
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}
