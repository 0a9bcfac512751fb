/**
 * OCR Engine - language-aware text extraction over a pluggable backend
 *
 * The engine owns the fixed language set and sanitizes backend output so
 * downstream stages can rely on clean tokens with confidences in [0,1].
 */

package ocr

import (
	"context"
	stderrors "errors"
	"math"
	"strings"
	"time"

	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
	"github.com/adverant/nexus/errordiag-worker/internal/imaging"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
)

// Backend recognizes words in a PNG-encoded grayscale image
type Backend interface {
	Name() string
	Recognize(ctx context.Context, png []byte, languages []string) ([]Token, error)
}

// Engine extracts tokens from bitmaps
type Engine struct {
	backend   Backend
	languages []string
	logger    *logging.Logger
}

// NewEngine creates an engine. A nil backend yields an engine whose every
// Extract call reports OCR_UNAVAILABLE.
func NewEngine(backend Backend, languages []string, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewLogger("OCR")
	}
	if len(languages) == 0 {
		languages = []string{"rus", "eng"}
	}
	return &Engine{
		backend:   backend,
		languages: append([]string(nil), languages...),
		logger:    logger,
	}
}

// Languages returns the configured language set
func (e *Engine) Languages() []string {
	return append([]string(nil), e.languages...)
}

type recognizeOutcome struct {
	tokens []Token
	err    error
}

// Extract runs OCR on bm. Context expiry is returned as the context error.
func (e *Engine) Extract(ctx context.Context, bm *imaging.Bitmap) (*Result, error) {
	if e == nil || e.backend == nil {
		return nil, apperrors.NewOCRUnavailableError("none", stderrors.New("no OCR backend configured"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bm == nil || bm.Gray == nil {
		return nil, apperrors.NewInvalidInputError("missing bitmap", nil)
	}

	data, err := bm.PNG()
	if err != nil {
		return nil, apperrors.NewInvalidInputError("bitmap could not be encoded", map[string]interface{}{
			"error": err.Error(),
		})
	}

	start := time.Now()
	name := e.backend.Name()

	// Native backends ignore ctx while recognizing, so the call runs in its
	// own goroutine and the engine stops waiting when the deadline passes.
	done := make(chan recognizeOutcome, 1)
	go func() {
		tokens, err := e.backend.Recognize(ctx, data, e.languages)
		done <- recognizeOutcome{tokens: tokens, err: err}
	}()

	var out recognizeOutcome
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out = <-done:
	}

	if out.err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if stderrors.Is(out.err, context.DeadlineExceeded) || stderrors.Is(out.err, context.Canceled) {
			return nil, out.err
		}
		e.logger.Error("OCR backend failed", "engine", name, "error", out.err)
		return nil, apperrors.NewOCRUnavailableError(name, out.err)
	}

	tokens := sanitize(out.tokens)
	result := &Result{
		Tokens:    tokens,
		Engine:    name,
		Languages: e.Languages(),
		Duration:  time.Since(start),
	}
	e.logger.Debug("OCR complete", "engine", name, "tokens", len(tokens), "duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// sanitize drops empty tokens and clamps confidences into [0,1]
func sanitize(in []Token) []Token {
	out := make([]Token, 0, len(in))
	for _, t := range in {
		t.Text = strings.TrimSpace(t.Text)
		if t.Text == "" {
			continue
		}
		t.Confidence = clampConfidence(t.Confidence)
		out = append(out, t)
	}
	return out
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
