package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
)

// ErrMalformedResponse marks provider answers that could not be parsed.
// They are never retried: asking the same model again rarely fixes them.
var ErrMalformedResponse = stderrors.New("malformed classification response")

// Hint is a low-confidence signature candidate offered to the model as context
type Hint struct {
	SignatureID string  `json:"signature_id"`
	Category    string  `json:"category"`
	Title       string  `json:"title,omitempty"`
	Score       float64 `json:"score"`
}

// Request is one classification query
type Request struct {
	Text       string   `json:"text"`
	Hints      []Hint   `json:"hints,omitempty"`
	ErrorCodes []string `json:"error_codes,omitempty"`
}

// Classification is a provider's answer
type Classification struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model,omitempty"`
	Category    string  `json:"category"`
	SignatureID string  `json:"signature_id,omitempty"`
	Confidence  float64 `json:"confidence"`
	Severity    string  `json:"severity,omitempty"`
	Remedy      string  `json:"remedy,omitempty"`
}

// Provider is one interchangeable classification backend
type Provider interface {
	Name() string
	// Configured is false when credentials or endpoint are missing; such
	// providers are skipped without an attempt.
	Configured() bool
	// Timeout bounds a single attempt
	Timeout() time.Duration
	Classify(ctx context.Context, req *Request) (*Classification, error)
}

// TransportError wraps failures to reach a provider. They are retried once.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider %s unreachable: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Attempt records one provider call (or skip) made by the pool
type Attempt struct {
	Provider   string
	Number     int
	Outcome    string
	Confidence float64
	Duration   time.Duration
	Err        error
}

// ExhaustedError is returned when no provider produced a confident answer.
// It unwraps to an ALL_PROVIDERS_EXHAUSTED DiagnosisError.
type ExhaustedError struct {
	Attempts []Attempt
	// Best is the highest-confidence answer below the threshold, if any
	Best  *Classification
	cause *apperrors.DiagnosisError
}

func newExhaustedError(attempts []Attempt, best *Classification) *ExhaustedError {
	var tried []string
	var last error
	for _, a := range attempts {
		if a.Number == 0 {
			continue
		}
		if len(tried) == 0 || tried[len(tried)-1] != a.Provider {
			tried = append(tried, a.Provider)
		}
		if a.Err != nil {
			last = a.Err
		}
	}
	return &ExhaustedError{
		Attempts: attempts,
		Best:     best,
		cause:    apperrors.NewAllProvidersExhaustedError(tried, last),
	}
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s#%d=%s", a.Provider, a.Number, a.Outcome))
	}
	return fmt.Sprintf("all providers exhausted [%s]", strings.Join(parts, ", "))
}

func (e *ExhaustedError) Unwrap() error { return e.cause }

// normalizeConfidence accepts 0-1 or 0-100 scales and clamps into [0,1]
func normalizeConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		c /= 100
	}
	if c > 1 {
		return 1
	}
	return c
}
