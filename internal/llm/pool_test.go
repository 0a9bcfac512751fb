package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
)

type step func(ctx context.Context) (*Classification, error)

func hang(ctx context.Context) (*Classification, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func fail(ctx context.Context) (*Classification, error) {
	return nil, &TransportError{Provider: "fake", Err: errors.New("connection reset by peer")}
}

func garbled(ctx context.Context) (*Classification, error) {
	return nil, ErrMalformedResponse
}

func answer(category string, conf float64) step {
	return func(ctx context.Context) (*Classification, error) {
		return &Classification{Category: category, Confidence: conf}, nil
	}
}

type fakeProvider struct {
	name         string
	unconfigured bool
	timeout      time.Duration
	steps        []step
	calls        int32
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Configured() bool { return !f.unconfigured }
func (f *fakeProvider) Timeout() time.Duration {
	if f.timeout == 0 {
		return time.Second
	}
	return f.timeout
}

func (f *fakeProvider) Classify(ctx context.Context, _ *Request) (*Classification, error) {
	i := int(atomic.AddInt32(&f.calls, 1)) - 1
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	return f.steps[i](ctx)
}

func (f *fakeProvider) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

func testPool(t *testing.T, providers ...Provider) *Pool {
	t.Helper()
	return NewPool(providers, PoolConfig{Threshold: 0.65, MaxAttempts: 2, BaseDelay: time.Millisecond},
		logging.FromZap(zaptest.NewLogger(t), "LLMPool"))
}

func TestClassifyFallsBackAfterTimeout(t *testing.T) {
	first := &fakeProvider{name: "groq", timeout: 10 * time.Millisecond, steps: []step{hang}}
	second := &fakeProvider{name: "ollama", steps: []step{answer("Windows", 0.8)}}

	res, err := testPool(t, first, second).Classify(context.Background(), &Request{Text: "x"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Provider != "ollama" || res.Confidence != 0.8 || res.Category != "Windows" {
		t.Fatalf("unexpected classification %+v", res)
	}
	if first.Calls() != 2 {
		t.Fatalf("expected timed out provider to be retried once, got %d calls", first.Calls())
	}
	if second.Calls() != 1 {
		t.Fatalf("expected one call to the second provider, got %d", second.Calls())
	}
}

func TestClassifyRetriesTransportFailureOnce(t *testing.T) {
	flaky := &fakeProvider{name: "openai", steps: []step{fail, answer("Office", 0.9)}}
	res, err := testPool(t, flaky).Classify(context.Background(), &Request{Text: "x"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Provider != "openai" || flaky.Calls() != 2 {
		t.Fatalf("expected success on retry, got %+v after %d calls", res, flaky.Calls())
	}
}

func TestClassifyDoesNotRetryMalformed(t *testing.T) {
	bad := &fakeProvider{name: "groq", steps: []step{garbled, answer("1C", 0.99)}}
	next := &fakeProvider{name: "ollama", steps: []step{answer("1C", 0.7)}}
	res, err := testPool(t, bad, next).Classify(context.Background(), &Request{Text: "x"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if bad.Calls() != 1 {
		t.Fatalf("malformed answers must not be retried, got %d calls", bad.Calls())
	}
	if res.Provider != "ollama" {
		t.Fatalf("expected fallback to ollama, got %s", res.Provider)
	}
}

func TestClassifySkipsUnconfigured(t *testing.T) {
	missing := &fakeProvider{name: "anthropic", unconfigured: true, steps: []step{answer("Other", 1)}}
	local := &fakeProvider{name: "ollama", steps: []step{answer("Browser", 0.75)}}
	res, err := testPool(t, missing, local).Classify(context.Background(), &Request{Text: "x"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if missing.Calls() != 0 {
		t.Fatalf("unconfigured provider was called")
	}
	if res.Provider != "ollama" {
		t.Fatalf("unexpected provider %s", res.Provider)
	}
}

func TestClassifyExhaustedKeepsBestLowConfidence(t *testing.T) {
	a := &fakeProvider{name: "a", steps: []step{answer("Other", 0.3)}}
	b := &fakeProvider{name: "b", steps: []step{answer("Windows", 0.5)}}
	c := &fakeProvider{name: "c", steps: []step{fail}}

	_, err := testPool(t, a, b, c).Classify(context.Background(), &Request{Text: "x"})
	if !errors.Is(err, apperrors.ErrAllProvidersExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustedError, got %T", err)
	}
	if exhausted.Best == nil || exhausted.Best.Provider != "b" || exhausted.Best.Confidence != 0.5 {
		t.Fatalf("unexpected best %+v", exhausted.Best)
	}
	if a.Calls() != 1 || b.Calls() != 1 {
		t.Fatalf("low confidence answers must not be retried")
	}
	if c.Calls() != 2 {
		t.Fatalf("expected transport failure to be retried once, got %d", c.Calls())
	}
	if len(exhausted.Attempts) != 4 {
		t.Fatalf("expected 4 recorded attempts, got %d", len(exhausted.Attempts))
	}
}

func TestClassifyWithNoProviders(t *testing.T) {
	_, err := testPool(t).Classify(context.Background(), &Request{Text: "x"})
	if !errors.Is(err, apperrors.ErrAllProvidersExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
}

func TestClassifyReturnsParentContextError(t *testing.T) {
	slow := &fakeProvider{name: "groq", timeout: time.Minute, steps: []step{hang}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := testPool(t, slow).Classify(ctx, &Request{Text: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected parent deadline, got %v", err)
	}
	if errors.Is(err, apperrors.ErrAllProvidersExhausted) {
		t.Fatalf("parent deadline must not be reported as exhaustion")
	}
	if slow.Calls() != 1 {
		t.Fatalf("expected no retry after the parent deadline, got %d calls", slow.Calls())
	}
}

func TestClassifyRescalesPercentConfidence(t *testing.T) {
	p := &fakeProvider{name: "groq", steps: []step{answer("1C", 85)}}
	res, err := testPool(t, p).Classify(context.Background(), &Request{Text: "x"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Confidence != 0.85 {
		t.Fatalf("expected 0.85, got %v", res.Confidence)
	}
}

func TestBackoffDelays(t *testing.T) {
	pool := NewPool(nil, PoolConfig{Threshold: 0.65, MaxAttempts: 3, BaseDelay: 100 * time.Millisecond},
		logging.FromZap(zaptest.NewLogger(t), "LLMPool"))
	if got := pool.backoff(1); got != 100*time.Millisecond {
		t.Fatalf("first retry delay: %v", got)
	}
	if got := pool.backoff(2); got != 200*time.Millisecond {
		t.Fatalf("second retry delay: %v", got)
	}

	var slept []time.Duration
	pool.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	pool.providers = []Provider{&fakeProvider{name: "x", steps: []step{fail}}}
	_, _ = pool.Classify(context.Background(), &Request{Text: "x"})
	if len(slept) != 2 || slept[0] != 100*time.Millisecond || slept[1] != 200*time.Millisecond {
		t.Fatalf("unexpected sleeps %v", slept)
	}
}
