package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
	"github.com/adverant/nexus/errordiag-worker/internal/imaging"
	"github.com/adverant/nexus/errordiag-worker/internal/llm"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
	"github.com/adverant/nexus/errordiag-worker/internal/ocr"
	"github.com/adverant/nexus/errordiag-worker/internal/signatures"
)

const testSignatures = `
signatures:
  - id: sql
    category: 1C
    title: "SQL error"
    severity: high
    base_confidence: 0.9
    remedy: "Проверить SQL запрос"
    rules:
      - {id: sql, keyword: "ошибка sql", weight: 2}
      - {id: table, keyword: "таблица", weight: 1}
  - id: net
    category: Browser
    title: "Connection failure"
    base_confidence: 0.8
    remedy: "Проверить подключение"
    rules:
      - {id: conn, keyword: "connection", weight: 1}
      - {id: refused, keyword: "refused", weight: 1}
`

// fakeExtractor lays text out as one token per word, one line per "\n"
type fakeExtractor struct {
	text  string
	err   error
	block bool
	calls int32
}

func (f *fakeExtractor) Extract(ctx context.Context, _ *imaging.Bitmap) (*ocr.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	res := &ocr.Result{Engine: "fake", Languages: []string{"rus", "eng"}}
	for y, ln := range strings.Split(f.text, "\n") {
		for x, w := range strings.Fields(ln) {
			res.Tokens = append(res.Tokens, ocr.Token{
				Text:       w,
				Region:     ocr.Region{X: x * 100, Y: y * 30, Width: 90, Height: 20},
				Confidence: 0.9,
			})
		}
	}
	return res, nil
}

type fakeClassifier struct {
	fn    func(ctx context.Context, req *llm.Request) (*llm.Classification, error)
	calls int32
	last  *llm.Request
}

func (f *fakeClassifier) Classify(ctx context.Context, req *llm.Request) (*llm.Classification, error) {
	atomic.AddInt32(&f.calls, 1)
	f.last = req
	return f.fn(ctx, req)
}

// scriptedProvider drives a real llm.Pool
type scriptedProvider struct {
	name    string
	timeout time.Duration
	fn      func(ctx context.Context, req *llm.Request) (*llm.Classification, error)
	calls   int32
}

func (s *scriptedProvider) Name() string           { return s.name }
func (s *scriptedProvider) Configured() bool       { return true }
func (s *scriptedProvider) Timeout() time.Duration { return s.timeout }
func (s *scriptedProvider) Classify(ctx context.Context, req *llm.Request) (*llm.Classification, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.fn(ctx, req)
}

func screenshot(t *testing.T) imaging.RawImage {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 120, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 120; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return imaging.RawImage{Data: buf.Bytes(), MimeType: "image/png"}
}

func testPipeline(t *testing.T, ex TextExtractor, cl Classifier, timeout time.Duration) *Pipeline {
	t.Helper()
	store, err := signatures.Load([]byte(testSignatures))
	if err != nil {
		t.Fatalf("load signatures: %v", err)
	}
	cfg := PipelineConfig{
		Preprocessor: imaging.NewPreprocessor(imaging.Options{MaxBytes: 1 << 20, MaxEdge: 1024}),
		OCR:          ex,
		Store:        store,
		Classifier:   cl,
		Threshold:    0.65,
		Timeout:      timeout,
		Logger:       logging.FromZap(zaptest.NewLogger(t), "Pipeline"),
	}
	p, err := NewPipeline(cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func unexpectedCall(t *testing.T) func(context.Context, *llm.Request) (*llm.Classification, error) {
	return func(context.Context, *llm.Request) (*llm.Classification, error) {
		t.Errorf("classifier must not be called")
		return nil, errors.New("unexpected")
	}
}

func TestDiagnoseSignatureProvenance(t *testing.T) {
	ex := &fakeExtractor{text: "Ошибка SQL: Таблица не найдена"}
	cl := &fakeClassifier{fn: unexpectedCall(t)}
	p := testPipeline(t, ex, cl, time.Minute)

	d, err := p.Diagnose(context.Background(), screenshot(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !d.Resolved() || d.Provenance != ProvenanceSignature || d.SignatureID == nil || *d.SignatureID != "sql" {
		t.Fatalf("expected signature provenance, got %+v", d)
	}
	if d.Category != "1C" || d.Confidence != 0.9 || d.Remedy != "Проверить SQL запрос" || d.Severity != "high" {
		t.Fatalf("unexpected diagnosis %+v", d)
	}
	if d.ID == "" || d.CreatedAt.IsZero() || d.CreatedAt.Location() != time.UTC {
		t.Fatalf("diagnosis must carry an ID and a UTC timestamp: %+v", d)
	}
	if atomic.LoadInt32(&cl.calls) != 0 {
		t.Fatalf("classifier was called")
	}
}

func TestDiagnoseSignatureResultIsIdempotent(t *testing.T) {
	p := testPipeline(t, &fakeExtractor{text: "Ошибка SQL\nТаблица не найдена"}, nil, time.Minute)
	img := screenshot(t)
	orig := append([]byte(nil), img.Data...)

	first, err := p.Diagnose(context.Background(), img)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	second, err := p.Diagnose(context.Background(), img)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("each run needs its own ID")
	}
	if *first.SignatureID != *second.SignatureID || first.Confidence != second.Confidence ||
		first.Category != second.Category || first.Remedy != second.Remedy || first.RawText != second.RawText {
		t.Fatalf("signature results differ:\n%+v\n%+v", first, second)
	}
	if !bytes.Equal(img.Data, orig) {
		t.Fatalf("input image was mutated")
	}
}

func TestDiagnoseEmptyTextIsUnresolved(t *testing.T) {
	cl := &fakeClassifier{fn: unexpectedCall(t)}
	p := testPipeline(t, &fakeExtractor{text: ""}, cl, time.Minute)

	d, err := p.Diagnose(context.Background(), screenshot(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.Resolved() || d.Provenance != ProvenanceUnresolved || d.Confidence != 0 || d.SignatureID != nil {
		t.Fatalf("expected empty unresolved diagnosis, got %+v", d)
	}
	if d.Category != "Other" || d.Remedy != DefaultRemedy {
		t.Fatalf("unexpected fallback %+v", d)
	}
	if d.ErrorCodes == nil || len(d.ErrorCodes) != 0 {
		t.Fatalf("expected empty error code list, got %#v", d.ErrorCodes)
	}
	if atomic.LoadInt32(&cl.calls) != 0 {
		t.Fatalf("classifier must not run on empty text")
	}
}

func TestDiagnoseAllProvidersFailKeepsSignatureScore(t *testing.T) {
	down := func(ctx context.Context, _ *llm.Request) (*llm.Classification, error) {
		return nil, &llm.TransportError{Provider: "x", Err: errors.New("no route to host")}
	}
	a := &scriptedProvider{name: "groq", timeout: time.Second, fn: down}
	b := &scriptedProvider{name: "ollama", timeout: time.Second, fn: down}
	pool := llm.NewPool([]llm.Provider{a, b}, llm.PoolConfig{Threshold: 0.65, MaxAttempts: 2, BaseDelay: time.Millisecond},
		logging.FromZap(zaptest.NewLogger(t), "LLMPool"))
	p := testPipeline(t, &fakeExtractor{text: "Connection closed by server"}, pool, time.Minute)

	d, err := p.Diagnose(context.Background(), screenshot(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.Provenance != ProvenanceUnresolved || d.SignatureID != nil {
		t.Fatalf("expected unresolved, got %+v", d)
	}
	if d.Confidence != 0.4 || d.Category != "Browser" {
		t.Fatalf("expected best signature score 0.4 (Browser), got %v (%s)", d.Confidence, d.Category)
	}
	if d.Remedy != DefaultRemedy {
		t.Fatalf("unexpected remedy %q", d.Remedy)
	}
	if atomic.LoadInt32(&a.calls) != 2 || atomic.LoadInt32(&b.calls) != 2 {
		t.Fatalf("expected one retry per provider, got %d and %d", a.calls, b.calls)
	}
}

func TestDiagnoseFallsBackToSecondProvider(t *testing.T) {
	first := &scriptedProvider{name: "groq", timeout: 10 * time.Millisecond, fn: func(ctx context.Context, _ *llm.Request) (*llm.Classification, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	var hints []llm.Hint
	second := &scriptedProvider{name: "ollama", timeout: time.Second, fn: func(_ context.Context, req *llm.Request) (*llm.Classification, error) {
		hints = req.Hints
		return &llm.Classification{Category: "Windows", Confidence: 0.8, Model: "llama3.1:8b"}, nil
	}}
	pool := llm.NewPool([]llm.Provider{first, second}, llm.PoolConfig{Threshold: 0.65, MaxAttempts: 2, BaseDelay: time.Millisecond},
		logging.FromZap(zaptest.NewLogger(t), "LLMPool"))
	p := testPipeline(t, &fakeExtractor{text: "Connection reset"}, pool, time.Minute)

	d, err := p.Diagnose(context.Background(), screenshot(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.Provenance != "llm:ollama" || d.Confidence != 0.8 {
		t.Fatalf("expected llm:ollama with 0.8, got %s with %v", d.Provenance, d.Confidence)
	}
	if d.Category != "Windows" || d.Model != "llama3.1:8b" || d.Remedy != DefaultRemedy {
		t.Fatalf("unexpected diagnosis %+v", d)
	}
	if len(hints) != 1 || hints[0].SignatureID != "net" || hints[0].Title != "Connection failure" {
		t.Fatalf("expected the net signature as hint, got %+v", hints)
	}
}

func TestDiagnoseUnresolvedPrefersStrongerLLMGuess(t *testing.T) {
	cl := &fakeClassifier{fn: func(context.Context, *llm.Request) (*llm.Classification, error) {
		return nil, &llm.ExhaustedError{Best: &llm.Classification{Provider: "groq", Category: "Office", Confidence: 0.5}}
	}}
	p := testPipeline(t, &fakeExtractor{text: "connection"}, cl, time.Minute)

	d, err := p.Diagnose(context.Background(), screenshot(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.Provenance != ProvenanceUnresolved || d.Category != "Office" || d.Confidence != 0.5 {
		t.Fatalf("expected LLM guess to win the unresolved category, got %+v", d)
	}
}

func TestDiagnoseLowConfidenceClassificationIsUnresolved(t *testing.T) {
	cl := &fakeClassifier{fn: func(context.Context, *llm.Request) (*llm.Classification, error) {
		return &llm.Classification{Provider: "custom", Category: "Windows", Confidence: 0.3}, nil
	}}
	p := testPipeline(t, &fakeExtractor{text: "something odd happened"}, cl, time.Minute)

	d, err := p.Diagnose(context.Background(), screenshot(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.Provenance != ProvenanceUnresolved || d.Confidence != 0.3 {
		t.Fatalf("low confidence answers cannot resolve a diagnosis: %+v", d)
	}
}

func TestDiagnoseKeepsKnownSignatureFromLLM(t *testing.T) {
	answer := &llm.Classification{Provider: "gateway", Category: "1C", SignatureID: "sql", Confidence: 0.9}
	cl := &fakeClassifier{fn: func(context.Context, *llm.Request) (*llm.Classification, error) {
		cp := *answer
		return &cp, nil
	}}
	p := testPipeline(t, &fakeExtractor{text: "Ошибка при выполнении запроса"}, cl, time.Minute)

	d, err := p.Diagnose(context.Background(), screenshot(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.SignatureID == nil || *d.SignatureID != "sql" {
		t.Fatalf("expected known signature to be kept, got %+v", d.SignatureID)
	}
	if d.Remedy != "Проверить SQL запрос" || d.Severity != "high" {
		t.Fatalf("expected remedy and severity from the signature, got %+v", d)
	}

	answer.SignatureID = "invented-id"
	d, err = p.Diagnose(context.Background(), screenshot(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.SignatureID != nil {
		t.Fatalf("unknown signature IDs must be dropped, got %q", *d.SignatureID)
	}
}

func TestDiagnoseRejectsOversizedBeforeOCR(t *testing.T) {
	ex := &fakeExtractor{text: "Ошибка SQL"}
	p := testPipeline(t, ex, nil, time.Minute)

	big := imaging.RawImage{Data: bytes.Repeat([]byte{0x89}, 2<<20), MimeType: "image/png"}
	_, err := p.Diagnose(context.Background(), big)
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if apperrors.Retryable(err) {
		t.Fatalf("invalid input must not be retryable")
	}
	if atomic.LoadInt32(&ex.calls) != 0 {
		t.Fatalf("OCR ran on an oversized image")
	}
}

func TestDiagnoseDeadlineIsTimeoutError(t *testing.T) {
	p := testPipeline(t, &fakeExtractor{block: true}, nil, 20*time.Millisecond)

	d, err := p.Diagnose(context.Background(), screenshot(t))
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if d != nil {
		t.Fatalf("timeouts must not return partial results")
	}
}

func TestDiagnoseClassifierDeadlineIsTimeoutError(t *testing.T) {
	cl := &fakeClassifier{fn: func(ctx context.Context, _ *llm.Request) (*llm.Classification, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p := testPipeline(t, &fakeExtractor{text: "connection"}, cl, 30*time.Millisecond)

	_, err := p.Diagnose(context.Background(), screenshot(t))
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestDiagnoseOCRUnavailable(t *testing.T) {
	ex := &fakeExtractor{err: apperrors.NewOCRUnavailableError("tesseract", errors.New("tessdata missing"))}
	p := testPipeline(t, ex, nil, time.Minute)

	_, err := p.Diagnose(context.Background(), screenshot(t))
	if !errors.Is(err, apperrors.ErrOCRUnavailable) {
		t.Fatalf("expected OCR unavailable, got %v", err)
	}
}

func TestDiagnoseCallerCancellation(t *testing.T) {
	p := testPipeline(t, &fakeExtractor{block: true}, nil, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Diagnose(ctx, screenshot(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected caller cancellation, got %v", err)
	}
	if errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("cancellation is not a timeout")
	}
}

func TestDiagnoseExtractsErrorCodes(t *testing.T) {
	p := testPipeline(t, &fakeExtractor{text: "Ошибка SQL код 1051\nТаблица не найдена 0x0000007b"}, nil, time.Minute)
	d, err := p.Diagnose(context.Background(), screenshot(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if strings.Join(d.ErrorCodes, ",") != "1051,0x0000007B" {
		t.Fatalf("unexpected error codes %v", d.ErrorCodes)
	}
}

func TestNewPipelineRequiresDependencies(t *testing.T) {
	if _, err := NewPipeline(PipelineConfig{}); err == nil {
		t.Fatalf("expected error without OCR")
	}
	if _, err := NewPipeline(PipelineConfig{OCR: &fakeExtractor{}}); err == nil {
		t.Fatalf("expected error without store")
	}
}
