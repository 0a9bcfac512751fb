/**
 * Diagnosis Pipeline for the Error Diagnosis Worker
 *
 * Orchestrates one screenshot diagnosis:
 * - Image preprocessing (validation, scaling, grayscale, denoise, contrast)
 * - OCR text extraction
 * - Text normalization and error-code extraction
 * - Signature matching against the knowledge base
 * - LLM classification fallback when no signature is confident enough
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
	"github.com/adverant/nexus/errordiag-worker/internal/imaging"
	"github.com/adverant/nexus/errordiag-worker/internal/llm"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
	"github.com/adverant/nexus/errordiag-worker/internal/metrics"
	"github.com/adverant/nexus/errordiag-worker/internal/ocr"
	"github.com/adverant/nexus/errordiag-worker/internal/signatures"
	"github.com/adverant/nexus/errordiag-worker/internal/textnorm"
)

// Provenance values
const (
	ProvenanceSignature  = "signature"
	ProvenanceUnresolved = "unresolved"
	provenanceLLMPrefix  = "llm:"
)

// DefaultRemedy is offered when nothing identified the error
const DefaultRemedy = "Проверить логи; Перезапустить приложение"

const (
	defaultThreshold = 0.65
	defaultTimeout   = 60 * time.Second
	defaultMaxHints  = 3
)

// TextExtractor is the OCR stage (satisfied by *ocr.Engine)
type TextExtractor interface {
	Extract(ctx context.Context, bm *imaging.Bitmap) (*ocr.Result, error)
}

// Classifier is the LLM stage (satisfied by *llm.Pool and the cache decorator)
type Classifier interface {
	Classify(ctx context.Context, req *llm.Request) (*llm.Classification, error)
}

// Diagnosis is the result of one pipeline run
type Diagnosis struct {
	ID          string                 `json:"id"`
	Category    string                 `json:"category"`
	SignatureID *string                `json:"signature_id"`
	Confidence  float64                `json:"confidence"`
	Remedy      string                 `json:"remedy"`
	RawText     string                 `json:"raw_text"`
	Provenance  string                 `json:"provenance"`
	Severity    string                 `json:"severity"`
	ErrorCodes  []string               `json:"error_codes"`
	Candidates  []signatures.Candidate `json:"candidates,omitempty"`
	Model       string                 `json:"model,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Resolved reports whether the diagnosis identified the error
func (d *Diagnosis) Resolved() bool { return d.Provenance != ProvenanceUnresolved }

// PipelineConfig holds pipeline dependencies and tuning
type PipelineConfig struct {
	Preprocessor *imaging.Preprocessor
	OCR          TextExtractor
	Store        *signatures.Store
	// Classifier may be nil; low-confidence matches then end unresolved
	Classifier Classifier

	Threshold float64
	Timeout   time.Duration
	// MaxHints bounds the candidates passed to the classifier and reported
	MaxHints int

	Logger *logging.Logger
}

// Pipeline runs diagnoses. It keeps no per-run state and is safe for
// concurrent use; the signature store is the only shared dependency.
type Pipeline struct {
	pre        *imaging.Preprocessor
	ocr        TextExtractor
	store      *signatures.Store
	classifier Classifier
	threshold  float64
	timeout    time.Duration
	maxHints   int
	logger     *logging.Logger
	now        func() time.Time
	newID      func() string
}

// NewPipeline creates a pipeline
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.OCR == nil {
		return nil, fmt.Errorf("OCR extractor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("signature store is required")
	}
	if cfg.Preprocessor == nil {
		cfg.Preprocessor = imaging.NewPreprocessor(imaging.DefaultOptions())
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxHints <= 0 {
		cfg.MaxHints = defaultMaxHints
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("Pipeline")
	}

	return &Pipeline{
		pre:        cfg.Preprocessor,
		ocr:        cfg.OCR,
		store:      cfg.Store,
		classifier: cfg.Classifier,
		threshold:  cfg.Threshold,
		timeout:    cfg.Timeout,
		maxHints:   cfg.MaxHints,
		logger:     cfg.Logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}, nil
}

// Threshold returns the acceptance threshold
func (p *Pipeline) Threshold() float64 { return p.threshold }

// Diagnose runs the full pipeline on img
func (p *Pipeline) Diagnose(ctx context.Context, img imaging.RawImage) (*Diagnosis, error) {
	return p.DiagnoseJob(ctx, "", img)
}

// DiagnoseJob is Diagnose with a caller-supplied job ID for log correlation.
// The whole run shares one deadline; when it expires the result is a
// DIAGNOSIS_TIMEOUT error and never a partial diagnosis.
func (p *Pipeline) DiagnoseJob(ctx context.Context, jobID string, img imaging.RawImage) (*Diagnosis, error) {
	start := time.Now()
	id := p.newID()
	if jobID == "" {
		jobID = id
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.logger.Info(fmt.Sprintf("[Job %s] Starting diagnosis pipeline", jobID), "bytes", len(img.Data), "mime", img.MimeType)

	// Step 1: Preprocess image
	p.logger.Debug(fmt.Sprintf("[Job %s] Step 1: Preprocessing image", jobID))
	bitmap, err := p.pre.Prepare(img)
	if err != nil {
		p.logger.Warn(fmt.Sprintf("[Job %s] Image rejected", jobID), "error", err)
		return nil, err
	}
	if err := p.deadline(ctx, "preprocess"); err != nil {
		return nil, err
	}

	// Step 2: OCR
	p.logger.Debug(fmt.Sprintf("[Job %s] Step 2: Extracting text", jobID),
		"width", bitmap.Width(), "height", bitmap.Height(), "scale", bitmap.Scale)
	ocrResult, err := p.ocr.Extract(ctx, bitmap)
	if err != nil {
		if derr := p.deadline(ctx, "ocr"); derr != nil {
			return nil, derr
		}
		return nil, err
	}

	// Step 3: Normalize text
	text := textnorm.Normalize(ocrResult)
	p.logger.Debug(fmt.Sprintf("[Job %s] Step 3: Normalized text", jobID),
		"tokens", text.TokenCount, "ocr_confidence", text.Confidence)

	d := &Diagnosis{
		ID:         id,
		RawText:    text.Text,
		ErrorCodes: textnorm.ExtractErrorCodes(text.Text),
	}

	if text.Empty() {
		p.logger.Info(fmt.Sprintf("[Job %s] No text recognized", jobID))
		p.unresolved(d, nil, nil)
		return p.finish(ctx, jobID, d, start)
	}

	// Step 4: Signature matching
	candidates := p.store.Match(text.Text)
	d.Candidates = p.topCandidates(candidates)
	var top *signatures.Candidate
	if len(candidates) > 0 {
		top = &candidates[0]
		p.logger.Debug(fmt.Sprintf("[Job %s] Step 4: Signature match", jobID),
			"signature", top.SignatureID, "score", top.Score, "candidates", len(candidates))
	}

	if top != nil && top.Score >= p.threshold {
		p.fromSignature(d, *top)
		return p.finish(ctx, jobID, d, start)
	}

	// Step 5: LLM classification
	if p.classifier == nil {
		p.unresolved(d, top, nil)
		return p.finish(ctx, jobID, d, start)
	}

	p.logger.Debug(fmt.Sprintf("[Job %s] Step 5: Classifying with LLM providers", jobID))
	res, err := p.classifier.Classify(ctx, &llm.Request{
		Text:       text.Text,
		Hints:      p.hints(d.Candidates),
		ErrorCodes: d.ErrorCodes,
	})
	if derr := p.deadline(ctx, "llm"); derr != nil {
		return nil, derr
	}
	if err != nil {
		var exhausted *llm.ExhaustedError
		var best *llm.Classification
		if stderrors.As(err, &exhausted) {
			best = exhausted.Best
		} else if !stderrors.Is(err, apperrors.ErrAllProvidersExhausted) {
			p.logger.Warn(fmt.Sprintf("[Job %s] Classifier failed", jobID), "error", err)
		}
		p.unresolved(d, top, best)
		return p.finish(ctx, jobID, d, start)
	}
	if res == nil || res.Confidence < p.threshold {
		p.unresolved(d, top, res)
		return p.finish(ctx, jobID, d, start)
	}

	p.fromClassification(d, res)
	return p.finish(ctx, jobID, d, start)
}

// fromSignature fills d from a confident signature match
func (p *Pipeline) fromSignature(d *Diagnosis, c signatures.Candidate) {
	sig, _ := p.store.Lookup(c.SignatureID)
	id := c.SignatureID
	d.SignatureID = &id
	d.Category = string(c.Category)
	d.Confidence = c.Score
	d.Remedy = sig.Remedy
	d.Provenance = ProvenanceSignature
	d.Severity = firstNonEmpty(sig.Severity, textnorm.DetectSeverity(d.RawText))
}

// fromClassification fills d from a confident provider answer. A signature ID
// is kept only if it names a known signature.
func (p *Pipeline) fromClassification(d *Diagnosis, res *llm.Classification) {
	d.Category = res.Category
	d.Confidence = res.Confidence
	d.Provenance = provenanceLLMPrefix + res.Provider
	d.Model = res.Model

	var sig signatures.Signature
	if res.SignatureID != "" {
		if s, ok := p.store.Lookup(res.SignatureID); ok {
			sig = s
			id := s.ID
			d.SignatureID = &id
		}
	}
	d.Remedy = firstNonEmpty(res.Remedy, sig.Remedy, DefaultRemedy)
	d.Severity = firstNonEmpty(res.Severity, sig.Severity, textnorm.DetectSeverity(d.RawText))
}

// unresolved fills d when nothing met the threshold. Confidence is the best
// score seen from either source; the category follows that source.
func (p *Pipeline) unresolved(d *Diagnosis, top *signatures.Candidate, best *llm.Classification) {
	d.Provenance = ProvenanceUnresolved
	d.SignatureID = nil
	d.Remedy = DefaultRemedy
	d.Category = string(signatures.CategoryOther)
	d.Confidence = 0

	if top != nil {
		d.Category = string(top.Category)
		d.Confidence = top.Score
	}
	if best != nil && best.Confidence > d.Confidence {
		d.Category = best.Category
		d.Confidence = best.Confidence
	}
	if d.Category == "" {
		d.Category = string(signatures.CategoryOther)
	}
	d.Severity = textnorm.DetectSeverity(d.RawText)
}

// finish stamps and logs d, unless the deadline passed meanwhile
func (p *Pipeline) finish(ctx context.Context, jobID string, d *Diagnosis, start time.Time) (*Diagnosis, error) {
	if err := p.deadline(ctx, "assemble"); err != nil {
		return nil, err
	}
	if d.ErrorCodes == nil {
		d.ErrorCodes = []string{}
	}
	d.CreatedAt = p.now()

	elapsed := time.Since(start)
	metrics.ObserveDiagnosis(elapsed, d.Provenance)
	p.logger.Info(fmt.Sprintf("[Job %s] Diagnosis complete", jobID),
		"provenance", d.Provenance,
		"category", d.Category,
		"confidence", d.Confidence,
		"duration_ms", elapsed.Milliseconds())
	return d, nil
}

// deadline maps an expired run deadline to a TimeoutError. A caller
// cancellation is returned as the context error.
func (p *Pipeline) deadline(ctx context.Context, stage string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeoutError(stage, p.timeout, err)
	}
	return err
}

func (p *Pipeline) topCandidates(all []signatures.Candidate) []signatures.Candidate {
	n := len(all)
	if n > p.maxHints {
		n = p.maxHints
	}
	if n == 0 {
		return nil
	}
	return append([]signatures.Candidate(nil), all[:n]...)
}

func (p *Pipeline) hints(cands []signatures.Candidate) []llm.Hint {
	hints := make([]llm.Hint, 0, len(cands))
	for _, c := range cands {
		h := llm.Hint{SignatureID: c.SignatureID, Category: string(c.Category), Score: c.Score}
		if sig, ok := p.store.Lookup(c.SignatureID); ok {
			h.Title = sig.Title
		}
		hints = append(hints, h)
	}
	return hints
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
