/**
 * Gateway Provider - classification through the internal inference gateway
 *
 * The gateway owns model selection and credentials; this worker only sends
 * the error text and signature hints. 5xx answers and network failures are
 * transport errors (retried once); 4xx answers are final for the attempt.
 */

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/errordiag-worker/internal/config"
	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
	"github.com/adverant/nexus/errordiag-worker/internal/signatures"
	"github.com/adverant/nexus/errordiag-worker/internal/textnorm"
)

// GatewayProvider handles communication with the inference gateway
type GatewayProvider struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *logging.Logger
}

// ClassifyRequest is the gateway request body
type ClassifyRequest struct {
	Text       string   `json:"text"`
	Hints      []Hint   `json:"hints,omitempty"`
	ErrorCodes []string `json:"errorCodes,omitempty"`
	Model      string   `json:"model,omitempty"` // empty lets the gateway choose
}

// ClassifyResponse is the gateway response envelope
type ClassifyResponse struct {
	Success bool         `json:"success"`
	Data    ClassifyData `json:"data"`
	Message string       `json:"message"`
}

// ClassifyData carries the gateway's classification
type ClassifyData struct {
	Category       string  `json:"category"`
	SignatureID    string  `json:"signatureId"`
	Confidence     float64 `json:"confidence"`
	Severity       string  `json:"severity"`
	Remedy         string  `json:"remedy"`
	ModelUsed      string  `json:"modelUsed"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
}

// NewGatewayProvider creates a gateway client for cfg
func NewGatewayProvider(cfg config.ProviderConfig) *GatewayProvider {
	return &GatewayProvider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		// Per-attempt deadlines come from the pool's context
		httpClient: &http.Client{},
		logger:     logging.NewLogger("GatewayProvider"),
	}
}

func (g *GatewayProvider) Name() string           { return g.name }
func (g *GatewayProvider) Configured() bool       { return g.baseURL != "" }
func (g *GatewayProvider) Timeout() time.Duration { return g.timeout }

// Classify posts the request to /api/internal/classify
func (g *GatewayProvider) Classify(ctx context.Context, req *Request) (*Classification, error) {
	endpoint := fmt.Sprintf("%s/api/internal/classify", g.baseURL)

	// Marshal request
	reqBody, err := json.Marshal(ClassifyRequest{
		Text:       req.Text,
		Hints:      req.Hints,
		ErrorCodes: req.ErrorCodes,
		Model:      g.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Create HTTP request
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "errordiag-worker") // Identify source for logging
	httpReq.Header.Set("X-Request-ID", "classify-"+uuid.NewString())
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	// Execute request
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Provider: g.name, Err: err}
	}
	defer resp.Body.Close()

	// Read response body
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Provider: g.name, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	// Check status code
	if resp.StatusCode != http.StatusOK {
		callErr := apperrors.NewAPICallFailedError(endpoint, resp.StatusCode,
			fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, truncate(string(body), 256)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &TransportError{Provider: g.name, Err: callErr}
		}
		return nil, callErr
	}

	// Parse response
	var out ClassifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !out.Success {
		return nil, apperrors.NewAPICallFailedError(endpoint, resp.StatusCode,
			fmt.Errorf("gateway operation failed: %s", out.Message))
	}
	if out.Data.Category == "" {
		return nil, fmt.Errorf("%w: category missing", ErrMalformedResponse)
	}

	g.logger.Debug("Gateway classification complete",
		"modelUsed", out.Data.ModelUsed,
		"confidence", out.Data.Confidence,
		"processingTime", out.Data.ProcessingTime)

	category, ok := signatures.ParseCategory(out.Data.Category)
	if !ok {
		category = signatures.CategoryOther
	}

	return &Classification{
		Model:       out.Data.ModelUsed,
		Category:    string(category),
		SignatureID: out.Data.SignatureID,
		Confidence:  normalizeConfidence(out.Data.Confidence),
		Severity:    textnorm.NormalizeSeverity(out.Data.Severity),
		Remedy:      out.Data.Remedy,
	}, nil
}

// HealthCheck verifies the gateway is available
func (g *GatewayProvider) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", g.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
