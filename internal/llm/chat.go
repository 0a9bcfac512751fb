package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/adverant/nexus/errordiag-worker/internal/config"
)

// ChatProvider classifies through a langchaingo chat model (Groq, OpenAI,
// Anthropic or a local Ollama server)
type ChatProvider struct {
	name       string
	kind       string
	model      string
	timeout    time.Duration
	configured bool
	llm        llms.Model
}

// NewChatProvider builds the langchaingo client for cfg. An unconfigured
// descriptor yields a provider that reports Configured() == false.
func NewChatProvider(cfg config.ProviderConfig) (*ChatProvider, error) {
	p := &ChatProvider{
		name:    cfg.Name,
		kind:    cfg.Kind,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
	if !cfg.Configured() {
		return p, nil
	}

	model, err := newChatModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}
	p.llm = model
	p.configured = true
	return p, nil
}

// NewChatProviderWithModel wraps an existing model, for callers that build
// their own clients
func NewChatProviderWithModel(name, modelID string, timeout time.Duration, model llms.Model) *ChatProvider {
	return &ChatProvider{
		name:       name,
		kind:       "custom",
		model:      modelID,
		timeout:    timeout,
		configured: model != nil,
		llm:        model,
	}
}

func newChatModel(cfg config.ProviderConfig) (llms.Model, error) {
	switch cfg.Kind {
	case config.KindGroq, config.KindOpenAI:
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithToken(cfg.APIKey),
		}
		if cfg.Endpoint != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
		}
		return openai.New(opts...)
	case config.KindAnthropic:
		opts := []anthropic.Option{
			anthropic.WithModel(cfg.Model),
			anthropic.WithToken(cfg.APIKey),
		}
		if cfg.Endpoint != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Endpoint))
		}
		return anthropic.New(opts...)
	case config.KindOllama:
		return ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.Endpoint),
		)
	}
	return nil, fmt.Errorf("unsupported chat provider kind %q", cfg.Kind)
}

func (p *ChatProvider) Name() string           { return p.name }
func (p *ChatProvider) Configured() bool       { return p.configured }
func (p *ChatProvider) Timeout() time.Duration { return p.timeout }

// Classify sends the classification prompt and parses the JSON answer
func (p *ChatProvider) Classify(ctx context.Context, req *Request) (*Classification, error) {
	if p.llm == nil {
		return nil, fmt.Errorf("provider %s is not configured", p.name)
	}

	completion, err := p.llm.GenerateContent(ctx, []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(BuildPrompt(req))},
		},
	}, llms.WithTemperature(0.1), llms.WithMaxTokens(512))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Provider: p.name, Err: err}
	}
	if completion == nil || len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Content) == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrMalformedResponse)
	}

	res, err := ParseClassification(completion.Choices[0].Content)
	if err != nil {
		return nil, err
	}
	res.Model = p.model
	return res, nil
}
