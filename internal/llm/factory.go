package llm

import (
	"github.com/adverant/nexus/errordiag-worker/internal/config"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
)

// NewProviders builds providers from config descriptors, preserving order.
// Unconfigured descriptors still produce a provider so the pool can log the
// skip at classification time.
func NewProviders(cfgs []config.ProviderConfig, logger *logging.Logger) ([]Provider, error) {
	if logger == nil {
		logger = logging.NewLogger("LLMProviders")
	}
	providers := make([]Provider, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Kind == config.KindGateway {
			providers = append(providers, NewGatewayProvider(cfg))
			logger.Info("Registered provider", "provider", cfg.Name, "kind", cfg.Kind, "configured", cfg.Configured())
			continue
		}
		p, err := NewChatProvider(cfg)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
		logger.Info("Registered provider",
			"provider", cfg.Name,
			"kind", cfg.Kind,
			"model", cfg.Model,
			"configured", p.Configured())
	}
	return providers, nil
}
