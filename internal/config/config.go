/**
 * Configuration for the Error Diagnosis Worker
 *
 * Loads configuration from environment variables (optionally seeded from .env)
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Provider kinds understood by the LLM pool
const (
	KindGroq      = "groq"
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindOllama    = "ollama"
	KindGateway   = "gateway"
)

// ProviderConfig describes one entry of the ordered LLM provider list.
// APIKey is already resolved from <NAME>_API_KEY; empty means unconfigured
// for kinds that need credentials.
type ProviderConfig struct {
	Name     string
	Kind     string
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// NeedsCredentials reports whether the provider kind requires an API key
func (p ProviderConfig) NeedsCredentials() bool {
	switch p.Kind {
	case KindOllama, KindGateway:
		return false
	}
	return true
}

// Configured reports whether the provider can be attempted at all
func (p ProviderConfig) Configured() bool {
	if p.NeedsCredentials() && p.APIKey == "" {
		return false
	}
	if p.Kind == KindGateway && p.Endpoint == "" {
		return false
	}
	return true
}

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueBackend string // "redis" (list protocol) or "asynq"
	QueueName    string

	// PostgreSQL configuration (optional; results are only logged without it)
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	DiagnosisTimeout  time.Duration

	// Image preprocessing
	MaxImageSize  int64
	MaxImageEdge  int
	MinImageWidth int
	ImageDenoise  bool

	// OCR configuration
	OCRLanguages   []string
	TessdataPrefix string

	// Signature matching
	SignaturesPath      string
	AcceptanceThreshold float64
	SignatureFloor      float64

	// LLM providers, in priority order
	Providers         []ProviderConfig
	LLMRetryBaseDelay time.Duration

	// Classification cache
	CacheEnabled bool
	CacheTTL     time.Duration

	// Logging and metrics
	LogLevel       string
	LogFormat      string
	MetricsAddress string
}

// defaultProviderTimeout bounds a single provider attempt
const defaultProviderTimeout = 20 * time.Second

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:            getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueBackend:        strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", "redis")),
		QueueName:           getEnvOrDefault("QUEUE_NAME", "errordiag:jobs"),
		DatabaseURL:         getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency:   getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		DiagnosisTimeout:    getEnvAsDurationOrDefault("DIAGNOSIS_TIMEOUT", 60*time.Second),
		MaxImageSize:        getEnvAsInt64OrDefault("MAX_IMAGE_SIZE", 10*1024*1024), // 10MB
		MaxImageEdge:        getEnvAsIntOrDefault("MAX_IMAGE_EDGE", 2400),
		MinImageWidth:       getEnvAsIntOrDefault("MIN_IMAGE_WIDTH", 800),
		ImageDenoise:        getEnvAsBoolOrDefault("IMAGE_DENOISE", true),
		OCRLanguages:        splitList(getEnvOrDefault("OCR_LANGUAGES", "rus+eng"), "+"),
		TessdataPrefix:      getEnvOrDefault("TESSDATA_PREFIX", ""),
		SignaturesPath:      getEnvOrDefault("SIGNATURES_PATH", ""),
		AcceptanceThreshold: getEnvAsFloatOrDefault("ACCEPTANCE_THRESHOLD", 0.65),
		SignatureFloor:      getEnvAsFloatOrDefault("SIGNATURE_FLOOR", 0.05),
		LLMRetryBaseDelay:   getEnvAsDurationOrDefault("LLM_RETRY_BASE_DELAY", 500*time.Millisecond),
		CacheEnabled:        getEnvAsBoolOrDefault("CACHE_ENABLED", false),
		CacheTTL:            getEnvAsDurationOrDefault("CACHE_TTL", 24*time.Hour),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "console"),
		MetricsAddress:      getEnvOrDefault("METRICS_ADDRESS", ":9102"),
	}

	cfg.Providers = loadProviders(splitList(getEnvOrDefault("LLM_PROVIDERS", "groq,openai,ollama"), ","))

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadProviders resolves each named provider from <NAME>_* variables. The
// kind defaults to the name itself, so "groq" needs no GROQ_KIND.
func loadProviders(names []string) []ProviderConfig {
	providers := make([]ProviderConfig, 0, len(names))
	for _, name := range names {
		prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		kind := strings.ToLower(getEnvOrDefault(prefix+"KIND", name))
		p := ProviderConfig{
			Name:     name,
			Kind:     kind,
			Endpoint: getEnvOrDefault(prefix+"BASE_URL", defaultEndpoint(kind)),
			APIKey:   os.Getenv(prefix + "API_KEY"),
			Model:    getEnvOrDefault(prefix+"MODEL", defaultModel(kind)),
			Timeout:  getEnvAsDurationOrDefault(prefix+"TIMEOUT", defaultProviderTimeout),
		}
		providers = append(providers, p)
	}
	return providers
}

func defaultEndpoint(kind string) string {
	switch kind {
	case KindGroq:
		return "https://api.groq.com/openai/v1"
	case KindOllama:
		return "http://localhost:11434"
	}
	return ""
}

func defaultModel(kind string) string {
	switch kind {
	case KindGroq:
		return "llama-3.1-8b-instant"
	case KindOpenAI:
		return "gpt-4o-mini"
	case KindAnthropic:
		return "claude-3-5-haiku-latest"
	case KindOllama:
		return "llama3.1:8b"
	}
	return ""
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxImageSize < 1024 || c.MaxImageSize > 100*1024*1024 { // 1KB to 100MB
		return fmt.Errorf("MAX_IMAGE_SIZE must be between 1KB and 100MB, got %d", c.MaxImageSize)
	}

	if c.MaxImageEdge < 256 {
		return fmt.Errorf("MAX_IMAGE_EDGE must be at least 256, got %d", c.MaxImageEdge)
	}

	if c.MinImageWidth < 0 || c.MinImageWidth > c.MaxImageEdge {
		return fmt.Errorf("MIN_IMAGE_WIDTH must be between 0 and MAX_IMAGE_EDGE, got %d", c.MinImageWidth)
	}

	if len(c.OCRLanguages) == 0 {
		return fmt.Errorf("OCR_LANGUAGES is required")
	}

	if c.AcceptanceThreshold <= 0 || c.AcceptanceThreshold > 1 {
		return fmt.Errorf("ACCEPTANCE_THRESHOLD must be in (0, 1], got %v", c.AcceptanceThreshold)
	}

	if c.SignatureFloor < 0 || c.SignatureFloor >= c.AcceptanceThreshold {
		return fmt.Errorf("SIGNATURE_FLOOR must be in [0, ACCEPTANCE_THRESHOLD), got %v", c.SignatureFloor)
	}

	if c.DiagnosisTimeout <= 0 {
		return fmt.Errorf("DIAGNOSIS_TIMEOUT must be positive")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("LLM_PROVIDERS lists %q twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case KindGroq, KindOpenAI, KindAnthropic, KindOllama, KindGateway:
		default:
			return fmt.Errorf("provider %q has unknown kind %q", p.Name, p.Kind)
		}
		if p.Timeout <= 0 {
			return fmt.Errorf("provider %q timeout must be positive", p.Name)
		}
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("45s") or bare milliseconds
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
