package adapter

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/retentionlabs/causalreason/internal/llm/provider/anthropic"
	"github.com/retentionlabs/causalreason/internal/llm/provider/custom"
	"github.com/retentionlabs/causalreason/internal/llm/provider/ollama"
	"github.com/retentionlabs/causalreason/internal/llm/provider/openai"
	"github.com/retentionlabs/causalreason/internal/llm/types"
	"github.com/retentionlabs/causalreason/internal/metrics"
)

// Package adapter provides a unified LLM interface supporting ANY provider.
//
// Design Philosophy: BYO-LLM
//   - The operator brings their own API key (OpenAI, Anthropic, Ollama, custom)
//   - No vendor lock-in, no bundled keys
//   - Local models (Ollama) supported for privacy/cost
//   - Custom endpoints for vLLM, LocalAI, LM Studio, etc.
//
// Configuration Storage:
//   - NewLLMAdapter(nil) reads environment vars: RETENTION_LLM_PROVIDER,
//     RETENTION_LLM_API_KEY, RETENTION_LLM_BASE_URL, RETENTION_LLM_MODEL
//   - The LLM section of internal/config is not mapped into Config here
//
// Fallback Behavior (No LLM Configured):
//   - The explanation stage falls back to a deterministic template
//   - The hypothesis generator cannot proceed without a provider and the
//     session fails at the generator stage with a clear error message

// ProviderType identifies which LLM provider is configured.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOllama    ProviderType = "ollama"
	ProviderCustom    ProviderType = "custom"
	ProviderNone      ProviderType = "none" // No LLM configured
)

// ErrProviderNotConfigured is returned when an LLM operation is attempted without a configured provider
var ErrProviderNotConfigured = fmt.Errorf("LLM provider not configured")

// Config holds LLM provider configuration.
type Config struct {
	Provider ProviderType `json:"provider"`
	APIKey   string       `json:"api_key"`  // For OpenAI/Anthropic
	BaseURL  string       `json:"base_url"` // For Ollama/Custom
	Model    string       `json:"model"`    // Model name
}

// llmAdapterImpl is the unified adapter implementation
type llmAdapterImpl struct {
	provider ProviderType
	model    string      // Model name for metrics
	stage    string      // pipeline stage label for metrics, set per call site
	client   interface{} // Actual provider client
}

// NewLLMAdapter creates adapter based on the resolved configuration.
func NewLLMAdapter(cfg *Config) (LLMAdapter, error) {
	if cfg == nil {
		// Try environment variables as fallback
		cfg = &Config{
			Provider: ProviderType(os.Getenv("RETENTION_LLM_PROVIDER")),
			APIKey:   os.Getenv("RETENTION_LLM_API_KEY"),
			BaseURL:  os.Getenv("RETENTION_LLM_BASE_URL"),
			Model:    os.Getenv("RETENTION_LLM_MODEL"),
		}
	}

	// No provider or no credentials: return an unconfigured adapter, not an error.
	// The generator stage fails with a clear message rather than the process
	// refusing to start.
	if cfg.Provider == "" || cfg.Provider == ProviderNone {
		return &llmAdapterImpl{provider: ProviderNone, client: nil}, nil
	}

	var client interface{}
	var err error

	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return &llmAdapterImpl{provider: ProviderNone, client: nil}, nil
		}
		client, err = openai.NewOpenAIClient(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return &llmAdapterImpl{provider: ProviderNone, client: nil}, nil
		}
		client, err = anthropic.NewAnthropicClient(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create Anthropic client: %w", err)
		}

	case ProviderOllama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434"
		}
		client, err = ollama.NewOllamaClient(cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}

	case ProviderCustom:
		if cfg.BaseURL == "" {
			return &llmAdapterImpl{provider: ProviderNone, client: nil}, nil
		}
		client, err = custom.NewCustomClient(cfg.BaseURL, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create Custom client: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	return &llmAdapterImpl{
		provider: cfg.Provider,
		model:    cfg.Model,
		client:   client,
	}, nil
}

// CompleteStructured sends a system+user prompt pair and returns the raw
// completion text, expected by the caller to be a single JSON object.
func (a *llmAdapterImpl) CompleteStructured(ctx context.Context, systemPrompt, prompt, schemaHint string) (string, error) {
	if a.provider == ProviderNone {
		return "", ErrProviderNotConfigured
	}

	start := time.Now()
	defer func() {
		duration := time.Since(start).Seconds()
		metrics.LLMRequestDuration.WithLabelValues(string(a.provider), a.stage).Observe(duration)
	}()

	messages := []types.Message{}
	if systemPrompt != "" {
		messages = append(messages, types.Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, types.Message{Role: "user", Content: prompt})

	var err error
	var resp string

	switch client := a.client.(type) {
	case *anthropic.AnthropicClientImpl:
		resp, _, err = client.Complete(ctx, messages)
	case *openai.OpenAIClientImpl:
		resp, _, err = client.Complete(ctx, messages)
	case *ollama.OllamaClientImpl:
		resp, _, err = client.Complete(ctx, messages)
	case *custom.CustomClientImpl:
		resp, _, err = client.Complete(ctx, messages)
	default:
		err = fmt.Errorf("unknown client type")
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequestsTotal.WithLabelValues(string(a.provider), a.stage, status).Inc()

	return resp, err
}

// CountTokens delegates to the provider-specific client.
func (a *llmAdapterImpl) CountTokens(ctx context.Context, prompt string) (int, error) {
	if a.provider == ProviderNone {
		return 0, ErrProviderNotConfigured
	}

	messages := []types.Message{{Role: "user", Content: prompt}}

	switch client := a.client.(type) {
	case *anthropic.AnthropicClientImpl:
		return client.CountTokens(ctx, messages)
	case *openai.OpenAIClientImpl:
		return client.CountTokens(ctx, messages)
	case *ollama.OllamaClientImpl:
		return client.CountTokens(ctx, messages)
	case *custom.CustomClientImpl:
		return client.CountTokens(ctx, messages)
	default:
		return 0, fmt.Errorf("unknown client type")
	}
}

// GetProvider returns the configured provider type
func (a *llmAdapterImpl) GetProvider() ProviderType {
	return a.provider
}

// WithStage returns a shallow copy of the adapter tagged with a pipeline
// stage label, used to separate per-stage metrics without threading a label
// through every call site.
func (a *llmAdapterImpl) WithStage(stage string) LLMAdapter {
	cp := *a
	cp.stage = stage
	return &cp
}

// IsLLMConfigured reports whether a provider and API key are set via
// environment variables.
func IsLLMConfigured() bool {
	provider := os.Getenv("RETENTION_LLM_PROVIDER")
	apiKey := os.Getenv("RETENTION_LLM_API_KEY")
	return provider != "" && apiKey != ""
}
