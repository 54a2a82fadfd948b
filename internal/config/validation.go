package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	// Validate LLM configuration
	validProviders := map[string]bool{
		"openai":    true,
		"anthropic": true,
		"ollama":    true,
		"custom":    true,
	}
	if !validProviders[c.LLM.Provider] {
		errs = append(errs, &ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: openai, anthropic, ollama, custom", c.LLM.Provider),
		})
	}

	// Provider-specific validation
	switch c.LLM.Provider {
	case "openai":
		if apiKey, ok := c.LLM.OpenAI["api_key"].(string); !ok || apiKey == "" {
			if os.Getenv("OPENAI_API_KEY") == "" {
				errs = append(errs, &ValidationError{
					Field:   "llm.openai.api_key",
					Message: "OpenAI API key is required (config or OPENAI_API_KEY env var)",
				})
			}
		}
		if model, ok := c.LLM.OpenAI["model"].(string); !ok || model == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.openai.model",
				Message: "OpenAI model is required",
			})
		}

	case "anthropic":
		if apiKey, ok := c.LLM.Anthropic["api_key"].(string); !ok || apiKey == "" {
			if os.Getenv("ANTHROPIC_API_KEY") == "" {
				errs = append(errs, &ValidationError{
					Field:   "llm.anthropic.api_key",
					Message: "Anthropic API key is required (config or ANTHROPIC_API_KEY env var)",
				})
			}
		}
		if model, ok := c.LLM.Anthropic["model"].(string); !ok || model == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.anthropic.model",
				Message: "Anthropic model is required",
			})
		}

	case "ollama":
		if baseURL, ok := c.LLM.Ollama["base_url"].(string); !ok || baseURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.ollama.base_url",
				Message: "Ollama base URL is required",
			})
		}
		if model, ok := c.LLM.Ollama["model"].(string); !ok || model == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.ollama.model",
				Message: "Ollama model is required",
			})
		}

	case "custom":
		if baseURL, ok := c.LLM.Custom["base_url"].(string); !ok || baseURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.custom.base_url",
				Message: "Custom LLM base URL is required",
			})
		}
	}

	if c.LLM.MaxRetries < 0 {
		errs = append(errs, &ValidationError{
			Field:   "llm.max_retries",
			Message: fmt.Sprintf("max_retries cannot be negative, got %d", c.LLM.MaxRetries),
		})
	}

	if c.LLM.RequestTimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "llm.request_timeout_seconds",
			Message: fmt.Sprintf("request_timeout_seconds must be at least 1, got %d", c.LLM.RequestTimeoutSeconds),
		})
	}

	// Validate testing configuration
	if c.Testing.Alpha <= 0 || c.Testing.Alpha >= 1 {
		errs = append(errs, &ValidationError{
			Field:   "testing.alpha",
			Message: fmt.Sprintf("alpha must be between 0 and 1 exclusive, got %v", c.Testing.Alpha),
		})
	}

	if c.Testing.EffectSizeLowThresh <= 0 || c.Testing.EffectSizeHighThresh <= c.Testing.EffectSizeLowThresh {
		errs = append(errs, &ValidationError{
			Field:   "testing.effect_size_low/high",
			Message: fmt.Sprintf("effect_size_low (%v) must be positive and less than effect_size_high (%v)", c.Testing.EffectSizeLowThresh, c.Testing.EffectSizeHighThresh),
		})
	}

	if c.Testing.WorkerPoolSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "testing.worker_pool_size",
			Message: fmt.Sprintf("worker_pool_size must be at least 1, got %d", c.Testing.WorkerPoolSize),
		})
	}

	if c.Testing.PerTestTimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "testing.per_test_timeout_seconds",
			Message: fmt.Sprintf("per_test_timeout_seconds must be at least 1, got %d", c.Testing.PerTestTimeoutSeconds),
		})
	}

	// Validate tester-worker configuration
	if c.TesterWorker.Enabled && c.TesterWorker.Address == "" {
		errs = append(errs, &ValidationError{
			Field:   "tester_worker.address",
			Message: "address is required when tester_worker.enabled is true",
		})
	}

	// Validate archive configuration
	if c.Archive.Enabled && c.Archive.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "archive.sqlite_path",
			Message: "sqlite_path is required when archive.enabled is true",
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	// Validate budget configuration
	if c.Budget.MaxLLMCallsPerSession < 1 {
		errs = append(errs, &ValidationError{
			Field:   "budget.max_llm_calls_per_session",
			Message: fmt.Sprintf("max_llm_calls_per_session must be at least 1, got %d", c.Budget.MaxLLMCallsPerSession),
		})
	}

	if c.Budget.MaxSessionDurationSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "budget.max_session_duration_seconds",
			Message: fmt.Sprintf("max_session_duration_seconds must be at least 1, got %d", c.Budget.MaxSessionDurationSeconds),
		})
	}

	return errs
}
