package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("RETENTION")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		// Config file not found is OK if it doesn't exist, we'll use defaults + env vars
		// Check both ConfigFileNotFoundError and os.IsNotExist for file not found
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper - OK, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os - OK, use defaults
		} else {
			// Other error reading config file
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides for sensitive data
	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		// Combine all errors into a single error message
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	// Start watching config file
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		// Reload config
		if err := m.unmarshalConfig(); err != nil {
			// Log error but don't send to channel
			return
		}
		// Send updated config to channel
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	// Re-read config file
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides
	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)

	// LLM defaults
	m.viper.SetDefault("llm.provider", defaults.LLM.Provider)
	m.viper.SetDefault("llm.openai", defaults.LLM.OpenAI)
	m.viper.SetDefault("llm.anthropic", defaults.LLM.Anthropic)
	m.viper.SetDefault("llm.ollama", defaults.LLM.Ollama)
	m.viper.SetDefault("llm.custom", defaults.LLM.Custom)
	m.viper.SetDefault("llm.max_retries", defaults.LLM.MaxRetries)
	m.viper.SetDefault("llm.request_timeout_seconds", defaults.LLM.RequestTimeoutSeconds)

	// Testing defaults
	m.viper.SetDefault("testing.alpha", defaults.Testing.Alpha)
	m.viper.SetDefault("testing.effect_size_low", defaults.Testing.EffectSizeLowThresh)
	m.viper.SetDefault("testing.effect_size_high", defaults.Testing.EffectSizeHighThresh)
	m.viper.SetDefault("testing.worker_pool_size", defaults.Testing.WorkerPoolSize)
	m.viper.SetDefault("testing.per_test_timeout_seconds", defaults.Testing.PerTestTimeoutSeconds)

	// TesterWorker defaults
	m.viper.SetDefault("tester_worker.enabled", defaults.TesterWorker.Enabled)
	m.viper.SetDefault("tester_worker.address", defaults.TesterWorker.Address)
	m.viper.SetDefault("tester_worker.timeout", defaults.TesterWorker.Timeout)

	// Archive defaults
	m.viper.SetDefault("archive.enabled", defaults.Archive.Enabled)
	m.viper.SetDefault("archive.sqlite_path", defaults.Archive.SQLitePath)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)

	// Budget defaults
	m.viper.SetDefault("budget.max_llm_calls_per_session", defaults.Budget.MaxLLMCallsPerSession)
	m.viper.SetDefault("budget.max_session_duration_seconds", defaults.Budget.MaxSessionDurationSeconds)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")

	// LLM
	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.OpenAI = m.viper.GetStringMap("llm.openai")
	cfg.LLM.Anthropic = m.viper.GetStringMap("llm.anthropic")
	cfg.LLM.Ollama = m.viper.GetStringMap("llm.ollama")
	cfg.LLM.Custom = m.viper.GetStringMap("llm.custom")
	cfg.LLM.MaxRetries = m.viper.GetInt("llm.max_retries")
	cfg.LLM.RequestTimeoutSeconds = m.viper.GetInt("llm.request_timeout_seconds")

	// Testing
	cfg.Testing.Alpha = m.viper.GetFloat64("testing.alpha")
	cfg.Testing.EffectSizeLowThresh = m.viper.GetFloat64("testing.effect_size_low")
	cfg.Testing.EffectSizeHighThresh = m.viper.GetFloat64("testing.effect_size_high")
	cfg.Testing.WorkerPoolSize = m.viper.GetInt("testing.worker_pool_size")
	cfg.Testing.PerTestTimeoutSeconds = m.viper.GetInt("testing.per_test_timeout_seconds")

	// TesterWorker
	cfg.TesterWorker.Enabled = m.viper.GetBool("tester_worker.enabled")
	cfg.TesterWorker.Address = m.viper.GetString("tester_worker.address")
	cfg.TesterWorker.Timeout = m.viper.GetInt("tester_worker.timeout")

	// Archive
	cfg.Archive.Enabled = m.viper.GetBool("archive.enabled")
	cfg.Archive.SQLitePath = m.viper.GetString("archive.sqlite_path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")

	// Budget
	cfg.Budget.MaxLLMCallsPerSession = m.viper.GetInt("budget.max_llm_calls_per_session")
	cfg.Budget.MaxSessionDurationSeconds = m.viper.GetInt("budget.max_session_duration_seconds")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	// OpenAI API key from environment
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if m.config.LLM.OpenAI == nil {
			m.config.LLM.OpenAI = make(map[string]interface{})
		}
		m.config.LLM.OpenAI["api_key"] = apiKey
	}

	// Anthropic API key from environment
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		if m.config.LLM.Anthropic == nil {
			m.config.LLM.Anthropic = make(map[string]interface{})
		}
		m.config.LLM.Anthropic["api_key"] = apiKey
	}

	// Ollama base URL from environment
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		if m.config.LLM.Ollama == nil {
			m.config.LLM.Ollama = make(map[string]interface{})
		}
		m.config.LLM.Ollama["base_url"] = baseURL
	}

	// Tester-worker address from environment
	if addr := os.Getenv("RETENTION_TESTER_WORKER_ADDRESS"); addr != "" {
		m.config.TesterWorker.Address = addr
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("RETENTION_PORT"); portEnv != "" {
		// Port was explicitly set via environment, so viper has the value
		m.config.Server.Port = m.viper.GetInt("port")
	}
}
