package config

import "context"

// Package config provides configuration management for the causal
// retention reasoning engine.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading (for some settings)
//   - Manage sensitive data (API keys, credentials)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (RETENTION_* prefix, highest priority)
//   2. YAML config files (default: /etc/causalreason/config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - port: Listen port for the snapshot bridge / REST surface (default 8081)
//      - tls_enabled: Enable TLS
//      - tls_cert_path: Path to certificate
//      - tls_key_path: Path to key
//
//   2. LLM Provider
//      - provider: "openai" | "anthropic" | "ollama" | "custom"
//      - openai_api_key: OpenAI API key
//      - openai_model: Model name
//      - anthropic_api_key: Anthropic API key
//      - anthropic_model: Model name
//      - ollama_base_url: Ollama instance URL
//      - ollama_model: Model name
//      - custom_base_url: Custom endpoint URL
//      - max_retries: structured-output schema-validation retry budget (default 2)
//      - request_timeout_seconds: LLM timeout base (default 30); the engine
//        bounds each stage at this x (max_retries+1) x 4 and sets no deadline
//        on a single LLM request
//
//   3. Testing
//      - alpha: significance threshold for causal tests (default 0.05)
//      - effect_size_low/high: loaded and validated (default 0.2 / 0.5); the
//        confidence buckets use the fixed cut-offs in
//        domain.ConfidenceFromEffectSize and do not read these fields
//      - worker_pool_size: bounded concurrency for the tester stage (default 4)
//      - per_test_timeout_seconds: soft wall-clock budget per test (default 10)
//
//   4. TesterWorker
//      - address: gRPC tester-worker address
//      - enabled: loaded and validated only; the engine does not read this
//        section and always runs the tester stage in-process
//
//   5. Archive
//      - enabled: whether completed sessions are persisted to SQLite (default false)
//      - sqlite_path: path to the archive database
//
//   6. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//
//   7. Budget
//      - max_llm_calls_per_session: hard ceiling on LLM calls for one session
//      - max_session_duration_seconds: hard ceiling on wall-clock session time
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration (snapshot bridge / REST surface)
	Server struct {
		Port        int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		// If empty, defaults to ["http://localhost:3000", "http://localhost:5173"].
		AllowedOrigins []string
	}

	// LLM provider configuration
	LLM struct {
		Provider              string
		OpenAI                map[string]interface{}
		Anthropic             map[string]interface{}
		Ollama                map[string]interface{}
		Custom                map[string]interface{}
		MaxRetries            int
		RequestTimeoutSeconds int
	}

	// Testing configuration: thresholds and concurrency for the causal tester stage
	Testing struct {
		Alpha                 float64
		EffectSizeLowThresh   float64
		EffectSizeHighThresh  float64
		WorkerPoolSize        int
		PerTestTimeoutSeconds int
	}

	// TesterWorker configuration: address of a gRPC tester worker (not read by
	// the engine, which runs the tester stage in-process)
	TesterWorker struct {
		Enabled bool
		Address string
		Timeout int
	}

	// Archive configuration: optional session persistence
	Archive struct {
		Enabled    bool
		SQLitePath string
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Budget configuration
	Budget struct {
		MaxLLMCallsPerSession     int
		MaxSessionDurationSeconds int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/causalreason/config.yaml")
}
