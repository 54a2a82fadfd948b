package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8081
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""

	// LLM defaults
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.OpenAI = map[string]interface{}{
		"model":      "gpt-4",
		"max_tokens": 2048,
	}
	cfg.LLM.Anthropic = map[string]interface{}{
		"model":      "claude-3-5-sonnet-20241022",
		"max_tokens": 2048,
	}
	cfg.LLM.Ollama = map[string]interface{}{
		"base_url": "http://localhost:11434",
		"model":    "llama3",
	}
	cfg.LLM.Custom = map[string]interface{}{
		"base_url":   "",
		"model":      "",
		"max_tokens": 2048,
	}
	cfg.LLM.MaxRetries = 2
	cfg.LLM.RequestTimeoutSeconds = 30

	// Testing defaults
	cfg.Testing.Alpha = 0.05
	cfg.Testing.EffectSizeLowThresh = 0.2
	cfg.Testing.EffectSizeHighThresh = 0.5
	cfg.Testing.WorkerPoolSize = 4
	cfg.Testing.PerTestTimeoutSeconds = 10

	// TesterWorker defaults (off by default: tester stage runs in-process)
	cfg.TesterWorker.Enabled = false
	cfg.TesterWorker.Address = "localhost:50061"
	cfg.TesterWorker.Timeout = 30

	// Archive defaults (off by default)
	cfg.Archive.Enabled = false
	cfg.Archive.SQLitePath = "/var/lib/causalreason/sessions.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Budget defaults
	cfg.Budget.MaxLLMCallsPerSession = 20
	cfg.Budget.MaxSessionDurationSeconds = 300

	return cfg
}
