package adapter

import (
	"context"
)

// Package adapter provides a unified interface for different LLM providers,
// narrowed to the single operation the reasoning pipeline needs: a
// structured-completion call that returns JSON matching a named schema.
//
// Responsibilities:
//   - Abstract differences between LLM providers (OpenAI, Anthropic, Ollama, custom)
//   - Provide a single interface for structured generation
//   - Token counting for prompt-size bookkeeping
//
// Supported Providers:
//   1. OpenAI: GPT-4, GPT-4o, GPT-3.5-turbo
//   2. Anthropic: Claude 3.5 Sonnet, Claude 3 Opus
//   3. Ollama: Local models (llama3, mistral, codellama, neural-chat, etc.)
//   4. Custom: OpenAI-compatible endpoints (vLLM, LocalAI, LM Studio, etc.)
//
// The pipeline stages never depend on function-calling or streaming: each
// stage builds one prompt, asks for one JSON object back, and validates it
// against the stage's guardrails before use. Retries on schema-validation
// failure are the caller's responsibility (see internal/pipeline/generator
// for the canonical retry loop), not the adapter's.

// LLMAdapter defines the narrowed interface the pipeline stages depend on.
type LLMAdapter interface {
	// CompleteStructured sends a prompt that demands a single JSON object in
	// response and returns the raw (unparsed) JSON text. schemaHint is neither
	// sent nor enforced by the adapter; callers put the schema text in the
	// prompt themselves.
	CompleteStructured(ctx context.Context, systemPrompt, prompt, schemaHint string) (string, error)

	// CountTokens estimates token usage for a prompt. The session budget
	// counts calls, not tokens, and does not use it.
	CountTokens(ctx context.Context, prompt string) (int, error)

	// GetProvider returns the configured provider type.
	GetProvider() ProviderType

	// WithStage returns an adapter tagged with a pipeline stage label, used
	// to split per-stage metrics without threading a label through every call.
	WithStage(stage string) LLMAdapter
}
