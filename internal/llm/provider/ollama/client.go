// Package ollama provides the Ollama local-model provider implementation
// for the LLM adapter.
//
// Responsibilities:
//   - Implement the adapter's structured-completion call against a local
//     Ollama instance's /api/chat endpoint
//   - Support llama3, mistral, and other locally pulled models
//   - Token counting (character-based approximation; Ollama exposes no
//     tokenizer endpoint)
//
// Configuration:
//   - OLLAMA_BASE_URL: Optional. Instance URL (defaults to http://localhost:11434)
//   - OLLAMA_MODEL: Optional. Model name (defaults to llama3)
//
// Local models carry no per-token cost; EstimatedCost is always zero.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/retentionlabs/causalreason/internal/llm/types"
)

// Ollama API constants
const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3"
	DefaultTimeout = 300 * time.Second // local models can be slow on first load
)

// OllamaClientImpl implements the Ollama provider (exported for adapter)
type OllamaClientImpl struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// NewOllamaClient creates a new Ollama client
func NewOllamaClient(baseURL string, model string) (*OllamaClientImpl, error) {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_BASE_URL")
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}
	}
	if model == "" {
		model = os.Getenv("OLLAMA_MODEL")
		if model == "" {
			model = DefaultModel
		}
	}

	return &OllamaClientImpl{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

// Complete implements non-streaming completion using types.Message
func (c *OllamaClientImpl) Complete(ctx context.Context, messages []types.Message) (string, types.TokenUsage, error) {
	req := ollamaRequest{
		Model:    c.model,
		Messages: convertMessages(messages),
		Stream:   false,
		Options:  map[string]any{"temperature": 0.1},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("ollama request failed (is the instance running?): %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", types.TokenUsage{}, fmt.Errorf("ollama API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp ollamaResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to parse response: %w", err)
	}

	usage := types.TokenUsage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	}
	return resp.Message.Content, usage, nil
}

// CountTokens estimates tokens with the ~4 characters/token approximation.
func (c *OllamaClientImpl) CountTokens(_ context.Context, messages []types.Message) (int, error) {
	chars := 0
	for _, m := range messages {
		chars += len(m.Role) + len(m.Content)
	}
	return chars / 4, nil
}

func convertMessages(messages []types.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// SetBaseURL overrides the instance URL, used by tests.
func (c *OllamaClientImpl) SetBaseURL(url string) { c.baseURL = url }
