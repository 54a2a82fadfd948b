// Package openai provides the OpenAI provider implementation for the LLM
// adapter.
//
// Responsibilities:
//   - Implement the adapter's structured-completion call against the OpenAI
//     chat completions API
//   - Support GPT-4, GPT-4o, GPT-3.5-turbo models
//   - Token counting (character-based approximation)
//   - Cost tracking per request
//   - Error handling and rate limit detection
//
// Configuration:
//   - OPENAI_API_KEY: Required. API key from OpenAI
//   - OPENAI_MODEL: Optional. Model ID (defaults to gpt-4o)
//   - OPENAI_MAX_TOKENS: Optional. Maximum tokens in response
//   - OPENAI_BASE_URL: Optional. Base URL (for proxies)
//
// The reasoning pipeline never uses function calling, vision, or streaming;
// those surfaces are intentionally absent here.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/retentionlabs/causalreason/internal/llm/types"
)

// OpenAI API constants
const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "gpt-4o"
	DefaultMaxTokens = 4096
	DefaultTimeout   = 120 * time.Second

	// The pipeline wants deterministic structured output; a low temperature
	// is part of the generator's contract.
	defaultTemperature = 0.1
)

// Model costs per 1K tokens (as of knowledge cutoff)
var modelCosts = map[string]struct {
	InputCost  float64
	OutputCost float64
}{
	"gpt-4":         {0.03, 0.06},
	"gpt-4-turbo":   {0.01, 0.03},
	"gpt-4o":        {0.005, 0.015},
	"gpt-3.5-turbo": {0.0005, 0.0015},
}

// OpenAIClientImpl implements the OpenAI provider (exported for adapter)
type OpenAIClientImpl struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float64     `json:"temperature"`
}

type oaResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int       `json:"index"`
		Message oaMessage `json:"message"`
	} `json:"choices"`
	Usage oaUsage `json:"usage"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(apiKey string, model string) (*OpenAIClientImpl, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required")
		}
	}

	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
		if model == "" {
			model = DefaultModel
		}
	}

	maxTokens := DefaultMaxTokens
	if maxTokensStr := os.Getenv("OPENAI_MAX_TOKENS"); maxTokensStr != "" {
		if mt, err := strconv.Atoi(maxTokensStr); err == nil {
			maxTokens = mt
		}
	}

	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &OpenAIClientImpl{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

// Complete implements non-streaming completion using types.Message
func (c *OpenAIClientImpl) Complete(ctx context.Context, messages []types.Message) (string, types.TokenUsage, error) {
	req := oaRequest{
		Model:       c.model,
		Messages:    convertMessages(messages),
		MaxTokens:   c.maxTokens,
		Temperature: defaultTemperature,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("openai request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return "", types.TokenUsage{}, fmt.Errorf("openai rate limit exceeded: %s", string(respBody))
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", types.TokenUsage{}, fmt.Errorf("openai API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp oaResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", types.TokenUsage{}, fmt.Errorf("openai response contained no choices")
	}

	return resp.Choices[0].Message.Content, c.usageFrom(resp.Usage), nil
}

// CountTokens estimates tokens with the ~4 characters/token approximation.
func (c *OpenAIClientImpl) CountTokens(_ context.Context, messages []types.Message) (int, error) {
	chars := 0
	for _, m := range messages {
		chars += len(m.Role) + len(m.Content)
	}
	return chars / 4, nil
}

func (c *OpenAIClientImpl) usageFrom(u oaUsage) types.TokenUsage {
	usage := types.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if cost, ok := modelCosts[c.model]; ok {
		usage.EstimatedCost = float64(u.PromptTokens)/1000*cost.InputCost + float64(u.CompletionTokens)/1000*cost.OutputCost
	}
	return usage
}

func convertMessages(messages []types.Message) []oaMessage {
	out := make([]oaMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, oaMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// SetBaseURL overrides the API endpoint, used by tests and proxies.
func (c *OpenAIClientImpl) SetBaseURL(url string) { c.baseURL = url }
