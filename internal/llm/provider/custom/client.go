// Package custom provides a provider implementation for OpenAI-compatible
// endpoints (vLLM, LocalAI, LM Studio, self-hosted gateways).
//
// Responsibilities:
//   - Implement the adapter's structured-completion call against any
//     endpoint speaking the OpenAI chat-completions wire format
//   - Optional bearer-token authentication
//   - Token counting (character-based approximation)
//
// Configuration:
//   - RETENTION_LLM_BASE_URL: Required. Endpoint base URL
//   - RETENTION_LLM_API_KEY: Optional. Bearer token if the endpoint requires one
//   - RETENTION_LLM_MODEL: Optional. Model name forwarded verbatim
//
// Costs are endpoint-specific and unknown here; EstimatedCost is always zero.
package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/retentionlabs/causalreason/internal/llm/types"
)

const (
	DefaultModel   = "default"
	DefaultTimeout = 300 * time.Second
)

// CustomClientImpl implements the custom-endpoint provider (exported for adapter)
type CustomClientImpl struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

type customMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type customRequest struct {
	Model       string          `json:"model"`
	Messages    []customMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
}

type customResponse struct {
	Choices []struct {
		Message customMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewCustomClient creates a client for an OpenAI-compatible endpoint.
func NewCustomClient(baseURL, apiKey, model string) (*CustomClientImpl, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("custom provider requires a base URL")
	}
	if model == "" {
		model = DefaultModel
	}
	return &CustomClientImpl{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

// Complete implements non-streaming completion using types.Message
func (c *CustomClientImpl) Complete(ctx context.Context, messages []types.Message) (string, types.TokenUsage, error) {
	req := customRequest{
		Model:       c.model,
		Messages:    convertMessages(messages),
		Temperature: 0.1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("custom endpoint request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", types.TokenUsage{}, fmt.Errorf("custom endpoint error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp customResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", types.TokenUsage{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", types.TokenUsage{}, fmt.Errorf("custom endpoint response contained no choices")
	}

	usage := types.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// CountTokens estimates tokens with the ~4 characters/token approximation.
func (c *CustomClientImpl) CountTokens(_ context.Context, messages []types.Message) (int, error) {
	chars := 0
	for _, m := range messages {
		chars += len(m.Role) + len(m.Content)
	}
	return chars / 4, nil
}

func convertMessages(messages []types.Message) []customMessage {
	out := make([]customMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, customMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// SetBaseURL overrides the endpoint, used by tests.
func (c *CustomClientImpl) SetBaseURL(url string) { c.baseURL = strings.TrimRight(url, "/") }
