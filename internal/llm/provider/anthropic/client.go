// Package anthropic provides the Anthropic Claude API provider implementation.
//
// Responsibilities:
//   - Implement the LLM adapter's structured-completion call against the
//     Anthropic messages API
//   - Support Claude 3.5 Sonnet, Claude 3 Opus models
//   - Token counting (character-based approximation)
//   - Cost tracking per request
//   - Error handling and rate limit detection
//   - System message extraction (Anthropic uses a top-level system field)
//
// Supported Models:
//   - claude-3-5-sonnet-20241022: Latest, fastest, best cost/performance, recommended
//   - claude-3-opus-20240229: Most capable, larger context, higher cost
//   - claude-3-sonnet-20240229: Previous version of Sonnet
//   - claude-3-haiku-20240307: Smallest, fastest, lowest cost
//
// Configuration:
//   - ANTHROPIC_API_KEY: Required. API key from console.anthropic.com
//   - ANTHROPIC_MODEL: Optional. Model ID (defaults to claude-3-5-sonnet-20241022)
//   - ANTHROPIC_MAX_TOKENS: Optional. Maximum tokens in response (default 4096)
//   - ANTHROPIC_BASE_URL: Optional. Base URL override (for proxies)
//
// The reasoning pipeline asks for one JSON object per call and validates it
// itself; tool use, vision, and streaming are deliberately not part of this
// client's surface.
package anthropic

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

// Anthropic API constants
const (
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultModel      = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens  = 4096
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 120 * time.Second
)

// Model costs per 1K tokens (as of Feb 2026)
var modelCosts = map[string]struct {
	InputCost  float64
	OutputCost float64
}{
	"claude-3-5-sonnet-20241022": {0.003, 0.015},
	"claude-3-opus-20240229":     {0.015, 0.075},
	"claude-3-sonnet-20240229":   {0.003, 0.015},
	"claude-3-haiku-20240307":    {0.00025, 0.00125},
}

// AnthropicClientImpl implements the Anthropic provider (exported for adapter)
type AnthropicClientImpl struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

// anthMessage represents an Anthropic API message
type anthMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// anthRequest represents an Anthropic API request
type anthRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []anthMessage `json:"messages"`
	System    string        `json:"system,omitempty"`
}

// anthResponse represents an Anthropic API response
type anthResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthUsage      `json:"usage"`
}

// anthUsage tracks token usage
type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewAnthropicClient creates a new Anthropic client
func NewAnthropicClient(apiKey string, model string) (*AnthropicClientImpl, error) {
	if apiKey == "" {
		// Try environment variable
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
		}
	}

	if model == "" {
		model = os.Getenv("ANTHROPIC_MODEL")
		if model == "" {
			model = DefaultModel
		}
	}

	maxTokens := DefaultMaxTokens
	if maxTokensStr := os.Getenv("ANTHROPIC_MAX_TOKENS"); maxTokensStr != "" {
		if mt, err := strconv.Atoi(maxTokensStr); err == nil {
			maxTokens = mt
		}
	}

	baseURL := os.Getenv("ANTHROPIC_BASE_URL")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &AnthropicClientImpl{
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
func (c *AnthropicClientImpl) Complete(ctx context.Context, messages []types.Message) (string, types.TokenUsage, error) {
	// Extract system message if present
	system, filteredMessages := extractSystem(messages)

	req := anthRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(filteredMessages),
		System:    system,
	}

	resp, err := c.makeRequest(ctx, req)
	if err != nil {
		return "", types.TokenUsage{}, err
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return text, c.usageFrom(resp.Usage), nil
}

// CountTokens estimates tokens with the ~4 characters/token approximation
// Anthropic documents for Claude models.
func (c *AnthropicClientImpl) CountTokens(_ context.Context, messages []types.Message) (int, error) {
	chars := 0
	for _, m := range messages {
		chars += len(m.Role) + len(m.Content)
	}
	return chars / 4, nil
}

func (c *AnthropicClientImpl) usageFrom(u anthUsage) types.TokenUsage {
	usage := types.TokenUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
	if cost, ok := modelCosts[c.model]; ok {
		usage.EstimatedCost = float64(u.InputTokens)/1000*cost.InputCost + float64(u.OutputTokens)/1000*cost.OutputCost
	}
	return usage
}

// extractSystem pulls the system message out of the conversation; Anthropic
// takes it as a top-level request field rather than a message role.
func extractSystem(messages []types.Message) (string, []types.Message) {
	var system string
	filtered := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		filtered = append(filtered, m)
	}
	return system, filtered
}

func convertMessages(messages []types.Message) []anthMessage {
	out := make([]anthMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, anthMessage{
			Role:    m.Role,
			Content: []contentBlock{{Type: "text", Text: m.Content}},
		})
	}
	return out
}

func (c *AnthropicClientImpl) makeRequest(ctx context.Context, req anthRequest) (*anthResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("anthropic rate limit exceeded: %s", string(respBody))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp anthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// SetBaseURL overrides the API endpoint, used by tests and proxies.
func (c *AnthropicClientImpl) SetBaseURL(url string) { c.baseURL = url }
