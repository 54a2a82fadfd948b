package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retentionlabs/causalreason/internal/llm/types"
)

func TestCompleteExtractsSystemAndText(t *testing.T) {
	var captured anthRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, DefaultAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		resp := anthResponse{
			Content: []contentBlock{{Type: "text", Text: `{"ok": true}`}},
			Usage:   anthUsage{InputTokens: 100, OutputTokens: 20},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewAnthropicClient("test-key", "claude-3-5-sonnet-20241022")
	require.NoError(t, err)
	client.SetBaseURL(srv.URL)

	text, usage, err := client.Complete(context.Background(), []types.Message{
		{Role: "system", Content: "you classify variables"},
		{Role: "user", Content: "classify these"},
	})
	require.NoError(t, err)

	assert.Equal(t, `{"ok": true}`, text)
	assert.Equal(t, "you classify variables", captured.System, "system message moves to the top-level field")
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)

	assert.Equal(t, 120, usage.TotalTokens)
	assert.InDelta(t, 100.0/1000*0.003+20.0/1000*0.015, usage.EstimatedCost, 1e-9)
}

func TestCompleteSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate_limited"}`))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient("test-key", "")
	require.NoError(t, err)
	client.SetBaseURL(srv.URL)

	_, _, err = client.Complete(context.Background(), []types.Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropicClient("", "")
	require.Error(t, err)
}

func TestCountTokensApproximation(t *testing.T) {
	client, err := NewAnthropicClient("k", "")
	require.NoError(t, err)

	n, err := client.CountTokens(context.Background(), []types.Message{
		{Role: "user", Content: "abcdefghijklmnop"}, // 4 + 16 chars
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
