package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAnthropic_Complete(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "{\"ok\": true}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 3}
		}`))
	}))
	defer srv.Close()

	client, err := NewAnthropic(AnthropicConfig{
		Logger:  testLogger(),
		APIKey:  "test-key",
		Model:   "claude-test",
		BaseURL: srv.URL,
	})
	require.NoError(t, err)

	text, err := client.Complete(context.Background(), "system prompt", "user prompt", WithCacheControl(), WithMaxTokens(256), WithTemperature(0.5))
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, text)

	assert.Equal(t, "claude-test", got["model"])
	assert.EqualValues(t, 256, got["max_tokens"])
	assert.InDelta(t, 0.5, got["temperature"], 1e-9)
	system, ok := got["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	block := system[0].(map[string]any)
	assert.Equal(t, "system prompt", block["text"])
	assert.NotNil(t, block["cache_control"])
}

func TestAnthropic_CompleteErrors(t *testing.T) {
	t.Parallel()

	t.Run("api error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"type": "error", "error": {"type": "invalid_request_error", "message": "bad"}}`))
		}))
		defer srv.Close()

		client, err := NewAnthropic(AnthropicConfig{Logger: testLogger(), APIKey: "k", BaseURL: srv.URL})
		require.NoError(t, err)
		_, err = client.Complete(context.Background(), "", "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "anthropic API error")
	})

	t.Run("no text block", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": "msg_1", "type": "message", "role": "assistant", "model": "m", "content": [], "stop_reason": "end_turn", "usage": {"input_tokens": 1, "output_tokens": 0}}`))
		}))
		defer srv.Close()

		client, err := NewAnthropic(AnthropicConfig{Logger: testLogger(), APIKey: "k", BaseURL: srv.URL})
		require.NoError(t, err)
		_, err = client.Complete(context.Background(), "", "hi")
		require.Error(t, err)
	})
}

func TestAnthropicConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := AnthropicConfig{}
	require.Error(t, cfg.Validate())

	cfg = AnthropicConfig{Logger: testLogger()}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.EqualValues(t, DefaultMaxTokens, cfg.MaxTokens)

	cfg = AnthropicConfig{Logger: testLogger(), Temperature: 1.5}
	require.Error(t, cfg.Validate())
}
