package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func completionServer(t *testing.T, status int, content string, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGenerator(t *testing.T, url string) *OpenAIGenerator {
	return NewOpenAIGenerator(Config{
		APIKey:       "test",
		BaseURL:      url + "/v1",
		Model:        "test-model",
		MaxTokens:    100,
		AnswerLength: 50,
		Timeout:      5 * time.Second,
	}, zaptest.NewLogger(t))
}

func TestComplete_ReturnsTrimmedAnswer(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv := completionServer(t, http.StatusOK, "  こんにちは \n", &req)

	answer, ok := newTestGenerator(t, srv.URL).Complete(context.Background(), "Friendly", "元気？")
	require.True(t, ok)
	assert.Equal(t, "こんにちは", answer)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "Friendly")
	assert.Contains(t, req.Messages[0].Content, "50文字程度")
	assert.Equal(t, "元気？", req.Messages[1].Content)
	assert.Equal(t, "test-model", req.Model)
}

func TestComplete_EmptyAnswerIsNone(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "   ", nil)
	answer, ok := newTestGenerator(t, srv.URL).Complete(context.Background(), "p", "text")
	assert.False(t, ok)
	assert.Empty(t, answer)
}

func TestComplete_BackendErrorIsNone(t *testing.T) {
	srv := completionServer(t, http.StatusInternalServerError, "", nil)
	answer, ok := newTestGenerator(t, srv.URL).Complete(context.Background(), "p", "text")
	assert.False(t, ok)
	assert.Empty(t, answer)
}

func TestComplete_TimeoutIsNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	g := newTestGenerator(t, srv.URL)
	g.cfg.Timeout = 50 * time.Millisecond
	_, ok := g.Complete(context.Background(), "p", "text")
	assert.False(t, ok)
}
