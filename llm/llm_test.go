package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/llm"
)

func TestAnthropic_Generate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":" Bob likes tea. "}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer srv.Close()

	gen := llm.NewAnthropic("test-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	out, err := gen.Generate(context.Background(), "summarize", core.GenerateOptions{
		SystemPrompt: "be brief",
		MaxTokens:    50,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bob likes tea.", out)
	assert.Equal(t, "claude-test", body["model"])
	assert.Equal(t, float64(50), body["max_tokens"])
}

func TestAnthropic_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	gen := llm.NewAnthropic("test-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	_, err := gen.Generate(context.Background(), "x", core.GenerateOptions{})
	assert.Error(t, err)
}

func TestOpenAI_Generate(t *testing.T) {
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"llama3",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hello there"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	gen := llm.NewOpenAI("", srv.URL+"/v1", "llama3")
	out, err := gen.Generate(context.Background(), "hi", core.GenerateOptions{SystemPrompt: "sys"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out)
	assert.Equal(t, "llama3", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)
}

func TestOpenAI_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	_, err := llm.NewOpenAI("", srv.URL+"/v1", "llama3").Generate(context.Background(), "hi", core.GenerateOptions{})
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}
