package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentsim/model"
)

func TestModel_GenerateAgainstCompatibleServer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "llama3.2:latest",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"utterance\":\"hi\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
		}`))
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.Model = "llama3.2:latest"
		o.BaseURL = srv.URL
		o.APIKey = "ollama"
	})

	resp, err := model.Collect(context.Background(), m, model.Request{
		Instructions: "You are Alice.",
		Messages:     []model.Message{{Role: "user", Text: "Say hi"}},
		JSONOutput:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"utterance":"hi"}`, resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, resp.Usage.TotalTokens)

	assert.Equal(t, "llama3.2:latest", body["model"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])

	assert.Equal(t, model.Info{Name: "llama3.2:latest", Provider: "openai"}, m.Info())
}

func TestModel_GenerateReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.BaseURL = srv.URL
		o.APIKey = "test"
	})

	_, err := model.Collect(context.Background(), m, model.Request{Messages: []model.Message{{Role: "user", Text: "x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai api error")
}
