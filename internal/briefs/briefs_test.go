package briefs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUserPrompt(t *testing.T) {
	p := buildUserPrompt(Request{Message: "  a desk lamp for students ", ImageURL: "https://cdn.example.com/lamp.png"})
	assert.Contains(t, p, "a desk lamp for students\n")
	assert.Contains(t, p, "https://cdn.example.com/lamp.png")

	assert.NotContains(t, buildUserPrompt(Request{Message: "lamp"}), "photo")
}

func TestCleanBrief(t *testing.T) {
	got, err := cleanBrief("```\nHook: the lamp turns on\n```")
	require.NoError(t, err)
	assert.Equal(t, "Hook: the lamp turns on", got)

	_, err = cleanBrief("   ")
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	got, err := Static{}.WriteBrief(context.Background(), Request{Message: "lamp"})
	require.NoError(t, err)
	assert.Contains(t, got, "lamp")

	_, err = Static{}.WriteBrief(context.Background(), Request{})
	assert.Error(t, err)
}

func TestOpenAIWriter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
		assert.Contains(t, req.Messages[1].Content, "desk lamp")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "Hook: light switches on"},
			}},
		})
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	w := newOpenAIWriterWithConfig(cfg, "test-model")

	got, err := w.WriteBrief(context.Background(), Request{Message: "desk lamp"})
	require.NoError(t, err)
	assert.Equal(t, "Hook: light switches on", got)
}
