package briefs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-5-mini"

type OpenAIWriter struct {
	client *openai.Client
	model  string
}

func NewOpenAIWriter(apiKey string) *OpenAIWriter {
	return &OpenAIWriter{
		client: openai.NewClient(apiKey),
		model:  defaultOpenAIModel,
	}
}

// newOpenAIWriterWithConfig lets tests point the client at a local server.
func newOpenAIWriterWithConfig(cfg openai.ClientConfig, model string) *OpenAIWriter {
	return &OpenAIWriter{client: openai.NewClientWithConfig(cfg), model: model}
}

func (w *OpenAIWriter) WriteBrief(ctx context.Context, req Request) (string, error) {
	resp, err := w.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: w.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(req),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}

	brief, err := cleanBrief(resp.Choices[0].Message.Content)
	if err != nil {
		log.Warn().Str("finish_reason", string(resp.Choices[0].FinishReason)).Msg("OpenAI returned an empty brief")
		return "", err
	}
	return brief, nil
}
