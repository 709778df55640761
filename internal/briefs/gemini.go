package briefs

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

type GeminiWriter struct {
	apiKey string
	model  string
}

func NewGeminiWriter(apiKey string) *GeminiWriter {
	return &GeminiWriter{apiKey: apiKey, model: defaultGeminiModel}
}

func (w *GeminiWriter) WriteBrief(ctx context.Context, req Request) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  w.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create genai client: %w", err)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}

	resp, err := client.Models.GenerateContent(ctx, w.model, genai.Text(buildUserPrompt(req)), config)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	return cleanBrief(resp.Text())
}
