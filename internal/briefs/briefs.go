// Package briefs turns a user's first message into a production brief the user
// can approve before any credits are spent.
package briefs

import (
	"context"
	"fmt"
	"strings"
)

// Request is what a writer needs to draft a brief.
type Request struct {
	Message  string
	ImageURL string // optional product photo
}

// Writer drafts a brief for a product video.
type Writer interface {
	WriteBrief(ctx context.Context, req Request) (string, error)
}

const systemPrompt = `You write production briefs for short product marketing videos.

Given the customer's request, produce a brief the customer can approve in one read:
- one line naming the product and the audience
- the hook for the first two seconds
- three to five shots, each one line, describing camera motion and what is on screen
- the closing call to action

Plain text only. No markdown headings. Keep it under 150 words.`

func buildUserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Customer request:\n")
	b.WriteString(strings.TrimSpace(req.Message))
	if req.ImageURL != "" {
		b.WriteString("\n\nThe product photo is at: ")
		b.WriteString(req.ImageURL)
	}
	return b.String()
}

func cleanBrief(raw string) (string, error) {
	brief := strings.TrimSpace(raw)
	brief = strings.TrimPrefix(brief, "```")
	brief = strings.TrimSuffix(brief, "```")
	brief = strings.TrimSpace(brief)
	if brief == "" {
		return "", fmt.Errorf("brief writer returned an empty brief")
	}
	return brief, nil
}

// Static returns a fixed brief built from the message. Used when no model
// provider is configured, so local development still moves past draft.
type Static struct{}

func (Static) WriteBrief(_ context.Context, req Request) (string, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return "", fmt.Errorf("message is empty")
	}
	return "Product video brief:\n" + msg, nil
}
