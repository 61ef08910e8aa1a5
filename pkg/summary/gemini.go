package summary

import (
	"context"

	"google.golang.org/genai"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

const geminiModel = "gemini-2.0-flash"

// GeminiSummarizer generates briefings with the Gemini API.
type GeminiSummarizer struct {
	client *genai.Client
}

// NewGeminiSummarizer creates a Gemini-backed summarizer.
func NewGeminiSummarizer(ctx context.Context, apiKey string) (*GeminiSummarizer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, core.NewFinalizationError("create gemini client", err)
	}
	return &GeminiSummarizer{client: client}, nil
}

// Summarize implements Summarizer.
func (g *GeminiSummarizer) Summarize(ctx context.Context, req Request) (*Briefing, error) {
	resp, err := g.client.Models.GenerateContent(ctx, geminiModel, genai.Text(buildPrompt(req)), nil)
	if err != nil {
		return nil, core.NewFinalizationError("gemini summarization failed", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, core.NewFinalizationError("gemini returned an empty summary", nil)
	}
	return newBriefing(text), nil
}
