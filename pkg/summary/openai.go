package summary

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// OpenAISummarizer generates briefings with the OpenAI chat API.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

// NewOpenAISummarizer creates an OpenAI-backed summarizer.
func NewOpenAISummarizer(apiKey string) *OpenAISummarizer {
	return &OpenAISummarizer{
		client: openai.NewClient(apiKey),
		model:  openai.GPT4oMini,
	}
}

// Summarize implements Summarizer.
func (o *OpenAISummarizer) Summarize(ctx context.Context, req Request) (*Briefing, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You write short factual briefings of coaching calls.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(req),
			},
		},
	})
	if err != nil {
		return nil, core.NewFinalizationError("openai summarization failed", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, core.NewFinalizationError("openai returned an empty summary", nil)
	}
	return newBriefing(resp.Choices[0].Message.Content), nil
}
