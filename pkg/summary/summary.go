// Package summary generates the post-call briefing through an external
// model provider.
package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxSummaryChars caps the stored transcript summary.
const maxSummaryChars = 500

// Request carries everything the summarizer needs about a finished call.
type Request struct {
	TranscriptUser      string
	TranscriptAssistant string
	DurationMinutes     int
	CoachID             string
	Mode                string
}

// Briefing is the generated post-call record.
type Briefing struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	Degraded  bool      `json:"degraded,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Summarizer produces a briefing from a call transcript.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Briefing, error)
}

// buildPrompt renders the summarization prompt shared by all backends.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize this %d-minute voice coaching conversation in under 400 characters.\n", req.DurationMinutes)
	fmt.Fprintf(&b, "Coach: %s, mode: %s.\n\n", req.CoachID, req.Mode)
	if req.TranscriptUser != "" {
		fmt.Fprintf(&b, "User said:\n%s\n\n", req.TranscriptUser)
	}
	if req.TranscriptAssistant != "" {
		fmt.Fprintf(&b, "Coach said:\n%s\n", req.TranscriptAssistant)
	}
	return b.String()
}

// newBriefing wraps generated text into a briefing, enforcing the length
// cap.
func newBriefing(text string) *Briefing {
	return &Briefing{
		ID:        uuid.NewString(),
		Summary:   truncate(strings.TrimSpace(text), maxSummaryChars),
		CreatedAt: time.Now(),
	}
}

// Minimal builds the degraded briefing stored when the summarizer fails: the
// call duration plus a raw transcript excerpt. The session must never be
// lost because a collaborator was down.
func Minimal(req Request) *Briefing {
	excerpt := strings.TrimSpace(req.TranscriptUser)
	if excerpt == "" {
		excerpt = strings.TrimSpace(req.TranscriptAssistant)
	}
	text := fmt.Sprintf("%d-minute session (summary unavailable). %s", req.DurationMinutes, excerpt)
	return &Briefing{
		ID:        uuid.NewString(),
		Summary:   truncate(strings.TrimSpace(text), maxSummaryChars),
		Degraded:  true,
		CreatedAt: time.Now(),
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
