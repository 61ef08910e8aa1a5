package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// AlternateTransport speaks the second realtime provider's protocol, used by
// the deep-talk coaching mode that the primary provider does not serve.
type AlternateTransport struct {
	url    string
	apiKey string
	conn   *wsConn
}

// NewAlternateTransport creates the alternate-provider transport.
func NewAlternateTransport(url, apiKey string) *AlternateTransport {
	return &AlternateTransport{url: url, apiKey: apiKey}
}

// Kind implements Transport.
func (t *AlternateTransport) Kind() Kind { return KindAlternate }

// Establish implements Transport.
func (t *AlternateTransport) Establish(ctx context.Context, cfg EstablishConfig) error {
	header := http.Header{}
	if t.apiKey != "" {
		header.Set("X-Api-Key", t.apiKey)
	}

	hello := map[string]any{
		"event":   "start",
		"session": cfg.SessionID,
		"coach":   cfg.CoachID,
		"mode":    string(cfg.Mode),
		"prompt":  cfg.Instructions,
	}

	conn := newWSConn(KindAlternate, decodeAlternateFrame)
	if err := conn.dial(ctx, t.url, header, hello, "transport.established"); err != nil {
		return err
	}
	t.conn = conn
	return nil
}

// Teardown implements Transport.
func (t *AlternateTransport) Teardown() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.teardown()
}

// StartCapture implements Transport.
func (t *AlternateTransport) StartCapture() error {
	return t.send(map[string]any{"event": "mic", "enabled": true})
}

// StopCapture implements Transport.
func (t *AlternateTransport) StopCapture() error {
	return t.send(map[string]any{"event": "mic", "enabled": false})
}

// SendControl implements Transport.
func (t *AlternateTransport) SendControl(text string) error {
	return t.send(map[string]any{"event": "hint", "text": text})
}

// Probe implements Transport.
func (t *AlternateTransport) Probe(ctx context.Context) (time.Duration, error) {
	if t.conn == nil {
		return 0, core.NewInvalidRequestError("transport not established")
	}
	return t.conn.probe(ctx)
}

// Events implements Transport.
func (t *AlternateTransport) Events() <-chan Event {
	if t.conn == nil {
		return nil
	}
	return t.conn.events
}

func (t *AlternateTransport) send(v any) error {
	if t.conn == nil {
		return core.NewInvalidRequestError("transport not established")
	}
	return t.conn.sendJSON(v)
}

// decodeAlternateFrame decodes the alternate provider's event frames.
func decodeAlternateFrame(payload []byte) (Event, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode alternate envelope: %w", err)
	}

	switch envelope.Event {
	case "ready":
		var frame struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode ready: %w", err)
		}
		return &EstablishedEvent{Kind: KindAlternate, RemoteID: frame.ID}, nil
	case "asr":
		var frame struct {
			Text  string `json:"text"`
			Final bool   `json:"final"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode asr: %w", err)
		}
		return &TranscriptDeltaEvent{Role: "user", Text: frame.Text, IsFinal: frame.Final}, nil
	case "agent_text":
		var frame struct {
			Text  string `json:"text"`
			Final bool   `json:"final"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode agent_text: %w", err)
		}
		return &TranscriptDeltaEvent{Role: "assistant", Text: frame.Text, IsFinal: frame.Final}, nil
	case "vad":
		var frame struct {
			Speaking bool `json:"speaking"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode vad: %w", err)
		}
		if frame.Speaking {
			return &SpeechStartedEvent{}, nil
		}
		return &SpeechStoppedEvent{}, nil
	case "tool":
		var frame struct {
			Name    string          `json:"name"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode tool: %w", err)
		}
		return &ToolCallEvent{Name: frame.Name, Input: frame.Payload}, nil
	case "stats":
		var frame struct {
			InTokens  int `json:"in_tokens"`
			OutTokens int `json:"out_tokens"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
		return &UsageEvent{InputTokens: frame.InTokens, OutputTokens: frame.OutTokens}, nil
	case "err":
		var frame struct {
			Code   string `json:"code"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode err: %w", err)
		}
		return &ErrorEvent{Code: frame.Code, Message: frame.Reason}, nil
	default:
		return nil, nil
	}
}
