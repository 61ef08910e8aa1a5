package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// DirectTransport is the peer connection straight to the realtime coaching
// provider. It authenticates with a short-lived token fetched per session.
type DirectTransport struct {
	url    string
	tokens *TokenSource
	conn   *wsConn
}

// NewDirectTransport creates the direct peer transport.
func NewDirectTransport(url string, tokens *TokenSource) *DirectTransport {
	return &DirectTransport{url: url, tokens: tokens}
}

// Kind implements Transport.
func (t *DirectTransport) Kind() Kind { return KindDirect }

// Prewarm fetches the session token ahead of Establish so the token step is
// visible as its own connection phase.
func (t *DirectTransport) Prewarm(ctx context.Context) error {
	_, err := t.tokens.Token(ctx)
	return err
}

// Establish implements Transport. A token rejection invalidates the cached
// token and retries the handshake once with a fresh one.
func (t *DirectTransport) Establish(ctx context.Context, cfg EstablishConfig) error {
	err := t.establishOnce(ctx, cfg)
	if err == nil {
		return nil
	}
	var typed *core.Error
	if errors.As(err, &typed) && typed.Code == core.CodeAuthRequired {
		t.tokens.Invalidate()
		return t.establishOnce(ctx, cfg)
	}
	return err
}

func (t *DirectTransport) establishOnce(ctx context.Context, cfg EstablishConfig) error {
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return err
	}

	hello := map[string]any{
		"type":         "session.start",
		"session_id":   cfg.SessionID,
		"token":        token,
		"coach_id":     cfg.CoachID,
		"mode":         string(cfg.Mode),
		"instructions": cfg.Instructions,
	}

	conn := newWSConn(KindDirect, decodeDirectFrame)
	if err := conn.dial(ctx, t.url, http.Header{}, hello, "transport.established"); err != nil {
		return err
	}
	t.conn = conn
	return nil
}

// Teardown implements Transport.
func (t *DirectTransport) Teardown() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.teardown()
}

// StartCapture implements Transport.
func (t *DirectTransport) StartCapture() error {
	return t.send(map[string]any{"type": "capture.start"})
}

// StopCapture implements Transport.
func (t *DirectTransport) StopCapture() error {
	return t.send(map[string]any{"type": "capture.stop"})
}

// SendControl implements Transport.
func (t *DirectTransport) SendControl(text string) error {
	return t.send(map[string]any{"type": "control.message", "text": text})
}

// Probe implements Transport.
func (t *DirectTransport) Probe(ctx context.Context) (time.Duration, error) {
	if t.conn == nil {
		return 0, core.NewInvalidRequestError("transport not established")
	}
	return t.conn.probe(ctx)
}

// Events implements Transport.
func (t *DirectTransport) Events() <-chan Event {
	if t.conn == nil {
		return nil
	}
	return t.conn.events
}

func (t *DirectTransport) send(v any) error {
	if t.conn == nil {
		return core.NewInvalidRequestError("transport not established")
	}
	return t.conn.sendJSON(v)
}

// decodeDirectFrame decodes the direct provider's wire format.
func decodeDirectFrame(payload []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}

	switch envelope.Type {
	case "session.started":
		var frame struct {
			RemoteID string `json:"remote_id"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode session.started: %w", err)
		}
		return &EstablishedEvent{Kind: KindDirect, RemoteID: frame.RemoteID}, nil
	case "transcript.delta":
		var frame struct {
			Role    string `json:"role"`
			Text    string `json:"text"`
			IsFinal bool   `json:"is_final"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode transcript.delta: %w", err)
		}
		return &TranscriptDeltaEvent{Role: frame.Role, Text: frame.Text, IsFinal: frame.IsFinal}, nil
	case "speech.started":
		return &SpeechStartedEvent{}, nil
	case "speech.stopped":
		return &SpeechStoppedEvent{}, nil
	case "audio.done":
		return &AssistantAudioEvent{Done: true}, nil
	case "tool.call":
		var frame struct {
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode tool.call: %w", err)
		}
		return &ToolCallEvent{Name: frame.Name, Input: frame.Input}, nil
	case "usage":
		var frame struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
		return &UsageEvent{InputTokens: frame.InputTokens, OutputTokens: frame.OutputTokens}, nil
	case "error":
		var frame struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		return &ErrorEvent{Code: frame.Code, Message: frame.Message}, nil
	default:
		// Unknown frames are skipped so provider additions stay compatible.
		return nil, nil
	}
}
