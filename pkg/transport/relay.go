package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// RelayTransport connects through the relay gateway used by embedded
// webviews and other environments that cannot open a direct peer connection.
// The relay speaks an op/data envelope and forwards audio as binary frames.
type RelayTransport struct {
	url    string
	apiKey string
	conn   *wsConn
}

// NewRelayTransport creates the relayed socket transport.
func NewRelayTransport(url, apiKey string) *RelayTransport {
	return &RelayTransport{url: url, apiKey: apiKey}
}

// Kind implements Transport.
func (t *RelayTransport) Kind() Kind { return KindRelayed }

// Establish implements Transport.
func (t *RelayTransport) Establish(ctx context.Context, cfg EstablishConfig) error {
	header := http.Header{}
	if t.apiKey != "" {
		header.Set("Authorization", "Bearer "+t.apiKey)
	}

	hello := map[string]any{
		"op": "join",
		"data": map[string]any{
			"session_id":   cfg.SessionID,
			"coach_id":     cfg.CoachID,
			"mode":         string(cfg.Mode),
			"instructions": cfg.Instructions,
		},
	}

	conn := newWSConn(KindRelayed, decodeRelayFrame)
	if err := conn.dial(ctx, t.url, header, hello, "transport.established"); err != nil {
		return err
	}
	t.conn = conn
	return nil
}

// Teardown implements Transport.
func (t *RelayTransport) Teardown() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.teardown()
}

// StartCapture implements Transport.
func (t *RelayTransport) StartCapture() error {
	return t.send("capture", map[string]any{"on": true})
}

// StopCapture implements Transport.
func (t *RelayTransport) StopCapture() error {
	return t.send("capture", map[string]any{"on": false})
}

// SendControl implements Transport.
func (t *RelayTransport) SendControl(text string) error {
	return t.send("control", map[string]any{"text": text})
}

// Probe implements Transport.
func (t *RelayTransport) Probe(ctx context.Context) (time.Duration, error) {
	if t.conn == nil {
		return 0, core.NewInvalidRequestError("transport not established")
	}
	return t.conn.probe(ctx)
}

// Events implements Transport.
func (t *RelayTransport) Events() <-chan Event {
	if t.conn == nil {
		return nil
	}
	return t.conn.events
}

func (t *RelayTransport) send(op string, data map[string]any) error {
	if t.conn == nil {
		return core.NewInvalidRequestError("transport not established")
	}
	return t.conn.sendJSON(map[string]any{"op": op, "data": data})
}

// decodeRelayFrame decodes the relay gateway's op/data envelope.
func decodeRelayFrame(payload []byte) (Event, error) {
	var envelope struct {
		Op   string          `json:"op"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode relay envelope: %w", err)
	}

	switch envelope.Op {
	case "joined":
		var data struct {
			RelayID string `json:"relay_id"`
		}
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &data); err != nil {
				return nil, fmt.Errorf("decode joined: %w", err)
			}
		}
		return &EstablishedEvent{Kind: KindRelayed, RemoteID: data.RelayID}, nil
	case "transcript":
		var data struct {
			Role  string `json:"role"`
			Text  string `json:"text"`
			Final bool   `json:"final"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
		return &TranscriptDeltaEvent{Role: data.Role, Text: data.Text, IsFinal: data.Final}, nil
	case "speech":
		var data struct {
			Active bool `json:"active"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("decode speech: %w", err)
		}
		if data.Active {
			return &SpeechStartedEvent{}, nil
		}
		return &SpeechStoppedEvent{}, nil
	case "tool":
		var data struct {
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("decode tool: %w", err)
		}
		return &ToolCallEvent{Name: data.Name, Input: data.Input}, nil
	case "usage":
		var data struct {
			In  int `json:"in"`
			Out int `json:"out"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
		return &UsageEvent{InputTokens: data.In, OutputTokens: data.Out}, nil
	case "error":
		var data struct {
			Code string `json:"code"`
			Msg  string `json:"msg"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		return &ErrorEvent{Code: data.Code, Message: data.Msg}, nil
	default:
		return nil, nil
	}
}
