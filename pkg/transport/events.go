package transport

import "encoding/json"

// Event is the interface for all transport events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// EstablishedEvent is emitted once the transport handshake completes.
type EstablishedEvent struct {
	Kind     Kind   `json:"kind"`
	RemoteID string `json:"remote_id,omitempty"`
}

func (e *EstablishedEvent) EventType() string { return "transport.established" }

// ClosedEvent is emitted when the transport connection ends for any reason.
type ClosedEvent struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

func (e *ClosedEvent) EventType() string { return "transport.closed" }

// TranscriptDeltaEvent carries incremental transcription from either side of
// the conversation.
type TranscriptDeltaEvent struct {
	Role    string `json:"role"` // "user" or "assistant"
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final,omitempty"`
}

func (e *TranscriptDeltaEvent) EventType() string { return "transcript.delta" }

// SpeechStartedEvent is emitted when the remote detects user speech onset.
type SpeechStartedEvent struct{}

func (e *SpeechStartedEvent) EventType() string { return "speech.started" }

// SpeechStoppedEvent is emitted when the remote detects user speech end.
type SpeechStoppedEvent struct{}

func (e *SpeechStoppedEvent) EventType() string { return "speech.stopped" }

// AssistantAudioEvent marks assistant audio activity. Payload bytes are
// passed through untouched; codec handling lives outside the orchestrator.
type AssistantAudioEvent struct {
	Data []byte `json:"-"`
	Done bool   `json:"done,omitempty"`
}

func (e *AssistantAudioEvent) EventType() string { return "assistant.audio" }

// ToolCallEvent is emitted when the remote coach invokes a tool. The
// orchestrator re-emits these without interpreting the payload.
type ToolCallEvent struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (e *ToolCallEvent) EventType() string { return "tool.call" }

// UsageEvent reports token counters from the remote AI.
type UsageEvent struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (e *UsageEvent) EventType() string { return "usage" }

// ErrorEvent carries a remote-reported error frame.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "error" }
