package call

import (
	"encoding/json"
	"time"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/summary"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/topup"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/transport"
)

// Event is the interface for all session events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StateChangedEvent is emitted when the top-level connection state changes.
type StateChangedEvent struct {
	From ConnectionState `json:"from"`
	To   ConnectionState `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// PhaseChangedEvent is emitted on every connection phase transition.
type PhaseChangedEvent struct {
	Phase   Phase         `json:"phase"`
	Elapsed time.Duration `json:"elapsed"`
}

func (e *PhaseChangedEvent) EventType() string { return "phase.changed" }

// ConnectedEvent is emitted once the transport is established.
type ConnectedEvent struct {
	SessionID string         `json:"session_id"`
	Transport transport.Kind `json:"transport"`
	Resumed   bool           `json:"resumed,omitempty"`
	Balance   int            `json:"balance"`
}

func (e *ConnectedEvent) EventType() string { return "session.connected" }

// TranscriptDeltaEvent re-emits transport transcript updates.
type TranscriptDeltaEvent struct {
	Role    string `json:"role"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final,omitempty"`
}

func (e *TranscriptDeltaEvent) EventType() string { return "transcript.delta" }

// ToolInvokedEvent is emitted for tool calls the orchestrator does not map
// to a dedicated event. The payload passes through uninterpreted.
type ToolInvokedEvent struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (e *ToolInvokedEvent) EventType() string { return "tool.invoked" }

// NavigationEvent carries a navigation request from the coach.
type NavigationEvent struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e *NavigationEvent) EventType() string { return "navigation.requested" }

// RecommendationEvent carries search result, course, or camp recommendation
// payloads for the UI.
type RecommendationEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e *RecommendationEvent) EventType() string { return "recommendation" }

// MinuteBilledEvent is emitted after each successful per-minute debit.
type MinuteBilledEvent struct {
	Minute  int `json:"minute"`
	Balance int `json:"balance"`
}

func (e *MinuteBilledEvent) EventType() string { return "billing.minute" }

// LowBalanceEvent is emitted once when the remaining balance can no longer
// cover another minute.
type LowBalanceEvent struct {
	Balance int `json:"balance"`
}

func (e *LowBalanceEvent) EventType() string { return "billing.low_balance" }

// BillingSuspendedEvent is emitted when a mid-call debit fails. The call is
// suspended, not ended; Offer is nil when no top-up affordance is
// configured.
type BillingSuspendedEvent struct {
	Reason string       `json:"reason"`
	Offer  *topup.Offer `json:"offer,omitempty"`
}

func (e *BillingSuspendedEvent) EventType() string { return "billing.suspended" }

// BillingResumedEvent is emitted when a suspended call resumes after a
// successful top-up.
type BillingResumedEvent struct{}

func (e *BillingResumedEvent) EventType() string { return "billing.resumed" }

// RefundIssuedEvent is emitted after a refund settles.
type RefundIssuedEvent struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

func (e *RefundIssuedEvent) EventType() string { return "billing.refund" }

// ReminderSentEvent is emitted when the inactivity watchdog sends its soft
// reminder.
type ReminderSentEvent struct{}

func (e *ReminderSentEvent) EventType() string { return "watchdog.reminder" }

// QualityChangedEvent is emitted when the network quality tier changes.
type QualityChangedEvent struct {
	Tier Tier `json:"tier"`
}

func (e *QualityChangedEvent) EventType() string { return "quality.changed" }

// FallbackSuggestedEvent is emitted after sustained poor quality. It is a
// suggestion only; the orchestrator never switches transports mid-call on
// its own.
type FallbackSuggestedEvent struct {
	Current transport.Kind `json:"current"`
}

func (e *FallbackSuggestedEvent) EventType() string { return "quality.fallback_suggested" }

// ResumeAvailableEvent is the passive notice shown when the transport
// dropped while the page was hidden.
type ResumeAvailableEvent struct {
	SessionID string `json:"session_id"`
}

func (e *ResumeAvailableEvent) EventType() string { return "session.resume_available" }

// SessionEndedEvent is emitted exactly once when the session ends.
type SessionEndedEvent struct {
	Trigger        string `json:"trigger"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	BilledMinutes  int    `json:"billed_minutes"`
}

func (e *SessionEndedEvent) EventType() string { return "session.ended" }

// BriefingSavedEvent is emitted when finalization stored a briefing,
// degraded or not.
type BriefingSavedEvent struct {
	Briefing *summary.Briefing `json:"briefing"`
}

func (e *BriefingSavedEvent) EventType() string { return "session.briefing_saved" }

// ErrorEvent surfaces a categorized error to the UI.
type ErrorEvent struct {
	Err *core.Error `json:"error"`
}

func (e *ErrorEvent) EventType() string { return "error" }

// DebugEvent is emitted for debugging information.
type DebugEvent struct {
	Category string `json:"category"` // LOCK, AUTH, BILLING, TRANSPORT, WATCHDOG, QUALITY, SESSION
	Message  string `json:"message"`
}

func (e *DebugEvent) EventType() string { return "debug" }
