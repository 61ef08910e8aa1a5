package call

import (
	"fmt"
	"sync"
	"time"
)

// Phase is one step of the connection sequence.
type Phase string

const (
	PhasePreparing         Phase = "preparing"
	PhaseRequestingCapture Phase = "requesting_capture_permission"
	PhaseRequestingToken   Phase = "requesting_token"
	PhaseEstablishing      Phase = "establishing_transport"
	PhaseConnected         Phase = "connected"
)

// phaseOrder maps each phase to its position in the sequence.
var phaseOrder = map[Phase]int{
	PhasePreparing:         0,
	PhaseRequestingCapture: 1,
	PhaseRequestingToken:   2,
	PhaseEstablishing:      3,
	PhaseConnected:         4,
}

// PhaseTransition records when a phase was entered.
type PhaseTransition struct {
	Phase Phase
	At    time.Time
}

// PhaseTracker walks the connection phases in strict order. Transitions
// never skip and never go backward; an error during phases 2-4 aborts the
// whole sequence instead of advancing the tracker.
type PhaseTracker struct {
	mu       sync.Mutex
	current  Phase
	started  time.Time
	history  []PhaseTransition
	onChange func(Phase, time.Duration)
}

// NewPhaseTracker creates a tracker positioned at the preparing phase.
// onChange fires for every transition, including the initial one.
func NewPhaseTracker(onChange func(Phase, time.Duration)) *PhaseTracker {
	now := time.Now()
	t := &PhaseTracker{
		current:  PhasePreparing,
		started:  now,
		history:  []PhaseTransition{{Phase: PhasePreparing, At: now}},
		onChange: onChange,
	}
	if onChange != nil {
		onChange(PhasePreparing, 0)
	}
	return t
}

// Advance moves to the next phase. Only the immediate successor is legal.
func (t *PhaseTracker) Advance(next Phase) error {
	t.mu.Lock()

	nextIdx, ok := phaseOrder[next]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown phase %q", next)
	}
	currentIdx := phaseOrder[t.current]
	if nextIdx != currentIdx+1 {
		current := t.current
		t.mu.Unlock()
		return fmt.Errorf("illegal phase transition %s -> %s", current, next)
	}

	t.current = next
	t.history = append(t.history, PhaseTransition{Phase: next, At: time.Now()})
	elapsed := time.Since(t.started)
	callback := t.onChange
	t.mu.Unlock()

	if callback != nil {
		callback(next, elapsed)
	}
	return nil
}

// Current returns the current phase.
func (t *PhaseTracker) Current() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Elapsed returns the time since the phase sequence began, for the UI's
// "waited N seconds" display.
func (t *PhaseTracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.started)
}

// History returns a copy of all transitions with their timestamps.
func (t *PhaseTracker) History() []PhaseTransition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PhaseTransition, len(t.history))
	copy(out, t.history)
	return out
}
