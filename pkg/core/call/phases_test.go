package call

import (
	"sync"
	"testing"
	"time"
)

func TestPhaseTrackerWalksInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []Phase
	tracker := NewPhaseTracker(func(phase Phase, _ time.Duration) {
		mu.Lock()
		seen = append(seen, phase)
		mu.Unlock()
	})

	sequence := []Phase{PhaseRequestingCapture, PhaseRequestingToken, PhaseEstablishing, PhaseConnected}
	for _, next := range sequence {
		if err := tracker.Advance(next); err != nil {
			t.Fatalf("Advance(%s): %v", next, err)
		}
		if got := tracker.Current(); got != next {
			t.Fatalf("Current() = %s, want %s", got, next)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := append([]Phase{PhasePreparing}, sequence...)
	if len(seen) != len(want) {
		t.Fatalf("got %d transitions, want %d", len(seen), len(want))
	}
	for i, phase := range want {
		if seen[i] != phase {
			t.Errorf("transition %d = %s, want %s", i, seen[i], phase)
		}
	}
}

func TestPhaseTrackerRejectsSkips(t *testing.T) {
	tracker := NewPhaseTracker(nil)

	if err := tracker.Advance(PhaseEstablishing); err == nil {
		t.Fatal("expected error skipping from preparing to establishing")
	}
	if got := tracker.Current(); got != PhasePreparing {
		t.Fatalf("Current() = %s after rejected skip, want preparing", got)
	}
}

func TestPhaseTrackerRejectsBackward(t *testing.T) {
	tracker := NewPhaseTracker(nil)
	if err := tracker.Advance(PhaseRequestingCapture); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Advance(PhaseRequestingToken); err != nil {
		t.Fatal(err)
	}

	if err := tracker.Advance(PhaseRequestingCapture); err == nil {
		t.Fatal("expected error moving backward")
	}
	if err := tracker.Advance(PhasePreparing); err == nil {
		t.Fatal("expected error returning to preparing")
	}
	if got := tracker.Current(); got != PhaseRequestingToken {
		t.Fatalf("Current() = %s, want requesting_token", got)
	}
}

func TestPhaseTrackerRejectsUnknownPhase(t *testing.T) {
	tracker := NewPhaseTracker(nil)
	if err := tracker.Advance(Phase("negotiating")); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestPhaseTrackerHistoryTimestamps(t *testing.T) {
	tracker := NewPhaseTracker(nil)
	if err := tracker.Advance(PhaseRequestingCapture); err != nil {
		t.Fatal(err)
	}

	history := tracker.History()
	if len(history) != 2 {
		t.Fatalf("got %d history entries, want 2", len(history))
	}
	if history[0].Phase != PhasePreparing || history[1].Phase != PhaseRequestingCapture {
		t.Fatalf("unexpected history order: %v", history)
	}
	if history[1].At.Before(history[0].At) {
		t.Fatal("second transition timestamp precedes the first")
	}
	if tracker.Elapsed() < 0 {
		t.Fatal("negative elapsed")
	}
}
