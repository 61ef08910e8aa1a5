package call

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestVisibilityExpiresAfterTimeout(t *testing.T) {
	var expired atomic.Int32
	w := NewVisibilityWatchdog(30*time.Millisecond, func() { expired.Add(1) }, nil)

	w.Hidden()
	time.Sleep(80 * time.Millisecond)

	if got := expired.Load(); got != 1 {
		t.Fatalf("expired %d times, want 1", got)
	}
	if w.IsHidden() {
		t.Fatal("watchdog still hidden after expiry")
	}
}

func TestVisibilityVisibleCancelsTimer(t *testing.T) {
	var expired atomic.Int32
	w := NewVisibilityWatchdog(30*time.Millisecond, func() { expired.Add(1) }, nil)

	w.Hidden()
	if !w.Visible() {
		t.Fatal("Visible() should report the page had been hidden")
	}
	time.Sleep(60 * time.Millisecond)

	if got := expired.Load(); got != 0 {
		t.Fatalf("timer fired after cancel: %d", got)
	}
}

func TestVisibilityRepeatedHiddenDoesNotRestart(t *testing.T) {
	var expired atomic.Int32
	w := NewVisibilityWatchdog(50*time.Millisecond, func() { expired.Add(1) }, nil)

	w.Hidden()
	time.Sleep(30 * time.Millisecond)
	// A second hidden report must not push the deadline out.
	w.Hidden()
	time.Sleep(40 * time.Millisecond)

	if got := expired.Load(); got != 1 {
		t.Fatalf("expired %d times, want 1", got)
	}
}

func TestVisibilityVisibleWithoutHidden(t *testing.T) {
	w := NewVisibilityWatchdog(time.Minute, func() {}, nil)
	if w.Visible() {
		t.Fatal("Visible() on a never-hidden watchdog should return false")
	}
}

func TestVisibilityCancelStopsEverything(t *testing.T) {
	var expired atomic.Int32
	w := NewVisibilityWatchdog(20*time.Millisecond, func() { expired.Add(1) }, nil)

	w.Hidden()
	w.Cancel()
	time.Sleep(50 * time.Millisecond)

	if got := expired.Load(); got != 0 {
		t.Fatalf("timer fired after Cancel: %d", got)
	}
	if w.IsHidden() {
		t.Fatal("still hidden after Cancel")
	}
}
