package call

import (
	"sync"
	"time"
)

// VisibilityWatchdog ends a connected call that stays backgrounded too
// long. The embedding application reports page visibility changes; the
// watchdog owns the long-duration timer.
type VisibilityWatchdog struct {
	timeout time.Duration

	mu     sync.Mutex
	hidden bool
	timer  *time.Timer

	onExpire func()
	onDebug  func(category, message string)
}

// NewVisibilityWatchdog creates the watchdog. onExpire fires when the page
// stayed hidden past the timeout.
func NewVisibilityWatchdog(timeout time.Duration, onExpire func(), onDebug func(category, message string)) *VisibilityWatchdog {
	return &VisibilityWatchdog{timeout: timeout, onExpire: onExpire, onDebug: onDebug}
}

// Hidden starts the timer. Repeated hidden reports do not restart it.
func (w *VisibilityWatchdog) Hidden() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.hidden {
		return
	}
	w.hidden = true
	w.timer = time.AfterFunc(w.timeout, w.expire)
	w.debugLocked("WATCHDOG", "page hidden, background timer armed")
}

// Visible cancels the timer. Returns true when the page had been hidden.
func (w *VisibilityWatchdog) Visible() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.hidden {
		return false
	}
	w.hidden = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.debugLocked("WATCHDOG", "page visible, background timer cancelled")
	return true
}

// IsHidden reports whether the page is currently hidden.
func (w *VisibilityWatchdog) IsHidden() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hidden
}

// Cancel stops the timer without firing, for teardown.
func (w *VisibilityWatchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.hidden = false
}

func (w *VisibilityWatchdog) expire() {
	w.mu.Lock()
	if !w.hidden {
		w.mu.Unlock()
		return
	}
	w.hidden = false
	w.timer = nil
	callback := w.onExpire
	w.mu.Unlock()

	if callback != nil {
		callback()
	}
}

func (w *VisibilityWatchdog) debugLocked(category, message string) {
	if w.onDebug != nil {
		go w.onDebug(category, message)
	}
}
