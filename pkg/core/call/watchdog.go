package call

import (
	"sync"
	"time"
)

// InactivityConfig sets the watchdog thresholds.
type InactivityConfig struct {
	// Warn is how long the user may stay silent before the soft reminder.
	Warn time.Duration
	// Final is how long after the warning the call survives without
	// renewed user activity.
	Final time.Duration
	// AssistantGrace suppresses the warning while the assistant spoke
	// recently; a monologuing coach is not an idle call.
	AssistantGrace time.Duration
	// Poll is the check interval.
	Poll time.Duration
}

// InactivityWatchdog tracks user and assistant activity clocks on a fixed
// polling interval, escalating from one soft reminder to a forced end.
type InactivityWatchdog struct {
	config InactivityConfig

	mu            sync.Mutex
	running       bool
	lastUser      time.Time
	lastAssistant time.Time
	warned        bool
	warnedAt      time.Time
	stop          chan struct{}

	// Callbacks
	onWarn   func()
	onExpire func()
	onDebug  func(category, message string)
}

// NewInactivityWatchdog creates a stopped watchdog.
func NewInactivityWatchdog(config InactivityConfig) *InactivityWatchdog {
	return &InactivityWatchdog{config: config}
}

// SetCallbacks sets the event callbacks. onWarn sends the soft reminder;
// onExpire forces the end of the call.
func (w *InactivityWatchdog) SetCallbacks(onWarn, onExpire func(), onDebug func(category, message string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onWarn = onWarn
	w.onExpire = onExpire
	w.onDebug = onDebug
}

// Start begins polling. Both activity clocks start at now.
func (w *InactivityWatchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	now := time.Now()
	w.running = true
	w.lastUser = now
	w.lastAssistant = now
	w.warned = false
	w.stop = make(chan struct{})

	go w.loop(w.stop)
}

// Stop cancels polling without firing any callbacks.
func (w *InactivityWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stop)
}

func (w *InactivityWatchdog) loop(stop chan struct{}) {
	ticker := time.NewTicker(w.config.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			w.check(now)
		}
	}
}

func (w *InactivityWatchdog) check(now time.Time) {
	w.mu.Lock()

	if !w.running {
		w.mu.Unlock()
		return
	}

	var warn, expire func()
	if !w.warned {
		userSilent := now.Sub(w.lastUser) >= w.config.Warn
		assistantSilent := now.Sub(w.lastAssistant) >= w.config.AssistantGrace
		if userSilent && assistantSilent {
			w.warned = true
			w.warnedAt = now
			warn = w.onWarn
		}
	} else if now.Sub(w.warnedAt) >= w.config.Final {
		expire = w.onExpire
	}
	w.mu.Unlock()

	if warn != nil {
		w.debug("WATCHDOG", "user silent past warning threshold, sending reminder")
		warn()
	}
	if expire != nil {
		w.debug("WATCHDOG", "no activity after warning, forcing end")
		expire()
	}
}

// UserActive records user activity at now.
func (w *InactivityWatchdog) UserActive() {
	w.userActiveAt(time.Now())
}

// userActiveAt records user activity at an explicit instant. User activity
// renews both clocks, so a cleared warning starts from a fully rested state.
// Activity at or after the warning timestamp clears the warned flag: the
// boundary is inclusive of reset.
func (w *InactivityWatchdog) userActiveAt(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if at.After(w.lastUser) {
		w.lastUser = at
	}
	if at.After(w.lastAssistant) {
		w.lastAssistant = at
	}
	if w.warned && !at.Before(w.warnedAt) {
		w.warned = false
	}
}

// AssistantActive records assistant output activity.
func (w *InactivityWatchdog) AssistantActive() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastAssistant = time.Now()
}

// Warned reports whether the soft reminder fired and is still pending
// renewed user activity.
func (w *InactivityWatchdog) Warned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.warned
}

func (w *InactivityWatchdog) debug(category, message string) {
	w.mu.Lock()
	callback := w.onDebug
	w.mu.Unlock()
	if callback != nil {
		callback(category, message)
	}
}
