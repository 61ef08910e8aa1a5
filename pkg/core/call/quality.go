package call

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tier is a network quality classification, ordered best to worst with
// unknown as the no-data tier.
type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierFair      Tier = "fair"
	TierPoor      Tier = "poor"
	TierUnknown   Tier = "unknown"
)

// classifyRTT maps a probe round trip to a tier.
func classifyRTT(rtt time.Duration) Tier {
	switch {
	case rtt <= 150*time.Millisecond:
		return TierExcellent
	case rtt <= 300*time.Millisecond:
		return TierGood
	case rtt <= 600*time.Millisecond:
		return TierFair
	default:
		return TierPoor
	}
}

// QualityMonitor probes the transport's round-trip latency on an interval
// and classifies it into tiers. A sustained run of poor probes produces a
// single fallback suggestion; the monitor never forces anything.
type QualityMonitor struct {
	probe      func(ctx context.Context) (time.Duration, error)
	interval   time.Duration
	poorStreak int

	mu         sync.Mutex
	running    bool
	tier       Tier
	poorCount  int
	suggested  bool
	cancelLoop context.CancelFunc

	onTier    func(Tier, time.Duration)
	onSuggest func()
	onDebug   func(category, message string)
}

// NewQualityMonitor creates a stopped monitor. poorStreak is how many
// consecutive poor probes trigger the fallback suggestion.
func NewQualityMonitor(probe func(ctx context.Context) (time.Duration, error), interval time.Duration, poorStreak int) *QualityMonitor {
	if poorStreak < 1 {
		poorStreak = 1
	}
	return &QualityMonitor{
		probe:      probe,
		interval:   interval,
		poorStreak: poorStreak,
		tier:       TierUnknown,
	}
}

// SetCallbacks sets the event callbacks.
func (m *QualityMonitor) SetCallbacks(onTier func(Tier, time.Duration), onSuggest func(), onDebug func(category, message string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTier = onTier
	m.onSuggest = onSuggest
	m.onDebug = onDebug
}

// Start begins probing until Stop or context cancellation.
func (m *QualityMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancelLoop = cancel
	m.mu.Unlock()

	go m.loop(loopCtx)
}

// Stop cancels probing.
func (m *QualityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.cancelLoop()
}

// Tier returns the latest classification.
func (m *QualityMonitor) Tier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

func (m *QualityMonitor) loop(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(m.interval), 1)
	// Consume the initial token so the first probe waits one interval;
	// connection setup already measured the network once.
	_ = limiter.Allow()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.interval)
		rtt, err := m.probe(probeCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			m.record(TierUnknown, 0)
			continue
		}
		m.record(classifyRTT(rtt), rtt)
	}
}

func (m *QualityMonitor) record(tier Tier, rtt time.Duration) {
	m.mu.Lock()

	changed := tier != m.tier
	m.tier = tier

	if tier == TierPoor {
		m.poorCount++
	} else {
		m.poorCount = 0
		m.suggested = false
	}

	suggest := false
	if m.poorCount >= m.poorStreak && !m.suggested {
		m.suggested = true
		suggest = true
	}

	onTier := m.onTier
	onSuggest := m.onSuggest
	m.mu.Unlock()

	if changed && onTier != nil {
		onTier(tier, rtt)
	}
	if suggest {
		m.debug("QUALITY", "sustained poor quality, suggesting fallback")
		if onSuggest != nil {
			onSuggest()
		}
	}
}

func (m *QualityMonitor) debug(category, message string) {
	m.mu.Lock()
	callback := m.onDebug
	m.mu.Unlock()
	if callback != nil {
		callback(category, message)
	}
}
