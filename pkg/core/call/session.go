// Package call contains the session lifecycle orchestrator for real-time
// voice coaching: it owns the top-level state machine and mediates between
// the capability detector, the chosen transport, the quota ledger, and the
// inactivity, visibility, and quality monitors.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/archive"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/auth"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/ledger"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/lock"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/metrics"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/store"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/summary"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/topup"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/transport"
)

// ConnectionState is the orchestrator's top-level machine. Transitions are
// one-directional except Disconnected/Error -> Connecting on explicit user
// retry; there is no silent auto-reconnect.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// End triggers.
const (
	TriggerUser           = "user"
	TriggerInactivity     = "inactivity"
	TriggerBackgrounded   = "backgrounded"
	TriggerPlanLimit      = "plan_limit"
	TriggerConnectionLost = "connection_lost"
)

const reminderMessage = "Are you still there? Say something to keep the session going."

// Authenticator validates the caller before any billing happens.
type Authenticator interface {
	Current(ctx context.Context) (*auth.Session, error)
}

// Ledger is the quota ledger client surface the orchestrator needs.
type Ledger interface {
	Debit(ctx context.Context, sessionID string, minuteIndex, amount int) (int, error)
	Refund(ctx context.Context, sessionID string, amount int, reason ledger.Reason) (int, error)
	SeedBilledMinute(sessionID string, minute int)
	LastBilledMinute(sessionID string) int
	Forget(sessionID string)
}

// RecordStore persists the resumable session record.
type RecordStore interface {
	Save(rec store.Record) error
	LoadIfFresh(window time.Duration) (*store.Record, error)
	Clear() error
}

// CapturePermission acquires the user's audio capture device. The embedding
// application implements it; device handling itself is out of scope here.
type CapturePermission interface {
	Request(ctx context.Context) error
}

// CaptureFunc adapts a function to CapturePermission.
type CaptureFunc func(ctx context.Context) error

// Request implements CapturePermission.
func (f CaptureFunc) Request(ctx context.Context) error { return f(ctx) }

// TopUpProvider creates the checkout affordance offered on billing failure.
type TopUpProvider interface {
	CheckoutLink(ctx context.Context, userID, callSessionID string) (*topup.Offer, error)
}

// Archiver stores finalized sessions.
type Archiver interface {
	Save(ctx context.Context, rec archive.SessionRecord) error
}

// TransportFactory builds a transport for a candidate kind.
type TransportFactory func(kind transport.Kind) (transport.Transport, error)

// Config holds per-session settings.
type Config struct {
	UserID       string
	CoachID      string
	Mode         transport.Mode
	Env          transport.Environment
	Instructions string

	PointsPerMinute  int
	MaxDuration      time.Duration
	ResumptionWindow time.Duration
	ConnectTimeout   time.Duration

	Inactivity        InactivityConfig
	VisibilityTimeout time.Duration
	ProbeInterval     time.Duration
	PoorStreak        int
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = transport.ModeStandard
	}
	if c.PointsPerMinute <= 0 {
		c.PointsPerMinute = 8
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 10 * time.Minute
	}
	if c.ResumptionWindow <= 0 {
		c.ResumptionWindow = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.Inactivity.Warn <= 0 {
		c.Inactivity.Warn = 60 * time.Second
	}
	if c.Inactivity.Final <= 0 {
		c.Inactivity.Final = 30 * time.Second
	}
	if c.Inactivity.AssistantGrace <= 0 {
		c.Inactivity.AssistantGrace = 10 * time.Second
	}
	if c.Inactivity.Poll <= 0 {
		c.Inactivity.Poll = 5 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 3 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.PoorStreak <= 0 {
		c.PoorStreak = 3
	}
}

// Deps wires the orchestrator's collaborators. Lock, Ledger, Transports,
// and Store are required; the rest degrade gracefully when nil.
type Deps struct {
	Lock       lock.VoiceLock
	Auth       Authenticator
	Ledger     Ledger
	Transports TransportFactory
	Capture    CapturePermission
	Store      RecordStore
	Summarizer summary.Summarizer
	TopUp      TopUpProvider
	Archive    Archiver
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Session orchestrates one voice coaching call end to end.
type Session struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                  sync.Mutex
	state               ConnectionState
	id                  string
	resumed             bool
	phase               *PhaseTracker
	transport           transport.Transport
	transportKind       transport.Kind
	releaseLock         func()
	startedAt           time.Time
	connectedAt         time.Time
	elapsedSeconds      int
	billedMinutes       int
	lastBalance         int
	lowBalanceSent      bool
	suspended           bool
	transportDown       bool
	dropWhileHidden     bool
	debitInFlight       bool
	usageIn, usageOut   int
	transcriptUser      strings.Builder
	transcriptAssistant strings.Builder
	ended               bool

	ending atomic.Bool

	watchdog   *InactivityWatchdog
	visibility *VisibilityWatchdog
	quality    *QualityMonitor

	tickStop chan struct{}
	tickDone chan struct{}
	pumpDone chan struct{}

	events   chan Event
	done     chan struct{}
	evMu     sync.Mutex
	evClosed bool

	onClose         func(trigger string)
	onBriefingSaved func(id string, briefing *summary.Briefing)
}

// NewSession creates an idle session. Call Start to connect.
func NewSession(cfg Config, deps Deps) (*Session, error) {
	if deps.Lock == nil {
		return nil, core.NewInvalidRequestError("voice lock is required")
	}
	if deps.Ledger == nil {
		return nil, core.NewInvalidRequestError("ledger client is required")
	}
	if deps.Transports == nil {
		return nil, core.NewInvalidRequestError("transport factory is required")
	}
	if deps.Store == nil {
		return nil, core.NewInvalidRequestError("record store is required")
	}
	if deps.Capture == nil {
		deps.Capture = CaptureFunc(func(context.Context) error { return nil })
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With("coach_id", cfg.CoachID, "mode", string(cfg.Mode)),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		events: make(chan Event, 128),
		done:   make(chan struct{}),
	}, nil
}

// SetCallbacks sets the application-facing callbacks: onClose fires once
// when the call ends for any reason; onBriefingSaved fires when
// finalization stored a briefing.
func (s *Session) SetCallbacks(onClose func(trigger string), onBriefingSaved func(id string, briefing *summary.Briefing)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = onClose
	s.onBriefingSaved = onBriefingSaved
}

// Events returns the session event stream. Closed after the session ends
// and finalization settles.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session is fully finalized.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the session identifier, empty before Start.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// ElapsedSeconds returns the authoritative usage counter.
func (s *Session) ElapsedSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedSeconds
}

// BilledMinutes returns the minutes billed so far.
func (s *Session) BilledMinutes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.billedMinutes
}

// Start acquires the voice lock, validates auth, pre-debits the first
// minute, and drives the connection phases. On transport failure it tries
// one fallback candidate when the failure is network- or region-related.
// On total failure the pre-debit is refunded and the lock released.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateDisconnected, StateError:
	default:
		s.mu.Unlock()
		return core.NewInvalidRequestError(fmt.Sprintf("cannot start from state %s", s.state))
	}
	if s.ended {
		s.mu.Unlock()
		return core.NewInvalidRequestError("session already ended")
	}
	s.mu.Unlock()

	// Lock first: nothing else may run while another call surface holds a
	// transport.
	owner := s.cfg.CoachID
	if owner == "" {
		owner = "call"
	}
	release, err := s.deps.Lock.Acquire(ctx, owner)
	if err != nil {
		typed := core.AsError(err)
		s.emit(&ErrorEvent{Err: typed})
		s.recordError(typed)
		return typed
	}
	s.mu.Lock()
	s.releaseLock = release
	s.mu.Unlock()

	// Auth before any billing. Failure releases the lock and skips the
	// refund path entirely since no debit happened.
	if s.deps.Auth != nil {
		if _, err := s.deps.Auth.Current(ctx); err != nil {
			return s.failStart(core.AsError(err), "")
		}
	}

	s.adoptOrCreateSessionID()

	s.setState(StateConnecting)
	tracker := NewPhaseTracker(func(phase Phase, elapsed time.Duration) {
		s.emit(&PhaseChangedEvent{Phase: phase, Elapsed: elapsed})
	})
	s.mu.Lock()
	s.phase = tracker
	s.startedAt = time.Now()
	s.lowBalanceSent = false
	s.mu.Unlock()

	// Pre-debit minute 1 before any transport work. For a resumed session
	// the ledger watermark makes this a no-op.
	balance, err := s.deps.Ledger.Debit(ctx, s.SessionID(), 1, s.cfg.PointsPerMinute)
	if err != nil {
		s.deps.Metrics.RecordDebit("failed")
		return s.failStart(core.AsError(err), "")
	}
	s.deps.Metrics.RecordDebit("ok")
	s.mu.Lock()
	s.billedMinutes = s.deps.Ledger.LastBilledMinute(s.id)
	s.lastBalance = balance
	s.mu.Unlock()

	candidates := transport.Detect(s.cfg.Env)
	if len(candidates) == 0 {
		typed := core.NewSetupError(core.CodeUnsupportedEnv, "this environment cannot run voice calls")
		return s.failStart(typed, ledger.ReasonEnvUnsupported)
	}

	if err := tracker.Advance(PhaseRequestingCapture); err != nil {
		return s.failStart(core.AsError(err), ledger.ReasonConnectionFailed)
	}
	if err := s.deps.Capture.Request(ctx); err != nil {
		return s.failStart(core.AsError(err), ledger.ReasonConnectionFailed)
	}

	if err := tracker.Advance(PhaseRequestingToken); err != nil {
		return s.failStart(core.AsError(err), ledger.ReasonConnectionFailed)
	}
	first, err := s.deps.Transports(candidates[0])
	if err != nil {
		return s.failStart(core.AsError(err), ledger.ReasonConnectionFailed)
	}
	if prewarmer, ok := first.(interface{ Prewarm(context.Context) error }); ok {
		if err := prewarmer.Prewarm(ctx); err != nil {
			return s.failStart(core.AsError(err), ledger.ReasonConnectionFailed)
		}
	}

	if err := tracker.Advance(PhaseEstablishing); err != nil {
		return s.failStart(core.AsError(err), ledger.ReasonConnectionFailed)
	}
	tr, kind, err := s.establish(ctx, first, candidates)
	if err != nil {
		return s.failStart(core.AsError(err), ledger.ReasonConnectionFailed)
	}

	if s.ctx.Err() != nil {
		// End was requested while establishing.
		_ = tr.Teardown()
		s.settle(TriggerUser, ledger.ReasonCallNeverStarted)
		return nil
	}

	s.mu.Lock()
	s.transport = tr
	s.transportKind = kind
	s.mu.Unlock()

	if err := tracker.Advance(PhaseConnected); err != nil {
		_ = tr.Teardown()
		return s.failStart(core.AsError(err), ledger.ReasonConnectionFailed)
	}
	s.setState(StateConnected)
	s.onConnected()

	s.emit(&ConnectedEvent{SessionID: s.SessionID(), Transport: kind, Resumed: s.resumed, Balance: balance})
	s.log.Info("call connected",
		"session_id", s.SessionID(), "transport", string(kind), "resumed", s.resumed, "balance", balance)
	return nil
}

// establish connects the first candidate, falling back to the second
// exactly once when the failure is network- or region-related.
func (s *Session) establish(ctx context.Context, first transport.Transport, candidates []transport.Kind) (transport.Transport, transport.Kind, error) {
	cfg := transport.EstablishConfig{
		SessionID:    s.SessionID(),
		CoachID:      s.cfg.CoachID,
		Mode:         s.cfg.Mode,
		Instructions: s.cfg.Instructions,
	}

	// The ceiling sits a few seconds above the transport's own handshake
	// timeout so a hung remote never blocks the caller indefinitely.
	establishCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout+5*time.Second)
	err := first.Establish(establishCtx, cfg)
	cancel()
	if err == nil {
		return first, candidates[0], nil
	}

	typed := core.AsError(err)
	if !typed.AllowsFallback() || len(candidates) < 2 {
		return nil, "", typed
	}

	from, to := candidates[0], candidates[1]
	s.log.Warn("transport failed, trying fallback",
		"session_id", s.SessionID(), "from", string(from), "to", string(to), "error", typed)

	second, err := s.deps.Transports(to)
	if err != nil {
		s.deps.Metrics.RecordFallback(string(from), string(to), "error")
		return nil, "", core.AsError(err)
	}
	establishCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout+5*time.Second)
	err = second.Establish(establishCtx, cfg)
	cancel()
	if err != nil {
		s.deps.Metrics.RecordFallback(string(from), string(to), "failed")
		return nil, "", core.AsError(err)
	}
	s.deps.Metrics.RecordFallback(string(from), string(to), "ok")
	return second, to, nil
}

// adoptOrCreateSessionID reuses a fresh resumable record for the same coach
// context, otherwise mints a new session id.
func (s *Session) adoptOrCreateSessionID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return
	}

	rec, err := s.deps.Store.LoadIfFresh(s.cfg.ResumptionWindow)
	if err != nil {
		s.log.Warn("resumption record load failed", "error", err)
	}
	if rec != nil && rec.CoachID == s.cfg.CoachID && rec.Mode == string(s.cfg.Mode) {
		s.id = rec.SessionID
		s.resumed = true
		s.billedMinutes = rec.BilledMinutes
		s.elapsedSeconds = rec.ElapsedSeconds
		s.deps.Ledger.SeedBilledMinute(rec.SessionID, rec.BilledMinutes)
		s.deps.Metrics.RecordResumption("resumed")
		s.log.Info("resuming session within window",
			"session_id", rec.SessionID, "billed_minutes", rec.BilledMinutes)
		return
	}

	if rec == nil {
		// Drop any stale record so it cannot shadow this fresh session.
		_ = s.deps.Store.Clear()
	}
	s.id = uuid.NewString()
	s.deps.Metrics.RecordResumption("fresh")
}

// failStart unwinds a failed Start: refund the pre-debit when one is
// outstanding, release the lock, and surface the categorized error.
func (s *Session) failStart(cause *core.Error, refundReason ledger.Reason) error {
	cause = cause.WithSession(s.SessionID())

	if refundReason != "" {
		s.refundFirstMinute(refundReason)
	}

	s.mu.Lock()
	release := s.releaseLock
	s.releaseLock = nil
	s.mu.Unlock()
	if release != nil {
		release()
	}

	s.setState(StateError)
	s.emit(&ErrorEvent{Err: cause})
	s.recordError(cause)
	s.log.Warn("call start failed", "session_id", s.SessionID(), "error", cause)
	return cause
}

// refundFirstMinute refunds the pre-debit if it is the only minute billed.
// Minutes 2+ always stand.
func (s *Session) refundFirstMinute(reason ledger.Reason) {
	sessionID := s.SessionID()
	if sessionID == "" || s.deps.Ledger.LastBilledMinute(sessionID) != 1 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.deps.Ledger.Refund(ctx, sessionID, s.cfg.PointsPerMinute, reason); err != nil {
		s.log.Error("setup refund failed", "session_id", sessionID, "reason", reason, "error", err)
		return
	}
	s.mu.Lock()
	s.billedMinutes = 0
	s.mu.Unlock()
	s.deps.Metrics.RecordRefund(string(reason), s.cfg.PointsPerMinute)
	s.emit(&RefundIssuedEvent{Amount: s.cfg.PointsPerMinute, Reason: string(reason)})
}

// onConnected starts the metering tick, the event pump, and all monitors.
func (s *Session) onConnected() {
	s.mu.Lock()
	s.connectedAt = time.Now()
	s.suspended = false
	s.transportDown = false
	tr := s.transport
	s.tickStop = make(chan struct{})
	s.tickDone = make(chan struct{})
	s.pumpDone = make(chan struct{})
	s.mu.Unlock()

	if err := tr.StartCapture(); err != nil {
		s.log.Warn("start capture failed", "session_id", s.SessionID(), "error", err)
	}

	s.deps.Metrics.RecordSessionStart()

	watchdog := NewInactivityWatchdog(s.cfg.Inactivity)
	watchdog.SetCallbacks(s.sendReminder, func() {
		_ = s.End(TriggerInactivity)
	}, s.debug)

	visibility := NewVisibilityWatchdog(s.cfg.VisibilityTimeout, func() {
		_ = s.End(TriggerBackgrounded)
	}, s.debug)

	quality := NewQualityMonitor(tr.Probe, s.cfg.ProbeInterval, s.cfg.PoorStreak)
	quality.SetCallbacks(func(tier Tier, rtt time.Duration) {
		if rtt > 0 {
			s.deps.Metrics.RecordProbe(rtt)
		}
		s.emit(&QualityChangedEvent{Tier: tier})
	}, func() {
		s.mu.Lock()
		kind := s.transportKind
		s.mu.Unlock()
		s.emit(&FallbackSuggestedEvent{Current: kind})
	}, s.debug)

	s.mu.Lock()
	s.watchdog = watchdog
	s.visibility = visibility
	s.quality = quality
	s.mu.Unlock()

	watchdog.Start()
	quality.Start(s.ctx)

	go s.pump(tr)
	go s.tickLoop()
}

// tickLoop drives the 1-second usage clock. The per-minute debit runs on
// this same loop, so minute N never starts before minute N-1 resolved.
func (s *Session) tickLoop() {
	defer close(s.tickDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.tickStop:
			return
		case <-ticker.C:
			s.onTick()
		}
	}
}

func (s *Session) onTick() {
	s.mu.Lock()
	if s.ended || s.suspended || s.transportDown {
		// A suspended or dropped call accrues no usage.
		s.mu.Unlock()
		return
	}
	s.elapsedSeconds++
	elapsed := s.elapsedSeconds
	billed := s.billedMinutes
	inFlight := s.debitInFlight
	s.mu.Unlock()

	if elapsed >= int(s.cfg.MaxDuration.Seconds()) {
		s.log.Info("plan limit reached", "session_id", s.SessionID(), "elapsed", elapsed)
		s.emit(&ErrorEvent{Err: core.NewBillingError(core.CodePlanLimit, "plan duration limit reached").WithSession(s.SessionID())})
		go func() { _ = s.End(TriggerPlanLimit) }()
		return
	}

	minute := ledger.CurrentMinute(elapsed)
	if minute <= billed || inFlight {
		return
	}
	s.billMinute(minute)
}

// billMinute debits one minute boundary, suspending the call instead of
// ending it when the debit fails.
func (s *Session) billMinute(minute int) {
	s.mu.Lock()
	if s.debitInFlight || s.ended {
		s.mu.Unlock()
		return
	}
	s.debitInFlight = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
	balance, err := s.deps.Ledger.Debit(ctx, s.SessionID(), minute, s.cfg.PointsPerMinute)
	cancel()

	s.mu.Lock()
	s.debitInFlight = false
	s.mu.Unlock()

	if err != nil {
		typed := core.AsError(err)
		s.deps.Metrics.RecordDebit("failed")
		s.suspend(typed)
		return
	}

	s.deps.Metrics.RecordDebit("ok")
	s.mu.Lock()
	s.billedMinutes = minute
	s.lastBalance = balance
	lowBalance := balance < s.cfg.PointsPerMinute && !s.lowBalanceSent
	if lowBalance {
		s.lowBalanceSent = true
	}
	s.mu.Unlock()

	s.emit(&MinuteBilledEvent{Minute: minute, Balance: balance})
	if lowBalance {
		s.emit(&LowBalanceEvent{Balance: balance})
	}
}

// suspend pauses the call on a billing failure and surfaces the top-up
// affordance. The transport stays up; only capture stops.
func (s *Session) suspend(cause *core.Error) {
	s.mu.Lock()
	if s.suspended || s.ended {
		s.mu.Unlock()
		return
	}
	s.suspended = true
	tr := s.transport
	s.mu.Unlock()

	kind := "transient"
	if cause.Code == core.CodeInsufficientFunds {
		kind = "insufficient_balance"
	}
	s.deps.Metrics.RecordBillingFailure(kind)
	s.log.Warn("billing failed, call suspended", "session_id", s.SessionID(), "kind", kind)

	if tr != nil {
		_ = tr.StopCapture()
	}

	var offer *topup.Offer
	if s.deps.TopUp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		offer, err = s.deps.TopUp.CheckoutLink(ctx, s.cfg.UserID, s.SessionID())
		cancel()
		if err != nil {
			s.log.Warn("top-up link creation failed", "session_id", s.SessionID(), "error", err)
		}
	}
	s.emit(&BillingSuspendedEvent{Reason: string(cause.Code), Offer: offer})
}

// ResumeAfterTopUp retries the pending minute debit after a successful
// top-up and restarts capture on the same session. If the transport dropped
// while suspended, it is re-established with the same session id.
func (s *Session) ResumeAfterTopUp(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return core.NewInvalidRequestError("session already ended")
	}
	if !s.suspended {
		s.mu.Unlock()
		return core.NewInvalidRequestError("session is not suspended")
	}
	elapsed := s.elapsedSeconds
	down := s.transportDown
	kind := s.transportKind
	s.mu.Unlock()

	minute := ledger.CurrentMinute(elapsed)
	balance, err := s.deps.Ledger.Debit(ctx, s.SessionID(), minute, s.cfg.PointsPerMinute)
	if err != nil {
		typed := core.AsError(err).WithSession(s.SessionID())
		s.emit(&ErrorEvent{Err: typed})
		return typed
	}
	s.deps.Metrics.RecordDebit("ok")

	if down {
		replacement, ferr := s.deps.Transports(kind)
		if ferr == nil {
			establishCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout+5*time.Second)
			ferr = replacement.Establish(establishCtx, transport.EstablishConfig{
				SessionID:    s.SessionID(),
				CoachID:      s.cfg.CoachID,
				Mode:         s.cfg.Mode,
				Instructions: s.cfg.Instructions,
			})
			cancel()
		}
		if ferr != nil {
			typed := core.AsError(ferr).WithSession(s.SessionID())
			s.emit(&ErrorEvent{Err: typed})
			return typed
		}
		s.mu.Lock()
		s.transport = replacement
		s.transportDown = false
		s.mu.Unlock()
		go s.pump(replacement)
	}

	s.mu.Lock()
	s.suspended = false
	s.billedMinutes = minute
	s.lastBalance = balance
	tr := s.transport
	s.mu.Unlock()

	if tr != nil {
		_ = tr.StartCapture()
	}
	s.emit(&BillingResumedEvent{})
	s.emit(&MinuteBilledEvent{Minute: minute, Balance: balance})
	s.log.Info("call resumed after top-up", "session_id", s.SessionID(), "minute", minute)
	return nil
}

// pump forwards transport events into the session stream.
func (s *Session) pump(tr transport.Transport) {
	defer func() {
		s.mu.Lock()
		pumpDone := s.pumpDone
		s.mu.Unlock()
		select {
		case <-pumpDone:
		default:
			close(pumpDone)
		}
	}()

	for event := range tr.Events() {
		s.dispatch(event)
	}
}

// dispatch routes one transport event: transcripts feed the activity
// clocks, tool calls map to UI events, closure triggers the drop handling.
func (s *Session) dispatch(event transport.Event) {
	switch e := event.(type) {
	case *transport.EstablishedEvent:
		// Handshake detail, already surfaced via ConnectedEvent.
	case *transport.TranscriptDeltaEvent:
		s.mu.Lock()
		if e.Role == "user" {
			s.transcriptUser.WriteString(e.Text)
		} else {
			s.transcriptAssistant.WriteString(e.Text)
		}
		s.mu.Unlock()
		if e.Role == "user" {
			s.watchdog.UserActive()
		} else {
			s.watchdog.AssistantActive()
		}
		s.emit(&TranscriptDeltaEvent{Role: e.Role, Text: e.Text, IsFinal: e.IsFinal})
	case *transport.SpeechStartedEvent, *transport.SpeechStoppedEvent:
		s.watchdog.UserActive()
	case *transport.AssistantAudioEvent:
		s.watchdog.AssistantActive()
	case *transport.ToolCallEvent:
		s.watchdog.AssistantActive()
		switch e.Name {
		case "navigation_request":
			s.emit(&NavigationEvent{Payload: e.Input})
		case "search_results", "course_recommendations", "camp_recommendations":
			s.emit(&RecommendationEvent{Kind: e.Name, Payload: e.Input})
		default:
			s.emit(&ToolInvokedEvent{Name: e.Name, Input: e.Input})
		}
	case *transport.UsageEvent:
		s.mu.Lock()
		s.usageIn += e.InputTokens
		s.usageOut += e.OutputTokens
		s.mu.Unlock()
	case *transport.ErrorEvent:
		s.emit(&ErrorEvent{Err: core.NewMidCallError(e.Message).WithSession(s.SessionID())})
	case *transport.ClosedEvent:
		s.handleTransportClosed(e)
	}
}

func (s *Session) handleTransportClosed(e *transport.ClosedEvent) {
	if e.Reason == "local_close" || s.ending.Load() {
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	hidden := s.visibility != nil && s.visibility.IsHidden()
	suspended := s.suspended
	if hidden || suspended {
		s.transportDown = true
		if hidden {
			s.dropWhileHidden = true
		}
		s.mu.Unlock()
		s.log.Warn("transport dropped while inactive",
			"session_id", s.SessionID(), "hidden", hidden, "suspended", suspended)
		return
	}
	s.mu.Unlock()

	typed := core.NewMidCallError("connection lost").WithSession(s.SessionID())
	s.emit(&ErrorEvent{Err: typed})
	s.recordError(typed)
	go func() { _ = s.End(TriggerConnectionLost) }()
}

// sendReminder delivers the single soft inactivity reminder.
func (s *Session) sendReminder() {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		return
	}
	if err := tr.SendControl(reminderMessage); err != nil {
		s.log.Warn("reminder send failed", "session_id", s.SessionID(), "error", err)
		return
	}
	s.deps.Metrics.RecordReminder()
	s.emit(&ReminderSentEvent{})
}

// NoteUserActivity records out-of-band user activity such as text input.
func (s *Session) NoteUserActivity() {
	s.mu.Lock()
	watchdog := s.watchdog
	s.mu.Unlock()
	if watchdog != nil {
		watchdog.UserActive()
	}
}

// PageHidden reports that the page hosting the call went hidden.
func (s *Session) PageHidden() {
	s.mu.Lock()
	connected := s.state == StateConnected && !s.ended
	visibility := s.visibility
	s.mu.Unlock()
	if connected && visibility != nil {
		visibility.Hidden()
	}
}

// PageVisible reports that the page became visible again. When the
// transport dropped while hidden, a passive resume notice is emitted
// instead of auto-redialing.
func (s *Session) PageVisible() {
	s.mu.Lock()
	visibility := s.visibility
	s.mu.Unlock()
	if visibility == nil {
		return
	}
	wasHidden := visibility.Visible()

	s.mu.Lock()
	dropped := s.dropWhileHidden && !s.ended
	s.dropWhileHidden = false
	s.mu.Unlock()

	if wasHidden && dropped {
		s.emit(&ResumeAvailableEvent{SessionID: s.SessionID()})
	}
}

// End terminates the session. It is the single cancellation entry point,
// safe to call from any state; concurrent calls collapse to one teardown,
// one refund evaluation, and one lock release.
func (s *Session) End(trigger string) error {
	if !s.ending.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.settle(trigger, "")
	return nil
}

// settle is the one teardown path: cancel timers, tear the transport down,
// apply the short-call refund, persist the resumable record, release the
// lock, and kick off finalization.
func (s *Session) settle(trigger string, refundOverride ledger.Reason) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	// Suspension must clear inside the same critical section that sets ended.
	s.suspended = false
	tr := s.transport
	s.transport = nil
	release := s.releaseLock
	s.releaseLock = nil
	elapsed := s.elapsedSeconds
	connected := !s.connectedAt.IsZero()
	kind := s.transportKind
	tickStop := s.tickStop
	pumpDone := s.pumpDone
	tickDone := s.tickDone
	watchdog := s.watchdog
	visibility := s.visibility
	quality := s.quality
	s.mu.Unlock()

	// Stop every timer before anything else so no billing tick or watchdog
	// fires after teardown.
	if tickStop != nil {
		close(tickStop)
	}
	if watchdog != nil {
		watchdog.Stop()
	}
	if visibility != nil {
		visibility.Cancel()
	}
	if quality != nil {
		quality.Stop()
	}

	if tr != nil {
		_ = tr.StopCapture()
		if err := tr.Teardown(); err != nil {
			s.log.Warn("transport teardown failed", "session_id", s.SessionID(), "error", err)
		}
	}

	// Wait for the emitters to drain before the event stream can close.
	if tickDone != nil {
		select {
		case <-tickDone:
		case <-time.After(3 * time.Second):
		}
	}
	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-time.After(3 * time.Second):
		}
	}

	s.applyShortCallRefund(elapsed, refundOverride)

	s.mu.Lock()
	billed := s.billedMinutes
	s.mu.Unlock()

	if connected {
		rec := store.Record{
			SessionID:      s.SessionID(),
			CoachID:        s.cfg.CoachID,
			Mode:           string(s.cfg.Mode),
			EndedAt:        time.Now(),
			BilledMinutes:  billed,
			ElapsedSeconds: elapsed,
		}
		if err := s.deps.Store.Save(rec); err != nil {
			s.log.Error("resumable record save failed", "session_id", s.SessionID(), "error", err)
		}
	}

	if release != nil {
		release()
	}

	if connected {
		s.deps.Metrics.RecordSessionEnd(trigger, string(kind), time.Duration(elapsed)*time.Second)
	}

	finalState := StateDisconnected
	if trigger == TriggerConnectionLost {
		finalState = StateError
	}
	s.setState(finalState)
	s.emit(&SessionEndedEvent{Trigger: trigger, ElapsedSeconds: elapsed, BilledMinutes: billed})
	s.log.Info("call ended",
		"session_id", s.SessionID(), "trigger", trigger, "elapsed", elapsed, "billed_minutes", billed)

	s.mu.Lock()
	onClose := s.onClose
	s.mu.Unlock()
	if onClose != nil {
		onClose(trigger)
	}

	if connected {
		go s.finalize(trigger, elapsed, billed)
	} else {
		s.closeEvents()
		close(s.done)
	}
}

// applyShortCallRefund settles the refund policy for a call that ended with
// one billed minute. refundOverride replaces the band reason when the call
// never actually connected.
func (s *Session) applyShortCallRefund(elapsed int, refundOverride ledger.Reason) {
	billed := s.deps.Ledger.LastBilledMinute(s.SessionID())
	amount, reason := ledger.ShortCallRefund(elapsed, billed, s.cfg.PointsPerMinute)
	if amount <= 0 {
		return
	}
	if refundOverride != "" {
		reason = refundOverride
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.deps.Ledger.Refund(ctx, s.SessionID(), amount, reason); err != nil {
		s.log.Error("short-call refund failed", "session_id", s.SessionID(), "reason", reason, "error", err)
		return
	}
	s.deps.Metrics.RecordRefund(string(reason), amount)
	s.emit(&RefundIssuedEvent{Amount: amount, Reason: string(reason)})

	if amount == s.cfg.PointsPerMinute {
		// Full refund: the minute no longer counts as consumed.
		s.mu.Lock()
		s.billedMinutes = 0
		s.mu.Unlock()
	}
}

// finalize runs the summarization collaborator and archives the session.
// Failures degrade to a minimal record and are never surfaced as call
// failures; the call itself already completed.
func (s *Session) finalize(trigger string, elapsed, billed int) {
	defer func() {
		s.closeEvents()
		close(s.done)
	}()

	s.mu.Lock()
	req := summary.Request{
		TranscriptUser:      s.transcriptUser.String(),
		TranscriptAssistant: s.transcriptAssistant.String(),
		DurationMinutes:     (elapsed + 59) / 60,
		CoachID:             s.cfg.CoachID,
		Mode:                string(s.cfg.Mode),
	}
	usageIn, usageOut := s.usageIn, s.usageOut
	kind := s.transportKind
	onBriefingSaved := s.onBriefingSaved
	s.mu.Unlock()

	var briefing *summary.Briefing
	if s.deps.Summarizer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		var err error
		briefing, err = s.deps.Summarizer.Summarize(ctx, req)
		cancel()
		if err != nil {
			s.log.Warn("summarization failed, storing minimal record",
				"session_id", s.SessionID(), "error", err)
			briefing = summary.Minimal(req)
		}
	} else {
		briefing = summary.Minimal(req)
	}

	if s.deps.Archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := s.deps.Archive.Save(ctx, archive.SessionRecord{
			SessionID:       s.SessionID(),
			UserID:          s.cfg.UserID,
			CoachID:         s.cfg.CoachID,
			Mode:            string(s.cfg.Mode),
			TransportKind:   string(kind),
			Trigger:         trigger,
			DurationSeconds: elapsed,
			BilledMinutes:   billed,
			TotalCost:       billed * s.cfg.PointsPerMinute,
			InputTokens:     usageIn,
			OutputTokens:    usageOut,
			BriefingID:      briefing.ID,
			Summary:         briefing.Summary,
			Degraded:        briefing.Degraded,
			EndedAt:         time.Now(),
		})
		cancel()
		if err != nil {
			s.log.Error("session archive failed", "session_id", s.SessionID(), "error", err)
		}
	}

	s.deps.Ledger.Forget(s.SessionID())

	s.emit(&BriefingSavedEvent{Briefing: briefing})
	if onBriefingSaved != nil {
		onBriefingSaved(briefing.ID, briefing)
	}
}

func (s *Session) setState(to ConnectionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.emit(&StateChangedEvent{From: from, To: to})
	}
}

func (s *Session) emit(event Event) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

func (s *Session) closeEvents() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	s.evClosed = true
	close(s.events)
}

func (s *Session) debug(category, message string) {
	s.emit(&DebugEvent{Category: category, Message: message})
}

func (s *Session) recordError(err *core.Error) {
	s.deps.Metrics.RecordError(string(err.Type), string(err.Code))
}
