// Package main provides an interactive CLI for driving voice coaching
// sessions against a running platform.
//
// Usage:
//
//	go run ./cmd/coachcall -coach career-coach -user user-123
//
// Configuration comes from COACH_* environment variables (see pkg/config);
// a .env file in the working directory is loaded automatically.
//
// Commands:
//
//	start           - Start (or resume) a session
//	end             - End the session
//	hide / show     - Simulate the page going hidden / visible
//	topup           - Retry billing after a top-up
//	ping            - Record user activity without speaking
//	q               - Quit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/archive"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/auth"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/config"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core/call"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/ledger"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/lock"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/metrics"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/store"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/summary"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/topup"
	"github.com/Eugeneai777/emotioncoach-sub003/pkg/transport"
)

func main() {
	_ = godotenv.Load()

	coachID := flag.String("coach", "career-coach", "coach identifier")
	userID := flag.String("user", "local-user", "user identifier")
	mode := flag.String("mode", string(transport.ModeStandard), "session mode (standard | deep_talk)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.NewMetrics(cfg.MetricsNamespace)
	if addr := os.Getenv("COACH_METRICS_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	deps, cleanup, err := buildDeps(ctx, cfg, logger, m)
	if err != nil {
		logger.Error("wiring failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	sessionCfg := call.Config{
		UserID:       *userID,
		CoachID:      *coachID,
		Mode:         transport.Mode(*mode),
		Env: transport.Environment{
			CaptureSupported: true,
			DirectSupported:  cfg.DirectSupported,
			RelayOnly:        cfg.RelayOnly,
			Mode:             transport.Mode(*mode),
		},
		PointsPerMinute:   cfg.PointsPerMinute,
		MaxDuration:       cfg.MaxDuration,
		ResumptionWindow:  cfg.ResumptionWindow,
		ConnectTimeout:    cfg.ConnectTimeout,
		VisibilityTimeout: cfg.VisibilityTimeout,
		ProbeInterval:     cfg.ProbeInterval,
		PoorStreak:        cfg.PoorStreak,
		Inactivity: call.InactivityConfig{
			Warn:           cfg.InactivityWarn,
			Final:          cfg.InactivityFinal,
			AssistantGrace: cfg.AssistantGrace,
			Poll:           cfg.WatchdogPoll,
		},
	}

	fmt.Printf("coachcall: coach=%s mode=%s\n", *coachID, *mode)
	fmt.Println("commands: start, end, hide, show, topup, ping, q")

	var session *call.Session

	endSession := func(trigger string) {
		if session == nil {
			return
		}
		_ = session.End(trigger)
		select {
		case <-session.Done():
		case <-time.After(10 * time.Second):
			logger.Warn("session finalization timed out")
		}
		session = nil
	}

	go func() {
		<-sigChan
		fmt.Println("\nshutting down...")
		cancel()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		input := strings.TrimSpace(strings.ToLower(scanner.Text()))
		switch input {
		case "":
		case "q", "quit", "exit":
			endSession(call.TriggerUser)
			return
		case "start":
			if session != nil {
				fmt.Println("a session is already running")
				continue
			}
			s, err := call.NewSession(sessionCfg, deps)
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			go printEvents(s.Events())
			if err := s.Start(ctx); err != nil {
				fmt.Printf("[ERROR] start failed: %v\n", err)
				continue
			}
			session = s
		case "end":
			endSession(call.TriggerUser)
			fmt.Println("session ended")
		case "hide":
			if session != nil {
				session.PageHidden()
			}
		case "show":
			if session != nil {
				session.PageVisible()
			}
		case "topup":
			if session != nil {
				if err := session.ResumeAfterTopUp(ctx); err != nil {
					fmt.Printf("[ERROR] resume failed: %v\n", err)
				}
			}
		case "ping":
			if session != nil {
				session.NoteUserActivity()
			}
		default:
			fmt.Println("commands: start, end, hide, show, topup, ping, q")
		}
	}
}

// buildDeps wires the session collaborators from configuration. Optional
// integrations (archive, top-up, auth, Redis lock) activate only when their
// settings are present.
func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (call.Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	recordStore, err := store.Open(cfg.StorePath)
	if err != nil {
		return call.Deps{}, cleanup, err
	}
	closers = append(closers, func() { _ = recordStore.Close() })

	var voiceLock lock.VoiceLock
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closers = append(closers, func() { _ = client.Close() })
		voiceLock = lock.NewRedisLock(client, cfg.MaxDuration+5*time.Minute)
	} else {
		voiceLock = lock.NewProcessLock()
	}

	ledgerClient := ledger.NewClient(cfg.LedgerURL, cfg.LedgerAPIKey, ledger.WithLogger(logger))

	tokens := transport.NewTokenSource(cfg.TokenURL, cfg.TransportAPIKey, nil)
	factory := func(kind transport.Kind) (transport.Transport, error) {
		switch kind {
		case transport.KindDirect:
			return transport.NewDirectTransport(cfg.DirectURL, tokens), nil
		case transport.KindRelayed:
			return transport.NewRelayTransport(cfg.RelayURL, cfg.TransportAPIKey), nil
		case transport.KindAlternate:
			return transport.NewAlternateTransport(cfg.AlternateURL, cfg.TransportAPIKey), nil
		default:
			return nil, fmt.Errorf("unknown transport kind %q", kind)
		}
	}

	deps := call.Deps{
		Lock:       voiceLock,
		Ledger:     ledgerClient,
		Transports: factory,
		Store:      recordStore,
		Metrics:    m,
		Logger:     logger,
	}

	if cfg.WorkOSAPIKey != "" {
		refresher := auth.NewWorkOSRefresher(cfg.WorkOSAPIKey, cfg.WorkOSClientID)
		initial := &auth.Session{RefreshToken: os.Getenv("COACH_REFRESH_TOKEN")}
		deps.Auth = auth.NewService(refresher, initial, logger)
	}

	if cfg.StripeAPIKey != "" {
		deps.TopUp = topup.New(
			cfg.StripeAPIKey,
			cfg.StripePriceID,
			os.Getenv("COACH_TOPUP_SUCCESS_URL"),
			os.Getenv("COACH_TOPUP_CANCEL_URL"),
		)
	}

	if cfg.ArchiveDSN != "" {
		arch, err := archive.Open(ctx, cfg.ArchiveDSN)
		if err != nil {
			return call.Deps{}, cleanup, err
		}
		closers = append(closers, func() { arch.Close() })
		deps.Archive = arch
	}

	switch cfg.SummaryProvider {
	case "gemini":
		if cfg.GeminiAPIKey != "" {
			s, err := summary.NewGeminiSummarizer(ctx, cfg.GeminiAPIKey)
			if err != nil {
				return call.Deps{}, cleanup, err
			}
			deps.Summarizer = s
		}
	case "openai":
		if cfg.OpenAIAPIKey != "" {
			deps.Summarizer = summary.NewOpenAISummarizer(cfg.OpenAIAPIKey)
		}
	}

	return deps, cleanup, nil
}

// printEvents renders session events for the terminal.
func printEvents(events <-chan call.Event) {
	for event := range events {
		switch e := event.(type) {
		case *call.PhaseChangedEvent:
			fmt.Printf("[PHASE] %s (%.1fs)\n", e.Phase, e.Elapsed.Seconds())
		case *call.ConnectedEvent:
			fmt.Printf("[CONNECTED] session=%s transport=%s balance=%d resumed=%v\n",
				e.SessionID, e.Transport, e.Balance, e.Resumed)
		case *call.TranscriptDeltaEvent:
			fmt.Printf("[%s] %s\n", strings.ToUpper(e.Role), e.Text)
		case *call.MinuteBilledEvent:
			fmt.Printf("[BILLING] minute %d, balance %d\n", e.Minute, e.Balance)
		case *call.LowBalanceEvent:
			fmt.Printf("[BILLING] low balance: %d points left\n", e.Balance)
		case *call.BillingSuspendedEvent:
			fmt.Printf("[BILLING] suspended (%s)", e.Reason)
			if e.Offer != nil {
				fmt.Printf(" top up at %s", e.Offer.URL)
			}
			fmt.Println()
		case *call.BillingResumedEvent:
			fmt.Println("[BILLING] resumed")
		case *call.RefundIssuedEvent:
			fmt.Printf("[BILLING] refunded %d points (%s)\n", e.Amount, e.Reason)
		case *call.ReminderSentEvent:
			fmt.Println("[WATCHDOG] inactivity reminder sent")
		case *call.QualityChangedEvent:
			fmt.Printf("[QUALITY] %s\n", e.Tier)
		case *call.FallbackSuggestedEvent:
			fmt.Printf("[QUALITY] connection struggling on %s, consider switching\n", e.Current)
		case *call.NavigationEvent:
			fmt.Printf("[NAV] %s\n", string(e.Payload))
		case *call.RecommendationEvent:
			fmt.Printf("[RECOMMEND:%s] %s\n", e.Kind, string(e.Payload))
		case *call.ResumeAvailableEvent:
			fmt.Printf("[SESSION] connection dropped while hidden; session %s can be resumed\n", e.SessionID)
		case *call.SessionEndedEvent:
			fmt.Printf("[SESSION] ended (%s) after %ds, %d minutes billed\n",
				e.Trigger, e.ElapsedSeconds, e.BilledMinutes)
		case *call.BriefingSavedEvent:
			fmt.Printf("[BRIEFING] %s\n", e.Briefing.Summary)
		case *call.ErrorEvent:
			fmt.Printf("[ERROR] %v\n", e.Err)
		}
	}
}
