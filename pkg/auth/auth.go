// Package auth validates the caller's authentication before a call may
// start. Any failure here means the caller must re-authenticate; the
// orchestrator never proceeds without a fresh session.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// Session is the caller's authenticated state.
type Session struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Valid reports whether the access token is still usable, with a safety
// margin so a token never expires mid-handshake.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return now.Add(30 * time.Second).Before(s.ExpiresAt)
}

// Refresher exchanges a refresh token for a fresh session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
}

// Service caches the current session and refreshes it when stale.
type Service struct {
	refresher Refresher
	logger    *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewService creates an auth service seeded with an initial session, which
// may already be expired.
func NewService(refresher Refresher, initial *Session, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{refresher: refresher, current: initial, logger: logger}
}

// Current returns a valid session, refreshing first when the cached one is
// stale. Returns an auth-required setup error when no session can be
// produced.
func (s *Service) Current(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Valid(time.Now()) {
		return s.current, nil
	}
	return s.refreshLocked(ctx)
}

// Refresh forces a refresh regardless of the cached session's state.
func (s *Service) Refresh(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Service) refreshLocked(ctx context.Context) (*Session, error) {
	if s.current == nil || s.current.RefreshToken == "" {
		return nil, core.NewSetupError(core.CodeAuthRequired, "no session to refresh")
	}

	fresh, err := s.refresher.Refresh(ctx, s.current.RefreshToken)
	if err != nil {
		s.logger.Warn("session refresh failed", "error", err)
		return nil, core.NewSetupError(core.CodeAuthRequired, "session refresh failed").Wrap(err)
	}

	s.current = fresh
	s.logger.Debug("session refreshed", "user_id", fresh.UserID, "expires_at", fresh.ExpiresAt)
	return fresh, nil
}
