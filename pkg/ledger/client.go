// Package ledger bills call minutes against the remote prepaid quota service
// and settles refunds for short or failed calls.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// Client issues debits and refunds against the quota service. Operations on
// the same session are serialized; debits are idempotent per minute index
// and refunds per (session, reason). The client never touches transport
// state, so it stays safe to call from the teardown path.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu               sync.Mutex
	lastBilledMinute int
	lastBalance      int
	refunded         map[Reason]bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a ledger client for the given quota service.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
		sessions:   make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) session(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &sessionState{refunded: make(map[Reason]bool)}
		c.sessions[sessionID] = s
	}
	return s
}

// SeedBilledMinute marks minutes up to minute as already billed, used when
// resuming a session within the resumption window so the first boundary does
// not double-charge.
func (c *Client) SeedBilledMinute(sessionID string, minute int) {
	s := c.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if minute > s.lastBilledMinute {
		s.lastBilledMinute = minute
	}
}

// LastBilledMinute returns the highest minute index billed for the session.
func (c *Client) LastBilledMinute(sessionID string) int {
	s := c.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBilledMinute
}

// Debit bills one minute. Repeated or out-of-order calls for an already
// billed minute are no-op successes returning the last known balance. On
// success the billed-minute watermark advances and the new balance is
// returned. Failures are typed: insufficient balance is terminal for the
// minute, transient errors may be retried by the caller.
func (c *Client) Debit(ctx context.Context, sessionID string, minuteIndex, amount int) (int, error) {
	if sessionID == "" {
		return 0, core.NewInvalidRequestError("session id must not be empty")
	}
	if minuteIndex < 1 {
		return 0, core.NewInvalidRequestError(fmt.Sprintf("minute index must be >= 1, got %d", minuteIndex))
	}

	s := c.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if minuteIndex <= s.lastBilledMinute {
		c.logger.Debug("debit skipped, minute already billed",
			"session_id", sessionID, "minute", minuteIndex, "last_billed", s.lastBilledMinute)
		return s.lastBalance, nil
	}

	balance, err := c.postEntry(ctx, "/v1/quota/debit", entryRequest{
		SessionID:   sessionID,
		MinuteIndex: minuteIndex,
		Amount:      amount,
		Reason:      fmt.Sprintf("minute_%d", minuteIndex),
	})
	if err != nil {
		return 0, err
	}

	s.lastBilledMinute = minuteIndex
	s.lastBalance = balance
	if minuteIndex == 1 {
		// A fresh first-minute charge re-arms refund dedupe: per-reason
		// idempotence guards one outstanding charge, not the whole session.
		s.refunded = make(map[Reason]bool)
	}
	c.logger.Info("minute billed",
		"session_id", sessionID, "minute", minuteIndex, "amount", amount, "balance", balance)
	return balance, nil
}

// Refund credits back part of a session's charge. Idempotent per
// (session, reason): the second refund with the same reason is a no-op
// success. A zero amount is also a no-op.
func (c *Client) Refund(ctx context.Context, sessionID string, amount int, reason Reason) (int, error) {
	if sessionID == "" {
		return 0, core.NewInvalidRequestError("session id must not be empty")
	}
	if reason == "" {
		return 0, core.NewInvalidRequestError("refund reason must not be empty")
	}

	s := c.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount <= 0 || s.refunded[reason] {
		return s.lastBalance, nil
	}

	balance, err := c.postEntry(ctx, "/v1/quota/refund", entryRequest{
		SessionID: sessionID,
		Amount:    amount,
		Reason:    string(reason),
	})
	if err != nil {
		return 0, err
	}

	s.refunded[reason] = true
	s.lastBalance = balance
	if s.lastBilledMinute == 1 {
		// The outstanding first-minute debit is settled. Rolling the
		// watermark back makes a later attempt on the same session charge
		// minute 1 again instead of riding a refunded debit.
		s.lastBilledMinute = 0
	}
	c.logger.Info("refund issued",
		"session_id", sessionID, "amount", amount, "reason", reason, "balance", balance)
	return balance, nil
}

// Forget drops local idempotence state for a finished session.
func (c *Client) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

type entryRequest struct {
	SessionID   string `json:"session_id"`
	MinuteIndex int    `json:"minute_index,omitempty"`
	Amount      int    `json:"amount"`
	Reason      string `json:"reason"`
}

type entryResponse struct {
	Success          bool   `json:"success"`
	Code             string `json:"code,omitempty"`
	Message          string `json:"message,omitempty"`
	RemainingBalance int    `json:"remaining_balance"`
}

// postEntry performs one remote ledger call with bounded retries on
// transient failures.
func (c *Client) postEntry(ctx context.Context, path string, req entryRequest) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, core.NewBillingError(core.CodeLedgerUnavailable, "encode ledger request").Wrap(err)
	}

	var balance int
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		b, attemptErr := c.postOnce(ctx, path, body)
		if attemptErr != nil {
			typed := core.AsError(attemptErr)
			if typed.Code == core.CodeLedgerUnavailable {
				return retry.RetryableError(attemptErr)
			}
			return attemptErr
		}
		balance = b
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (c *Client) postOnce(ctx context.Context, path string, body []byte) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, core.NewBillingError(core.CodeLedgerUnavailable, "build ledger request").Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, core.NewBillingError(core.CodeLedgerUnavailable, "quota service unreachable").Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, core.NewBillingError(core.CodeLedgerUnavailable, fmt.Sprintf("quota service returned %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, core.NewBillingError(core.CodeLedgerUnavailable, "read ledger response").Wrap(err)
	}

	var entry entryResponse
	if err := json.Unmarshal(raw, &entry); err != nil {
		return 0, core.NewBillingError(core.CodeLedgerUnavailable, "decode ledger response").Wrap(err)
	}

	if entry.Success {
		return entry.RemainingBalance, nil
	}
	switch entry.Code {
	case "duplicate_minute":
		// The server already billed this minute for this session; treat it
		// the same as a local idempotence hit.
		return entry.RemainingBalance, nil
	case "insufficient_balance":
		return 0, core.NewBillingError(core.CodeInsufficientFunds, "quota balance exhausted")
	default:
		return 0, core.NewBillingError(core.CodeLedgerUnavailable, fmt.Sprintf("quota service rejected entry: %s", entry.Message))
	}
}
