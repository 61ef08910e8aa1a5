package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// fakeQuota is an in-memory stand-in for the remote quota service.
type fakeQuota struct {
	mu      sync.Mutex
	balance int
	billed  map[string]bool // session_id:minute
	debits  int
	refunds int
	fail    int // remaining 500 responses before succeeding
}

func (f *fakeQuota) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/quota/debit", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.fail > 0 {
			f.fail--
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		var req entryRequest
		json.NewDecoder(r.Body).Decode(&req)

		key := req.SessionID + ":" + req.Reason
		if f.billed[key] {
			json.NewEncoder(w).Encode(entryResponse{Success: false, Code: "duplicate_minute", RemainingBalance: f.balance})
			return
		}
		if f.balance < req.Amount {
			json.NewEncoder(w).Encode(entryResponse{Success: false, Code: "insufficient_balance", RemainingBalance: f.balance})
			return
		}
		f.billed[key] = true
		f.balance -= req.Amount
		f.debits++
		json.NewEncoder(w).Encode(entryResponse{Success: true, RemainingBalance: f.balance})
	})
	mux.HandleFunc("/v1/quota/refund", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		var req entryRequest
		json.NewDecoder(r.Body).Decode(&req)

		f.balance += req.Amount
		f.refunds++
		// A refunded pre-debit is re-billable on retry.
		delete(f.billed, req.SessionID+":minute_1")
		json.NewEncoder(w).Encode(entryResponse{Success: true, RemainingBalance: f.balance})
	})
	return mux
}

func newTestClient(t *testing.T, quota *fakeQuota) *Client {
	t.Helper()
	if quota.billed == nil {
		quota.billed = make(map[string]bool)
	}
	server := httptest.NewServer(quota.handler())
	t.Cleanup(server.Close)
	return NewClient(server.URL, "test-key", WithHTTPClient(server.Client()))
}

func TestDebitAdvancesAndReturnsBalance(t *testing.T) {
	quota := &fakeQuota{balance: 80}
	client := newTestClient(t, quota)

	balance, err := client.Debit(context.Background(), "sess-1", 1, 8)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if balance != 72 {
		t.Errorf("balance = %d, want 72", balance)
	}
	if client.LastBilledMinute("sess-1") != 1 {
		t.Errorf("LastBilledMinute = %d, want 1", client.LastBilledMinute("sess-1"))
	}
}

func TestDebitIdempotentPerMinute(t *testing.T) {
	quota := &fakeQuota{balance: 80}
	client := newTestClient(t, quota)

	// Repeated and non-increasing minute indexes must each change the
	// balance by exactly one debit per distinct minute.
	sequence := []int{1, 1, 2, 1, 2, 3, 3, 2}
	for _, minute := range sequence {
		if _, err := client.Debit(context.Background(), "sess-1", minute, 8); err != nil {
			t.Fatalf("Debit(%d): %v", minute, err)
		}
	}

	if quota.debits != 3 {
		t.Errorf("remote debits = %d, want 3", quota.debits)
	}
	if quota.balance != 80-3*8 {
		t.Errorf("balance = %d, want %d", quota.balance, 80-3*8)
	}
}

func TestDebitServerDuplicateGuard(t *testing.T) {
	quota := &fakeQuota{balance: 80, billed: map[string]bool{"sess-1:minute_1": true}}
	client := newTestClient(t, quota)

	// The server already billed minute 1 (a previous process crashed after
	// the remote call). The client treats the duplicate response as success.
	balance, err := client.Debit(context.Background(), "sess-1", 1, 8)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if balance != 80 {
		t.Errorf("balance = %d, want 80", balance)
	}
	if client.LastBilledMinute("sess-1") != 1 {
		t.Error("watermark should advance past a server-side duplicate")
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	quota := &fakeQuota{balance: 5}
	client := newTestClient(t, quota)

	_, err := client.Debit(context.Background(), "sess-1", 1, 8)
	if err == nil {
		t.Fatal("expected error")
	}
	var typed *core.Error
	if !errors.As(err, &typed) || typed.Code != core.CodeInsufficientFunds {
		t.Errorf("expected insufficient_balance, got %v", err)
	}
	if typed.IsRetryable() {
		t.Error("insufficient balance must not be retryable")
	}
	if client.LastBilledMinute("sess-1") != 0 {
		t.Error("failed debit must not advance the watermark")
	}
}

func TestDebitRetriesTransientFailure(t *testing.T) {
	quota := &fakeQuota{balance: 80, fail: 1}
	client := newTestClient(t, quota)

	balance, err := client.Debit(context.Background(), "sess-1", 1, 8)
	if err != nil {
		t.Fatalf("Debit should recover from one 502: %v", err)
	}
	if balance != 72 || quota.debits != 1 {
		t.Errorf("balance = %d, debits = %d", balance, quota.debits)
	}
}

func TestDebitTransientExhaustion(t *testing.T) {
	quota := &fakeQuota{balance: 80, fail: 10}
	client := newTestClient(t, quota)

	_, err := client.Debit(context.Background(), "sess-1", 1, 8)
	var typed *core.Error
	if !errors.As(err, &typed) || typed.Code != core.CodeLedgerUnavailable {
		t.Errorf("expected ledger_unavailable, got %v", err)
	}
}

func TestRefundIdempotentPerReason(t *testing.T) {
	quota := &fakeQuota{balance: 72}
	client := newTestClient(t, quota)

	if _, err := client.Refund(context.Background(), "sess-1", 8, ReasonTooShortUnder10s); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if _, err := client.Refund(context.Background(), "sess-1", 8, ReasonTooShortUnder10s); err != nil {
		t.Fatalf("Refund (repeat): %v", err)
	}

	if quota.refunds != 1 {
		t.Errorf("remote refunds = %d, want 1", quota.refunds)
	}
	if quota.balance != 80 {
		t.Errorf("balance = %d, want 80", quota.balance)
	}

	// A different reason is a distinct refund.
	if _, err := client.Refund(context.Background(), "sess-1", 4, ReasonConnectionFailed); err != nil {
		t.Fatalf("Refund (other reason): %v", err)
	}
	if quota.refunds != 2 {
		t.Errorf("remote refunds = %d, want 2", quota.refunds)
	}
}

func TestRefundOfFirstMinuteAllowsRebilling(t *testing.T) {
	quota := &fakeQuota{balance: 80}
	client := newTestClient(t, quota)

	// First attempt: pre-debit minute 1, then the connection fails and the
	// minute is refunded in full.
	if _, err := client.Debit(context.Background(), "sess-1", 1, 8); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if _, err := client.Refund(context.Background(), "sess-1", 8, ReasonConnectionFailed); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got := client.LastBilledMinute("sess-1"); got != 0 {
		t.Fatalf("LastBilledMinute = %d, want 0 after the first minute was refunded", got)
	}

	// Retry on the same session: minute 1 must be charged remotely again.
	if _, err := client.Debit(context.Background(), "sess-1", 1, 8); err != nil {
		t.Fatalf("Debit (retry): %v", err)
	}
	if quota.debits != 2 {
		t.Fatalf("remote debits = %d, want 2", quota.debits)
	}

	// The retried call ends inside the half-refund band. The refund goes
	// through and the session's net charge stays positive.
	if _, err := client.Refund(context.Background(), "sess-1", 4, ReasonShort10To30s); err != nil {
		t.Fatalf("Refund (short call): %v", err)
	}
	if quota.refunds != 2 {
		t.Errorf("remote refunds = %d, want 2", quota.refunds)
	}
	if quota.balance != 76 {
		t.Errorf("balance = %d, want 76 (16 debited, 12 refunded)", quota.balance)
	}
}

func TestRefundDedupeRearmsAfterRebilling(t *testing.T) {
	quota := &fakeQuota{balance: 80}
	client := newTestClient(t, quota)

	// Two failed attempts in a row refund under the same reason. The dedupe
	// guards one outstanding charge, so the second attempt's refund is real.
	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := client.Debit(context.Background(), "sess-1", 1, 8); err != nil {
			t.Fatalf("Debit (attempt %d): %v", attempt, err)
		}
		if _, err := client.Refund(context.Background(), "sess-1", 8, ReasonConnectionFailed); err != nil {
			t.Fatalf("Refund (attempt %d): %v", attempt, err)
		}
	}

	if quota.debits != 2 || quota.refunds != 2 {
		t.Errorf("remote debits = %d, refunds = %d, want 2 and 2", quota.debits, quota.refunds)
	}
	if quota.balance != 80 {
		t.Errorf("balance = %d, want 80", quota.balance)
	}
}

func TestRefundZeroAmountIsNoop(t *testing.T) {
	quota := &fakeQuota{balance: 72}
	client := newTestClient(t, quota)

	if _, err := client.Refund(context.Background(), "sess-1", 0, ReasonShort10To30s); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if quota.refunds != 0 {
		t.Errorf("remote refunds = %d, want 0", quota.refunds)
	}
}

func TestSeedBilledMinute(t *testing.T) {
	quota := &fakeQuota{balance: 80}
	client := newTestClient(t, quota)

	client.SeedBilledMinute("sess-1", 3)

	// Minutes at or below the seed are no-ops.
	for _, minute := range []int{1, 2, 3} {
		if _, err := client.Debit(context.Background(), "sess-1", minute, 8); err != nil {
			t.Fatalf("Debit(%d): %v", minute, err)
		}
	}
	if quota.debits != 0 {
		t.Errorf("remote debits = %d, want 0", quota.debits)
	}

	if _, err := client.Debit(context.Background(), "sess-1", 4, 8); err != nil {
		t.Fatalf("Debit(4): %v", err)
	}
	if quota.debits != 1 {
		t.Errorf("remote debits = %d, want 1", quota.debits)
	}

	// Seeding backwards never lowers the watermark.
	client.SeedBilledMinute("sess-1", 2)
	if client.LastBilledMinute("sess-1") != 4 {
		t.Errorf("LastBilledMinute = %d, want 4", client.LastBilledMinute("sess-1"))
	}
}

func TestDebitValidatesInput(t *testing.T) {
	client := newTestClient(t, &fakeQuota{balance: 80})

	if _, err := client.Debit(context.Background(), "", 1, 8); err == nil {
		t.Error("expected error for empty session id")
	}
	if _, err := client.Debit(context.Background(), "sess-1", 0, 8); err == nil {
		t.Error("expected error for minute index 0")
	}
}
