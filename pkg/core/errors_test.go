package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := NewTransportError(CodeRegionBlocked, "relay rejected the region")
	want := "transport_error: relay rejected the region (code: region_blocked)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	plain := NewInvalidRequestError("config must not be nil")
	if got := plain.Error(); got != "invalid_request_error: config must not be nil" {
		t.Errorf("Error() = %q", got)
	}
}

func TestAllowsFallback(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want bool
	}{
		{"region blocked", NewTransportError(CodeRegionBlocked, "blocked"), true},
		{"timeout", NewTransportError(CodeTimeout, "dial timeout"), true},
		{"connection lost during establish", NewTransportError(CodeConnectionLost, "reset"), true},
		{"rate limited", NewRateLimitError("slow down", 5), false},
		{"permission denied is setup", NewSetupError(CodePermissionDenied, "mic denied"), false},
		{"billing never falls back", NewBillingError(CodeInsufficientFunds, "empty"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.AllowsFallback(); got != tt.want {
				t.Errorf("AllowsFallback() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !NewRateLimitError("limited", 1).IsRetryable() {
		t.Error("rate limited should be retryable")
	}
	if !NewBillingError(CodeLedgerUnavailable, "ledger down").IsRetryable() {
		t.Error("ledger unavailable should be retryable")
	}
	if NewBillingError(CodeInsufficientFunds, "empty").IsRetryable() {
		t.Error("insufficient balance must not be retryable")
	}
	if NewSetupError(CodeUnsupportedEnv, "no capture").IsRetryable() {
		t.Error("unsupported environment must not be retryable")
	}
}

func TestAsError(t *testing.T) {
	typed := NewSetupError(CodeAuthRequired, "session expired")
	wrapped := fmt.Errorf("start: %w", typed)
	got := AsError(wrapped)
	if got != typed {
		t.Errorf("AsError did not unwrap the typed error")
	}

	raw := errors.New("broken pipe")
	got = AsError(raw)
	if got.Type != ErrMidCall || got.Code != CodeConnectionLost {
		t.Errorf("untyped error categorized as %s/%s", got.Type, got.Code)
	}
	if !errors.Is(got, raw) {
		t.Error("categorized error should wrap the original")
	}

	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
}

func TestWithSession(t *testing.T) {
	base := NewMidCallError("dropped")
	tagged := base.WithSession("sess-1")
	if tagged.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", tagged.SessionID)
	}
	if base.SessionID != "" {
		t.Error("WithSession must not mutate the original")
	}
}
