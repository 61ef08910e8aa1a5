package core

import (
	"errors"
	"fmt"
)

// Error is the typed failure every collaborator call is converted to before
// it reaches a caller. Raw transport or HTTP errors never propagate upward
// uncategorized.
type Error struct {
	Type       ErrorType `json:"type"`
	Code       ErrorCode `json:"code,omitempty"`
	Message    string    `json:"message"`
	SessionID  string    `json:"session_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors by where in the call lifecycle they occur.
type ErrorType string

const (
	// ErrSetup covers failures before a transport ever connected: invalid
	// auth, capture permission denied, unsupported environment. Setup
	// failures are always fully refunded.
	ErrSetup ErrorType = "setup_error"
	// ErrTransport covers connection establishment failures: timeouts,
	// region blocks, rate limits. Refunded unless a fallback succeeds.
	ErrTransport ErrorType = "transport_error"
	// ErrMidCall covers unexpected drops after the call connected. Only the
	// short-call refund policy applies.
	ErrMidCall ErrorType = "midcall_error"
	// ErrBilling covers remote debit failures during a connected call. The
	// call is suspended, not terminated.
	ErrBilling ErrorType = "billing_error"
	// ErrFinalization covers summarization and archival failures after the
	// call ended. Logged and degraded, never surfaced as a call failure.
	ErrFinalization ErrorType = "finalization_error"
	// ErrInvalidRequest covers caller mistakes (bad config, nil arguments).
	ErrInvalidRequest ErrorType = "invalid_request_error"
)

// ErrorCode identifies the specific human-readable failure category.
type ErrorCode string

const (
	CodeTimeout            ErrorCode = "timeout"
	CodeRegionBlocked      ErrorCode = "region_blocked"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodePermissionDenied   ErrorCode = "permission_denied"
	CodeDeviceNotFound     ErrorCode = "device_not_found"
	CodeDeviceBusy         ErrorCode = "device_busy"
	CodeUnsupportedEnv     ErrorCode = "unsupported_environment"
	CodeAuthRequired       ErrorCode = "auth_required"
	CodeTokenFetchFailed   ErrorCode = "token_fetch_failed"
	CodeConflict           ErrorCode = "conflict"
	CodeConnectionLost     ErrorCode = "connection_lost"
	CodeInsufficientFunds  ErrorCode = "insufficient_balance"
	CodeLedgerUnavailable  ErrorCode = "ledger_unavailable"
	CodePlanLimit          ErrorCode = "plan_limit"
	CodeSummaryUnavailable ErrorCode = "summary_unavailable"
)

// NewSetupError creates a setup-phase error.
func NewSetupError(code ErrorCode, message string) *Error {
	return &Error{Type: ErrSetup, Code: code, Message: message}
}

// NewTransportError creates a transport establishment error.
func NewTransportError(code ErrorCode, message string) *Error {
	return &Error{Type: ErrTransport, Code: code, Message: message}
}

// NewMidCallError creates an error for an unexpected drop after connect.
func NewMidCallError(message string) *Error {
	return &Error{Type: ErrMidCall, Code: CodeConnectionLost, Message: message}
}

// NewBillingError creates a billing error.
func NewBillingError(code ErrorCode, message string) *Error {
	return &Error{Type: ErrBilling, Code: code, Message: message}
}

// NewFinalizationError creates a finalization error.
func NewFinalizationError(message string, cause error) *Error {
	return &Error{Type: ErrFinalization, Code: CodeSummaryUnavailable, Message: message, Cause: cause}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewConflictError signals that the global voice lock is already held.
func NewConflictError(message string) *Error {
	return &Error{Type: ErrSetup, Code: CodeConflict, Message: message}
}

// NewRateLimitError creates a rate-limited transport error with a retry hint.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{Type: ErrTransport, Code: CodeRateLimited, Message: message, RetryAfter: &retryAfter}
}

// WithSession returns a copy of the error tagged with the session id.
func (e *Error) WithSession(sessionID string) *Error {
	clone := *e
	clone.SessionID = sessionID
	return &clone
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(cause error) *Error {
	e.Cause = cause
	return e
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether the same operation may be retried as-is.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CodeTimeout, CodeRateLimited, CodeLedgerUnavailable:
		return true
	default:
		return false
	}
}

// AllowsFallback reports whether the failure justifies trying the next
// transport candidate. Only network- and region-related establishment
// failures do; auth and permission failures would fail the same way on any
// transport.
func (e *Error) AllowsFallback() bool {
	if e.Type != ErrTransport {
		return false
	}
	switch e.Code {
	case CodeTimeout, CodeRegionBlocked, CodeConnectionLost:
		return true
	default:
		return false
	}
}

// AsError extracts a typed *Error from an error chain. Untyped errors are
// wrapped as mid-call errors so callers always see a category.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Type: ErrMidCall, Code: CodeConnectionLost, Message: err.Error(), Cause: err}
}
