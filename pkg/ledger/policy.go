package ledger

// Reason identifies why a ledger entry was made.
type Reason string

const (
	ReasonCallNeverStarted Reason = "call_never_started"
	ReasonTooShortUnder10s Reason = "call_too_short_under_10s"
	ReasonShort10To30s     Reason = "call_short_10_to_30s"
	ReasonEnvUnsupported   Reason = "environment_not_supported"
	ReasonConnectionFailed Reason = "connection_failed"
)

// ShortCallRefund applies the short-call policy for a call that ended with
// exactly one billed minute. It returns the refund amount and reason, or
// (0, "") when nothing is owed.
//
// Bands: elapsed 0 means the call never actually connected and is always
// fully refunded; under 10 seconds refunds the full minute; 10 to 30 seconds
// refunds half (integer floor); 30 seconds and beyond refunds nothing.
// Minutes 2+ are never refunded, whatever the elapsed time.
func ShortCallRefund(elapsedSeconds, billedMinutes, amountPerMinute int) (int, Reason) {
	if billedMinutes != 1 {
		return 0, ""
	}
	switch {
	case elapsedSeconds == 0:
		return amountPerMinute, ReasonCallNeverStarted
	case elapsedSeconds < 10:
		return amountPerMinute, ReasonTooShortUnder10s
	case elapsedSeconds < 30:
		return amountPerMinute / 2, ReasonShort10To30s
	default:
		return 0, ""
	}
}

// CurrentMinute returns the 1-based billing minute for an elapsed duration.
// Minute 1 covers seconds 0-59, minute 2 covers 60-119, and so on.
func CurrentMinute(elapsedSeconds int) int {
	if elapsedSeconds < 0 {
		return 1
	}
	return elapsedSeconds/60 + 1
}
