// Package transport implements the three real-time connection strategies and
// the capability detector that orders them.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// Kind identifies a connection strategy.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindRelayed   Kind = "relayed"
	KindAlternate Kind = "alternate"
)

// EstablishConfig carries everything a transport needs to connect.
type EstablishConfig struct {
	SessionID    string
	CoachID      string
	Mode         Mode
	Instructions string
}

// Transport is the capability set every connection strategy implements. A
// transport is single-use: Establish once, Teardown once.
type Transport interface {
	Kind() Kind

	// Establish connects and completes the handshake. It blocks until the
	// transport is usable or the context ends.
	Establish(ctx context.Context, cfg EstablishConfig) error

	// Teardown closes the connection. Safe to call at any time, including
	// before Establish and more than once.
	Teardown() error

	// StartCapture asks the remote to begin accepting user audio.
	StartCapture() error

	// StopCapture pauses user audio without closing the connection.
	StopCapture() error

	// SendControl delivers an out-of-band text message to the remote, used
	// for soft reminders and mode hints.
	SendControl(text string) error

	// Probe measures one round trip for the quality monitor.
	Probe(ctx context.Context) (time.Duration, error)

	// Events returns the typed event stream. Closed after Teardown or a
	// terminal connection failure.
	Events() <-chan Event
}

// classifyDialError converts a websocket dial failure into the transport
// error taxonomy.
func classifyDialError(kind Kind, resp *http.Response, err error) *core.Error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusForbidden, http.StatusUnavailableForLegalReasons:
			return core.NewTransportError(core.CodeRegionBlocked, string(kind)+" transport rejected for this region")
		case http.StatusTooManyRequests:
			retryAfter := 30
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := time.ParseDuration(ra + "s"); perr == nil {
					retryAfter = int(secs.Seconds())
				}
			}
			return core.NewRateLimitError(string(kind)+" transport rate limited", retryAfter)
		case http.StatusUnauthorized:
			return core.NewSetupError(core.CodeAuthRequired, string(kind)+" transport rejected credentials")
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return core.NewTransportError(core.CodeTimeout, string(kind)+" transport dial timed out").Wrap(err)
	}
	return core.NewTransportError(core.CodeConnectionLost, string(kind)+" transport dial failed").Wrap(err)
}
