package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	probeTimeout            = 5 * time.Second
)

// frameDecoder turns one text frame into a typed event. Returning a nil
// event skips the frame.
type frameDecoder func(payload []byte) (Event, error)

// wsConn is the shared websocket machinery behind all three transports:
// mutex-guarded writes, a single reader goroutine pumping typed events, and
// idempotent close.
type wsConn struct {
	kind   Kind
	decode frameDecoder

	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	pongCh chan time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

func newWSConn(kind Kind, decode frameDecoder) *wsConn {
	return &wsConn{
		kind:   kind,
		decode: decode,
		events: make(chan Event, 128),
		done:   make(chan struct{}),
		pongCh: make(chan time.Time, 1),
	}
}

// dial connects, sends the hello payload, and waits for an ack frame of the
// given type before starting the read loop.
func (s *wsConn) dial(ctx context.Context, url string, header http.Header, hello any, ackType string) error {
	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultHandshakeTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, url, header)
	if err != nil {
		return classifyDialError(s.kind, resp, err)
	}

	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return core.NewTransportError(core.CodeConnectionLost, "send hello").Wrap(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return core.NewTransportError(core.CodeTimeout, "read handshake ack").Wrap(err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return core.NewTransportError(core.CodeConnectionLost, fmt.Sprintf("unexpected first frame type %d", messageType))
	}

	first, err := s.decode(payload)
	if err != nil {
		_ = conn.Close()
		return core.NewTransportError(core.CodeConnectionLost, "decode handshake ack").Wrap(err)
	}
	switch e := first.(type) {
	case *EstablishedEvent:
		if ackType != "" && e.EventType() != ackType {
			_ = conn.Close()
			return core.NewTransportError(core.CodeConnectionLost, "unexpected handshake frame "+e.EventType())
		}
	case *ErrorEvent:
		_ = conn.Close()
		return handshakeError(s.kind, e)
	default:
		_ = conn.Close()
		return core.NewTransportError(core.CodeConnectionLost, "unexpected handshake frame")
	}

	s.conn = conn
	conn.SetPongHandler(func(string) error {
		select {
		case s.pongCh <- time.Now():
		default:
		}
		return nil
	})

	s.emit(first)
	go s.readLoop()
	return nil
}

// handshakeError maps a remote error frame during handshake into the
// taxonomy.
func handshakeError(kind Kind, e *ErrorEvent) *core.Error {
	switch e.Code {
	case "region_blocked":
		return core.NewTransportError(core.CodeRegionBlocked, e.Message)
	case "rate_limited":
		return core.NewRateLimitError(e.Message, 30)
	case "unauthorized", "token_expired":
		return core.NewSetupError(core.CodeAuthRequired, e.Message)
	default:
		return core.NewTransportError(core.CodeConnectionLost, fmt.Sprintf("%s handshake rejected: %s", kind, e.Message))
	}
}

func (s *wsConn) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			reason := "connection_lost"
			if s.closed.Load() {
				reason = "local_close"
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "remote_close"
			} else {
				s.setErr(err)
			}
			s.emit(&ClosedEvent{Kind: s.kind, Reason: reason, Err: s.Err()})
			return
		}

		switch messageType {
		case websocket.TextMessage:
			event, derr := s.decode(payload)
			if derr != nil {
				s.setErr(derr)
				continue
			}
			if event != nil {
				s.emit(event)
			}
		case websocket.BinaryMessage:
			s.emit(&AssistantAudioEvent{Data: append([]byte(nil), payload...)})
		}
	}
}

// emit delivers an event without blocking the read loop. Events are dropped
// when the consumer falls more than a buffer behind.
func (s *wsConn) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func (s *wsConn) sendJSON(v any) error {
	if s.closed.Load() {
		return core.NewInvalidRequestError("transport already closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		s.setErr(err)
		return core.NewMidCallError("write failed").Wrap(err)
	}
	return nil
}

// probe measures one websocket ping round trip.
func (s *wsConn) probe(ctx context.Context) (time.Duration, error) {
	if s.conn == nil || s.closed.Load() {
		return 0, core.NewInvalidRequestError("transport not established")
	}

	// Drain a stale pong from an abandoned probe.
	select {
	case <-s.pongCh:
	default:
	}

	start := time.Now()
	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(probeTimeout))
	s.writeMu.Unlock()
	if err != nil {
		return 0, core.NewMidCallError("probe write failed").Wrap(err)
	}

	timer := time.NewTimer(probeTimeout)
	defer timer.Stop()
	select {
	case at := <-s.pongCh:
		return at.Sub(start), nil
	case <-s.done:
		return 0, core.NewMidCallError("connection closed during probe")
	case <-timer.C:
		return 0, core.NewTransportError(core.CodeTimeout, "probe timed out")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// teardown closes the connection once and waits briefly for the read loop to
// drain.
func (s *wsConn) teardown() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.conn == nil {
			close(s.events)
			close(s.done)
			return
		}
		deadline := time.Now().Add(2 * time.Second)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			deadline,
		)
		err = s.conn.Close()

		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
	})
	return err
}

func (s *wsConn) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the first terminal error observed on the connection.
func (s *wsConn) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
