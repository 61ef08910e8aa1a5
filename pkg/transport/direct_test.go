package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

var testUpgrader = websocket.Upgrader{}

// newWSServer runs handler on each upgraded connection and returns the ws://
// URL.
func newWSServer(t *testing.T, handler func(*websocket.Conn)) (string, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	return "ws" + strings.TrimPrefix(server.URL, "http"), server
}

func newTestTokenSource(t *testing.T) (*TokenSource, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"tok-1"}`))
	}))
	return NewTokenSource(server.URL, "user", server.Client()), server
}

func TestDirectTransportEstablishAndEvents(t *testing.T) {
	url, server := newWSServer(t, func(conn *websocket.Conn) {
		var hello map[string]any
		if err := conn.ReadJSON(&hello); err != nil {
			t.Errorf("read hello: %v", err)
			return
		}
		if hello["type"] != "session.start" || hello["token"] != "tok-1" || hello["session_id"] != "sess-1" {
			t.Errorf("unexpected hello: %v", hello)
		}

		conn.WriteJSON(map[string]any{"type": "session.started", "remote_id": "r-9"})
		conn.WriteJSON(map[string]any{"type": "transcript.delta", "role": "assistant", "text": "hi", "is_final": true})
		conn.WriteJSON(map[string]any{"type": "tool.call", "name": "course_recommendations", "input": map[string]any{"ids": []int{1, 2}}})
		conn.WriteJSON(map[string]any{"type": "usage", "input_tokens": 10, "output_tokens": 20})

		// Keep reading so the connection stays open until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tokens, tokenServer := newTestTokenSource(t)
	defer tokenServer.Close()

	tr := NewDirectTransport(url, tokens)
	err := tr.Establish(context.Background(), EstablishConfig{SessionID: "sess-1", CoachID: "coach-7", Mode: ModeStandard})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	defer tr.Teardown()

	var established *EstablishedEvent
	var transcript *TranscriptDeltaEvent
	var tool *ToolCallEvent
	var usage *UsageEvent

	deadline := time.After(3 * time.Second)
	for established == nil || transcript == nil || tool == nil || usage == nil {
		select {
		case event, ok := <-tr.Events():
			if !ok {
				t.Fatal("event stream closed early")
			}
			switch e := event.(type) {
			case *EstablishedEvent:
				established = e
			case *TranscriptDeltaEvent:
				transcript = e
			case *ToolCallEvent:
				tool = e
			case *UsageEvent:
				usage = e
			}
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}

	if established.RemoteID != "r-9" {
		t.Errorf("RemoteID = %q", established.RemoteID)
	}
	if transcript.Role != "assistant" || transcript.Text != "hi" || !transcript.IsFinal {
		t.Errorf("transcript = %+v", transcript)
	}
	if tool.Name != "course_recommendations" {
		t.Errorf("tool name = %q", tool.Name)
	}
	var toolInput struct {
		IDs []int `json:"ids"`
	}
	if err := json.Unmarshal(tool.Input, &toolInput); err != nil || len(toolInput.IDs) != 2 {
		t.Errorf("tool input = %s (err %v)", tool.Input, err)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestDirectTransportControlAndCapture(t *testing.T) {
	received := make(chan map[string]any, 4)
	url, server := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{"type": "session.started"})
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			received <- frame
		}
	})
	defer server.Close()

	tokens, tokenServer := newTestTokenSource(t)
	defer tokenServer.Close()

	tr := NewDirectTransport(url, tokens)
	if err := tr.Establish(context.Background(), EstablishConfig{SessionID: "sess-1"}); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	defer tr.Teardown()

	if err := tr.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := tr.SendControl("still there?"); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	if err := tr.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	want := []string{"capture.start", "control.message", "capture.stop"}
	for _, wantType := range want {
		select {
		case frame := <-received:
			if frame["type"] != wantType {
				t.Errorf("frame type = %v, want %s", frame["type"], wantType)
			}
			if wantType == "control.message" && frame["text"] != "still there?" {
				t.Errorf("control text = %v", frame["text"])
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", wantType)
		}
	}
}

func TestDirectTransportProbe(t *testing.T) {
	url, server := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{"type": "session.started"})
		// Default ping handler answers pongs while we read.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tokens, tokenServer := newTestTokenSource(t)
	defer tokenServer.Close()

	tr := NewDirectTransport(url, tokens)
	if err := tr.Establish(context.Background(), EstablishConfig{SessionID: "sess-1"}); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	defer tr.Teardown()

	rtt, err := tr.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if rtt <= 0 || rtt > time.Second {
		t.Errorf("rtt = %v", rtt)
	}
}

func TestDirectTransportRegionBlockedDial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	tokens, tokenServer := newTestTokenSource(t)
	defer tokenServer.Close()

	tr := NewDirectTransport("ws"+strings.TrimPrefix(server.URL, "http"), tokens)
	err := tr.Establish(context.Background(), EstablishConfig{SessionID: "sess-1"})
	if err == nil {
		t.Fatal("expected dial failure")
	}
	var typed *core.Error
	if !errors.As(err, &typed) || typed.Code != core.CodeRegionBlocked {
		t.Errorf("expected region_blocked, got %v", err)
	}
	if !typed.AllowsFallback() {
		t.Error("region blocked must allow fallback")
	}
}

func TestDirectTransportRetriesOnTokenRejection(t *testing.T) {
	var attempts atomic.Int32
	url, server := newWSServer(t, func(conn *websocket.Conn) {
		n := attempts.Add(1)
		var hello map[string]any
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		if n == 1 {
			conn.WriteJSON(map[string]any{"type": "error", "code": "token_expired", "message": "expired"})
			return
		}
		conn.WriteJSON(map[string]any{"type": "session.started"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tokens, tokenServer := newTestTokenSource(t)
	defer tokenServer.Close()

	tr := NewDirectTransport(url, tokens)
	if err := tr.Establish(context.Background(), EstablishConfig{SessionID: "sess-1"}); err != nil {
		t.Fatalf("Establish should succeed on retry, got %v", err)
	}
	defer tr.Teardown()

	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestRelayFrameDecoding(t *testing.T) {
	event, err := decodeRelayFrame([]byte(`{"op":"transcript","data":{"role":"user","text":"hello","final":false}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	delta, ok := event.(*TranscriptDeltaEvent)
	if !ok || delta.Role != "user" || delta.Text != "hello" || delta.IsFinal {
		t.Errorf("event = %#v", event)
	}

	event, err = decodeRelayFrame([]byte(`{"op":"speech","data":{"active":true}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := event.(*SpeechStartedEvent); !ok {
		t.Errorf("event = %#v, want speech started", event)
	}

	// Unknown ops are skipped, not errors.
	event, err = decodeRelayFrame([]byte(`{"op":"future_thing","data":{}}`))
	if err != nil || event != nil {
		t.Errorf("unknown op: event=%#v err=%v", event, err)
	}
}

func TestAlternateFrameDecoding(t *testing.T) {
	event, err := decodeAlternateFrame([]byte(`{"event":"agent_text","text":"breathe in","final":true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	delta, ok := event.(*TranscriptDeltaEvent)
	if !ok || delta.Role != "assistant" || delta.Text != "breathe in" {
		t.Errorf("event = %#v", event)
	}

	event, err = decodeAlternateFrame([]byte(`{"event":"err","code":"region_blocked","reason":"not available"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	errEvent, ok := event.(*ErrorEvent)
	if !ok || errEvent.Code != "region_blocked" {
		t.Errorf("event = %#v", event)
	}
}
