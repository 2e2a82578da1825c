package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// frameServer sends frames on every connection and then closes it
func frameServer(t *testing.T, frames ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		connections.Add(1)
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	}))

	return srv, &connections
}

func next(t *testing.T, ch <-chan Message) Message {
	t.Helper()

	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for message")
	}
	return Message{}
}

func TestClient_DeliversFramesAndReconnects(t *testing.T) {
	srv, connections := frameServer(t, `{"n":1}`, `{"n":2}`)
	defer srv.Close()

	c, err := NewClient(wsURL(srv), WithReconnect(10*time.Millisecond, 20*time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Message)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, out) }()

	expected := []struct {
		kind    MessageKind
		payload string
	}{
		{Connected, ""},
		{Data, `{"n":1}`},
		{Data, `{"n":2}`},
		{Disconnected, ""},
		{Connected, ""},
	}

	for i, e := range expected {
		m := next(t, out)
		if m.Kind != e.kind {
			t.Fatalf("Message %d: expected %s, got %s", i, e.kind, m.Kind)
		}
		if string(m.Payload) != e.payload {
			t.Errorf("Message %d: expected payload %q, got %q", i, e.payload, m.Payload)
		}
		if m.Kind == Disconnected && m.Err == nil {
			t.Errorf("Message %d: expected disconnect cause", i)
		}
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error on cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if connections.Load() < 2 {
		t.Errorf("Expected at least 2 connections, got %d", connections.Load())
	}
}

func TestClient_CancelWhileConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// idle until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := NewClient(wsURL(srv))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Message, 4)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, out) }()

	if m := next(t, out); m.Kind != Connected {
		t.Fatalf("Expected connected, got %s", m.Kind)
	}

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestClient_HandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewClient(wsURL(srv))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = c.connect(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("Expected ErrHandshake, got %v", err)
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("Expected status in error, got %v", err)
	}
}

func TestClient_RetriesUntilCancelled(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(wsURL(srv), WithReconnect(5*time.Millisecond, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out := make(chan Message, 1)
	if err := c.Run(ctx, out); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}

	if attempts.Load() < 3 {
		t.Errorf("Expected several attempts, got %d", attempts.Load())
	}
	if len(out) != 0 {
		t.Errorf("Expected no messages without a connection, got %d", len(out))
	}
}

func TestNewClient_InvalidParameters(t *testing.T) {
	testCases := []struct {
		name    string
		url     string
		options []func(*Client)
	}{
		{"http scheme", "http://localhost:8000/ws/dashboard", nil},
		{"no scheme", "localhost:8000", nil},
		{"zero min delay", "ws://localhost:8000", []func(*Client){WithReconnect(0, time.Second)}},
		{"max below min", "ws://localhost:8000", []func(*Client){WithReconnect(time.Second, time.Millisecond)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewClient(tc.url, tc.options...); err == nil {
				t.Error("Expected error for invalid parameters")
			}
		})
	}
}

func TestMessageKind_String(t *testing.T) {
	for kind, expected := range map[MessageKind]string{
		Data:            "data",
		Connected:       "connected",
		Disconnected:    "disconnected",
		MessageKind(42): "MessageKind(42)",
	} {
		if kind.String() != expected {
			t.Errorf("Expected %s, got %s", expected, kind.String())
		}
	}
}
