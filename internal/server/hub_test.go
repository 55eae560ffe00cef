package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func streamServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHubBroadcastToClient(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	srv := streamServer(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, time.Second, "client registered", func() bool { return hub.Clients() == 1 })

	hub.Broadcast(StreamEvent{Type: "draft", Text: "hello", SessionID: "s1"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "draft" || ev.Text != "hello" || ev.SessionID != "s1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())

	// Register a client directly and never drain it; once its buffer fills,
	// the broadcast path must disconnect it instead of blocking.
	c := &streamClient{events: make(chan StreamEvent, clientBuffer)}
	hub.add(c)

	for i := 0; i < clientBuffer+1; i++ {
		hub.Broadcast(StreamEvent{Type: "level", Level: 0.5})
	}

	if got := hub.Clients(); got != 0 {
		t.Errorf("clients = %d, want 0 after overflow", got)
	}

	// The buffered events are still delivered, then the channel reports
	// closed so the writer loop can exit.
	closed := false
	for i := 0; i < clientBuffer+1; i++ {
		if _, ok := <-c.events; !ok {
			closed = true
			break
		}
	}
	if !closed {
		t.Error("events channel not closed after overflow")
	}
}

func TestHubClientUnregistersOnDisconnect(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	srv := streamServer(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, time.Second, "client registered", func() bool { return hub.Clients() == 1 })

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, time.Second, "client unregistered", func() bool { return hub.Clients() == 0 })
}
