package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// clientBuffer is how many undelivered events a stream client may lag behind
// before it is disconnected.
const clientBuffer = 64

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// StreamEvent is one frame on the /api/stream websocket. Type is one of
// "draft", "partial", "final", "status", "error" or "level".
type StreamEvent struct {
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	Level     float32 `json:"level,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

type streamClient struct {
	events chan StreamEvent
}

// Hub fans out pipeline events to websocket subscribers. Delivery is
// best-effort: a client whose buffer fills up is dropped rather than allowed
// to stall the broadcast path.
type Hub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	log     *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[*streamClient]struct{}),
		log:     log,
	}
}

// Broadcast delivers ev to every connected client. Clients that cannot keep
// up are removed and their connection closed.
func (h *Hub) Broadcast(ev StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.events <- ev:
		default:
			delete(h.clients, c)
			close(c.events)
			h.log.Debug("stream client dropped: write backlog exceeded")
		}
	}
}

// Clients returns the number of connected stream subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request to a websocket and streams events until the
// client disconnects or falls behind.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("stream accept failed", "err", err)
		return
	}

	c := &streamClient{events: make(chan StreamEvent, clientBuffer)}
	h.add(c)
	defer h.remove(c)

	// The client never sends data frames; CloseRead surfaces disconnects as
	// context cancellation.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-c.events:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "write backlog exceeded")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("stream event marshal failed", "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func (h *Hub) add(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}
