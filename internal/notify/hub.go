package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Hub streams bus events to browser clients over WebSocket.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	logger  *slog.Logger
	buffer  int
}

type hubClient struct {
	events chan Event
	// gone is closed when the hub drops the client for falling behind.
	gone chan struct{}
	once sync.Once
}

func (c *hubClient) drop() {
	c.once.Do(func() { close(c.gone) })
}

// NewHub creates a hub. Each client may lag behind by at most 64 events.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		logger:  logger.With("component", "notify", "bus", "websocket"),
		buffer:  64,
	}
}

// Attach forwards every event on bus to connected clients.
func (h *Hub) Attach(bus Bus) (detach func()) {
	return bus.Subscribe(h.Broadcast)
}

// Broadcast queues e for every client. Clients whose buffer is full are dropped.
func (h *Hub) Broadcast(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.events <- e:
		default:
			h.logger.Warn("websocket client too slow, dropping")
			delete(h.clients, c)
			c.drop()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() *hubClient {
	c := &hubClient{
		events: make(chan Event, h.buffer),
		gone:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // the UI is served from a different local origin
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	c := h.register()
	defer h.unregister(c)

	h.logger.Debug("event stream connected", "remote", r.RemoteAddr)

	// Clients only listen; CloseRead handles control frames and reports disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case e := <-c.events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, e)
			cancel()
			if err != nil {
				h.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
