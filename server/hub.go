package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket timeout constants following Gorilla best practices.
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// TransitionMessage is one lifecycle transition pushed to WebSocket clients.
type TransitionMessage struct {
	Type      string `json:"type"`
	Partition string `json:"partition"`
	RequestID string `json:"request_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	At        string `json:"at"`
}

// Hub fans lifecycle transitions out to connected WebSocket clients.
// Implements lifecycle.Broadcaster; BroadcastTransition never blocks, slow
// clients drop messages instead of stalling the state machine.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
	closed   bool
}

// NewHub builds an empty hub.
func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: log,
	}
}

// BroadcastTransition implements lifecycle.Broadcaster.
func (h *Hub) BroadcastTransition(partition, requestID, fromState, toState string) {
	msg := &TransitionMessage{
		Type:      "transition",
		Partition: partition,
		RequestID: requestID,
		From:      fromState,
		To:        toState,
		At:        time.Now().UTC().Format(time.RFC3339),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warnw("Client send channel full, dropping transition",
				"client_id", c.id, "request_id", requestID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan *TransitionMessage, 64),
		id:   "ws_" + uuid.NewString(),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Infow("WebSocket client connected", "client_id", client.id, "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
		h.logger.Infow("WebSocket client disconnected", "client_id", c.id)
	}
}
