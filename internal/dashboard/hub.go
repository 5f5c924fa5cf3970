package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"traffic_marl/internal/domain"
)

const writeWait = 5 * time.Second

// Hub broadcasts step summaries to websocket clients. New clients first
// receive the most recent history.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	history  []domain.StepSummary
	keep     int
	buffer   int
	upgrader websocket.Upgrader
	logger   *log.Logger
	closed   bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(keep, buffer int, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	if keep <= 0 {
		keep = 256
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		keep:    keep,
		buffer:  buffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Hub) Publish(sum domain.StepSummary) {
	data, err := json.Marshal(Frame{Type: FrameStep, Steps: []domain.StepSummary{sum}})
	if err != nil {
		h.logger.Printf("dashboard encode failed: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.history = append(h.history, sum)
	if len(h.history) > h.keep {
		h.history = append(h.history[:0:0], h.history[len(h.history)-h.keep:]...)
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop it rather than stall the trainer.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("dashboard upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	history, err := json.Marshal(Frame{Type: FrameHistory, Steps: append([]domain.StepSummary{}, h.history...)})
	if err == nil {
		c.send <- history
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// readLoop discards client frames and detects disconnects.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}
