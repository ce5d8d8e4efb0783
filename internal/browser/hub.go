// Package browser is the display channel: the kiosk UI connects over a
// websocket, receives screens and sends button presses back.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lidio601/lamassu-machine/internal/events"
	"github.com/lidio601/lamassu-machine/internal/metrics"
)

var ErrMalformedMessage = errors.New("browser: malformed message")

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Message is a button press from the UI.
type Message struct {
	Button string          `json:"button"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Screen tells the UI what to render.
type Screen struct {
	Action     string  `json:"action"`
	Credit     int64   `json:"credit,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	FiatCode   string  `json:"fiatCode,omitempty"`
	CryptoCode string  `json:"cryptoCode,omitempty"`
	Address    string  `json:"address,omitempty"`
	TxHash     string  `json:"txHash,omitempty"`
	TxLimit    int64   `json:"txLimit,omitempty"`
	Networks   any     `json:"networks,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Connection is the payload of connected.
type Connection struct {
	Clients int
}

// Closure is the payload of closed.
type Closure struct {
	Clients       int
	HeartbeatLost bool
}

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithHeartbeat sets how long a client may stay silent before it is dropped.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) { h.heartbeat = d }
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages display connections.
type Hub struct {
	emitter   *events.Emitter
	broadcast chan []byte
	heartbeat time.Duration
	logger    *slog.Logger
	done      chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
	last    []byte
	stopped bool
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		emitter:   events.NewEmitter(events.SourceBrowser),
		broadcast: make(chan []byte, 64),
		heartbeat: 60 * time.Second,
		logger:    slog.Default(),
		done:      make(chan struct{}),
		clients:   make(map[*client]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Events() *events.Emitter {
	return h.emitter
}

// Clients returns the number of connected displays.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send queues a screen for every connected display. The latest screen is
// replayed to displays that connect later.
func (h *Hub) Send(s Screen) {
	data, err := json.Marshal(s)
	if err != nil {
		h.logger.Error("encoding screen", "action", s.Action, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("display broadcast channel full, dropping screen", "action", s.Action)
	}
}

// Run delivers screens until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.DisplayClients.Set(0)
			return nil

		case data := <-h.broadcast:
			h.mu.Lock()
			h.last = data
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			for _, c := range slow {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		h.emitter.Emit(events.Error, fmt.Errorf("upgrade: %w", err))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 16)}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = true
	if h.last != nil {
		c.send <- h.last
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.DisplayClients.Set(float64(n))
	h.logger.Info("display connected", "clients", n)
	h.emitter.Emit(events.Connected, Connection{Clients: n})

	go c.writePump()
	go c.readPump()
}

// Handler returns a gin handler for the display websocket.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.HandleWebSocket(c.Writer, c.Request)
	}
}

func (h *Hub) remove(c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	return len(h.clients)
}

// readPump reads button presses until the connection drops.
func (c *client) readPump() {
	h := c.hub
	heartbeatLost := false
	defer func() {
		_ = c.conn.Close()
		n := h.remove(c)
		metrics.DisplayClients.Set(float64(n))
		h.logger.Info("display disconnected", "clients", n, "heartbeat_lost", heartbeatLost)
		h.emitter.Emit(events.Closed, Closure{Clients: n, HeartbeatLost: heartbeatLost})
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.heartbeat))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(h.heartbeat))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				heartbeatLost = true
			case websocket.IsCloseError(err, normalCloseCodes...):
			case errors.Is(err, net.ErrClosed):
			default:
				h.logger.Warn("websocket read error", "err", err)
				h.emitter.Emit(events.Error, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.heartbeat))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Button == "" {
			h.emitter.Emit(events.MessageError, fmt.Errorf("%w: %q", ErrMalformedMessage, truncate(data, 64)))
			continue
		}
		h.emitter.Emit(events.Message, msg)
	}
}

// writePump writes screens and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat / 2)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "err", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
