package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/steer/pkg/commandqueue"
	"github.com/harun/steer/pkg/lifecycle"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
)

// Stream names an event source
type Stream string

const (
	StreamLifecycle Stream = "lifecycle"
	StreamQueue     Stream = "queue"
	StreamServer    Stream = "server"
)

// EventMessage is one frame on the /events stream
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Stream    Stream      `json:"stream"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Seq       int64       `json:"seq"`
}

// Hub fans lifecycle and queue events out to websocket subscribers. Slow
// subscribers are disconnected rather than allowed to block publishers.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*subscriber
	closed  bool
	seq     uint64
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewHub creates an event hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger.With().Str("component", "events").Logger(),
		clients: make(map[string]*subscriber),
	}
}

// Publish sends an event to every subscriber
func (h *Hub) Publish(stream Stream, event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Stream:    stream,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       int64(atomic.AddUint64(&h.seq, 1)),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn().Str("client_id", c.id).Msg("Subscriber too slow, disconnecting")
			c.stop()
		}
	}
}

// PublishLifecycle is a lifecycle.EventHandler
func (h *Hub) PublishLifecycle(ev lifecycle.Event) {
	h.Publish(StreamLifecycle, ev.Type, ev)
}

// PublishQueue is a commandqueue.EventHandler
func (h *Hub) PublishQueue(ev commandqueue.Event) {
	h.Publish(StreamQueue, "queue."+ev.Type, map[string]interface{}{
		"lane":   ev.Lane,
		"taskId": ev.TaskID,
		"data":   ev.Data,
	})
}

// Len returns the number of connected subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and streams events until the client
// goes away or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id, _ := gonanoid.New()
	c := &subscriber{
		id:   id,
		conn: conn,
		send: make(chan []byte, clientSendSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[id] = c
	h.mu.Unlock()

	h.logger.Debug().Str("client_id", id).Str("ip", clientIP(r)).Msg("Subscriber connected")

	go h.readLoop(c)
	h.writeLoop(c)

	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	conn.Close()

	h.logger.Debug().Str("client_id", id).Msg("Subscriber disconnected")
}

// readLoop drains client frames so pongs and close frames are processed
func (h *Hub) readLoop(c *subscriber) {
	defer c.stop()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Close disconnects every subscriber and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, c := range h.clients {
		c.stop()
	}
}
