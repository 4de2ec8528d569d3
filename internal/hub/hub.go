// Package hub keeps the set of connected WebSocket subscribers and pushes
// live-status updates to them.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Options configures a Hub. Zero values select the defaults.
type Options struct {
	// WriteTimeout bounds a single frame write. Default 10s.
	WriteTimeout time.Duration
	// PingPeriod is the keep-alive interval. Default 30s. A subscriber
	// that sends no pong within two periods is dropped.
	PingPeriod time.Duration
	// ClientBuffer is the number of messages queued per subscriber. Default 64.
	ClientBuffer int
	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      zerolog.Logger
}

// Hub is safe for concurrent use.
type Hub struct {
	opts     Options
	pongWait time.Duration
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client

	dropped atomic.Uint64
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an empty Hub.
func New(opts Options) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 30 * time.Second
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		opts:     opts,
		pongWait: 2 * opts.PingPeriod,
		upgrader: websocket.Upgrader{
			CheckOrigin:      checkOrigin,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
		},
		log:     opts.Logger.With().Str("component", "hub").Logger(),
		clients: make(map[string]*client),
	}
}

// Handler upgrades the request to a WebSocket and subscribes it.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			h.log.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		h.Add(conn)
	}
}

// Add subscribes conn and returns its subscriber ID. The hub owns conn from
// here on and closes it on Remove.
func (h *Hub) Add(conn *websocket.Conn) string {
	cl := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.opts.ClientBuffer),
		done: make(chan struct{}),
	}
	h.register(cl)
	go h.writePump(cl)
	go h.readPump(cl)
	return cl.id
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	h.clients[cl.id] = cl
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Str("subscriber", cl.id).Int("subscribers", n).Msg("subscriber added")
}

// Remove unsubscribes id and closes its connection. Unknown IDs are ignored.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	cl, ok := h.clients[id]
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	cl.close()
	h.log.Debug().Str("subscriber", id).Int("subscribers", n).Msg("subscriber removed")
}

func (cl *client) close() {
	cl.closeOnce.Do(func() {
		close(cl.done)
		if cl.conn != nil {
			cl.conn.Close()
		}
	})
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many per-subscriber messages were discarded because a
// subscriber's buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Broadcast sends payload as a JSON text message to every subscriber. It
// never blocks on a slow subscriber: when its buffer is full the message is
// dropped for that subscriber only.
func (h *Hub) Broadcast(_ context.Context, kind string, payload map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("hub: marshaling %s: %w", kind, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, cl := range h.clients {
		select {
		case cl.send <- data:
		default:
			h.dropped.Add(1)
			h.log.Warn().Str("subscriber", id).Str("kind", kind).Msg("subscriber buffer full, dropping message")
		}
	}
	return nil
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Remove(id)
	}
}

// readPump discards client messages but keeps the pong deadline moving.
func (h *Hub) readPump(cl *client) {
	defer h.Remove(cl.id)

	cl.conn.SetReadLimit(4096)
	cl.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("subscriber", cl.id).Msg("subscriber read failed")
			}
			return
		}
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		h.Remove(cl.id)
	}()

	for {
		select {
		case <-cl.done:
			return
		case data := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug().Err(err).Str("subscriber", cl.id).Msg("subscriber write failed")
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
