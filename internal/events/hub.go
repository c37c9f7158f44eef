package events

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/openfinex/inventory-api/pkg/metrics"
	"github.com/rs/zerolog/log"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead. Pings go out well inside that window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// clientBuffer bounds each subscriber's outbound backlog. A subscriber
	// this far behind is disconnected rather than allowed to block a pass.
	clientBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The UI gateway terminates origin checks; the engine accepts any.
		return true
	},
}

// client pairs a connection with its outbound queue. writePump is the only
// goroutine that writes to conn, so broadcasts and keepalive pings never
// interleave on the wire.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub manages websocket subscribers and broadcasts engine events to all of
// them. The Run goroutine owns the client set exclusively; everything else
// talks to it over channels. Slow subscribers never block a calculation
// pass: a full client buffer drops the client, a full broadcast buffer
// drops the event.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
}

// NewHub creates a websocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run processes hub events until the context is cancelled. Must be called
// in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	logger := log.With().Str("component", "event_hub").Logger()
	logger.Info().Msg("starting event hub")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down event hub")
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			metrics.WebsocketClients.Set(0)
			return

		case c := <-h.register:
			h.clients[c] = true
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			logger.Debug().Int("total", len(h.clients)).Msg("websocket client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			metrics.WebsocketClients.Set(float64(len(h.clients)))

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Subscriber too far behind to keep.
					delete(h.clients, c)
					close(c.send)
				}
			}
			metrics.WebsocketClients.Set(float64(len(h.clients)))
		}
	}
}

// Publish broadcasts an event to every connected client. Implements
// Publisher.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", event.Type).Msg("failed to marshal event")
		return
	}
	select {
	case h.broadcast <- data:
		metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	default:
		metrics.EventsDropped.WithLabelValues(event.Type).Inc()
	}
}

// ServeWS handles websocket upgrade requests.
func (h *Hub) ServeWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		cl := &client{conn: conn, send: make(chan []byte, clientBuffer)}
		h.register <- cl

		go h.writePump(cl)
		go h.readPump(cl)
	}
}

// writePump drains the client's send queue and emits keepalive pings. It is
// the sole writer for its connection; it exits when the hub closes the send
// channel or any write fails.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() { h.unregister <- c }()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
