package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/muvusoft/talkscribe-license/internal/client"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxMessageSize = 16 * 1024
	sendBuffer     = 64
)

// Handler answers consumer messages.
type Handler interface {
	Handle(ctx context.Context, msg client.Message) client.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg client.Message) client.Response

func (f HandlerFunc) Handle(ctx context.Context, msg client.Message) client.Response {
	return f(ctx, msg)
}

// request is a consumer message; ID is echoed on the reply.
type request struct {
	ID string `json:"id,omitempty"`
	client.Message
}

type reply struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data client.Response `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowedOrigin,
}

// allowedOrigin accepts extension pages, loopback pages and non-browser
// clients that send no Origin.
func allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "chrome-extension", "moz-extension":
		return true
	case "http", "https":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	}
	return false
}

// conn is one connected consumer.
type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans broadcasts out to every connected consumer and routes their
// messages to the Handler.
type Hub struct {
	handler Handler

	clients    map[*conn]bool
	broadcast  chan []byte
	register   chan *conn
	unregister chan *conn
	mu         sync.RWMutex

	done chan struct{}
}

// NewHub creates a hub. handler may be nil, in which case consumer messages
// are ignored.
func NewHub(handler Handler) *Hub {
	return &Hub{
		handler:    handler,
		clients:    make(map[*conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Info().Str("client", c.id).Msg("Bridge client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			log.Info().Str("client", c.id).Msg("Bridge client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// slow consumer
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends msg to every connected consumer. It never blocks.
func (h *Hub) Broadcast(msg client.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal broadcast")
		return
	}
	select {
	case h.broadcast <- data:
		log.Debug().Str("type", msg.Type).Msg("Broadcast queued")
	default:
		log.Warn().Str("type", msg.Type).Msg("Bridge broadcast channel full")
	}
}

// ClientCount returns the number of connected consumers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and attaches the consumer.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Bridge upgrade rejected")
		return
	}

	c := &conn{
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		id:   uuid.NewString(),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("Bridge read error")
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed bridge message")
			continue
		}
		if c.hub.handler == nil {
			continue
		}

		resp := c.hub.handler.Handle(context.Background(), req.Message)
		out, err := json.Marshal(reply{ID: req.ID, Type: "response", Data: resp})
		if err != nil {
			log.Error().Err(err).Str("type", req.Type).Msg("Failed to marshal bridge reply")
			continue
		}
		if !c.trySend(out) {
			return
		}
	}
}

// trySend queues data unless the hub already dropped the connection. The
// hub closes send channels only under the write lock.
func (c *conn) trySend(data []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Bridge write failed")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
