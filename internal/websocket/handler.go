package websocket

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"duet/pkg/interfaces"
)

// Dispatcher receives the lifecycle and inbound frames of every connection.
// HandleMessage is called sequentially per connection from its read pump.
type Dispatcher interface {
	Connect(conn interfaces.Connection) string
	HandleMessage(ctx context.Context, conn interfaces.Connection, data []byte)
	Disconnect(conn interfaces.Connection)
}

// Handler upgrades HTTP requests and runs the read pump of each connection
type Handler struct {
	dispatcher Dispatcher
	options    Options
	upgrader   websocket.Upgrader
}

// NewHandler creates a websocket handler feeding dispatcher
func NewHandler(dispatcher Dispatcher, options Options) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		options:    options.withDefaults(),
		upgrader: websocket.Upgrader{
			// Browsers on any origin may connect; identity comes from login
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleWebSocket upgrades the request. Authentication happens later
// through the login event, so no query parameters are required.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, h.options)
	h.dispatcher.Connect(wsConn)

	go h.handleConnection(wsConn)
}

// handleConnection reads frames until the peer goes away, then hands the
// connection back to the dispatcher for cleanup
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.dispatcher.Disconnect(conn)
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(h.options.ReadLimit)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.options.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.options.ReadTimeout))
	})

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on connection %s: %v", conn.ID(), err)
			}
			return
		}

		// Any frame proves the peer is alive
		if err := conn.conn.SetReadDeadline(time.Now().Add(h.options.ReadTimeout)); err != nil {
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatcher.HandleMessage(conn.ctx, conn, data)
	}
}
