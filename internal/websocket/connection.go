package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"duet/pkg/types"
)

// Options tunes the per-connection pumps
type Options struct {
	BufferSize   int           // outbound frames queued before events are dropped
	WriteTimeout time.Duration // deadline for a single frame write
	ReadTimeout  time.Duration // max silence before the peer is considered gone
	PingInterval time.Duration // must be shorter than ReadTimeout
	ReadLimit    int64         // max inbound frame size in bytes
}

// DefaultOptions returns the settings used when config leaves them unset
func DefaultOptions() Options {
	return Options{
		BufferSize:   100,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    1 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.ReadTimeout {
		o.PingInterval = o.ReadTimeout / 2
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	return o
}

// Connection implements interfaces.Connection over a gorilla websocket.
// All frame writes happen on the writeLoop goroutine.
type Connection struct {
	id        string
	conn      *websocket.Conn
	options   Options
	writeCh   chan []byte
	username  string
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.RWMutex // protects username
}

// NewConnection wraps conn and starts its writer goroutine
func NewConnection(conn *websocket.Conn, options Options) *Connection {
	options = options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      uuid.New().String(),
		conn:    conn,
		options: options,
		writeCh: make(chan []byte, options.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop owns every write to the socket, including pings. On Close it
// flushes already queued frames before closing the socket, so an event
// written just before Close still reaches the peer.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.options.PingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// WriteEvent encodes an outbound envelope and queues it without blocking
func (c *Connection) WriteEvent(event string, payload interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(types.OutboundEnvelope{Event: event, Data: payload})
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops accepting events and lets the writer flush and close the
// socket. It is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) SetUsername(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
}

func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username != ""
}
