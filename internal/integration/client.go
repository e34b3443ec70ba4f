// Package integration drives a running duet server over real websockets.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"duet/pkg/types"
)

// Client is a logged-in websocket user that buffers every event it receives
type Client struct {
	Username string
	History  []types.ChatMessage

	conn   *websocket.Conn
	events chan *types.Envelope
	errors chan error
	done   chan struct{}

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// Dial connects to serverURL (http or ws scheme), sends the login event and
// waits for the message history that confirms the login. Events that arrive before
// the history are discarded.
func Dial(ctx context.Context, serverURL, username, token string) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		Username: username,
		conn:     conn,
		events:   make(chan *types.Envelope, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	if err := c.Send(types.EventLogin, types.LoginRequest{Username: username, Token: token}); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.awaitLogin(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("login as %s: %w", username, err)
	}
	return c, nil
}

// awaitLogin consumes events until the history arrives or the server
// reports an error
func (c *Client) awaitLogin(ctx context.Context) error {
	for {
		select {
		case envelope := <-c.events:
			switch envelope.Event {
			case types.EventMessageHistory:
				return json.Unmarshal(envelope.Data, &c.History)
			case types.EventError:
				var event types.ErrorEvent
				_ = json.Unmarshal(envelope.Data, &event)
				return fmt.Errorf("server error: %s", event.Message)
			}
		case err := <-c.errors:
			return err
		case <-c.done:
			return fmt.Errorf("connection closed during login")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var envelope types.Envelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				select {
				case c.errors <- fmt.Errorf("read error: %w", err):
				default:
				}
			}
			return
		}

		select {
		case c.events <- &envelope:
		default:
			select {
			case c.errors <- fmt.Errorf("event buffer full, dropped %s", envelope.Event):
			default:
			}
		}
	}
}

// Send writes one event frame
func (c *Client) Send(event string, data interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return c.conn.WriteJSON(types.OutboundEnvelope{Event: event, Data: data})
}

// WaitFor returns the payload of the next event with the given name,
// discarding anything received before it.
func (c *Client) WaitFor(event string, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.After(timeout)
	for {
		select {
		case envelope := <-c.events:
			if envelope.Event == event {
				return envelope.Data, nil
			}
		case err := <-c.errors:
			return nil, err
		case <-c.done:
			return nil, fmt.Errorf("%s disconnected while waiting for %s", c.Username, event)
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for %s", event)
		}
	}
}

// WaitForInto is WaitFor followed by decoding the payload into v
func (c *Client) WaitForInto(event string, timeout time.Duration, v interface{}) error {
	data, err := c.WaitFor(event, timeout)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Count drains events for the given window and returns how many were named event
func (c *Client) Count(event string, window time.Duration) int {
	deadline := time.After(window)
	n := 0
	for {
		select {
		case envelope := <-c.events:
			if envelope.Event == event {
				n++
			}
		case <-deadline:
			return n
		}
	}
}

// Done is closed once the server side of the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears the connection down
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
