package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"duet/internal/calls"
	"duet/internal/relay"
	"duet/internal/websocket"
	"duet/pkg/interfaces"
	"duet/pkg/types"
)

// TokenVerifier checks a login token against the username it claims
type TokenVerifier interface {
	VerifyFor(token, username string) error
}

// Config toggles login and eviction behaviour
type Config struct {
	RequireToken  bool // login must carry a token issued for that username
	CloseReplaced bool // close an evicted connection instead of leaving it open
}

// Hub owns the connection lifecycle and dispatches inbound events.
// It implements websocket.Dispatcher.
//
// signalMu serializes login, disconnect and call lifecycle events, so the
// online check feeding a call transition cannot interleave with the
// disconnect that would end that call. Chat, typing and WebRTC signaling
// go through the relay without it.
type Hub struct {
	registry *websocket.Registry
	table    *calls.Table
	relay    *relay.Relay
	users    relay.Users
	tokens   TokenVerifier
	config   Config

	signalMu sync.Mutex
	logger   *log.Logger

	running bool
	mu      sync.RWMutex
}

// NewHub wires the hub to its collaborators. tokens may be nil when
// RequireToken is off.
func NewHub(registry *websocket.Registry, table *calls.Table, messageRelay *relay.Relay, users relay.Users, tokens TokenVerifier, config Config) *Hub {
	return &Hub{
		registry: registry,
		table:    table,
		relay:    messageRelay,
		users:    users,
		tokens:   tokens,
		config:   config,
		logger:   log.New(os.Stdout, "[HUB] ", log.LstdFlags),
	}
}

// Start lets the hub accept events until Stop or ctx cancellation
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Println("Starting hub...")

	go func() {
		<-ctx.Done()
		if err := h.Stop(); err == nil {
			h.logger.Println("Hub context cancelled")
		}
	}()
	return nil
}

// Stop refuses further events and closes every live connection
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	closed := h.registry.CloseAll()
	h.logger.Printf("Hub stopped, closed %d connections", closed)
	return nil
}

// IsRunning reports whether the hub is accepting events
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Connect tracks a new, unauthenticated connection
func (h *Hub) Connect(conn interfaces.Connection) string {
	if err := h.registry.Add(conn); err != nil {
		h.logger.Printf("Failed to track connection: %v", err)
		return ""
	}
	h.logger.Printf("Connection opened: %s", conn.ID())
	return conn.ID()
}

// HandleMessage decodes one inbound frame and dispatches it. Errors are
// answered with an error event or logged, never returned to the read pump.
func (h *Hub) HandleMessage(ctx context.Context, conn interfaces.Connection, data []byte) {
	if !h.IsRunning() {
		h.logger.Printf("Dropping frame from %s: hub not running", conn.ID())
		return
	}

	envelope, err := types.DecodeEnvelope(data)
	if err != nil {
		h.report(conn, "", err)
		return
	}
	if err := h.HandleEvent(ctx, conn, envelope); err != nil {
		h.report(conn, envelope.Event, err)
	}
}

// HandleEvent dispatches a decoded envelope. Everything except login
// requires a bound connection.
func (h *Hub) HandleEvent(ctx context.Context, conn interfaces.Connection, envelope *types.Envelope) error {
	if envelope.Event == types.EventLogin {
		req, err := types.DecodeLogin(envelope.Data)
		if err != nil {
			return err
		}
		return h.Login(ctx, conn, req.Username, req.Token)
	}

	username := conn.Username()
	if username == "" || !h.registry.IsBound(conn) {
		return ErrUnauthenticated
	}

	switch envelope.Event {
	case types.EventSendMessage:
		var req types.SendMessageRequest
		if err := types.DecodePayload(envelope.Data, &req); err != nil {
			return err
		}
		_, err := h.relay.SendChat(ctx, conn, username, &req)
		return err

	case types.EventEditMessage:
		var req types.EditMessageRequest
		if err := types.DecodePayload(envelope.Data, &req); err != nil {
			return err
		}
		_, err := h.relay.EditChat(ctx, conn, username, &req)
		return err

	case types.EventTyping:
		var req types.TypingRequest
		if err := types.DecodePayload(envelope.Data, &req); err != nil {
			return err
		}
		return h.relay.SendTyping(username, &req)

	case types.EventCallInitiate, types.EventCallAnswer, types.EventCallReject, types.EventCallEnd:
		var req types.CallRequest
		if err := types.DecodePayload(envelope.Data, &req); err != nil {
			return err
		}
		return h.applyCall(username, calls.Action(envelope.Event), &req)

	case types.EventCallOffer, types.EventCallAnswerWebRTC, types.EventICECandidate:
		var req types.SignalRequest
		if err := types.DecodePayload(envelope.Data, &req); err != nil {
			return err
		}
		return h.relay.ForwardSignal(username, envelope.Event, &req)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, envelope.Event)
	}
}

// Login binds conn to username. A connection already bound under that
// name is evicted; a connection switching names releases its old one
// first. Presence is broadcast before history is pushed.
func (h *Hub) Login(ctx context.Context, conn interfaces.Connection, username, token string) error {
	if conn == nil {
		return websocket.ErrNilConnection
	}
	if !types.IsValidUsername(username) || !h.users.IsKnown(username) {
		return fmt.Errorf("%w: %q", ErrUnknownUser, username)
	}
	if h.config.RequireToken {
		if h.tokens == nil || h.tokens.VerifyFor(token, username) != nil {
			return ErrInvalidToken
		}
	}

	h.signalMu.Lock()
	if h.registry.IsBound(conn) && conn.Username() != username {
		h.release(conn)
	}

	previous, err := h.registry.Bind(username, conn)
	if err != nil {
		h.signalMu.Unlock()
		return err
	}
	conn.SetUsername(username)
	if previous != nil {
		h.evict(previous, username)
	}

	h.registry.Broadcast(types.EventUserStatus, types.UserStatusEvent{Username: username, Status: types.StatusOnline})
	for _, other := range h.registry.OnlineUsers() {
		if other == username {
			continue
		}
		if err := conn.WriteEvent(types.EventUserStatus, types.UserStatusEvent{Username: other, Status: types.StatusOnline}); err != nil {
			h.logger.Printf("Failed to send presence of %s to %s: %v", other, username, err)
		}
	}
	h.signalMu.Unlock()

	h.logger.Printf("%s logged in on %s", username, conn.ID())

	history, err := h.relay.LoadHistory(ctx, username)
	if err != nil {
		h.logger.Printf("Failed to load history for %s: %v", username, err)
		return nil
	}
	if err := conn.WriteEvent(types.EventMessageHistory, history); err != nil {
		h.logger.Printf("Failed to push history to %s: %v", username, err)
	}
	return nil
}

// Disconnect untracks conn. If it still held its username, the user goes
// offline and every call involving them ends.
func (h *Hub) Disconnect(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	h.signalMu.Lock()
	defer h.signalMu.Unlock()

	h.registry.Remove(conn)
	h.release(conn)
	h.logger.Printf("Connection closed: %s", conn.ID())
}

// release unbinds conn and tears down its user's presence and calls.
// Caller holds signalMu.
func (h *Hub) release(conn interfaces.Connection) {
	username, ok := h.registry.Unbind(conn)
	if !ok {
		return
	}

	h.registry.Broadcast(types.EventUserStatus, types.UserStatusEvent{Username: username, Status: types.StatusOffline})
	for _, transition := range h.table.EndAll(username) {
		h.logger.Printf("Ending %s call between %s and %s: %s went away",
			transition.Session.CallType, transition.Session.Caller, transition.Session.Callee, username)
		h.deliver(transition)
	}
	h.logger.Printf("%s went offline", username)
}

func (h *Hub) evict(previous interfaces.Connection, username string) {
	previous.SetUsername("")
	if err := previous.WriteEvent(types.EventSessionReplaced, types.SessionReplacedEvent{Username: username}); err != nil {
		h.logger.Printf("Failed to notify replaced connection %s: %v", previous.ID(), err)
	}
	if h.config.CloseReplaced {
		if err := previous.Close(); err != nil {
			h.logger.Printf("Failed to close replaced connection %s: %v", previous.ID(), err)
		}
	}
	h.logger.Printf("Connection %s replaced for %s", previous.ID(), username)
}

func (h *Hub) applyCall(from string, action calls.Action, req *types.CallRequest) error {
	h.signalMu.Lock()
	defer h.signalMu.Unlock()

	transition, err := h.table.Apply(calls.Input{
		Action:     action,
		From:       from,
		To:         req.To,
		CallType:   req.CallType,
		PeerOnline: h.registry.IsOnline(req.To),
	})
	if err != nil {
		return err
	}

	h.logger.Printf("Call %s/%s: %s %s -> %s", transition.Session.Caller, transition.Session.Callee,
		action, transition.Before, transition.After)
	h.deliver(transition)
	return nil
}

func (h *Hub) deliver(transition calls.Transition) {
	delivered, err := h.registry.Deliver(transition.Notify, transition.Event, transition.Payload)
	if err != nil {
		h.logger.Printf("Failed to deliver %s to %s: %v", transition.Event, transition.Notify, err)
		return
	}
	if !delivered {
		h.logger.Printf("Dropped %s: %s is offline", transition.Event, transition.Notify)
	}
}

// report answers a failed event. Offline peers, illegal call transitions
// and unauthenticated events are only logged; everything else sends an
// error event to the sender.
func (h *Hub) report(conn interfaces.Connection, event string, err error) {
	who := conn.Username()
	if who == "" {
		who = conn.ID()
	}

	if isSilent(err) {
		h.logger.Printf("Ignored %s from %s: %v", event, who, err)
		return
	}

	message := err.Error()
	if errors.Is(err, relay.ErrPersistenceFailed) {
		message = "Failed to send message"
		if event == types.EventEditMessage {
			message = "Failed to edit message"
		}
	}

	h.logger.Printf("Rejected %s from %s: %v", event, who, err)
	if werr := conn.WriteEvent(types.EventError, types.ErrorEvent{Message: message}); werr != nil {
		h.logger.Printf("Failed to send error to %s: %v", who, werr)
	}
}

func isSilent(err error) bool {
	for _, target := range []error{
		ErrUnauthenticated,
		ErrUnknownEvent,
		relay.ErrRecipientOffline,
		calls.ErrPeerOffline,
		calls.ErrInvalidTransition,
		calls.ErrCallExists,
		calls.ErrNotCallee,
		websocket.ErrSendBufferFull,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// GetStats combines connection and call counts
func (h *Hub) GetStats() map[string]int {
	stats := h.registry.GetStats()
	for state, count := range h.table.GetStats() {
		stats["calls_"+state] = count
	}
	return stats
}

// IsOnline reports whether username has a bound connection
func (h *Hub) IsOnline(username string) bool {
	return h.registry.IsOnline(username)
}
