package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"duet/internal/websocket"
	"duet/pkg/interfaces"
	"duet/pkg/types"
)

// Users is the part of the user directory the relay needs
type Users interface {
	IsKnown(username string) bool
	Counterparts(username string) []string
}

// Config bounds what the relay accepts and replays
type Config struct {
	HistoryLimit       int
	MaxMessageBytes    int
	RateLimitPerMinute int
}

// DefaultConfig returns the limits used when config leaves them unset
func DefaultConfig() Config {
	return Config{
		HistoryLimit:       50,
		MaxMessageBytes:    10000,
		RateLimitPerMinute: 100,
	}
}

// DeliveryOutcome reports what happened to a relayed message after it was stored
type DeliveryOutcome struct {
	Message   *types.ChatMessage
	Delivered bool // reached the other party's live connection
	Echoed    bool // reached the sender's own connection
}

// Relay persists chat events and routes them between bound connections.
// It holds no locks while talking to the store; deliveries go through the
// registry so they only reach currently bound connections.
type Relay struct {
	registry    *websocket.Registry
	store       interfaces.MessageStore
	users       Users
	rateLimiter *RateLimiter
	config      Config
	logger      *log.Logger
}

// NewRelay creates a message relay
func NewRelay(registry *websocket.Registry, store interfaces.MessageStore, users Users, config Config) *Relay {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultConfig().HistoryLimit
	}
	return &Relay{
		registry:    registry,
		store:       store,
		users:       users,
		rateLimiter: NewRateLimiter(config.RateLimitPerMinute, time.Minute),
		config:      config,
		logger:      log.New(os.Stdout, "[RELAY] ", log.LstdFlags),
	}
}

// SendChat validates, stores and relays a chat message from sender.
// Persist-then-route: nothing is delivered unless the store accepted it.
// The echo goes to origin, the connection the message arrived on; a nil
// origin echoes to whichever connection sender is bound to.
func (r *Relay) SendChat(ctx context.Context, origin interfaces.Connection, sender string, req *types.SendMessageRequest) (*DeliveryOutcome, error) {
	if err := req.Validate(r.config.MaxMessageBytes); err != nil {
		return nil, err
	}
	if req.To == sender {
		return nil, types.ErrInvalidRecipient
	}
	if !r.users.IsKnown(req.To) {
		return nil, ErrUnknownRecipient
	}
	if !r.rateLimiter.Allow(sender) {
		return nil, ErrRateLimitExceeded
	}
	if req.ReplyToID != nil && *req.ReplyToID != "" {
		if err := r.checkReplyTarget(ctx, sender, req.To, *req.ReplyToID); err != nil {
			return nil, err
		}
	}

	message := &types.ChatMessage{
		From:      sender,
		To:        req.To,
		Message:   req.Message,
		FileURL:   req.FileURL,
		FileType:  req.FileType,
		FileName:  req.FileName,
		ReplyToID: req.ReplyToID,
	}
	if message.ReplyToID != nil && *message.ReplyToID == "" {
		message.ReplyToID = nil
	}

	stored, err := r.store.AppendMessage(ctx, message)
	if err != nil {
		r.logger.Printf("Failed to store message from %s to %s: %v", sender, req.To, err)
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	return r.deliverBoth(types.EventReceiveMessage, stored, origin, sender, req.To), nil
}

// EditChat replaces the body of one of editor's own messages and relays
// the edited record to both parties.
func (r *Relay) EditChat(ctx context.Context, origin interfaces.Connection, editor string, req *types.EditMessageRequest) (*DeliveryOutcome, error) {
	if err := req.Validate(r.config.MaxMessageBytes); err != nil {
		return nil, err
	}
	if !r.rateLimiter.Allow(editor) {
		return nil, ErrRateLimitExceeded
	}

	existing, err := r.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		if errors.Is(err, interfaces.ErrMessageNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	if existing.From != editor {
		return nil, ErrNotAuthor
	}

	updated, err := r.store.UpdateMessage(ctx, req.MessageID, req.NewMessage)
	if err != nil {
		if errors.Is(err, interfaces.ErrMessageNotFound) {
			return nil, ErrMessageNotFound
		}
		r.logger.Printf("Failed to update message %s: %v", req.MessageID, err)
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	return r.deliverBoth(types.EventMessageEdited, updated, origin, editor, updated.To), nil
}

// deliverBoth sends the stored record to the other party, then echoes it
// to the sender
func (r *Relay) deliverBoth(event string, message *types.ChatMessage, origin interfaces.Connection, sender, recipient string) *DeliveryOutcome {
	outcome := &DeliveryOutcome{Message: message}

	delivered, err := r.registry.Deliver(recipient, event, message)
	if err != nil {
		r.logger.Printf("Failed to deliver %s %s to %s: %v", event, message.ID, recipient, err)
	}
	outcome.Delivered = delivered

	if origin == nil {
		echoed, err := r.registry.Deliver(sender, event, message)
		if err != nil {
			r.logger.Printf("Failed to echo %s %s to %s: %v", event, message.ID, sender, err)
		}
		outcome.Echoed = echoed
		return outcome
	}
	if err := origin.WriteEvent(event, message); err != nil {
		r.logger.Printf("Failed to echo %s %s to %s (%s): %v", event, message.ID, sender, origin.ID(), err)
	} else {
		outcome.Echoed = true
	}

	return outcome
}

func (r *Relay) checkReplyTarget(ctx context.Context, sender, recipient, replyToID string) error {
	target, err := r.store.GetMessage(ctx, replyToID)
	if err != nil {
		if errors.Is(err, interfaces.ErrMessageNotFound) {
			return ErrInvalidReply
		}
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	sameConversation := (target.From == sender && target.To == recipient) ||
		(target.From == recipient && target.To == sender)
	if !sameConversation {
		return ErrInvalidReply
	}
	return nil
}

// SendTyping forwards a typing indicator. Best effort: an offline
// recipient yields ErrRecipientOffline and nothing else happens.
func (r *Relay) SendTyping(from string, req *types.TypingRequest) error {
	if !types.IsValidUsername(req.To) {
		return types.ErrInvalidRecipient
	}
	return r.forward(req.To, types.EventTyping, types.TypingEvent{From: from, IsTyping: req.IsTyping})
}

// ForwardSignal relays an opaque call-offer, call-answer-webrtc or
// ice-candidate payload to its target without inspecting it
func (r *Relay) ForwardSignal(from, event string, req *types.SignalRequest) error {
	if !types.IsValidUsername(req.To) {
		return types.ErrInvalidRecipient
	}
	return r.forward(req.To, event, types.SignalEvent{
		From:      from,
		Offer:     req.Offer,
		Answer:    req.Answer,
		Candidate: req.Candidate,
	})
}

func (r *Relay) forward(to, event string, payload interface{}) error {
	delivered, err := r.registry.Deliver(to, event, payload)
	if err != nil {
		return err
	}
	if !delivered {
		return ErrRecipientOffline
	}
	return nil
}

// LoadHistory returns the most recent messages between username and every
// counterpart, merged in chronological order and trimmed to the history limit.
func (r *Relay) LoadHistory(ctx context.Context, username string) ([]*types.ChatMessage, error) {
	limit := r.config.HistoryLimit
	history := []*types.ChatMessage{}

	for _, other := range r.users.Counterparts(username) {
		messages, err := r.store.QueryRecent(ctx, username, other, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to load history with %s: %w", other, err)
		}
		history = append(history, messages...)
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp.Before(history[j].Timestamp)
	})
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// CleanupRateLimits drops idle rate limit windows
func (r *Relay) CleanupRateLimits() int {
	return r.rateLimiter.Cleanup()
}

// Conversation returns the full stored conversation between two users
func (r *Relay) Conversation(ctx context.Context, userA, userB string) ([]*types.ChatMessage, error) {
	if !r.users.IsKnown(userA) || !r.users.IsKnown(userB) {
		return nil, ErrUnknownRecipient
	}
	return r.store.QueryConversation(ctx, userA, userB)
}
