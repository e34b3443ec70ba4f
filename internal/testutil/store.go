package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"duet/pkg/interfaces"
	"duet/pkg/types"
)

// MemoryStore is an in-memory interfaces.MessageStore with failure injection
type MemoryStore struct {
	mu        sync.Mutex
	messages  []*types.ChatMessage
	appendErr error
	updateErr error
	queryErr  error
	now       time.Time
	onQuery   func()
}

// NewMemoryStore returns an empty store whose clock advances one second per write
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// FailAppend makes AppendMessage return err (nil restores it)
func (s *MemoryStore) FailAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// FailUpdate makes UpdateMessage return err (nil restores it)
func (s *MemoryStore) FailUpdate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
}

// FailQueries makes the query methods return err (nil restores them)
func (s *MemoryStore) FailQueries(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
}

// BeforeNextQuery runs hook once, without the store lock, at the start of
// the next QueryRecent
func (s *MemoryStore) BeforeNextQuery(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onQuery = hook
}

// Count returns the number of stored messages
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MemoryStore) tick() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

func (s *MemoryStore) AppendMessage(ctx context.Context, message *types.ChatMessage) (*types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}

	stored := *message
	stored.ID = uuid.New().String()
	stored.Timestamp = s.tick()
	stored.IsEdited = false
	stored.EditedAt = nil
	s.messages = append(s.messages, &stored)

	out := stored
	return &out, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, id, body string) (*types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}

	for _, m := range s.messages {
		if m.ID == id {
			editedAt := s.tick()
			m.Message = body
			m.IsEdited = true
			m.EditedAt = &editedAt
			out := *m
			return &out, nil
		}
	}
	return nil, interfaces.ErrMessageNotFound
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}

	for _, m := range s.messages {
		if m.ID == id {
			out := *m
			return &out, nil
		}
	}
	return nil, interfaces.ErrMessageNotFound
}

func (s *MemoryStore) QueryRecent(ctx context.Context, userA, userB string, limit int) ([]*types.ChatMessage, error) {
	s.mu.Lock()
	hook := s.onQuery
	s.onQuery = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	all, err := s.QueryConversation(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []*types.ChatMessage{}, nil
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *MemoryStore) QueryConversation(ctx context.Context, userA, userB string) ([]*types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}

	out := []*types.ChatMessage{}
	for _, m := range s.messages {
		if (m.From == userA && m.To == userB) || (m.From == userB && m.To == userA) {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryErr
}

func (s *MemoryStore) Close() error { return nil }
