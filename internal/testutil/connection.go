// Package testutil holds hand-written fakes shared by package tests.
package testutil

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrFakeClosed is returned by writes to a closed FakeConnection
var ErrFakeClosed = errors.New("fake connection closed")

// RecordedEvent is one outbound event captured by FakeConnection
type RecordedEvent struct {
	Event   string
	Payload interface{}
}

// FakeConnection implements interfaces.Connection and records every event
type FakeConnection struct {
	id       string
	mu       sync.Mutex
	username string
	events   []RecordedEvent
	closed   bool
	writeErr error
}

// NewFakeConnection returns an unauthenticated connection with a fresh ID
func NewFakeConnection() *FakeConnection {
	return &FakeConnection{id: uuid.New().String()}
}

func (c *FakeConnection) ID() string { return c.id }

func (c *FakeConnection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *FakeConnection) SetUsername(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
}

func (c *FakeConnection) IsAuthenticated() bool {
	return c.Username() != ""
}

func (c *FakeConnection) WriteEvent(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrFakeClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.events = append(c.events, RecordedEvent{Event: event, Payload: payload})
	return nil
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailWrites makes every later WriteEvent return err (nil restores writes)
func (c *FakeConnection) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Closed reports whether Close was called
func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of everything written so far
func (c *FakeConnection) Events() []RecordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RecordedEvent, len(c.events))
	copy(out, c.events)
	return out
}

// EventsNamed returns the recorded events with the given name, in order
func (c *FakeConnection) EventsNamed(name string) []RecordedEvent {
	var out []RecordedEvent
	for _, e := range c.Events() {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event with the given name
func (c *FakeConnection) Last(name string) (RecordedEvent, bool) {
	named := c.EventsNamed(name)
	if len(named) == 0 {
		return RecordedEvent{}, false
	}
	return named[len(named)-1], true
}

// Reset forgets recorded events
func (c *FakeConnection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
