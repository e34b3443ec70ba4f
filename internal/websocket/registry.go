package websocket

import (
	"log"
	"sort"
	"sync"

	"duet/pkg/interfaces"
)

// Registry tracks every live connection and the username -> connection
// bindings made by login. At most one connection is bound per username.
type Registry struct {
	mu    sync.RWMutex
	users map[string]interfaces.Connection // username -> bound connection
	bound map[string]string                // connection ID -> username
	live  map[string]interfaces.Connection // connection ID -> connection, bound or not
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]interfaces.Connection),
		bound: make(map[string]string),
		live:  make(map[string]interfaces.Connection),
	}
}

// Add tracks a newly accepted connection
func (r *Registry) Add(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[conn.ID()] = conn
	return nil
}

// Remove stops tracking a connection. It does not touch bindings, see Unbind.
func (r *Registry) Remove(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, conn.ID())
}

// Bind makes conn the connection for username and returns the connection
// it replaced, if any. Rebinding the same connection returns nil. A
// connection previously bound to another username loses that binding.
func (r *Registry) Bind(username string, conn interfaces.Connection) (interfaces.Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if username == "" {
		return nil, ErrEmptyUsername
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.bound[conn.ID()]; ok && old != username {
		if current, exists := r.users[old]; exists && current.ID() == conn.ID() {
			delete(r.users, old)
		}
	}

	previous, exists := r.users[username]
	if exists && previous.ID() == conn.ID() {
		return nil, nil
	}
	if exists {
		delete(r.bound, previous.ID())
	}

	r.users[username] = conn
	r.bound[conn.ID()] = username

	return previous, nil
}

// Unbind removes the binding held by conn. It reports the username that
// was released; a connection that is not (or no longer) bound is a no-op.
func (r *Registry) Unbind(conn interfaces.Connection) (string, bool) {
	if conn == nil {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.bound[conn.ID()]
	if !ok {
		return "", false
	}
	delete(r.bound, conn.ID())

	// Identity check: never remove a newer connection's binding
	if current, exists := r.users[username]; exists && current.ID() == conn.ID() {
		delete(r.users, username)
	}
	return username, true
}

// Lookup returns the connection bound to username
func (r *Registry) Lookup(username string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.users[username]
	return conn, exists
}

// IsOnline reports whether username has a bound connection
func (r *Registry) IsOnline(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.users[username]
	return exists
}

// IsBound reports whether conn currently holds a binding
func (r *Registry) IsBound(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.bound[conn.ID()]
	return ok
}

// Deliver writes an event to username's bound connection. Lookup and
// write happen under the read lock, so a connection that is being unbound
// never receives the event. delivered is false when username is offline.
func (r *Registry) Deliver(username, event string, payload interface{}) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.users[username]
	if !exists {
		return false, nil
	}
	if err := conn.WriteEvent(event, payload); err != nil {
		return false, err
	}
	return true, nil
}

// Broadcast writes an event to every live connection and returns how many
// accepted it
func (r *Registry) Broadcast(event string, payload interface{}) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for id, conn := range r.live {
		if err := conn.WriteEvent(event, payload); err != nil {
			log.Printf("Broadcast of %s to connection %s failed: %v", event, id, err)
			continue
		}
		sent++
	}
	return sent
}

// OnlineUsers returns bound usernames in sorted order
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.users))
	for username := range r.users {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.live),
		"online_users":      len(r.users),
	}
}

// CloseAll closes every live connection. Connections are closed outside
// the lock; their read pumps then run the usual disconnect path.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.live))
	for _, conn := range r.live {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			log.Printf("Failed to close connection %s: %v", conn.ID(), err)
		}
	}
	return len(conns)
}
