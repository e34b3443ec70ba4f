package interfaces

// Connection is one live transport session as seen by the registry, relay and hub
type Connection interface {
	// ID returns the server-assigned connection identifier
	ID() string

	// Username returns the bound username, or "" while unauthenticated
	Username() string

	// SetUsername binds (or, with "", clears) the connection's username
	SetUsername(username string)

	// IsAuthenticated reports whether a username is bound
	IsAuthenticated() bool

	// WriteEvent queues an outbound event. Implementations serialize writes
	// to the underlying transport and must not block the caller indefinitely.
	WriteEvent(event string, payload interface{}) error

	// Close closes the connection and cleans up resources
	Close() error
}
