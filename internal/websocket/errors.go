package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full, event dropped")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrEmptyUsername = errors.New("username cannot be empty")
)
