package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrUnauthenticated   = errors.New("connection has not logged in")
	ErrUnknownUser       = errors.New("unknown user")
	ErrInvalidToken      = errors.New("invalid or missing login token")
	ErrUnknownEvent      = errors.New("unknown event")
)
