package auth

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrDuplicateUser      = errors.New("duplicate username")
	ErrInvalidUser        = errors.New("invalid username")
	ErrTooFewUsers        = errors.New("at least two users are required")
)
