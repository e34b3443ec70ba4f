package calls

import "errors"

var (
	ErrInvalidTransition = errors.New("call event not valid in current state")
	ErrCallExists        = errors.New("a call between these users already exists")
	ErrNotCallee         = errors.New("only the callee may answer or reject a call")
	ErrPeerOffline       = errors.New("peer is offline")
	ErrInvalidParties    = errors.New("a call needs two distinct users")
	ErrUnknownAction     = errors.New("unknown call action")
)
