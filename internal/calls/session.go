// Package calls implements the per-pair call setup state machine. It does
// no I/O: every accepted event yields a Transition describing the single
// notification the caller must deliver.
package calls

import (
	"time"

	"duet/pkg/types"
)

// State of a call between two users
type State int

const (
	StateNone State = iota
	StateRinging
	StateActive
	// StateEnded is reported by transitions that destroy a session; it is never stored
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText renders states by name in health output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Action is a call lifecycle event
type Action string

const (
	ActionInitiate   Action = types.EventCallInitiate
	ActionAnswer     Action = types.EventCallAnswer
	ActionReject     Action = types.EventCallReject
	ActionEnd        Action = types.EventCallEnd
	ActionDisconnect Action = "disconnect"
)

// Session is the stored call between two users
type Session struct {
	Caller     string    `json:"caller"`
	Callee     string    `json:"callee"`
	CallType   string    `json:"callType"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	AnsweredAt time.Time `json:"answeredAt"`
}

// Involves reports whether username is the caller or the callee
func (s Session) Involves(username string) bool {
	return s.Caller == username || s.Callee == username
}

// Other returns the party that is not username
func (s Session) Other(username string) string {
	if s.Caller == username {
		return s.Callee
	}
	return s.Caller
}

// Input is one lifecycle event. PeerOnline tells whether To currently has
// a bound connection; it is only consulted where the table requires it.
type Input struct {
	Action     Action
	From       string
	To         string
	CallType   string
	PeerOnline bool
}

// Transition describes an accepted event: the state change and the one
// event to deliver to Notify.
type Transition struct {
	Action  Action
	Before  State
	After   State
	Session Session
	Notify  string
	Event   string
	Payload interface{}
}

// pairKey identifies the unordered pair {a, b}
type pairKey struct {
	low, high string
}

func keyFor(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{low: a, high: b}
}
