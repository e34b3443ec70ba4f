package calls

import (
	"sort"
	"sync"
	"time"

	"duet/pkg/types"
)

// Table holds at most one call session per unordered pair of users
type Table struct {
	mu       sync.Mutex
	sessions map[pairKey]*Session
	now      func() time.Time
}

// NewTable creates an empty call table
func NewTable() *Table {
	return &Table{
		sessions: make(map[pairKey]*Session),
		now:      time.Now,
	}
}

// Apply validates one lifecycle event against the current state of the
// pair and, if legal, performs the transition. Rejected events leave the
// table untouched.
func (t *Table) Apply(in Input) (Transition, error) {
	if in.From == "" || in.To == "" || in.From == in.To {
		return Transition{}, ErrInvalidParties
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := keyFor(in.From, in.To)
	session := t.sessions[key]

	switch in.Action {
	case ActionInitiate:
		return t.initiate(key, session, in)
	case ActionAnswer:
		return t.answer(session, in)
	case ActionReject:
		return t.reject(key, session, in)
	case ActionEnd:
		return t.end(key, session, in)
	default:
		return Transition{}, ErrUnknownAction
	}
}

func (t *Table) initiate(key pairKey, session *Session, in Input) (Transition, error) {
	callType, err := types.NormalizeCallType(in.CallType)
	if err != nil {
		return Transition{}, err
	}
	if session != nil {
		return Transition{}, ErrCallExists
	}
	if !in.PeerOnline {
		return Transition{}, ErrPeerOffline
	}

	created := &Session{
		Caller:    in.From,
		Callee:    in.To,
		CallType:  callType,
		State:     StateRinging,
		CreatedAt: t.now(),
	}
	t.sessions[key] = created

	return Transition{
		Action:  ActionInitiate,
		Before:  StateNone,
		After:   StateRinging,
		Session: *created,
		Notify:  in.To,
		Event:   types.EventIncomingCall,
		Payload: types.IncomingCallEvent{From: in.From, CallType: callType},
	}, nil
}

func (t *Table) answer(session *Session, in Input) (Transition, error) {
	if session == nil || session.State != StateRinging {
		return Transition{}, ErrInvalidTransition
	}
	if session.Callee != in.From {
		return Transition{}, ErrNotCallee
	}
	if !in.PeerOnline {
		return Transition{}, ErrPeerOffline
	}

	session.State = StateActive
	session.AnsweredAt = t.now()

	return Transition{
		Action:  ActionAnswer,
		Before:  StateRinging,
		After:   StateActive,
		Session: *session,
		Notify:  session.Caller,
		Event:   types.EventCallAnswered,
		Payload: types.CallEvent{From: in.From},
	}, nil
}

func (t *Table) reject(key pairKey, session *Session, in Input) (Transition, error) {
	if session == nil || session.State != StateRinging {
		return Transition{}, ErrInvalidTransition
	}
	if session.Callee != in.From {
		return Transition{}, ErrNotCallee
	}

	delete(t.sessions, key)

	return Transition{
		Action:  ActionReject,
		Before:  StateRinging,
		After:   StateEnded,
		Session: *session,
		Notify:  session.Caller,
		Event:   types.EventCallRejected,
		Payload: types.CallEvent{From: in.From},
	}, nil
}

func (t *Table) end(key pairKey, session *Session, in Input) (Transition, error) {
	if session == nil {
		return Transition{}, ErrInvalidTransition
	}

	before := session.State
	delete(t.sessions, key)

	return Transition{
		Action:  ActionEnd,
		Before:  before,
		After:   StateEnded,
		Session: *session,
		Notify:  session.Other(in.From),
		Event:   types.EventCallEnded,
		Payload: types.CallEvent{From: in.From},
	}, nil
}

// EndAll destroys every session involving username, as if username had
// sent call-end to each peer. Used when username disconnects.
func (t *Table) EndAll(username string) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var transitions []Transition
	for key, session := range t.sessions {
		if !session.Involves(username) {
			continue
		}
		delete(t.sessions, key)
		transitions = append(transitions, Transition{
			Action:  ActionDisconnect,
			Before:  session.State,
			After:   StateEnded,
			Session: *session,
			Notify:  session.Other(username),
			Event:   types.EventCallEnded,
			Payload: types.CallEvent{From: username},
		})
	}

	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].Notify < transitions[j].Notify
	})
	return transitions
}

// Get returns the session between a and b, in either order
func (t *Table) Get(a, b string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, exists := t.sessions[keyFor(a, b)]
	if !exists {
		return Session{}, false
	}
	return *session, true
}

// State returns the state of the pair, StateNone when no session exists
func (t *Table) State(a, b string) State {
	if session, ok := t.Get(a, b); ok {
		return session.State
	}
	return StateNone
}

// Active returns a snapshot of all sessions, oldest first
func (t *Table) Active() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Session, 0, len(t.sessions))
	for _, session := range t.sessions {
		out = append(out, *session)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetStats returns session counts by state
func (t *Table) GetStats() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := map[string]int{"ringing": 0, "active": 0}
	for _, session := range t.sessions {
		stats[session.State.String()]++
	}
	return stats
}
