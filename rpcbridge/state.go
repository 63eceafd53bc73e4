package rpcbridge

import (
	"fmt"
	"sync/atomic"
)

// State is the connection lifecycle state.
type State int32

const (
	// StateNotStarted is the state of a freshly constructed Conn.
	StateNotStarted State = iota
	// StateStarting means the child is spawned but not yet known to be responsive.
	StateStarting
	// StateReady means calls may be issued.
	StateReady
	// StateClosing means Stop was requested and the child is being shut down.
	StateClosing
	// StateClosed is terminal: the child exited after Stop or cleanly on its own.
	StateClosed
	// StateCrashed is terminal and absorbing: the child exited unexpectedly or never started.
	StateCrashed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateCrashed
}

// accepting reports whether new calls can be accepted in this state.
func (s State) accepting() bool {
	return s == StateStarting || s == StateReady
}

var validTransitions = map[State][]State{
	StateNotStarted: {StateStarting},
	StateStarting:   {StateReady, StateClosing, StateCrashed, StateClosed},
	StateReady:      {StateClosing, StateClosed, StateCrashed},
	StateClosing:    {StateClosed, StateCrashed},
}

// lifecycle holds the current state. Only the event loop (and Start, before
// the loop exists) writes it; anyone may read it.
type lifecycle struct {
	v atomic.Int32
}

func (l *lifecycle) current() State {
	return State(l.v.Load())
}

func (l *lifecycle) transition(to State) error {
	from := l.current()
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			l.v.Store(int32(to))
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
}
