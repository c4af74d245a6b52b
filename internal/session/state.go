package session

import "fmt"

// State is a position in the session lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateCompleting State = "completing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimeout    State = "timeout"
	StateStopped    State = "stopped"
)

// transitions lists the legal successors of every non-terminal state.
var transitions = map[State][]State{
	StatePending:    {StateStarting, StateStopped},
	StateStarting:   {StateRunning, StateFailed, StateStopped},
	StateRunning:    {StateCompleting, StateCompleted, StateFailed, StateTimeout, StateStopped},
	StateCompleting: {StateCompleted, StateFailed, StateStopped},
}

// States returns every state in lifecycle order.
func States() []State {
	return []State{
		StatePending, StateStarting, StateRunning, StateCompleting,
		StateCompleted, StateFailed, StateTimeout, StateStopped,
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateStopped:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States() {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for an edge the state machine does not have.
type TransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.SessionID, e.From, e.To)
}
