package sandbox

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of a sandbox.
type State int

const (
	Creating State = iota
	Running
	Stopping
	Removed
	Failed
)

func (s State) String() string {
	switch s {
	case Creating:
		return "CREATING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Removed:
		return "REMOVED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == Removed || s == Failed
}

var stateTransitionMap = map[State][]State{
	Creating: {Running, Failed},
	Running:  {Stopping, Failed},
	Stopping: {Removed, Failed},
	Removed:  {},
	Failed:   {},
}

// ValidStateTransition reports whether a sandbox may move from src to dst.
func ValidStateTransition(src, dst State) bool {
	return slices.Contains(stateTransitionMap[src], dst)
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Handle identifies one live sandbox. It is owned by a single controller for
// its whole lifetime.
type Handle struct {
	// ID is assigned by the runtime.
	ID string
	// Name is the client-chosen name the sandbox was created with.
	Name      string
	State     State
	CreatedAt time.Time
	// TTY is true when the sandbox was created with a pseudo-terminal, in which
	// case its log stream is a single raw stream.
	TTY bool

	Transitions []Transition
}

// Transition records a move to the given state.
func (h *Handle) Transition(to State) error {
	if !ValidStateTransition(h.State, to) {
		return fmt.Errorf("invalid transition from %v to %v for sandbox %s", h.State, to, h.ID)
	}
	h.Transitions = append(h.Transitions, Transition{From: h.State, To: to, At: time.Now().UTC()})
	h.State = to
	return nil
}

// States returns the sequence of states the handle has been in, starting with
// its initial state.
func (h *Handle) States() []State {
	if len(h.Transitions) == 0 {
		return []State{h.State}
	}
	out := []State{h.Transitions[0].From}
	for _, t := range h.Transitions {
		out = append(out, t.To)
	}
	return out
}
