package petition

import "fmt"

// State tracks where a petition is in its lifecycle. Transitions are
// validated; the processor and manager are the only writers.
type State int

const (
	// StatePending is the initial state, before the petition enters the queue.
	StatePending State = iota
	// StateEnqueued means the petition is queued waiting for admission.
	StateEnqueued
	// StateRunning means the petition was admitted and its worker spawned.
	StateRunning
	// StateFinished is terminal.
	StateFinished
	// StateCancelled means a cancel request was honored before completion.
	// It always resolves to StateFinished once cleanup is done.
	StateCancelled
	// StateBroken means the petition failed to start or its worker failed
	// unexpectedly. Broken petitions are still driven to StateFinished so
	// nothing is left dangling.
	StateBroken
)

var stateNames = map[State]string{
	StatePending:   "pending",
	StateEnqueued:  "enqueued",
	StateRunning:   "running",
	StateFinished:  "finished",
	StateCancelled: "cancelled",
	StateBroken:    "broken",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateFinished }

var validTransitions = map[State][]State{
	StatePending:   {StateEnqueued, StateBroken},
	StateEnqueued:  {StateRunning, StateCancelled, StateBroken},
	StateRunning:   {StateFinished, StateCancelled, StateBroken},
	StateCancelled: {StateFinished, StateBroken},
	StateBroken:    {StateFinished},
	StateFinished:  {},
}

// CanTransition reports whether moving from s to next is legal.
// Setting the same state again is always allowed.
func (s State) CanTransition(next State) bool {
	if s == next {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a state change would violate
// the lifecycle.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid petition state transition: %s -> %s", e.From, e.To)
}
