// Package petition defines the schedulable unit of work: its lifecycle
// state machine, admission condition, priority ordering and the stream
// back to the owning client.
package petition

import (
	"context"
	"sync"
)

// Kind discriminates user work from internal heartbeat petitions. Hook
// implementations must check it and skip their own logic for heartbeats.
type Kind int

const (
	KindUser Kind = iota
	KindHeartbeat
)

func (k Kind) String() string {
	if k == KindHeartbeat {
		return "heartbeat"
	}
	return "user"
}

// ReportPID is the callback a worker uses to record the PID of the OS
// process it spawned, so cancellation can signal it later.
type ReportPID func(pid int)

// Petition is a schedulable unit of work. Concrete variants supply the
// action to perform and how to terminate it on cancellation; ordering and
// identity depend only on priority and ID, never on variant fields, so
// petitions of different variants remain comparable inside one queue.
type Petition interface {
	// ID is the client-supplied identifier, unique among live petitions.
	ID() string
	// Priority orders the queue; lower value runs first.
	Priority() float64
	Kind() Kind
	State() State
	// SetState validates the transition before applying it.
	SetState(State) error
	Condition() Condition
	// Action performs the work. It reports the spawned worker PID through
	// report and returns the exit code to deliver to the client.
	Action(ctx context.Context, report ReportPID) (int, error)
	// Terminate asks a running worker to stop; invoked on cancellation.
	Terminate() error
	Stream() *Stream
}

// Less orders petitions by priority only. Ties are broken by arrival
// order at the queue, not here.
func Less(a, b Petition) bool { return a.Priority() < b.Priority() }

// Base carries the fields every petition variant shares. Embed it and
// provide Action and Terminate.
type Base struct {
	id       string
	priority float64
	kind     Kind
	cond     Condition
	stream   *Stream

	mu    sync.Mutex
	state State
}

// NewBase builds the shared petition core. A nil cond defaults to Always
// and a nil stream gets a fresh one.
func NewBase(id string, priority float64, kind Kind, cond Condition, stream *Stream) Base {
	if cond == nil {
		cond = Always()
	}
	if stream == nil {
		stream = NewStream(0)
	}
	return Base{
		id:       id,
		priority: priority,
		kind:     kind,
		cond:     cond,
		stream:   stream,
		state:    StatePending,
	}
}

func (b *Base) ID() string           { return b.id }
func (b *Base) Priority() float64    { return b.priority }
func (b *Base) Kind() Kind           { return b.kind }
func (b *Base) Condition() Condition { return b.cond }
func (b *Base) Stream() *Stream      { return b.stream }

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) SetState(next State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.CanTransition(next) {
		return &InvalidTransitionError{From: b.state, To: next}
	}
	b.state = next
	return nil
}
