package petition

import (
	"errors"
	"fmt"
)

// ErrConditionUnmet is the sentinel wrapped by every admission refusal.
// The processor re-enqueues petitions whose condition reports it.
var ErrConditionUnmet = errors.New("condition unmet")

// Counters is the view of shared scheduler state a condition may consult.
// The authoritative evaluation happens under the manager mutex, so values
// read here cannot go stale between check and commit.
type Counters struct {
	Running int
	Queued  int
}

// Condition is the admission predicate of a petition. Satisfied returns
// nil when the petition may start now and an error wrapping
// ErrConditionUnmet otherwise. Implementations must be pure functions of
// the counters they receive, never of petition-local state.
type Condition interface {
	Satisfied(c Counters) error
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(c Counters) error

func (f ConditionFunc) Satisfied(c Counters) error { return f(c) }

// Always returns a condition that always holds. Heartbeat petitions use it;
// they are not subject to resource admission limits.
func Always() Condition {
	return ConditionFunc(func(Counters) error { return nil })
}

// MaxRunning returns a condition that holds while fewer than n petitions
// are running. A non-positive n disables the limit.
func MaxRunning(n int) Condition {
	return ConditionFunc(func(c Counters) error {
		if n > 0 && c.Running >= n {
			return fmt.Errorf("%d of %d slots in use: %w", c.Running, n, ErrConditionUnmet)
		}
		return nil
	})
}
