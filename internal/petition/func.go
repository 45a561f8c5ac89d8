package petition

import "context"

// Func is a petition whose action and termination are supplied as
// callbacks. Heartbeat petitions and tests use it; collaborators that need
// custom finalizers instead of signal delivery can too.
type Func struct {
	Base

	// Run performs the work and returns the exit code for the client.
	Run func(ctx context.Context, report ReportPID) (int, error)
	// Stop is invoked on cancellation. Optional.
	Stop func() error
}

// NewFunc builds a callback petition.
func NewFunc(id string, priority float64, kind Kind, cond Condition, stream *Stream) *Func {
	return &Func{Base: NewBase(id, priority, kind, cond, stream)}
}

func (p *Func) Action(ctx context.Context, report ReportPID) (int, error) {
	if p.Run == nil {
		return 0, nil
	}
	return p.Run(ctx, report)
}

func (p *Func) Terminate() error {
	if p.Stop == nil {
		return nil
	}
	return p.Stop()
}
