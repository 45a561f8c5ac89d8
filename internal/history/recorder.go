package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/petitiond/petitiond/internal/log"
	"github.com/petitiond/petitiond/internal/petition"
)

// Recorder implements the manager start/finish hooks and feeds the store.
// Hooks run inside the manager critical section, so both callbacks only
// touch memory; the SQLite write happens on a separate goroutine after the
// petition's stream closes and the exit code is known. Heartbeat petitions
// are skipped entirely.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	started map[string]time.Time

	pending chan petition.Petition
	done    chan struct{}
}

// NewRecorder starts the background writer.
func NewRecorder(store *Store) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  log.WithComponent("history"),
		started: make(map[string]time.Time),
		pending: make(chan petition.Petition, 256),
		done:    make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// OnStart records the start time. It always reports a healthy start; the
// log is an observer, never an admission gate.
func (r *Recorder) OnStart(p petition.Petition) bool {
	if p.Kind() == petition.KindHeartbeat {
		return true
	}
	r.mu.Lock()
	r.started[p.ID()] = time.Now().UTC()
	r.mu.Unlock()
	return true
}

// OnFinish hands the petition to the writer. A full buffer drops the
// record rather than stall the manager mutex.
func (r *Recorder) OnFinish(p petition.Petition) {
	if p.Kind() == petition.KindHeartbeat {
		return
	}
	select {
	case r.pending <- p:
	default:
		r.logger.Warn("history buffer full, dropping record", "petition_id", p.ID())
		r.mu.Lock()
		delete(r.started, p.ID())
		r.mu.Unlock()
	}
}

// Close stops accepting records and waits for queued writes to land.
func (r *Recorder) Close() {
	close(r.pending)
	<-r.done
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for p := range r.pending {
		// The stream closes right after the finish hook fires; wait for
		// it so the exit code is settled before writing.
		<-p.Stream().Done()

		r.mu.Lock()
		started := r.started[p.ID()]
		delete(r.started, p.ID())
		r.mu.Unlock()

		code := p.Stream().Code()
		rec := Record{
			PetitionID: p.ID(),
			Kind:       p.Kind().String(),
			Priority:   p.Priority(),
			State:      p.State().String(),
			ExitCode:   &code,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Append(ctx, rec); err != nil {
			r.logger.Error("failed to record finished petition", "petition_id", p.ID(), "error", err)
		}
		cancel()
	}
}
