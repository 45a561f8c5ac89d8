// Package processor drives the scheduling loop: it pops pending petitions
// in priority order, admits them through the manager's mutex-guarded start
// sequence and supervises one worker per admitted petition.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petitiond/petitiond/internal/events"
	"github.com/petitiond/petitiond/internal/log"
	"github.com/petitiond/petitiond/internal/manager"
	"github.com/petitiond/petitiond/internal/message"
	"github.com/petitiond/petitiond/internal/petition"
)

var (
	// ErrShuttingDown rejects submissions after shutdown began.
	ErrShuttingDown = errors.New("processor shutting down")
	// ErrDuplicate rejects a petition whose id is already live.
	ErrDuplicate = errors.New("petition id already live")
)

// sentinelID identifies the shutdown petition. Its priority is +Inf so it
// pops only once everything admissible before it was handled.
const sentinelID = "__shutdown__"

// Config tunes the scheduling loop.
type Config struct {
	// LookAhead bounds how many pending petitions one pass may inspect
	// when the head of the queue is not admissible.
	LookAhead int
	// StarveAfter is the number of skips after which a petition counts as
	// starving and look-ahead collapses to 1 until it runs.
	StarveAfter int
	// MaxLoopFailures is the number of consecutive loop-level panics
	// tolerated before liveness reporting stops.
	MaxLoopFailures int
}

func (c *Config) setDefaults() {
	if c.LookAhead < 1 {
		c.LookAhead = 1
	}
	if c.StarveAfter < 1 {
		c.StarveAfter = 1000
	}
	if c.MaxLoopFailures < 1 {
		c.MaxLoopFailures = 3
	}
}

// Processor owns the priority queue and is the single writer of petition
// state transitions outside the manager critical section.
type Processor struct {
	mgr    *manager.Manager
	queue  *Queue
	hub    *events.Hub
	logger *slog.Logger
	cfg    Config

	mu           sync.Mutex
	live         map[string]petition.Petition
	seen         map[string]int
	starving     map[string]struct{}
	shuttingDown bool

	failures int // consecutive loop panics; loop goroutine only
	healthy  atomic.Bool

	baseCtx context.Context
	stop    context.CancelFunc

	workers  sync.WaitGroup
	loopDone chan struct{}
}

// New wires a processor to its manager and event hub. Call Start to run
// the loop.
func New(mgr *manager.Manager, hub *events.Hub, cfg Config) *Processor {
	cfg.setDefaults()
	if hub == nil {
		hub = events.NewHub(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	pr := &Processor{
		mgr:      mgr,
		queue:    NewQueue(),
		hub:      hub,
		logger:   log.WithComponent("processor"),
		cfg:      cfg,
		live:     make(map[string]petition.Petition),
		seen:     make(map[string]int),
		starving: make(map[string]struct{}),
		baseCtx:  ctx,
		stop:     cancel,
		loopDone: make(chan struct{}),
	}
	pr.healthy.Store(true)
	mgr.SetQueueLen(pr.queue.Len)
	return pr
}

// Start launches the scheduling loop.
func (pr *Processor) Start() {
	go pr.loop()
}

// Submit converts a message and enqueues the resulting petition. A nil
// petition means the message was malformed and dropped: no petition is
// scheduled and no error surfaces beyond the absence of output.
func (pr *Processor) Submit(msg message.Message, stream *petition.Stream) (petition.Petition, error) {
	p := pr.mgr.Convert(msg, stream)
	if p == nil {
		pr.hub.Publish(events.TypeDropped, map[string]string{"message_id": msg.ID})
		return nil, nil
	}
	if err := pr.Enqueue(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Enqueue admits a ready-made petition into the scheduling queue.
func (pr *Processor) Enqueue(p petition.Petition) error {
	pr.mu.Lock()
	if pr.shuttingDown {
		pr.mu.Unlock()
		return ErrShuttingDown
	}
	if _, dup := pr.live[p.ID()]; dup {
		pr.mu.Unlock()
		pr.logger.Warn("petition already live, rejecting", "petition_id", p.ID())
		return fmt.Errorf("petition %q: %w", p.ID(), ErrDuplicate)
	}
	pr.live[p.ID()] = p
	pr.mu.Unlock()

	if err := p.SetState(petition.StateEnqueued); err != nil {
		pr.mu.Lock()
		delete(pr.live, p.ID())
		pr.mu.Unlock()
		return err
	}
	pr.queue.Push(p)
	pr.publish(events.TypeEnqueued, p, nil)
	return nil
}

// Lookup returns a live (enqueued or running) petition.
func (pr *Processor) Lookup(id string) (petition.Petition, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	p, ok := pr.live[id]
	return p, ok
}

// Cancel resolves an enqueued petition immediately or asks a running one
// to terminate via its recorded process id. It returns false when no live
// petition carries the id.
func (pr *Processor) Cancel(id string) bool {
	pr.mu.Lock()
	p, ok := pr.live[id]
	pr.mu.Unlock()
	if !ok {
		return false
	}

	switch p.State() {
	case petition.StateEnqueued:
		if err := p.SetState(petition.StateCancelled); err != nil {
			return false
		}
		pr.publish(events.TypeCancelled, p, nil)
		// Never started: nothing registered, nothing to terminate.
		pr.resolve(p, nil)
		return true

	case petition.StateRunning:
		if err := p.SetState(petition.StateCancelled); err != nil {
			return false
		}
		pr.publish(events.TypeCancelled, p, nil)
		if err := p.Terminate(); err != nil {
			pr.logger.Error("terminate failed", "petition_id", id, "error", err)
			p.Stream().Send(fmt.Sprintf("failed to terminate petition %s: %v", id, err))
			code := 1
			pr.resolve(p, &code)
			return true
		}
		// The worker observes the process death and resolves normally.
		return true

	default:
		return false
	}
}

// Healthy reports whether the loop is still trustworthy. It flips to
// false after MaxLoopFailures consecutive loop-level panics, which stops
// liveness reporting so an external supervisor can restart the service.
func (pr *Processor) Healthy() bool { return pr.healthy.Load() }

// QueueDepth returns the number of queued petitions.
func (pr *Processor) QueueDepth() int { return pr.queue.Len() }

// Running returns the number of committed-to-run petitions.
func (pr *Processor) Running() int { return pr.mgr.Running() }

// Shutdown enqueues the sentinel, waits for the loop to drain and for
// in-flight workers to finish, then resolves whatever never ran.
func (pr *Processor) Shutdown(ctx context.Context) {
	pr.mu.Lock()
	if pr.shuttingDown {
		pr.mu.Unlock()
		return
	}
	pr.shuttingDown = true
	pr.mu.Unlock()

	pr.logger.Info("shutting down processor")
	sentinel := petition.NewFunc(sentinelID, math.Inf(1), petition.KindUser, petition.Always(), nil)
	pr.queue.Push(sentinel)

	select {
	case <-pr.loopDone:
	case <-ctx.Done():
	}

	workersDone := make(chan struct{})
	go func() {
		pr.workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		pr.logger.Warn("shutdown deadline reached with workers still running")
	}

	pr.mu.Lock()
	remaining := make([]petition.Petition, 0, len(pr.live))
	for _, p := range pr.live {
		remaining = append(remaining, p)
	}
	pr.mu.Unlock()
	for _, p := range remaining {
		if p.State() == petition.StateEnqueued {
			_ = p.SetState(petition.StateCancelled)
			pr.resolve(p, nil)
		}
	}
	pr.stop()
	pr.logger.Info("processor stopped")
}

func (pr *Processor) loop() {
	defer close(pr.loopDone)
	for {
		if pr.runOnce() {
			return
		}
	}
}

// runOnce is one pass of the scheduling loop. Unexpected panics are caught
// here so a single bad petition cannot take the service down; recurring
// panics flip the health flag instead.
func (pr *Processor) runOnce() (shutdown bool) {
	defer func() {
		if r := recover(); r != nil {
			pr.failures++
			pr.logger.Error("panic in scheduling loop", "panic", r, "consecutive", pr.failures)
			if pr.failures >= pr.cfg.MaxLoopFailures && pr.healthy.CompareAndSwap(true, false) {
				pr.logger.Error("failure threshold reached, liveness reporting disabled")
			}
		}
	}()

	items := pr.queue.Take(pr.currentLookAhead())
	shutting := pr.isShuttingDown()

	var unmet []Item
	progress := false
	for _, it := range items {
		p := it.Petition
		if p.ID() == sentinelID {
			shutdown = true
			continue
		}
		switch p.State() {
		case petition.StateCancelled, petition.StateBroken, petition.StateFinished:
			// Resolved while queued.
			continue
		}

		healthy, err := pr.mgr.StartPetition(p)
		switch {
		case errors.Is(err, petition.ErrConditionUnmet):
			unmet = append(unmet, it)
		case err != nil:
			pr.logger.Warn("petition failed to start", "petition_id", p.ID(), "error", err)
			pr.breakPetition(p)
			progress = true
		case !healthy:
			pr.logger.Warn("unhealthy start, finishing petition without running it", "petition_id", p.ID())
			code := 1
			pr.resolve(p, &code)
			progress = true
		default:
			pr.clearStarvation(p.ID())
			pr.spawn(p)
			progress = true
		}
	}

	for _, it := range unmet {
		if shutting {
			p := it.Petition
			_ = p.SetState(petition.StateCancelled)
			pr.resolve(p, nil)
			continue
		}
		pr.noteSkip(it.Petition.ID())
		pr.queue.Requeue(it)
	}

	pr.failures = 0
	if shutdown || shutting {
		return shutdown
	}
	if !progress && len(unmet) > 0 {
		// Every candidate was inadmissible. Block until new work arrives
		// or a finish re-signals the queue, with a jittered upper bound.
		pr.queue.WaitForWork(time.Duration(500+rand.Intn(4500)) * time.Millisecond)
	}
	return false
}

func (pr *Processor) spawn(p petition.Petition) {
	pr.publish(events.TypeStarted, p, nil)
	pr.workers.Add(1)
	go func() {
		defer pr.workers.Done()
		code := pr.runAction(p)
		pr.resolve(p, &code)
	}()
}

// runAction is the worker boundary: failures inside the action are caught
// here, logged, and the petition still resolves to FINISHED.
func (pr *Processor) runAction(p petition.Petition) (code int) {
	defer func() {
		if r := recover(); r != nil {
			pr.logger.Error("petition action panicked", "petition_id", p.ID(), "panic", r)
			_ = p.SetState(petition.StateBroken)
			code = 1
		}
	}()

	c, err := p.Action(pr.baseCtx, func(pid int) { pr.mgr.ReportPID(p.ID(), pid) })
	if err != nil {
		pr.logger.Error("petition action failed", "petition_id", p.ID(), "error", err)
		_ = p.SetState(petition.StateBroken)
		return 1
	}
	return c
}

// resolve finishes a petition: manager bookkeeping, stream closure with
// the final code (nil is the success sentinel) and a queue re-signal so
// petitions waiting on freed resources get re-checked.
func (pr *Processor) resolve(p petition.Petition, code *int) {
	pr.mgr.FinishPetition(p)
	if !p.State().Terminal() {
		_ = p.SetState(petition.StateFinished)
	}

	pr.mu.Lock()
	delete(pr.live, p.ID())
	delete(pr.seen, p.ID())
	delete(pr.starving, p.ID())
	pr.mu.Unlock()

	p.Stream().Close(code)
	pr.publish(events.TypeFinished, p, code)
	pr.queue.Kick()
}

func (pr *Processor) breakPetition(p petition.Petition) {
	_ = p.SetState(petition.StateBroken)
	code := 1
	pr.resolve(p, &code)
}

func (pr *Processor) isShuttingDown() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.shuttingDown
}

func (pr *Processor) noteSkip(id string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.seen[id]++
	if pr.seen[id] >= pr.cfg.StarveAfter {
		pr.starving[id] = struct{}{}
	}
}

func (pr *Processor) clearStarvation(id string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	delete(pr.seen, id)
	delete(pr.starving, id)
}

// currentLookAhead collapses to 1 while any petition is starving, so the
// head of the queue cannot be overtaken forever.
func (pr *Processor) currentLookAhead() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if len(pr.starving) > 0 {
		return 1
	}
	return pr.cfg.LookAhead
}

func (pr *Processor) publish(eventType string, p petition.Petition, code *int) {
	pr.hub.Publish(eventType, events.PetitionData{
		PetitionID: p.ID(),
		Kind:       p.Kind().String(),
		Priority:   p.Priority(),
		State:      p.State().String(),
		ExitCode:   code,
	})
}
