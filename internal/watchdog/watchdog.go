// Package watchdog proves end-to-end liveness by pushing a heartbeat
// petition through the same queue, manager and worker path as user work,
// then reporting to the process supervisor only when the round trip
// completed and the scheduling loop is still healthy.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petitiond/petitiond/internal/log"
	"github.com/petitiond/petitiond/internal/petition"
	"github.com/petitiond/petitiond/internal/processor"
)

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks github.com/petitiond/petitiond/internal/watchdog Notifier

// Notifier delivers liveness messages to the supervising init system.
type Notifier interface {
	Notify(state string) error
}

// Config tunes the heartbeat cycle.
type Config struct {
	// Interval between heartbeats. systemd setups should use half the
	// WATCHDOG_USEC window; IntervalFromEnv derives that.
	Interval time.Duration
	// Deadline bounds a single heartbeat round trip through the queue.
	Deadline time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = c.Interval
	}
}

// Watchdog runs the heartbeat loop.
type Watchdog struct {
	proc     *processor.Processor
	notifier Notifier
	logger   *slog.Logger
	cfg      Config

	alive atomic.Bool
	done  chan struct{}
	stop  context.CancelFunc
}

// New builds a watchdog. notifier may be nil when no supervisor socket is
// available; the heartbeat still runs and Alive stays observable.
func New(proc *processor.Processor, notifier Notifier, cfg Config) *Watchdog {
	cfg.setDefaults()
	w := &Watchdog{
		proc:     proc,
		notifier: notifier,
		logger:   log.WithComponent("watchdog"),
		cfg:      cfg,
		done:     make(chan struct{}),
	}
	w.alive.Store(true)
	return w
}

// Start launches the heartbeat loop and signals readiness.
func (w *Watchdog) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.stop = cancel
	w.notify("READY=1")
	go w.loop(ctx)
}

// Stop halts the heartbeat loop and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.stop != nil {
		w.stop()
	}
	<-w.done
}

// Alive reports whether the last heartbeat completed within its deadline.
func (w *Watchdog) Alive() bool { return w.alive.Load() }

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

// beat enqueues one heartbeat petition and waits for its stream to close.
// The petition rides at priority -Inf so it overtakes all user work, and
// its condition is Always so admission can never park it.
func (w *Watchdog) beat(ctx context.Context) {
	hb := petition.NewFunc(
		fmt.Sprintf("__heartbeat_%s", uuid.NewString()),
		math.Inf(-1),
		petition.KindHeartbeat,
		petition.Always(),
		nil,
	)
	if err := w.proc.Enqueue(hb); err != nil {
		w.logger.Warn("heartbeat rejected", "error", err)
		w.alive.Store(false)
		return
	}

	deadline := time.NewTimer(w.cfg.Deadline)
	defer deadline.Stop()
	select {
	case <-hb.Stream().Done():
	case <-deadline.C:
		w.logger.Error("heartbeat missed deadline", "deadline", w.cfg.Deadline)
		w.alive.Store(false)
		return
	case <-ctx.Done():
		return
	}

	if !w.proc.Healthy() {
		// The loop hit its failure threshold. Stop feeding the supervisor
		// so it restarts us; the service never kills itself.
		w.logger.Error("scheduling loop unhealthy, withholding liveness")
		w.alive.Store(false)
		return
	}

	w.alive.Store(true)
	w.notify("WATCHDOG=1")
}

func (w *Watchdog) notify(state string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(state); err != nil {
		w.logger.Warn("supervisor notify failed", "state", state, "error", err)
	}
}
