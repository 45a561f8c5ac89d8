package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitiond/petitiond/internal/events"
	"github.com/petitiond/petitiond/internal/manager"
	"github.com/petitiond/petitiond/internal/message"
	"github.com/petitiond/petitiond/internal/petition"
)

func newTestProcessor(t *testing.T, hooks manager.Hooks, cfg Config) *Processor {
	t.Helper()
	mgr := manager.New(hooks, manager.DefaultConverter{})
	pr := New(mgr, events.NewHub(64), cfg)
	pr.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pr.Shutdown(ctx)
	})
	return pr
}

func waitDone(t *testing.T, p petition.Petition) {
	t.Helper()
	select {
	case <-p.Stream().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("petition %s never resolved", p.ID())
	}
}

func TestRunsPetitionsInPriorityOrder(t *testing.T) {
	pr := newTestProcessor(t, nil, Config{LookAhead: 10})

	var mu sync.Mutex
	var order []string
	mk := func(id string, priority float64) *petition.Func {
		p := petition.NewFunc(id, priority, petition.KindUser, petition.MaxRunning(1), nil)
		p.Run = func(context.Context, petition.ReportPID) (int, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return 0, nil
		}
		return p
	}

	// MaxRunning(1) serializes execution so recorded order is admission order.
	petitions := []*petition.Func{mk("urgent", 1), mk("normal", 50), mk("lazy", 200)}
	// Enqueue in reverse priority order to prove the queue reorders.
	require.NoError(t, pr.Enqueue(petitions[2]))
	require.NoError(t, pr.Enqueue(petitions[1]))
	require.NoError(t, pr.Enqueue(petitions[0]))

	for _, p := range petitions {
		waitDone(t, p)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent", "normal", "lazy"}, order)
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	pr := newTestProcessor(t, nil, Config{LookAhead: 1})

	block := make(chan struct{})
	p1 := petition.NewFunc("same", 1, petition.KindUser, nil, nil)
	p1.Run = func(context.Context, petition.ReportPID) (int, error) {
		<-block
		return 0, nil
	}
	require.NoError(t, pr.Enqueue(p1))

	p2 := petition.NewFunc("same", 1, petition.KindUser, nil, nil)
	assert.ErrorIs(t, pr.Enqueue(p2), ErrDuplicate)

	close(block)
	waitDone(t, p1)
}

func TestSubmitDropsMalformedMessage(t *testing.T) {
	pr := newTestProcessor(t, nil, Config{LookAhead: 1})

	p, err := pr.Submit(message.New(map[string]any{"nonsense": true}), petition.NewStream(1))
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 0, pr.QueueDepth())
}

func TestUnmetConditionStaysEnqueuedAndCancellable(t *testing.T) {
	pr := newTestProcessor(t, nil, Config{LookAhead: 4})

	never := petition.ConditionFunc(func(petition.Counters) error {
		return petition.ErrConditionUnmet
	})
	p := petition.NewFunc("parked", 1, petition.KindUser, never, nil)
	require.NoError(t, pr.Enqueue(p))

	// Give the loop a few passes; the petition must neither run nor break.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, petition.StateEnqueued, p.State())

	assert.True(t, pr.Cancel("parked"))
	waitDone(t, p)
	assert.Equal(t, petition.StateFinished, p.State())
	assert.Equal(t, 0, p.Stream().Code())
}

func TestCancelRunningPetitionInvokesTerminate(t *testing.T) {
	pr := newTestProcessor(t, nil, Config{LookAhead: 1})

	stop := make(chan struct{})
	p := petition.NewFunc("runner", 1, petition.KindUser, nil, nil)
	running := make(chan struct{})
	p.Run = func(ctx context.Context, _ petition.ReportPID) (int, error) {
		close(running)
		<-stop
		return 130, nil
	}
	p.Stop = func() error {
		close(stop)
		return nil
	}
	require.NoError(t, pr.Enqueue(p))

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("petition never started")
	}

	assert.True(t, pr.Cancel("runner"))
	waitDone(t, p)
	assert.Equal(t, petition.StateFinished, p.State())
	assert.Equal(t, 130, p.Stream().Code())
}

func TestCancelUnknownPetition(t *testing.T) {
	pr := newTestProcessor(t, nil, Config{LookAhead: 1})
	assert.False(t, pr.Cancel("nobody"))
}

func TestWorkerPanicResolvesBrokenToFinished(t *testing.T) {
	pr := newTestProcessor(t, nil, Config{LookAhead: 1})

	p := petition.NewFunc("bomb", 1, petition.KindUser, nil, nil)
	p.Run = func(context.Context, petition.ReportPID) (int, error) {
		panic("worker exploded")
	}
	require.NoError(t, pr.Enqueue(p))

	waitDone(t, p)
	assert.Equal(t, petition.StateFinished, p.State())
	assert.Equal(t, 1, p.Stream().Code())
	assert.True(t, pr.Healthy(), "a worker panic must not poison the loop")
}

type unhealthyHooks struct{}

func (unhealthyHooks) OnStart(petition.Petition) bool { return false }
func (unhealthyHooks) OnFinish(petition.Petition)     {}

func TestUnhealthyStartFinishesWithoutRunning(t *testing.T) {
	pr := newTestProcessor(t, unhealthyHooks{}, Config{LookAhead: 1})

	ran := false
	p := petition.NewFunc("sick", 1, petition.KindUser, nil, nil)
	p.Run = func(context.Context, petition.ReportPID) (int, error) {
		ran = true
		return 0, nil
	}
	require.NoError(t, pr.Enqueue(p))

	waitDone(t, p)
	assert.False(t, ran)
	assert.Equal(t, 1, p.Stream().Code())
	assert.Equal(t, petition.StateFinished, p.State())
}

func TestLoopPanicsFlipHealthAfterThreshold(t *testing.T) {
	pr := newTestProcessor(t, nil, Config{LookAhead: 1, MaxLoopFailures: 3})

	boom := petition.ConditionFunc(func(petition.Counters) error {
		panic("condition exploded")
	})

	for i := 0; i < 3; i++ {
		p := petition.NewFunc(string(rune('a'+i)), 1, petition.KindUser, boom, nil)
		require.NoError(t, pr.Enqueue(p))
	}

	require.Eventually(t, func() bool { return !pr.Healthy() },
		5*time.Second, 10*time.Millisecond,
		"health flag should flip after repeated loop panics")
}

func TestShutdownDrainsAndCancelsParkedWork(t *testing.T) {
	mgr := manager.New(nil, manager.DefaultConverter{})
	pr := New(mgr, events.NewHub(64), Config{LookAhead: 4})
	pr.Start()

	never := petition.ConditionFunc(func(petition.Counters) error {
		return petition.ErrConditionUnmet
	})
	parked := petition.NewFunc("parked", 1, petition.KindUser, never, nil)
	require.NoError(t, pr.Enqueue(parked))

	done := make(chan struct{})
	running := petition.NewFunc("running", 0, petition.KindUser, nil, nil)
	started := make(chan struct{})
	running.Run = func(context.Context, petition.ReportPID) (int, error) {
		close(started)
		<-done
		return 0, nil
	}
	require.NoError(t, pr.Enqueue(running))
	<-started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pr.Shutdown(ctx)

	// In-flight work drained, parked work cancelled, nothing left dangling.
	assert.Equal(t, petition.StateFinished, running.State())
	assert.Equal(t, petition.StateFinished, parked.State())
	waitDone(t, parked)

	assert.ErrorIs(t, pr.Enqueue(petition.NewFunc("late", 1, petition.KindUser, nil, nil)), ErrShuttingDown)
}

func TestFinishWakesParkedPetitions(t *testing.T) {
	pr := newTestProcessor(t, nil, Config{LookAhead: 4})

	release := make(chan struct{})
	holder := petition.NewFunc("holder", 1, petition.KindUser, petition.MaxRunning(1), nil)
	started := make(chan struct{})
	holder.Run = func(context.Context, petition.ReportPID) (int, error) {
		close(started)
		<-release
		return 0, nil
	}
	require.NoError(t, pr.Enqueue(holder))
	<-started

	waiter := petition.NewFunc("waiter", 2, petition.KindUser, petition.MaxRunning(1), nil)
	waiter.Run = func(context.Context, petition.ReportPID) (int, error) { return 0, nil }
	require.NoError(t, pr.Enqueue(waiter))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, petition.StateEnqueued, waiter.State())

	close(release)
	waitDone(t, waiter)
	assert.Equal(t, petition.StateFinished, waiter.State())
}
