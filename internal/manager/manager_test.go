package manager

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petitiond/petitiond/internal/message"
	"github.com/petitiond/petitiond/internal/petition"
)

type recordingHooks struct {
	mu       sync.Mutex
	started  []string
	finished []string
	healthy  bool
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{healthy: true}
}

func (h *recordingHooks) OnStart(p petition.Petition) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, p.ID())
	return h.healthy
}

func (h *recordingHooks) OnFinish(p petition.Petition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, p.ID())
}

func enqueued(t *testing.T, id string, cond petition.Condition) petition.Petition {
	t.Helper()
	p := petition.NewFunc(id, 1, petition.KindUser, cond, nil)
	require.NoError(t, p.SetState(petition.StateEnqueued))
	return p
}

func TestStartFinishLifecycle(t *testing.T) {
	hooks := newRecordingHooks()
	m := New(hooks, nil)
	p := enqueued(t, "p1", nil)

	healthy, err := m.StartPetition(p)
	require.NoError(t, err)
	assert.True(t, healthy)
	assert.Equal(t, petition.StateRunning, p.State())
	assert.Equal(t, 1, m.Running())
	assert.True(t, m.IsRegistered("p1"))

	assert.True(t, m.FinishPetition(p))
	assert.Equal(t, petition.StateFinished, p.State())
	assert.Equal(t, 0, m.Running())
	assert.False(t, m.IsRegistered("p1"))

	assert.Equal(t, []string{"p1"}, hooks.started)
	assert.Equal(t, []string{"p1"}, hooks.finished)
}

func TestStartRejectsDuplicate(t *testing.T) {
	m := New(nil, nil)
	p := enqueued(t, "dup", nil)

	_, err := m.StartPetition(p)
	require.NoError(t, err)

	p2 := enqueued(t, "dup", nil)
	_, err = m.StartPetition(p2)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, m.Running())
}

func TestStartRechecksConditionUnderMutex(t *testing.T) {
	m := New(nil, nil)

	first := enqueued(t, "first", petition.MaxRunning(1))
	second := enqueued(t, "second", petition.MaxRunning(1))

	_, err := m.StartPetition(first)
	require.NoError(t, err)

	_, err = m.StartPetition(second)
	assert.ErrorIs(t, err, petition.ErrConditionUnmet)
	assert.Equal(t, petition.StateEnqueued, second.State())

	m.FinishPetition(first)
	_, err = m.StartPetition(second)
	assert.NoError(t, err)
}

func TestFinishIsIdempotent(t *testing.T) {
	m := New(nil, nil)
	p := enqueued(t, "once", nil)

	_, err := m.StartPetition(p)
	require.NoError(t, err)

	assert.True(t, m.FinishPetition(p))
	assert.False(t, m.FinishPetition(p))
	assert.Equal(t, 0, m.Running())
}

func TestFinishUnknownPetition(t *testing.T) {
	m := New(nil, nil)
	p := enqueued(t, "ghost", nil)
	assert.False(t, m.FinishPetition(p))
}

func TestUnhealthyStartStillRegisters(t *testing.T) {
	hooks := newRecordingHooks()
	hooks.healthy = false
	m := New(hooks, nil)
	p := enqueued(t, "sick", nil)

	healthy, err := m.StartPetition(p)
	require.NoError(t, err)
	assert.False(t, healthy)
	// The caller is responsible for finishing it immediately.
	assert.True(t, m.IsRegistered("sick"))
	assert.True(t, m.FinishPetition(p))
}

func TestCancelledWhileStartingIsRejected(t *testing.T) {
	m := New(nil, nil)
	p := enqueued(t, "raced", nil)
	require.NoError(t, p.SetState(petition.StateCancelled))

	_, err := m.StartPetition(p)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, petition.ErrConditionUnmet)
	assert.False(t, m.IsRegistered("raced"))
	assert.Equal(t, 0, m.Running())
}

func TestConcurrentStartsHonorMaxRunningOne(t *testing.T) {
	m := New(nil, nil)

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < n; i++ {
		p := enqueued(t, fmt.Sprintf("p-%d", i), petition.MaxRunning(1))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.StartPetition(p); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else if !errors.Is(err, petition.ErrConditionUnmet) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// Exactly one petition may slip through the check-then-commit window.
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, m.Running())
}

func TestReportPID(t *testing.T) {
	m := New(nil, nil)
	p := enqueued(t, "proc", nil)

	_, err := m.StartPetition(p)
	require.NoError(t, err)

	m.ReportPID("proc", 4242)
	pid, ok := m.PID("proc")
	assert.True(t, ok)
	assert.Equal(t, 4242, pid)

	m.FinishPetition(p)
	_, ok = m.PID("proc")
	assert.False(t, ok)
}

func TestCountersIncludeQueueDepth(t *testing.T) {
	m := New(nil, nil)
	m.SetQueueLen(func() int { return 7 })

	c := m.Counters()
	assert.Equal(t, 0, c.Running)
	assert.Equal(t, 7, c.Queued)
}

type failingConverter struct{}

func (failingConverter) Convert(message.Message, *petition.Stream) (petition.Petition, error) {
	return nil, errors.New("malformed")
}

func TestConvertWithoutConverterDrops(t *testing.T) {
	m := New(nil, nil)
	p := m.Convert(message.New(map[string]any{"counter": 1}), nil)
	assert.Nil(t, p)
}

func TestConvertErrorDropsMessage(t *testing.T) {
	m := New(nil, failingConverter{})
	p := m.Convert(message.New(map[string]any{"counter": 1}), nil)
	assert.Nil(t, p)
}
