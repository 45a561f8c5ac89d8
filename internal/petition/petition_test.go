package petition

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLessOrdersByPriorityOnly(t *testing.T) {
	low := NewFunc("low", 1, KindUser, nil, nil)
	high := NewFunc("high", 10, KindUser, nil, nil)

	assert.True(t, Less(low, high))
	assert.False(t, Less(high, low))
}

func TestLessComparesAcrossVariants(t *testing.T) {
	// Different variants must stay comparable inside one queue.
	cmd := NewCommand("cmd", 5, nil, nil, "/bin/true")
	fn := NewFunc("fn", 5, KindHeartbeat, nil, nil)

	assert.False(t, Less(cmd, fn))
	assert.False(t, Less(fn, cmd))

	urgent := NewFunc("urgent", math.Inf(-1), KindHeartbeat, nil, nil)
	assert.True(t, Less(urgent, cmd))
}

func TestMaxRunningCondition(t *testing.T) {
	cond := MaxRunning(2)

	assert.NoError(t, cond.Satisfied(Counters{Running: 0}))
	assert.NoError(t, cond.Satisfied(Counters{Running: 1}))

	err := cond.Satisfied(Counters{Running: 2})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrConditionUnmet))
}

func TestMaxRunningDisabled(t *testing.T) {
	cond := MaxRunning(0)
	assert.NoError(t, cond.Satisfied(Counters{Running: 1000}))
}

func TestBaseDefaults(t *testing.T) {
	b := NewBase("p", 1, KindUser, nil, nil)

	assert.Equal(t, StatePending, b.State())
	assert.NotNil(t, b.Stream())
	assert.NoError(t, b.Condition().Satisfied(Counters{Running: 1 << 20}))
}

func TestFuncPetitionDefaults(t *testing.T) {
	p := NewFunc("noop", 1, KindUser, nil, nil)

	code, err := p.Action(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.NoError(t, p.Terminate())
}

func TestFuncPetitionCallbacks(t *testing.T) {
	p := NewFunc("fn", 1, KindUser, nil, nil)
	stopped := false
	p.Run = func(ctx context.Context, report ReportPID) (int, error) {
		report(42)
		return 7, nil
	}
	p.Stop = func() error {
		stopped = true
		return nil
	}

	var gotPID int
	code, err := p.Action(context.Background(), func(pid int) { gotPID = pid })
	assert.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, 42, gotPID)

	assert.NoError(t, p.Terminate())
	assert.True(t, stopped)
}
