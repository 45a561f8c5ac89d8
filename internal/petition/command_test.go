package petition

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandStreamsOutputAndExitCode(t *testing.T) {
	p := NewCommand("echo", 1, nil, nil, "/bin/sh", "-c", `echo first; echo second; exit 4`)

	var pid int
	code, err := p.Action(context.Background(), func(got int) { pid = got })
	require.NoError(t, err)
	assert.Equal(t, 4, code)
	assert.Greater(t, pid, 0)
	assert.Equal(t, pid, p.PID())

	line, ok := p.Stream().Next()
	require.True(t, ok)
	assert.Equal(t, "first", line)
	line, ok = p.Stream().Next()
	require.True(t, ok)
	assert.Equal(t, "second", line)
}

func TestCommandMergesStderrIntoStream(t *testing.T) {
	p := NewCommand("stderr", 1, nil, nil, "/bin/sh", "-c", `echo oops 1>&2`)

	code, err := p.Action(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	line, ok := p.Stream().Next()
	require.True(t, ok)
	assert.Equal(t, "oops", line)
}

func TestCommandStartFailure(t *testing.T) {
	p := NewCommand("missing", 1, nil, nil, "/no/such/binary")

	_, err := p.Action(context.Background(), nil)
	assert.Error(t, err)
}

func TestCommandTerminateSignalsProcess(t *testing.T) {
	p := NewCommand("sleeper", 1, nil, nil, "/bin/sh", "-c", `sleep 30`)

	done := make(chan int, 1)
	started := make(chan struct{})
	go func() {
		code, err := p.Action(context.Background(), func(int) { close(started) })
		assert.NoError(t, err)
		done <- code
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("process never started")
	}

	require.NoError(t, p.Terminate())

	select {
	case code := <-done:
		// Killed by signal reads as failure, not as a clean zero.
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not die after Terminate")
	}
}

func TestCommandTerminateWithoutPID(t *testing.T) {
	p := NewCommand("never-ran", 1, nil, nil, "/bin/true")
	assert.Error(t, p.Terminate())
}

func TestCommandTerminateDeadProcessIsSuccess(t *testing.T) {
	p := NewCommand("quick", 1, nil, nil, "/bin/true")

	_, err := p.Action(context.Background(), nil)
	require.NoError(t, err)

	// The process already exited and was reaped; ESRCH counts as done.
	assert.NoError(t, p.Terminate())
}

func TestCommandCustomSignal(t *testing.T) {
	p := NewCommand("hup", 1, nil, nil, "/bin/sh", "-c", `trap 'exit 12' HUP; sleep 30 & wait`)
	p.Signal = syscall.SIGHUP

	done := make(chan int, 1)
	started := make(chan struct{})
	go func() {
		code, err := p.Action(context.Background(), func(int) { close(started) })
		assert.NoError(t, err)
		done <- code
	}()

	<-started
	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, p.Terminate())

	select {
	case code := <-done:
		assert.Equal(t, 12, code)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not react to SIGHUP")
	}
}
