package petition

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Command runs its work as a separate OS process. The process gets its own
// process group so cancellation can signal the whole tree, and a worker
// crash cannot corrupt orchestrator state.
type Command struct {
	Base

	// Path and Args form the command line to execute.
	Path string
	Args []string
	Dir  string
	Env  []string

	// Signal is sent on Terminate; zero value means SIGTERM.
	Signal syscall.Signal
	// Group signals the whole process group instead of the single PID.
	Group bool

	mu  sync.Mutex
	pid int
}

// NewCommand builds a command petition with the given identity, ordering
// and admission condition.
func NewCommand(id string, priority float64, cond Condition, stream *Stream, path string, args ...string) *Command {
	return &Command{
		Base: NewBase(id, priority, KindUser, cond, stream),
		Path: path,
		Args: args,
	}
}

// Action spawns the process, streams its combined output line by line and
// returns the exit code. The PID is reported before any output is read.
func (p *Command) Action(ctx context.Context, report ReportPID) (int, error) {
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// One pipe for both stdout and stderr keeps line interleaving in
	// produced order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return 0, fmt.Errorf("start process: %w", err)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.mu.Unlock()
	if report != nil {
		report(cmd.Process.Pid)
	}

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.Stream().Send(scanner.Text())
	}
	_ = pr.Close()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if code < 0 {
				// killed by signal
				code = 1
			}
			return code, nil
		}
		return 0, fmt.Errorf("wait for process: %w", err)
	}
	return 0, nil
}

// PID returns the recorded worker PID, zero before start.
func (p *Command) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Terminate sends the configured signal to the recorded PID or its whole
// process group. A PID that no longer exists counts as success: the
// process may have died on its own.
func (p *Command) Terminate() error {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if pid <= 0 {
		return fmt.Errorf("petition %s has no recorded pid", p.ID())
	}

	sig := p.Signal
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	target := pid
	if p.Group {
		target = -pid
	}

	if err := syscall.Kill(target, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", target, err)
	}
	return nil
}
