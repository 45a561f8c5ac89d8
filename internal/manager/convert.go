package manager

import (
	"fmt"
	"strconv"
	"syscall"

	"github.com/petitiond/petitiond/internal/message"
	"github.com/petitiond/petitiond/internal/petition"
)

const defaultPriority = 100

// DefaultConverter builds the two built-in petition shapes:
//
//   - extras {command, args[, priority, signal, group]} runs an arbitrary
//     command as a supervised OS process;
//   - extras {counter, sleep_time[, priority]} runs the greeter demo,
//     printing "Hello World! i" counter times with sleep_time seconds in
//     between.
//
// Messages missing required keys, or carrying them with the wrong type,
// convert to nil and are dropped.
type DefaultConverter struct {
	// MaxRunning caps concurrently running user petitions; non-positive
	// disables the cap.
	MaxRunning int
}

func (c DefaultConverter) Convert(m message.Message, stream *petition.Stream) (petition.Petition, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("message has no id")
	}

	priority := float64(defaultPriority)
	if p, ok := m.Float("priority"); ok {
		priority = p
	}
	cond := petition.MaxRunning(c.MaxRunning)

	if path, ok := m.String("command"); ok {
		args, _ := m.StringSlice("args")
		p := petition.NewCommand(m.ID, priority, cond, stream, path, args...)
		if sig, ok := m.Int("signal"); ok {
			p.Signal = syscall.Signal(sig)
		}
		if group, ok := m.Bool("group"); ok {
			p.Group = group
		}
		return p, nil
	}

	if counter, ok := m.Int("counter"); ok {
		sleep, ok := m.Float("sleep_time")
		if !ok || counter < 0 || sleep < 0 {
			return nil, nil
		}
		script := fmt.Sprintf(
			`i=0; while [ "$i" -lt %d ]; do echo "Hello World! $i"; i=$((i+1)); sleep %s; done`,
			counter, strconv.FormatFloat(sleep, 'f', -1, 64),
		)
		return petition.NewCommand(m.ID, priority, cond, stream, "/bin/sh", "-c", script), nil
	}

	return nil, nil
}
