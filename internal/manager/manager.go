// Package manager owns the registry of running petitions, the running
// counter and the start/finish synchronization discipline. One mutex spans
// the authoritative admission check, the registry mutation, the counter
// update and the hook invocation; that single critical section is what
// closes the evaluate-then-commit race.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/petitiond/petitiond/internal/log"
	"github.com/petitiond/petitiond/internal/message"
	"github.com/petitiond/petitiond/internal/petition"
)

// ErrAlreadyRunning is returned when a petition with a live registration
// is started again.
var ErrAlreadyRunning = errors.New("petition already running")

// Hooks receive start/finish notifications inside the manager critical
// section. Implementations must keep their work minimal, never panic, and
// check Kind() so heartbeat petitions skip domain logic.
type Hooks interface {
	// OnStart reports whether the start is healthy. A false result makes
	// the processor finish the petition immediately without running it.
	OnStart(p petition.Petition) bool
	OnFinish(p petition.Petition)
}

// Converter maps a wire message into a concrete petition. Returning a nil
// petition (with or without an error) drops the message silently.
type Converter interface {
	Convert(m message.Message, stream *petition.Stream) (petition.Petition, error)
}

type entry struct {
	p   petition.Petition
	pid int
}

// Manager is the explicit context object shared by the processor and the
// transport layer. Construct one per service instance; there is no global.
type Manager struct {
	hooks     Hooks
	converter Converter
	logger    *slog.Logger

	mu       sync.Mutex
	registry map[string]*entry
	running  int

	// queueLen lets conditions observe queue depth; set by the processor.
	queueLen func() int
}

// New builds a manager. hooks and converter may be nil.
func New(hooks Hooks, converter Converter) *Manager {
	return &Manager{
		hooks:     hooks,
		converter: converter,
		logger:    log.WithComponent("manager"),
		registry:  make(map[string]*entry),
	}
}

// SetQueueLen wires the queue depth callback used to build Counters.
func (m *Manager) SetQueueLen(fn func() int) {
	m.mu.Lock()
	m.queueLen = fn
	m.mu.Unlock()
}

func (m *Manager) countersLocked() petition.Counters {
	c := petition.Counters{Running: m.running}
	if m.queueLen != nil {
		c.Queued = m.queueLen()
	}
	return c
}

// Convert maps a message into a petition via the configured converter.
// Malformed messages yield nil and are dropped without surfacing an error
// to the processor.
func (m *Manager) Convert(msg message.Message, stream *petition.Stream) petition.Petition {
	if m.converter == nil {
		return nil
	}
	p, err := m.converter.Convert(msg, stream)
	if err != nil {
		m.logger.Warn("message dropped: conversion failed", "message_id", msg.ID, "error", err)
		return nil
	}
	if p == nil {
		m.logger.Debug("message dropped: converter returned no petition", "message_id", msg.ID)
	}
	return p
}

// StartPetition commits a petition to run. Under the mutex it re-evaluates
// the admission condition against the live counters, registers the
// petition, bumps the running counter, moves it to RUNNING and calls
// OnStart. An error wrapping petition.ErrConditionUnmet means the caller
// should re-enqueue; healthy=false means the start must be rolled into an
// immediate finish without ever running the action.
func (m *Manager) StartPetition(p petition.Petition) (healthy bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.registry[p.ID()]; exists {
		return false, fmt.Errorf("petition %q: %w", p.ID(), ErrAlreadyRunning)
	}
	if err := p.Condition().Satisfied(m.countersLocked()); err != nil {
		return false, err
	}
	if err := p.SetState(petition.StateRunning); err != nil {
		return false, err
	}

	m.registry[p.ID()] = &entry{p: p}
	m.running++

	healthy = true
	if m.hooks != nil {
		healthy = m.hooks.OnStart(p)
	}
	return healthy, nil
}

// FinishPetition resolves a previously started petition. It returns false
// when the petition was never registered or was already finished, making
// repeated calls no-ops. On the true path the registration is removed, the
// counter decremented, OnFinish invoked, and the state settled to FINISHED
// (through CANCELLED or BROKEN when recorded).
func (m *Manager) FinishPetition(p petition.Petition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.registry[p.ID()]; !ok {
		return false
	}
	delete(m.registry, p.ID())
	m.running--

	if m.hooks != nil {
		m.hooks.OnFinish(p)
	}
	if err := p.SetState(petition.StateFinished); err != nil {
		m.logger.Warn("petition did not settle cleanly", "petition_id", p.ID(), "error", err)
	}
	return true
}

// ReportPID records the worker process id for a running petition.
func (m *Manager) ReportPID(id string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.registry[id]; ok {
		e.pid = pid
	}
}

// PID returns the recorded worker process id, if any.
func (m *Manager) PID(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.registry[id]
	if !ok {
		return 0, false
	}
	return e.pid, true
}

// IsRegistered reports whether the petition id has a live registration.
func (m *Manager) IsRegistered(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registry[id]
	return ok
}

// Running returns the number of petitions currently committed to run.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Counters snapshots the shared scheduler counters.
func (m *Manager) Counters() petition.Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countersLocked()
}
