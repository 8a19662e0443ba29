// Package sched implements the cooperative, tick-driven scheduling model
// spec §5 describes: a single caller-owned idle_tick() that advances every
// registered device's state machine and every in-flight file operation,
// with no implicit parallelism between them.
package sched

import "sync"

// Device is anything with a cooperative step function, i.e. every
// fatfs/blockdev.BDI implementation.
type Device interface {
	Tick()
}

// Pollable is an in-flight operation that advances one step per call and
// reports fatfs.ErrOpInProgress (or fatfs.ErrAwaitingData) while still
// running, and either nil or a terminal error once done. fat.File satisfies
// this via its Poll method.
type Pollable interface {
	Poll() error
}

// Scheduler composes the per-device and per-file state machines spec §9's
// design note calls for: a tagged-state poll() step driven by idle_tick(),
// rather than goroutines. Registration is dynamic so callers can open and
// close files between ticks.
type Scheduler struct {
	mu        sync.Mutex
	devices   []Device
	pollables map[Pollable]struct{}
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{pollables: make(map[Pollable]struct{})}
}

// RegisterDevice adds a device to the tick rotation. Safe to call at any
// time, including from within IdleTick via a callback.
func (s *Scheduler) RegisterDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, d)
}

// RegisterFile adds an in-flight file operation to be polled until it
// completes. The scheduler drops it automatically once Poll returns
// anything other than an in-progress error.
func (s *Scheduler) RegisterFile(p Pollable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollables[p] = struct{}{}
}

// UnregisterFile removes a pollable before it naturally completes, e.g. if
// its handle is being force-closed.
func (s *Scheduler) UnregisterFile(p Pollable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pollables, p)
}

// inProgress reports whether err is a transient "still running" status
// rather than a terminal outcome. sched only needs to know whether to keep
// polling, so fatfs.ErrOpInProgress/ErrAwaitingData are checked by value
// rather than importing the root package (keeps sched decoupled from the
// exact error vocabulary; fat.File.Poll never returns a third status).
func inProgress(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "operation in progress" || err.Error() == "awaiting data"
}

// IdleTick advances every registered device one step, then polls every
// registered file operation one step, dropping any that have completed.
// It is meant to be called repeatedly from the application's main loop
// (spec §5's idle_tick()); each call does a fixed, bounded amount of work.
func (s *Scheduler) IdleTick() {
	s.mu.Lock()
	devices := append([]Device(nil), s.devices...)
	s.mu.Unlock()

	for _, d := range devices {
		d.Tick()
	}

	s.mu.Lock()
	pending := make([]Pollable, 0, len(s.pollables))
	for p := range s.pollables {
		pending = append(pending, p)
	}
	s.mu.Unlock()

	for _, p := range pending {
		if err := p.Poll(); !inProgress(err) {
			s.UnregisterFile(p)
		}
	}
}
