package sched

import (
	"errors"
	"testing"

	"github.com/kesari/fatfs"
	"github.com/stretchr/testify/assert"
)

type fakeDevice struct {
	ticks int
}

func (d *fakeDevice) Tick() { d.ticks++ }

type fakePollable struct {
	results []error
	calls   int
}

func (p *fakePollable) Poll() error {
	if p.calls >= len(p.results) {
		return errors.New("polled past its scripted results")
	}
	err := p.results[p.calls]
	p.calls++
	return err
}

func TestIdleTickTicksEveryRegisteredDevice(t *testing.T) {
	s := New()
	d1, d2 := &fakeDevice{}, &fakeDevice{}
	s.RegisterDevice(d1)
	s.RegisterDevice(d2)

	s.IdleTick()
	s.IdleTick()

	assert.Equal(t, 2, d1.ticks)
	assert.Equal(t, 2, d2.ticks)
}

func TestIdleTickPollsUntilTerminalThenDrops(t *testing.T) {
	s := New()
	p := &fakePollable{results: []error{fatfs.ErrOpInProgress, fatfs.ErrOpInProgress, nil}}
	s.RegisterFile(p)

	s.IdleTick()
	assert.Equal(t, 1, p.calls)

	s.IdleTick()
	assert.Equal(t, 2, p.calls)

	s.IdleTick() // terminal nil: dropped after this tick
	assert.Equal(t, 3, p.calls)

	s.IdleTick() // no longer registered, must not be polled again
	assert.Equal(t, 3, p.calls)
}

func TestIdleTickDropsPollableOnTerminalError(t *testing.T) {
	s := New()
	p := &fakePollable{results: []error{errors.New("boom")}}
	s.RegisterFile(p)

	s.IdleTick()
	assert.Equal(t, 1, p.calls)

	s.IdleTick()
	assert.Equal(t, 1, p.calls, "a terminal error must also unregister the pollable")
}

func TestIdleTickTreatsAwaitingDataAsInProgress(t *testing.T) {
	s := New()
	p := &fakePollable{results: []error{fatfs.ErrAwaitingData, nil}}
	s.RegisterFile(p)

	s.IdleTick()
	assert.Equal(t, 1, p.calls)
	s.IdleTick()
	assert.Equal(t, 2, p.calls)
}

func TestUnregisterFileStopsFuturePolls(t *testing.T) {
	s := New()
	p := &fakePollable{results: []error{fatfs.ErrOpInProgress, fatfs.ErrOpInProgress}}
	s.RegisterFile(p)
	s.IdleTick()
	assert.Equal(t, 1, p.calls)

	s.UnregisterFile(p)
	s.IdleTick()
	assert.Equal(t, 1, p.calls)
}
