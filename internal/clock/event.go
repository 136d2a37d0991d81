package clock

import (
	"sync/atomic"
)

// EventDevice is the operation set a timer driver exposes per CPU.
type EventDevice interface {
	SetStateShutdown() error
	SetStatePeriodic() error
	SetStateOneshot() error
	TickResume() error
	// SetNextEvent arms the device to fire delta ticks from now. It fails
	// with ErrDeadlinePassed when that cannot be guaranteed.
	SetNextEvent(delta uint64) error
}

// State is the operating state of an event device.
type State int32

const (
	StateDetached State = iota
	StateShutdown
	StatePeriodic
	StateOneshot
)

func (s State) String() string {
	switch s {
	case StateShutdown:
		return "shutdown"
	case StatePeriodic:
		return "periodic"
	case StateOneshot:
		return "oneshot"
	default:
		return "detached"
	}
}

// Features advertises which states a device supports.
type Features uint32

const (
	FeaturePeriodic Features = 1 << iota
	FeatureOneshot
)

// EventDescriptor binds an EventDevice to one CPU.
type EventDescriptor struct {
	Name     string
	Rating   int
	Features Features

	// Nanoseconds to ticks: ticks = (ns * Mult) >> Shift.
	Mult  uint32
	Shift uint32

	MinDeltaTicks uint64
	MaxDeltaTicks uint64
	MinDeltaNs    uint64
	MaxDeltaNs    uint64

	IRQ uint32
	CPU int

	Device EventDevice

	// Handler is installed by the timekeeping layer and invoked from the
	// device's interrupt handler.
	Handler func(*EventDescriptor)

	state    atomic.Int32
	fired    atomic.Uint64
	retries  atomic.Uint64
	programs atomic.Uint64
}

// SetClock derives Mult and Shift for a device ticking at freq, valid for
// deltas of at least minsec seconds.
func (d *EventDescriptor) SetClock(freq, minsec uint32) {
	d.Mult, d.Shift = CalcMultShift(NsecPerSec, freq, minsec)
}

// DeltaToNs converts a tick count for this device to nanoseconds.
func (d *EventDescriptor) DeltaToNs(ticks uint64) uint64 {
	return DeltaToNs(ticks, d.Mult, d.Shift)
}

// NsToTicks converts nanoseconds to device ticks.
func (d *EventDescriptor) NsToTicks(ns uint64) uint64 {
	return (ns * uint64(d.Mult)) >> d.Shift
}

// State returns the state last set through the Events registry.
func (d *EventDescriptor) State() State {
	return State(d.state.Load())
}

func (d *EventDescriptor) setState(s State) {
	d.state.Store(int32(s))
}

// Fire runs the installed handler. Drivers call it from their interrupt
// handler once the hardware has been acknowledged.
func (d *EventDescriptor) Fire() {
	d.fired.Add(1)
	if h := d.Handler; h != nil {
		h(d)
	}
}

// EventStats counts activity on a descriptor.
type EventStats struct {
	Fired      uint64
	Programmed uint64
	Retries    uint64
}

func (d *EventDescriptor) Stats() EventStats {
	return EventStats{
		Fired:      d.fired.Load(),
		Programmed: d.programs.Load(),
		Retries:    d.retries.Load(),
	}
}

// EventRegistrar accepts event devices from drivers.
type EventRegistrar interface {
	Register(desc *EventDescriptor) error
}
