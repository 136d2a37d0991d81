package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/hpetclock/internal/percpu"
)

const (
	// Attempts at the current minimum delta before it is raised.
	minDeltaTries = 3
	// Number of times the minimum delta may be raised before giving up.
	maxMinDeltaIncreases = 10
	// Floor applied when the minimum delta is raised.
	minDeltaFloorNs = 5000
)

// Events tracks the active event device of every CPU.
type Events struct {
	logger *slog.Logger

	mu    sync.Mutex
	slots *percpu.Slots[*EventDescriptor]
}

// NewEvents returns a registry for cpus CPUs, at least one.
func NewEvents(cpus int, logger *slog.Logger) *Events {
	if cpus <= 0 {
		cpus = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{
		logger: logger,
		slots:  percpu.New[*EventDescriptor](cpus),
	}
}

// CPUs returns the number of CPUs the registry was created for.
func (e *Events) CPUs() int { return e.slots.Len() }

// Register installs desc as the event device of desc.CPU if it outranks the
// current one. An installed device is shut down before use.
func (e *Events) Register(desc *EventDescriptor) error {
	if desc == nil || desc.Device == nil {
		return fmt.Errorf("%w: missing device", ErrInvalidDevice)
	}
	if desc.CPU < 0 || desc.CPU >= e.slots.Len() {
		return fmt.Errorf("%w: %s: cpu %d out of range", ErrInvalidDevice, desc.Name, desc.CPU)
	}
	if desc.Features&FeatureOneshot != 0 {
		if desc.Mult == 0 {
			return fmt.Errorf("%w: %s: oneshot device without mult", ErrInvalidDevice, desc.Name)
		}
		if desc.MinDeltaTicks > desc.MaxDeltaTicks {
			return fmt.Errorf("%w: %s: min delta %d above max %d", ErrInvalidDevice, desc.Name, desc.MinDeltaTicks, desc.MaxDeltaTicks)
		}
		if desc.MinDeltaNs == 0 {
			desc.MinDeltaNs = desc.DeltaToNs(desc.MinDeltaTicks)
		}
		if desc.MaxDeltaNs == 0 {
			desc.MaxDeltaNs = desc.DeltaToNs(desc.MaxDeltaTicks)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur := e.slots.Get(desc.CPU); cur != nil {
		if cur == desc {
			return nil
		}
		if cur.Rating >= desc.Rating {
			e.logger.Debug("event device outranked", "name", desc.Name, "cpu", desc.CPU, "current", cur.Name)
			return nil
		}
		if err := cur.Device.SetStateShutdown(); err != nil {
			return fmt.Errorf("clock: shutdown %s: %w", cur.Name, err)
		}
		cur.setState(StateDetached)
		if desc.Handler == nil {
			desc.Handler = cur.Handler
		}
	}

	if err := desc.Device.SetStateShutdown(); err != nil {
		return fmt.Errorf("clock: shutdown %s: %w", desc.Name, err)
	}
	desc.setState(StateShutdown)
	e.slots.Set(desc.CPU, desc)
	e.logger.Debug("event device registered", "name", desc.Name, "cpu", desc.CPU, "rating", desc.Rating)
	return nil
}

// Device returns the active descriptor for cpu.
func (e *Events) Device(cpu int) (*EventDescriptor, error) {
	if cpu < 0 || cpu >= e.slots.Len() {
		return nil, fmt.Errorf("%w: cpu %d", ErrNoDevice, cpu)
	}
	e.mu.Lock()
	desc := e.slots.Get(cpu)
	e.mu.Unlock()
	if desc == nil {
		return nil, fmt.Errorf("%w: cpu %d", ErrNoDevice, cpu)
	}
	return desc, nil
}

// SetHandler installs the tick handler used by cpu's device.
func (e *Events) SetHandler(cpu int, fn func(*EventDescriptor)) error {
	desc, err := e.Device(cpu)
	if err != nil {
		return err
	}
	desc.Handler = fn
	return nil
}

// SetState moves cpu's device into state.
func (e *Events) SetState(cpu int, state State) error {
	desc, err := e.Device(cpu)
	if err != nil {
		return err
	}
	if desc.State() == state {
		return nil
	}

	var opErr error
	switch state {
	case StateShutdown:
		opErr = desc.Device.SetStateShutdown()
	case StatePeriodic:
		if desc.Features&FeaturePeriodic == 0 {
			return fmt.Errorf("%w: %s: periodic", ErrUnsupportedState, desc.Name)
		}
		opErr = desc.Device.SetStatePeriodic()
	case StateOneshot:
		if desc.Features&FeatureOneshot == 0 {
			return fmt.Errorf("%w: %s: oneshot", ErrUnsupportedState, desc.Name)
		}
		opErr = desc.Device.SetStateOneshot()
	default:
		return fmt.Errorf("%w: %s: %v", ErrUnsupportedState, desc.Name, state)
	}
	if opErr != nil {
		return fmt.Errorf("clock: %s: set %v: %w", desc.Name, state, opErr)
	}
	desc.setState(state)
	return nil
}

// Program arms cpu's oneshot device to fire after delta. Deltas are clamped
// to the device limits. A device that reports ErrDeadlinePassed is retried at
// its minimum delta, and the minimum is raised when it keeps failing.
func (e *Events) Program(cpu int, delta time.Duration) error {
	desc, err := e.Device(cpu)
	if err != nil {
		return err
	}
	if desc.State() != StateOneshot {
		return fmt.Errorf("%w: %s is %v", ErrNotOneshot, desc.Name, desc.State())
	}

	ns := uint64(0)
	if delta > 0 {
		ns = uint64(delta)
	}
	ns = min(max(ns, desc.MinDeltaNs), desc.MaxDeltaNs)
	desc.programs.Add(1)

	err = desc.Device.SetNextEvent(desc.clampTicks(desc.NsToTicks(ns)))
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrDeadlinePassed) {
		return fmt.Errorf("clock: %s: program: %w", desc.Name, err)
	}
	return e.programMinDelta(desc)
}

func (e *Events) programMinDelta(desc *EventDescriptor) error {
	for raised := 0; ; raised++ {
		for range minDeltaTries {
			desc.retries.Add(1)
			ticks := desc.clampTicks(desc.NsToTicks(desc.MinDeltaNs))
			err := desc.Device.SetNextEvent(ticks)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrDeadlinePassed) {
				return fmt.Errorf("clock: %s: program: %w", desc.Name, err)
			}
		}
		if raised == maxMinDeltaIncreases {
			e.logger.Warn("giving up on event device", "name", desc.Name, "cpu", desc.CPU, "min_delta_ns", desc.MinDeltaNs)
			return fmt.Errorf("%w: %s after %d increases", ErrProgramFailed, desc.Name, raised)
		}
		next := desc.MinDeltaNs + desc.MinDeltaNs>>1
		if next < minDeltaFloorNs {
			next = minDeltaFloorNs
		}
		desc.MinDeltaNs = min(next, desc.MaxDeltaNs)
		e.logger.Debug("raised minimum delta", "name", desc.Name, "cpu", desc.CPU, "min_delta_ns", desc.MinDeltaNs)
	}
}

func (d *EventDescriptor) clampTicks(ticks uint64) uint64 {
	return min(max(ticks, d.MinDeltaTicks), d.MaxDeltaTicks)
}

// Resume runs the device's resume hook.
func (e *Events) Resume(cpu int) error {
	desc, err := e.Device(cpu)
	if err != nil {
		return err
	}
	if err := desc.Device.TickResume(); err != nil {
		return fmt.Errorf("clock: %s: resume: %w", desc.Name, err)
	}
	return nil
}

var _ EventRegistrar = (*Events)(nil)
