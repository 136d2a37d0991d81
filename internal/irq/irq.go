// Package irq binds interrupt handlers to lines and dispatches line
// assertions to them.
package irq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrBusy     = errors.New("irq: line already claimed by a non-shared action")
	ErrNoAction = errors.New("irq: no such action")
	ErrInvalid  = errors.New("irq: invalid action")
)

// Return is a handler's verdict on an interrupt.
type Return int

const (
	// None means the interrupt did not come from this handler's device.
	None Return = iota
	Handled
)

func (r Return) String() string {
	if r == Handled {
		return "handled"
	}
	return "none"
}

// Flags tune how an action is delivered.
type Flags uint32

const (
	// NoBalancing pins delivery to Action.CPU.
	NoBalancing Flags = 1 << iota
	// Timer marks a timekeeping interrupt.
	Timer
	// Shared allows other Shared actions on the same line.
	Shared
)

// Handler services an interrupt on line, running on cpu.
type Handler func(line uint32, cpu int) Return

type Action struct {
	Name    string
	Flags   Flags
	CPU     int
	Handler Handler
}

// Registrar is the interrupt registration facility consumed by drivers.
type Registrar interface {
	Request(line uint32, action Action) error
	Free(line uint32, name string) error
}

// Stats counts dispatches on a line.
type Stats struct {
	Handled   uint64
	Unhandled uint64
}

type lineDesc struct {
	actions []Action
	level   bool
	stats   Stats
}

// Controller is an interrupt controller with a fixed number of CPUs. It
// implements chipset.InterruptSink so emulated devices can drive it.
type Controller struct {
	cpus   int
	logger *slog.Logger

	mu    sync.Mutex
	lines map[uint32]*lineDesc
	next  int
}

func NewController(cpus int, logger *slog.Logger) *Controller {
	if cpus <= 0 {
		cpus = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cpus:   cpus,
		logger: logger,
		lines:  make(map[uint32]*lineDesc),
	}
}

// Request binds action to line.
func (c *Controller) Request(line uint32, action Action) error {
	if action.Handler == nil || action.Name == "" {
		return fmt.Errorf("%w: line %d needs a name and handler", ErrInvalid, line)
	}
	if action.Flags&NoBalancing != 0 && (action.CPU < 0 || action.CPU >= c.cpus) {
		return fmt.Errorf("%w: cpu %d out of range", ErrInvalid, action.CPU)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	desc := c.lines[line]
	if desc == nil {
		desc = &lineDesc{}
		c.lines[line] = desc
	}
	for _, existing := range desc.actions {
		if existing.Flags&Shared == 0 || action.Flags&Shared == 0 {
			return fmt.Errorf("%w: line %d held by %q", ErrBusy, line, existing.Name)
		}
	}
	desc.actions = append(desc.actions, action)
	c.logger.Debug("irq requested", "line", line, "name", action.Name, "cpu", action.CPU)
	return nil
}

// Free removes the named action from line.
func (c *Controller) Free(line uint32, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	desc := c.lines[line]
	if desc != nil {
		for i, a := range desc.actions {
			if a.Name == name {
				desc.actions = append(desc.actions[:i], desc.actions[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %q on line %d", ErrNoAction, name, line)
}

// SetIRQ implements chipset.InterruptSink. A rising edge dispatches the line.
func (c *Controller) SetIRQ(line uint8, level bool) {
	c.mu.Lock()
	desc := c.lines[uint32(line)]
	if desc == nil {
		desc = &lineDesc{}
		c.lines[uint32(line)] = desc
	}
	rising := level && !desc.level
	desc.level = level
	c.mu.Unlock()

	if rising {
		c.Dispatch(uint32(line))
	}
}

// Dispatch runs every action bound to line and reports Handled if any of
// them claimed the interrupt. Handlers run without the controller lock held.
func (c *Controller) Dispatch(line uint32) Return {
	c.mu.Lock()
	desc := c.lines[line]
	if desc == nil {
		c.mu.Unlock()
		return None
	}
	actions := append([]Action(nil), desc.actions...)
	cpus := make([]int, len(actions))
	for i, a := range actions {
		if a.Flags&NoBalancing != 0 {
			cpus[i] = a.CPU
			continue
		}
		cpus[i] = c.next
		c.next = (c.next + 1) % c.cpus
	}
	c.mu.Unlock()

	ret := None
	for i, a := range actions {
		if a.Handler(line, cpus[i]) == Handled {
			ret = Handled
		}
	}

	c.mu.Lock()
	if ret == Handled {
		desc.stats.Handled++
	} else {
		desc.stats.Unhandled++
	}
	c.mu.Unlock()

	if ret == None {
		c.logger.Debug("spurious interrupt", "line", line)
	}
	return ret
}

// Stats returns the dispatch counters for line.
func (c *Controller) Stats(line uint32) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if desc := c.lines[line]; desc != nil {
		return desc.stats
	}
	return Stats{}
}

var _ Registrar = (*Controller)(nil)
