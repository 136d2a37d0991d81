package chipset

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices, as on a power cycle.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns the named device, or nil.
func (c *Chipset) Device(name string) ChipsetDevice {
	return c.devices[name]
}

// HandleMMIO dispatches an access to the device decoding it. Accesses
// nobody decodes fail with an error; callers treat that as a floating bus.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	end := addr + uint64(len(data))
	if end < addr {
		return fmt.Errorf("chipset: access at %#x wraps the address space", addr)
	}
	for _, b := range c.mmio {
		if !b.contains(addr, end) {
			continue
		}
		if isWrite {
			return b.handler.WriteMMIO(addr, data)
		}
		return b.handler.ReadMMIO(addr, data)
	}
	return fmt.Errorf("chipset: no device decodes %#x", addr)
}

// SetIRQ implements InterruptSink by routing to the sink registered for line.
// Lines without a sink are dropped.
func (c *Chipset) SetIRQ(line uint8, level bool) {
	if sink, ok := c.interrupts[line]; ok {
		sink.SetIRQ(line, level)
	}
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	return slices.Sorted(maps.Keys(c.devices))
}

var _ InterruptSink = (*Chipset)(nil)
