package chipset

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
)

var ErrOverlap = errors.New("chipset: mmio regions overlap")

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type mmioBinding struct {
	region  MMIORegion
	handler MmioHandler
}

func (b mmioBinding) contains(addr, end uint64) bool {
	return addr >= b.region.Address && end <= b.region.Address+b.region.Size
}

// ChipsetBuilder collects the devices of one platform hub and their
// decode windows. Build freezes them into a Chipset.
type ChipsetBuilder struct {
	devices    map[string]ChipsetDevice
	mmio       []mmioBinding
	interrupts map[uint8]InterruptSink
	polls      []PollHandler
	sink       *chipsetSink
}

// chipsetSink forwards to the Chipset once Build has produced it.
type chipsetSink struct {
	target atomic.Pointer[Chipset]
}

func (s *chipsetSink) SetIRQ(line uint8, level bool) {
	if c := s.target.Load(); c != nil {
		c.SetIRQ(line, level)
	}
}

func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices:    make(map[string]ChipsetDevice),
		interrupts: make(map[uint8]InterruptSink),
		sink:       &chipsetSink{},
	}
}

// InterruptSink returns a sink for devices constructed before Build. It
// routes through the built Chipset's interrupt lines and drops assertions
// made before Build returns.
func (b *ChipsetBuilder) InterruptSink() InterruptSink {
	return b.sink
}

// RegisterDevice adds dev under name and claims its MMIO windows.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	switch {
	case name == "":
		return errors.New("chipset: device name is empty")
	case dev == nil:
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q has mmio regions but no handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.WithMmioRegion(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}
	if poll := dev.SupportsPollDevice(); poll != nil && poll.Handler != nil {
		b.polls = append(b.polls, poll.Handler)
	}
	b.devices[name] = dev
	return nil
}

// WithMmioRegion decodes [base, base+size) to handler.
func (b *ChipsetBuilder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	switch {
	case handler == nil:
		return fmt.Errorf("chipset: nil handler for region %#x", base)
	case size == 0:
		return fmt.Errorf("chipset: region %#x has zero size", base)
	case base+size < base:
		return fmt.Errorf("chipset: region %#x+%#x wraps the address space", base, size)
	}
	for _, existing := range b.mmio {
		r := existing.region
		if base < r.Address+r.Size && r.Address < base+size {
			return fmt.Errorf("%w: %#x-%#x and %#x-%#x", ErrOverlap,
				base, base+size-1, r.Address, r.Address+r.Size-1)
		}
	}
	b.mmio = append(b.mmio, mmioBinding{region: MMIORegion{Address: base, Size: size}, handler: handler})
	return nil
}

// WithInterruptLine delivers line to sink.
func (b *ChipsetBuilder) WithInterruptLine(line uint8, sink InterruptSink) error {
	if sink == nil {
		return fmt.Errorf("chipset: nil sink for line %d", line)
	}
	if _, exists := b.interrupts[line]; exists {
		return fmt.Errorf("chipset: interrupt line %d already registered", line)
	}
	b.interrupts[line] = sink
	return nil
}

// Build returns the Chipset. Later registrations on b do not affect it.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	c := &Chipset{
		devices:    maps.Clone(b.devices),
		mmio:       slices.Clone(b.mmio),
		interrupts: maps.Clone(b.interrupts),
		polls:      slices.Clone(b.polls),
	}
	b.sink.target.Store(c)
	return c, nil
}

// Chipset is the frozen dispatch table of a platform hub.
type Chipset struct {
	devices    map[string]ChipsetDevice
	mmio       []mmioBinding
	interrupts map[uint8]InterruptSink
	polls      []PollHandler
}
