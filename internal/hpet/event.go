package hpet

import (
	"fmt"
	"strconv"

	"github.com/tinyrange/hpetclock/internal/clock"
	"github.com/tinyrange/hpetclock/internal/irq"
)

// SetupTimer creates the event device for cpu on the comparator of the same
// number, registers it with events and binds the interrupt handler.
func (d *Driver) SetupTimer(cpu int, events clock.EventRegistrar, irqs irq.Registrar) (*clock.EventDescriptor, error) {
	ch, err := d.Channel(cpu)
	if err != nil {
		return nil, err
	}
	if cpu >= d.events.Len() {
		return nil, fmt.Errorf("%w: cpu %d beyond %d slots", ErrNoChannel, cpu, d.events.Len())
	}
	if d.events.Get(cpu) != nil {
		return nil, fmt.Errorf("%w: cpu %d", ErrAlreadySetup, cpu)
	}

	v := d.cfg.Variant
	desc := &clock.EventDescriptor{
		Name:          "hpet",
		Rating:        EventRating,
		Features:      clock.FeaturePeriodic | clock.FeatureOneshot,
		IRQ:           v.IRQ,
		CPU:           cpu,
		Device:        ch,
		MinDeltaTicks: MinProgDelta,
		MaxDeltaTicks: MaxDeltaTicks,
	}
	desc.SetClock(v.Frequency, 4)
	desc.MaxDeltaNs = desc.DeltaToNs(MaxDeltaTicks)
	desc.MinDeltaNs = desc.DeltaToNs(MinProgDelta)

	// Handle tolerates an empty slot, so the line is bound before the
	// descriptor is published.
	name := "hpet"
	if cpu > 0 {
		name += strconv.Itoa(cpu)
	}
	err = irqs.Request(v.IRQ, irq.Action{
		Name:    name,
		Flags:   irq.NoBalancing | irq.Timer | irq.Shared,
		CPU:     cpu,
		Handler: ch.Handle,
	})
	if err != nil {
		return nil, fmt.Errorf("hpet: request irq %d: %w", v.IRQ, err)
	}

	d.events.Set(cpu, desc)
	if err := events.Register(desc); err != nil {
		d.events.Set(cpu, nil)
		if ferr := irqs.Free(v.IRQ, name); ferr != nil {
			d.log.Warn("hpet irq release failed", "irq", v.IRQ, "name", name, "error", ferr)
		}
		return nil, fmt.Errorf("hpet: register event device for cpu %d: %w", cpu, err)
	}
	d.log.Info("hpet clock event device registered", "cpu", cpu, "irq", v.IRQ, "mult", desc.Mult, "shift", desc.Shift)
	return desc, nil
}
