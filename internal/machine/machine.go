// Package machine assembles an emulated Loongson-3 platform hub: the HPET
// block, the RS780E SMBus function when the hub needs one, and the
// interrupt controller the HPET line is wired to.
package machine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/hpetclock/internal/chipset"
	devhpet "github.com/tinyrange/hpetclock/internal/devices/hpet"
	"github.com/tinyrange/hpetclock/internal/devices/smbus"
	"github.com/tinyrange/hpetclock/internal/irq"
	"github.com/tinyrange/hpetclock/internal/platform"
	"github.com/tinyrange/hpetclock/internal/regs"
)

// Config describes the machine to build.
type Config struct {
	Variant platform.Variant
	// SMBusBase is where the SMBus config function decodes. Only used when
	// the variant needs sideband enablement.
	SMBusBase uint64
	CPUs      int
	// Timers defaults to one comparator per CPU, and never fewer than 3.
	Timers      int
	Clock       func() time.Time
	ReadLatency uint64
	Logger      *slog.Logger
}

type Machine struct {
	Chipset *chipset.Chipset
	HPET    *devhpet.Device
	SMBus   *smbus.Function
	IRQ     *irq.Controller

	// HPETWindow and Sideband are register windows onto the emulated bus.
	// Sideband is nil when the variant has no SMBus function.
	HPETWindow *regs.BusWindow
	Sideband   *regs.BusWindow

	variant platform.Variant
}

// New builds and starts the machine.
func New(cfg Config) (*Machine, error) {
	v := cfg.Variant
	if v.Base == 0 {
		return nil, fmt.Errorf("machine: %v has no hpet base", v.Kind)
	}
	if v.IRQ > 0xff {
		return nil, fmt.Errorf("machine: irq %d does not fit an interrupt line", v.IRQ)
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if cfg.Timers <= 0 {
		cfg.Timers = max(cfg.CPUs, 3)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Machine{
		IRQ:     irq.NewController(cfg.CPUs, cfg.Logger),
		variant: v,
	}
	builder := chipset.NewBuilder()

	opts := []devhpet.Option{
		devhpet.WithFrequency(uint64(v.Frequency)),
		devhpet.WithTimers(cfg.Timers),
		devhpet.WithFixedRoute(uint8(v.IRQ)),
		devhpet.WithReadLatency(cfg.ReadLatency),
	}
	if cfg.Clock != nil {
		opts = append(opts, devhpet.WithClock(cfg.Clock))
	}
	if v.NeedsSideband {
		if cfg.SMBusBase == 0 {
			return nil, fmt.Errorf("machine: %v needs an smbus base", v.Kind)
		}
		m.SMBus = smbus.New(cfg.SMBusBase, uint32(v.Base))
		opts = append(opts,
			devhpet.WithDecodeGate(m.SMBus.Decoding),
			devhpet.WithInterruptGate(m.SMBus.IRQEnabled))
		if err := builder.RegisterDevice("smbus", m.SMBus); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
	}

	m.HPET = devhpet.New(v.Base, builder.InterruptSink(), opts...)
	if err := builder.RegisterDevice("hpet", m.HPET); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if err := builder.WithInterruptLine(uint8(v.IRQ), m.IRQ); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	cs, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("machine: build chipset: %w", err)
	}
	if err := cs.Start(); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	m.Chipset = cs
	m.HPETWindow = regs.NewBusWindow(cs, v.Base)
	if m.SMBus != nil {
		m.Sideband = regs.NewBusWindow(cs, cfg.SMBusBase)
	}
	return m, nil
}

// Variant returns the hub variant the machine emulates.
func (m *Machine) Variant() platform.Variant { return m.variant }

// SidebandWindow returns the sideband window as a regs.Window, or nil.
func (m *Machine) SidebandWindow() regs.Window {
	if m.Sideband == nil {
		return nil
	}
	return m.Sideband
}

// PowerCycle loses all hub state, as a suspend to RAM does.
func (m *Machine) PowerCycle() error {
	if err := m.Chipset.Reset(); err != nil {
		return fmt.Errorf("machine: power cycle: %w", err)
	}
	return nil
}

// Step advances the HPET counter by ticks.
func (m *Machine) Step(ticks uint64) { m.HPET.Step(ticks) }

// Run polls the chipset until ctx is cancelled.
func (m *Machine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Chipset.Poll(ctx); err != nil {
				return err
			}
		}
	}
}
