// Package hpet drives the HPET block of Loongson-3 platform hubs. It exposes
// the comparator timers as per-CPU clock event devices and the main counter
// as a clock source.
package hpet

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/hpetclock/internal/clock"
	"github.com/tinyrange/hpetclock/internal/percpu"
	"github.com/tinyrange/hpetclock/internal/platform"
	"github.com/tinyrange/hpetclock/internal/regs"
)

var (
	ErrInvalidConfig = errors.New("hpet: invalid configuration")
	ErrNotDecoding   = errors.New("hpet: register window does not decode")
	ErrNoChannel     = errors.New("hpet: no such comparator channel")
	ErrAlreadySetup  = errors.New("hpet: cpu already has an hpet event device")
)

// Config is the immutable boot configuration of the driver.
type Config struct {
	Variant platform.Variant
	// HZ is the periodic tick rate.
	HZ uint32
	// CPUs is the number of per-CPU event device slots.
	CPUs   int
	Logger *slog.Logger
	// Delay waits between the two periodic comparator writes. It must not
	// sleep. Defaults to a busy wait.
	Delay func(time.Duration)
	// Sideband is the SMBus config window, required when the variant needs
	// sideband enablement.
	Sideband regs.Window
}

// Driver owns one HPET register window.
type Driver struct {
	cfg   Config
	win   regs.Window
	log   *slog.Logger
	board boardEnabler

	// lock serializes every operation on the shared counter and the
	// channel configuration registers.
	lock spinLock
	// restarts is written around every counter stop and reset so that
	// SetNextEvent can detect a restart overlapping its margin check.
	restarts sync.SeqCount

	periodFs uint32
	channels []*Channel
	events   *percpu.Slots[*clock.EventDescriptor]
	source   *ClockSource
}

// Init validates cfg, enables the HPET for the board and probes its
// capabilities. Errors are fatal to timekeeping and are logged before
// being returned.
func Init(cfg Config, window regs.Window) (*Driver, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "hpet")

	d, err := initDriver(cfg, window, log)
	if err != nil {
		log.Error("hpet initialization failed", "variant", cfg.Variant.Kind, "error", err)
		return nil, err
	}
	log.Info("hpet ready",
		"variant", cfg.Variant.Kind,
		"base", fmt.Sprintf("%#x", cfg.Variant.Base),
		"irq", cfg.Variant.IRQ,
		"freq", cfg.Variant.Frequency,
		"channels", len(d.channels),
		"enable", d.board)
	return d, nil
}

func initDriver(cfg Config, window regs.Window, log *slog.Logger) (*Driver, error) {
	switch {
	case window == nil:
		return nil, fmt.Errorf("%w: no register window", ErrInvalidConfig)
	case cfg.Variant.Base == 0:
		return nil, fmt.Errorf("%w: zero base address", ErrInvalidConfig)
	case cfg.Variant.Frequency == 0:
		return nil, fmt.Errorf("%w: zero frequency", ErrInvalidConfig)
	}
	if cfg.HZ == 0 {
		cfg.HZ = platform.DefaultHZ
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if cfg.Delay == nil {
		cfg.Delay = busyWait
	}

	board, err := newBoardEnabler(&cfg)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:    cfg,
		win:    window,
		log:    log,
		board:  board,
		events: percpu.New[*clock.EventDescriptor](cfg.CPUs),
	}
	d.source = &ClockSource{d: d}
	d.board.enable()

	caps := d.win.Read32(regCap)
	if caps == 0xffffffff {
		return nil, fmt.Errorf("%w at %#x via %v", ErrNotDecoding, cfg.Variant.Base, d.board)
	}
	d.periodFs = d.win.Read32(regPeriod)
	if d.periodFs != 0 {
		advertised := uint64(1_000_000_000_000_000) / uint64(d.periodFs)
		want := uint64(cfg.Variant.Frequency)
		if advertised*100 < want*99 || advertised*100 > want*101 {
			log.Warn("hpet period disagrees with platform frequency",
				"period_fs", d.periodFs, "advertised_hz", advertised, "platform_hz", want)
		}
	}

	n := int((caps>>capNumTimShift)&capNumTimMask) + 1
	d.channels = make([]*Channel, n)
	for i := range d.channels {
		d.channels[i] = &Channel{
			d:     d,
			index: i,
			cfg:   timerCfg(i),
			cmp:   timerCmp(i),
			irs:   1 << i,
		}
	}
	if d.win.Read32(timerCfg(0))&tnPeriodicCap == 0 {
		log.Warn("hpet timer 0 cannot run periodically")
	}
	return d, nil
}

func busyWait(d time.Duration) {
	start := time.Now()
	for time.Since(start) < d {
	}
}

// Config returns the effective configuration.
func (d *Driver) Config() Config { return d.cfg }

// Channels returns the number of comparator channels.
func (d *Driver) Channels() int { return len(d.channels) }

// Channel returns comparator channel i.
func (d *Driver) Channel(i int) (*Channel, error) {
	if i < 0 || i >= len(d.channels) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoChannel, i, len(d.channels))
	}
	return d.channels[i], nil
}

// Descriptor returns the event device registered for cpu, or nil.
func (d *Driver) Descriptor(cpu int) *clock.EventDescriptor {
	if cpu < 0 || cpu >= d.events.Len() {
		return nil
	}
	return d.events.Get(cpu)
}

func (d *Driver) startLocked() {
	d.win.Write32(regCfg, d.win.Read32(regCfg)|cfgEnable)
}

func (d *Driver) stopLocked() {
	d.win.Write32(regCfg, d.win.Read32(regCfg)&^cfgEnable)
}

func (d *Driver) resetLocked() {
	d.win.Write32(regCounter, 0)
	d.win.Write32(regCounterHi, 0)
}

func (d *Driver) restartLocked() {
	d.restarts.BeginWrite()
	d.stopLocked()
	d.resetLocked()
	d.startLocked()
	d.restarts.EndWrite()
}

// Start sets the counter enable bit.
func (d *Driver) Start() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.startLocked()
}

// Stop clears the counter enable bit.
func (d *Driver) Stop() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.restarts.BeginWrite()
	d.stopLocked()
	d.restarts.EndWrite()
}

// Reset zeroes the main counter. The counter should be stopped.
func (d *Driver) Reset() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.restarts.BeginWrite()
	d.resetLocked()
	d.restarts.EndWrite()
}

// Restart stops, zeroes and starts the counter as one critical section.
func (d *Driver) Restart() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.restartLocked()
}

// Running reports whether the counter enable bit is set.
func (d *Driver) Running() bool {
	return d.win.Read32(regCfg)&cfgEnable != 0
}

// Counter returns the low 32 bits of the main counter.
func (d *Driver) Counter() uint32 {
	return d.win.Read32(regCounter)
}

// enableLegacyInt is the legacy replacement interrupt hook. Loongson hubs
// route the HPET through their own interrupt controller, so nothing is
// written.
func (d *Driver) enableLegacyInt() {}
