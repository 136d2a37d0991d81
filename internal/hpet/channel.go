package hpet

import (
	"time"

	"github.com/tinyrange/hpetclock/internal/clock"
	"github.com/tinyrange/hpetclock/internal/irq"
)

// Mode is the operating mode of a comparator channel as read back from its
// configuration register.
type Mode int

const (
	ModeDisabled Mode = iota
	ModePeriodic
	ModeOneShot
)

func (m Mode) String() string {
	switch m {
	case ModePeriodic:
		return "periodic"
	case ModeOneShot:
		return "oneshot"
	default:
		return "disabled"
	}
}

// Channel is one comparator timer. It implements clock.EventDevice.
type Channel struct {
	d     *Driver
	index int
	cfg   uint32 // config register offset
	cmp   uint32 // comparator register offset
	irs   uint32 // status bit
}

// Index returns the comparator number.
func (c *Channel) Index() int { return c.index }

// Mode reads the channel configuration back from the hardware.
func (c *Channel) Mode() Mode {
	cfg := c.d.win.Read32(c.cfg)
	switch {
	case cfg&tnEnable == 0:
		return ModeDisabled
	case cfg&tnPeriodic != 0:
		return ModePeriodic
	default:
		return ModeOneShot
	}
}

// Comparator returns the programmed comparator value.
func (c *Channel) Comparator() uint32 {
	return c.d.win.Read32(c.cmp)
}

// SetStatePeriodic restarts the shared counter with this channel firing
// every 1/HZ seconds.
func (c *Channel) SetStatePeriodic() error {
	d := c.d
	d.lock.Lock()
	defer d.lock.Unlock()

	d.log.Info("set clock event to periodic mode", "channel", c.index, "hz", d.cfg.HZ)
	d.restarts.BeginWrite()
	defer d.restarts.EndWrite()

	d.stopLocked()
	d.resetLocked()
	d.win.Write32(c.cmp, 0)

	cfg := d.win.Read32(c.cfg)
	cfg &^= tnLevel
	cfg |= tnEnable | tnPeriodic | tnSetVal | tn32Bit | c.irqFlags()
	d.win.Write32(c.cfg, cfg)

	// The second write latches the period.
	cv := CompareValue(d.cfg.Variant.Frequency, d.cfg.HZ)
	d.win.Write32(c.cmp, cv)
	d.cfg.Delay(time.Microsecond)
	d.win.Write32(c.cmp, cv)

	d.startLocked()
	return nil
}

func (c *Channel) irqFlags() uint32 {
	if c.d.cfg.Variant.LevelTriggered {
		return tnLevel
	}
	return 0
}

// SetStateShutdown disables the channel's interrupt.
func (c *Channel) SetStateShutdown() error {
	d := c.d
	d.lock.Lock()
	defer d.lock.Unlock()
	d.win.Write32(c.cfg, d.win.Read32(c.cfg)&^tnEnable)
	return nil
}

// SetStateOneshot switches the channel to non-periodic interrupts. The
// counter keeps running.
func (c *Channel) SetStateOneshot() error {
	d := c.d
	d.lock.Lock()
	defer d.lock.Unlock()

	d.log.Info("set clock event to oneshot mode", "channel", c.index)
	cfg := d.win.Read32(c.cfg)
	cfg &^= tnPeriodic
	cfg |= tnEnable | tn32Bit
	d.win.Write32(c.cfg, cfg)
	return nil
}

// TickResume re-enables interrupt delivery after resume.
func (c *Channel) TickResume() error {
	c.d.lock.Lock()
	defer c.d.lock.Unlock()
	c.d.enableLegacyInt()
	return nil
}

// SetNextEvent programs the comparator delta ticks ahead of the counter.
// It returns clock.ErrDeadlinePassed when fewer than MinProgDelta ticks
// remain once the write has landed, or when the counter was restarted
// meanwhile. The comparator is left programmed in either case.
func (c *Channel) SetNextEvent(delta uint64) error {
	d := c.d
	epoch := d.restarts.BeginRead()

	cnt := d.win.Read32(regCounter)
	cnt += uint32(delta)
	d.win.Write32(c.cmp, cnt)
	res := int32(cnt - d.win.Read32(regCounter))

	if res < MinProgDelta || !d.restarts.ReadOk(epoch) {
		return clock.ErrDeadlinePassed
	}
	return nil
}

// Handle is the interrupt handler bound to the variant's IRQ line. The line
// may be shared, so interrupts without this channel's status bit are left
// alone.
func (c *Channel) Handle(line uint32, cpu int) irq.Return {
	d := c.d
	if d.win.Read32(regStatus)&c.irs == 0 {
		return irq.None
	}
	d.win.Write32(regStatus, c.irs)
	// A descriptor replaced by a better device no longer owns the tick.
	if desc := d.Descriptor(cpu); desc != nil && desc.State() != clock.StateDetached {
		desc.Fire()
	}
	return irq.Handled
}

var _ clock.EventDevice = (*Channel)(nil)
