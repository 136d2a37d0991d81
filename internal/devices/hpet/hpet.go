// Package hpet emulates a memory-mapped High Precision Event Timer block:
// one free-running main counter and a set of comparator timers that raise
// interrupts when the counter crosses them.
package hpet

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/tinyrange/hpetclock/internal/chipset"
)

const (
	defaultFrequency = 14_318_180
	defaultTimers    = 3
	maxTimers        = 32
	vendorID         = 0x8086
	revisionID       = 0x01

	capCountSize   uint64 = 1 << 13 // COUNT_SIZE_CAP
	capLegacyRoute uint64 = 1 << 15 // LEG_RT_CAP

	confEnable uint64 = 1 << 0 // ENABLE_CNF
	confLegacy uint64 = 1 << 1 // LEG_RT_CNF

	timerConfIntType     uint64 = 1 << 1 // level vs edge
	timerConfIntEnable   uint64 = 1 << 2 // INT_ENB_CNF
	timerConfPeriodic    uint64 = 1 << 3 // TYPE_CNF
	timerConfPeriodicCap uint64 = 1 << 4 // PER_INT_CAP
	timerConfSizeCap     uint64 = 1 << 5 // SIZE_CAP
	timerConfValSet      uint64 = 1 << 6 // VAL_SET_CNF
	timerConf32Bit       uint64 = 1 << 8 // 32MODE_CNF

	timerConfIntRouteShift uint64 = 9
	timerConfIntRouteMask  uint64 = 0x1F << timerConfIntRouteShift

	timerConfFSBEnable uint64 = 1 << 14
	timerConfFSBCap    uint64 = 1 << 15

	timerWritableMask = timerConfIntType | timerConfIntEnable | timerConfPeriodic |
		timerConfValSet | timerConf32Bit | timerConfIntRouteMask | timerConfFSBEnable

	pollInterval = 100 * time.Microsecond

	regGenCap      = 0x000
	regGenConfig   = 0x010
	regIntStatus   = 0x020
	regMainCounter = 0x0F0
	regTimerConfig = 0x100
	regTimerCmp    = 0x108
	regTimerRoute  = 0x110
	timerStride    = 0x20

	MMIOWindowSize = 0x400
)

type timer struct {
	config     uint64
	caps       uint64
	comparator uint64
	period     uint64
	fsRoute    uint64
}

func (t *timer) mask() uint64 {
	if t.config&timerConf32Bit != 0 {
		return 0xffffffff
	}
	return ^uint64(0)
}

// Device is an emulated HPET block decoded at a single MMIO base.
type Device struct {
	base uint64

	hz          uint64
	numTimers   int
	now         func() time.Time
	readLatency uint64
	decode      func() bool
	irqGate     func() bool
	fixedRoute  int

	lines *chipset.LineSet

	mu            sync.Mutex
	generalConfig uint64
	intStatus     uint64
	counter       uint64
	carry         uint64
	lastUpdate    time.Time
	timers        []timer
	fired         []uint64

	// Line transitions raised under mu, delivered once mu is released so
	// interrupt handlers can access the registers.
	events []lineEvent
}

type lineEventKind int

const (
	lineHigh lineEventKind = iota
	lineLow
	linePulse
)

type lineEvent struct {
	route uint8
	kind  lineEventKind
}

func (d *Device) unlock() {
	events := d.events
	d.events = nil
	d.mu.Unlock()

	// A closed gate stops assertions only, so a held line can still drop.
	gated := d.irqGate != nil && !d.irqGate()
	for _, ev := range events {
		if gated && ev.kind != lineLow {
			continue
		}
		line := d.lines.AllocateLine(ev.route)
		switch ev.kind {
		case lineHigh:
			line.SetLevel(true)
		case lineLow:
			line.SetLevel(false)
		case linePulse:
			line.PulseInterrupt()
		}
	}
}

// Option customises the emulated device, mainly for tests.
type Option func(*Device)

// WithFrequency sets the main counter frequency in Hz.
func WithFrequency(hz uint64) Option {
	return func(d *Device) {
		if hz > 0 {
			d.hz = hz
		}
	}
}

// WithTimers sets the number of comparator timers.
func WithTimers(n int) Option {
	return func(d *Device) {
		if n > 0 && n <= maxTimers {
			d.numTimers = n
		}
	}
}

// WithClock overrides the time base Poll uses to advance the counter.
func WithClock(now func() time.Time) Option {
	return func(d *Device) {
		if now != nil {
			d.now = now
		}
	}
}

// WithReadLatency makes every main counter read cost ticks counter cycles,
// as a slow bus would.
func WithReadLatency(ticks uint64) Option {
	return func(d *Device) {
		d.readLatency = ticks
	}
}

// WithDecodeGate makes the register block visible only while gate reports
// true. Undecoded reads float high and writes are lost.
func WithDecodeGate(gate func() bool) Option {
	return func(d *Device) {
		d.decode = gate
	}
}

// WithInterruptGate drops line transitions while gate reports false. Status
// bits are still latched.
func WithInterruptGate(gate func() bool) Option {
	return func(d *Device) {
		d.irqGate = gate
	}
}

// WithFixedRoute wires every timer to irq regardless of the route fields,
// as platform hubs with a single hard-wired HPET line do.
func WithFixedRoute(irq uint8) Option {
	return func(d *Device) {
		d.fixedRoute = int(irq)
	}
}

// New constructs an HPET device mapped at base. sink receives the interrupt
// line transitions.
func New(base uint64, sink chipset.InterruptSink, opts ...Option) *Device {
	d := &Device{
		base:       base,
		hz:         defaultFrequency,
		numTimers:  defaultTimers,
		now:        time.Now,
		fixedRoute: -1,
		lines:      chipset.NewLineSet(sink),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.resetLocked()
	return d
}

func (d *Device) resetLocked() {
	d.generalConfig = 0
	d.intStatus = 0
	d.counter = 0
	d.carry = 0
	d.lastUpdate = d.now()
	d.timers = make([]timer, d.numTimers)
	d.fired = make([]uint64, d.numTimers)
	for i := range d.timers {
		caps := timerConfPeriodicCap | timerConfSizeCap | (uint64(0xffffffff) << 32)
		caps &^= timerConfFSBCap
		d.timers[i].caps = caps
		d.timers[i].config = caps
	}
}

// Base returns the MMIO base address.
func (d *Device) Base() uint64 { return d.base }

// PeriodFemtoseconds returns the counter tick period advertised in GEN_CAP.
func (d *Device) PeriodFemtoseconds() uint32 {
	return uint32(1_000_000_000_000_000 / d.hz)
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: d.base, Size: MMIOWindowSize}},
		Handler: d,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (d *Device) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: d}
}

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error {
	d.mu.Lock()
	d.lastUpdate = d.now()
	d.mu.Unlock()
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (d *Device) Stop() error { return nil }

// Reset returns the block to its power-on state. Pending level interrupts
// are released.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.unlock()
	pending := d.intStatus
	d.clearStatusLocked(pending)
	d.resetLocked()
	return nil
}

func (d *Device) decoding() bool {
	return d.decode == nil || d.decode()
}

// ReadMMIO handles HPET register reads.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	reg, shift, err := d.decodeAccess(addr, len(data))
	if err != nil {
		return err
	}
	if !d.decoding() {
		for i := range data {
			data[i] = 0xff
		}
		return nil
	}

	d.mu.Lock()
	defer d.unlock()

	val := d.readRegLocked(reg) >> shift
	for i := range data {
		data[i] = byte(val >> (i * 8))
	}

	if reg == regMainCounter && d.readLatency > 0 && d.enabled() {
		d.stepLocked(d.readLatency)
	}
	return nil
}

// WriteMMIO handles HPET register writes.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	reg, shift, err := d.decodeAccess(addr, len(data))
	if err != nil {
		return err
	}
	if !d.decoding() {
		return nil
	}

	var val uint64
	for i := range data {
		val |= uint64(data[i]) << (i * 8)
	}
	mask := ^uint64(0)
	if len(data) < 8 {
		mask = (uint64(1) << (len(data) * 8)) - 1
	}

	d.mu.Lock()
	defer d.unlock()
	d.writeRegLocked(reg, val<<shift, mask<<shift)
	return nil
}

// decodeAccess splits addr into the 64-bit register it falls in and the bit
// offset of the access within that register.
func (d *Device) decodeAccess(addr uint64, size int) (uint64, uint64, error) {
	if addr < d.base || addr >= d.base+MMIOWindowSize {
		return 0, 0, fmt.Errorf("hpet: address 0x%x outside MMIO window", addr)
	}
	switch size {
	case 1, 2, 4, 8:
	default:
		return 0, 0, fmt.Errorf("hpet: invalid access size %d", size)
	}
	offset := addr - d.base
	if offset%uint64(size) != 0 {
		return 0, 0, fmt.Errorf("hpet: unaligned access offset=%#x size=%d", offset, size)
	}
	return offset &^ 7, (offset & 7) * 8, nil
}

func (d *Device) timerFor(reg uint64) (*timer, uint64, bool) {
	if reg < regTimerConfig {
		return nil, 0, false
	}
	idx := (reg - regTimerConfig) / timerStride
	if idx >= uint64(len(d.timers)) {
		return nil, 0, false
	}
	return &d.timers[idx], (reg - regTimerConfig) % timerStride, true
}

func (d *Device) readRegLocked(reg uint64) uint64 {
	switch reg {
	case regGenCap:
		return uint64(d.PeriodFemtoseconds())<<32 | uint64(vendorID)<<16 | capLegacyRoute | capCountSize |
			uint64(len(d.timers)-1)<<8 | revisionID
	case regGenConfig:
		return d.generalConfig
	case regIntStatus:
		return d.intStatus
	case regMainCounter:
		return d.counter
	}
	t, field, ok := d.timerFor(reg)
	if !ok {
		return 0
	}
	switch field {
	case 0x00:
		return t.config
	case 0x08:
		return t.comparator
	case 0x10:
		return t.fsRoute
	}
	return 0
}

func (d *Device) writeRegLocked(reg, val, mask uint64) {
	merge := func(old uint64) uint64 { return old&^mask | val&mask }

	switch reg {
	case regGenConfig:
		wasEnabled := d.enabled()
		d.generalConfig = merge(d.generalConfig) & (confEnable | confLegacy)
		if d.enabled() && !wasEnabled {
			d.lastUpdate = d.now()
		}
		return
	case regIntStatus:
		d.clearStatusLocked(val & mask)
		return
	case regMainCounter:
		d.counter = merge(d.counter)
		return
	}

	t, field, ok := d.timerFor(reg)
	if !ok {
		return
	}
	switch field {
	case 0x00:
		t.config = (merge(t.config) & timerWritableMask) | t.caps
		if t.config&timerConf32Bit != 0 {
			t.comparator &= 0xffffffff
			t.period &= 0xffffffff
		}
	case 0x08:
		v := merge(t.comparator) & t.mask()
		switch {
		case t.config&timerConfPeriodic == 0:
			t.comparator = v
		case t.config&timerConfValSet != 0:
			t.comparator = v
			t.period = v
			t.config &^= timerConfValSet
		default:
			t.period = v
		}
	case 0x10:
		t.fsRoute = merge(t.fsRoute)
	}
}

func (d *Device) enabled() bool {
	return d.generalConfig&confEnable != 0
}

// Poll advances the main counter by the time elapsed on the device clock.
func (d *Device) Poll(ctx context.Context) error {
	d.mu.Lock()
	defer d.unlock()
	d.advanceCounterLocked(d.now())
	return nil
}

// Run polls the device until ctx is cancelled.
func (d *Device) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Poll(ctx); err != nil {
				return err
			}
		}
	}
}

// Step advances a running counter by exactly ticks cycles.
func (d *Device) Step(ticks uint64) {
	d.mu.Lock()
	defer d.unlock()
	if d.enabled() {
		d.stepLocked(ticks)
	}
}

func (d *Device) advanceCounterLocked(now time.Time) {
	if now.Before(d.lastUpdate) {
		d.lastUpdate = now
		return
	}
	elapsed := uint64(now.Sub(d.lastUpdate).Nanoseconds())
	d.lastUpdate = now
	if !d.enabled() {
		return
	}

	hi, lo := bits.Mul64(elapsed, d.hz)
	lo, c := bits.Add64(lo, d.carry, 0)
	hi += c
	ticks, rem := bits.Div64(hi, lo, uint64(time.Second))
	d.carry = rem
	d.stepLocked(ticks)
}

func (d *Device) stepLocked(ticks uint64) {
	if ticks == 0 {
		return
	}
	prev := d.counter
	d.counter += ticks
	d.checkTimersLocked(prev, ticks)
}

func (d *Device) checkTimersLocked(prev, delta uint64) {
	for i := range d.timers {
		t := &d.timers[i]
		if t.config&timerConfIntEnable == 0 {
			continue
		}
		// MSI/FSB delivery is not implemented.
		if t.config&timerConfFSBEnable != 0 {
			continue
		}

		mask := t.mask()
		dist := (t.comparator - prev) & mask
		if dist == 0 || dist > delta {
			continue
		}

		if t.config&timerConfPeriodic != 0 && t.period != 0 {
			n := (delta-dist)/t.period + 1
			t.comparator = (t.comparator + n*t.period) & mask
		}
		d.raiseIRQLocked(i, t)
	}
}

func (d *Device) raiseIRQLocked(idx int, t *timer) {
	d.intStatus |= 1 << idx
	d.fired[idx]++
	ev := lineEvent{route: d.routeForTimerLocked(idx, t), kind: linePulse}
	if t.config&timerConfIntType != 0 {
		ev.kind = lineHigh
	}
	d.events = append(d.events, ev)
}

func (d *Device) clearStatusLocked(ack uint64) {
	ack &= d.intStatus
	if ack == 0 {
		return
	}
	d.intStatus &^= ack

	for i := range d.timers {
		if ack&(1<<i) == 0 || d.timers[i].config&timerConfIntType == 0 {
			continue
		}
		route := d.routeForTimerLocked(i, &d.timers[i])
		if !d.levelPendingLocked(route) {
			d.events = append(d.events, lineEvent{route: route, kind: lineLow})
		}
	}
}

func (d *Device) levelPendingLocked(route uint8) bool {
	for i := range d.timers {
		t := &d.timers[i]
		if d.intStatus&(1<<i) != 0 && t.config&timerConfIntType != 0 && d.routeForTimerLocked(i, t) == route {
			return true
		}
	}
	return false
}

func (d *Device) routeForTimerLocked(idx int, t *timer) uint8 {
	if d.fixedRoute >= 0 {
		return uint8(d.fixedRoute)
	}
	if d.generalConfig&confLegacy != 0 {
		if idx == 0 {
			return 0
		}
		if idx == 1 {
			return 8
		}
	}
	return uint8((t.config & timerConfIntRouteMask) >> timerConfIntRouteShift)
}

// TimerState is a point-in-time view of one comparator timer.
type TimerState struct {
	Config     uint64
	Comparator uint64
	Period     uint64
	Fired      uint64
}

// State is a point-in-time view of the whole block.
type State struct {
	Config  uint64
	Status  uint64
	Counter uint64
	Timers  []TimerState
}

// Enabled reports whether the main counter is running.
func (s State) Enabled() bool { return s.Config&confEnable != 0 }

// Snapshot returns the current register state without side effects.
func (d *Device) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := State{
		Config:  d.generalConfig,
		Status:  d.intStatus,
		Counter: d.counter,
		Timers:  make([]TimerState, len(d.timers)),
	}
	for i, t := range d.timers {
		s.Timers[i] = TimerState{Config: t.config, Comparator: t.comparator, Period: t.period, Fired: d.fired[i]}
	}
	return s
}

var (
	_ chipset.ChipsetDevice = (*Device)(nil)
	_ chipset.MmioHandler   = (*Device)(nil)
	_ chipset.PollHandler   = (*Device)(nil)
)
