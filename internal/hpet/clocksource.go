package hpet

import (
	"fmt"

	"github.com/tinyrange/hpetclock/internal/clock"
)

// ClockSource exposes the main counter as a clock.Source.
type ClockSource struct {
	d *Driver
}

// Read returns the counter truncated to 32 bits.
func (s *ClockSource) Read() uint64 {
	return uint64(s.d.win.Read32(regCounter))
}

// Suspend does nothing; the counter does not survive power-down.
func (s *ClockSource) Suspend() {}

// Resume re-enables the board and restarts the counter from zero.
func (s *ClockSource) Resume() {
	s.d.board.enable()
	s.d.Restart()
}

// ClockSource returns the driver's clock source.
func (d *Driver) ClockSource() *ClockSource { return d.source }

// SourceDescriptor describes the counter for registration.
func (d *Driver) SourceDescriptor() *clock.SourceDescriptor {
	return &clock.SourceDescriptor{
		Name:   "hpet",
		Rating: SourceRating,
		Mask:   SourceMask,
		Mult:   clock.HzToMult(d.cfg.Variant.Frequency, SourceShift),
		Shift:  SourceShift,
		Flags:  clock.SourceContinuous,
		Source: d.ClockSource(),
	}
}

// InitClockSource registers the counter with sources. A stopped counter is
// restarted so reads advance.
func (d *Driver) InitClockSource(sources clock.SourceRegistrar) (*clock.SourceDescriptor, error) {
	desc := d.SourceDescriptor()
	if err := sources.Register(desc, d.cfg.Variant.Frequency); err != nil {
		return nil, fmt.Errorf("hpet: register clock source: %w", err)
	}
	if !d.Running() {
		d.Restart()
	}
	return desc, nil
}

var _ clock.Source = (*ClockSource)(nil)
