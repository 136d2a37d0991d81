// Package clock defines the contracts between timer drivers and the
// timekeeping layer: per-CPU event devices that raise interrupts on demand,
// and free-running sources that are polled for monotonic time.
package clock

import "errors"

const NsecPerSec = 1_000_000_000

var (
	// ErrDeadlinePassed reports that a programmed event could not be
	// guaranteed to fire. The caller picks a larger delta and tries again.
	ErrDeadlinePassed = errors.New("clock: deadline already passed")

	ErrInvalidDevice    = errors.New("clock: invalid event device")
	ErrNoDevice         = errors.New("clock: no event device")
	ErrUnsupportedState = errors.New("clock: state not supported by device")
	ErrNotOneshot       = errors.New("clock: device not in oneshot state")
	ErrProgramFailed    = errors.New("clock: unable to program event")

	ErrInvalidSource   = errors.New("clock: invalid clock source")
	ErrDuplicateSource = errors.New("clock: clock source already registered")
	ErrNoSource        = errors.New("clock: no clock source")
)
