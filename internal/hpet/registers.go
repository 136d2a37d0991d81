package hpet

// Register offsets from the HPET window base.
const (
	regCap       = 0x000
	regPeriod    = 0x004
	regCfg       = 0x010
	regStatus    = 0x020
	regCounter   = 0x0f0
	regCounterHi = 0x0f4
	regT0Cfg     = 0x100
	regT0Cmp     = 0x108
	timerStride  = 0x20
)

const (
	cfgEnable = 0x1

	capNumTimShift = 8
	capNumTimMask  = 0x1f

	tnLevel       = 0x002
	tnEnable      = 0x004
	tnPeriodic    = 0x008
	tnPeriodicCap = 0x010
	tnSetVal      = 0x040
	tn32Bit       = 0x100
)

const (
	// MinCycles is the fewest counter cycles the comparator logic needs
	// between a write and the match.
	MinCycles = 16
	// MinProgDelta is the smallest delta SetNextEvent accepts. Deadlines
	// closer than this to the counter fail with clock.ErrDeadlinePassed.
	MinProgDelta = MinCycles * 12

	// MaxDeltaTicks keeps a 32-bit comparator deadline unambiguous.
	MaxDeltaTicks = 0x7fffffff

	EventRating  = 100
	SourceRating = 300
	SourceShift  = 10
	SourceMask   = 0xffffffff
)

// Sideband SMBus registers used to enable the RS780E HPET.
const (
	smbusRegMisc     = 0x40
	smbusRegIntCtl   = 0x64
	smbusRegHPETBase = 0xb4

	smbusDecodeEnable = 1 << 28
	smbusIRQEnable    = 1 << 10
)

func timerCfg(n int) uint32 { return regT0Cfg + uint32(n)*timerStride }
func timerCmp(n int) uint32 { return regT0Cmp + uint32(n)*timerStride }

// CompareValue is the periodic comparator value for hz ticks per second.
func CompareValue(freq, hz uint32) uint32 {
	return uint32((uint64(freq) + uint64(hz)/2) / uint64(hz))
}
