package clock

// CalcMultShift returns a multiplier and shift converting a value in units
// of frequency from into units of frequency to:
//
//	to = (from * mult) >> shift
//
// maxsec bounds the conversion range in seconds of from units; the result
// is the largest shift for which that range does not overflow 64 bits.
func CalcMultShift(from, to, maxsec uint32) (mult, shift uint32) {
	// Bits of headroom left once maxsec worth of input bits are spent.
	tmp := (uint64(maxsec) * uint64(from)) >> 32
	sftacc := uint32(32)
	for tmp != 0 {
		tmp >>= 1
		sftacc--
	}

	var sft uint32
	for sft = 32; sft > 0; sft-- {
		tmp = uint64(to) << sft
		tmp += uint64(from) / 2
		tmp /= uint64(from)
		if tmp>>sftacc == 0 {
			break
		}
	}
	return uint32(tmp), sft
}

// HzToMult returns the cycles-to-nanoseconds multiplier for a counter at hz
// with the given shift, rounded to nearest.
func HzToMult(hz, shift uint32) uint32 {
	tmp := uint64(NsecPerSec) << shift
	tmp += uint64(hz) / 2
	return uint32(tmp / uint64(hz))
}

// CyclesToNs converts a cycle count with a source multiplier and shift.
func CyclesToNs(cycles uint64, mult, shift uint32) uint64 {
	return (cycles * uint64(mult)) >> shift
}

// NsToCycles inverts CyclesToNs, rounding to the nearest cycle.
func NsToCycles(ns uint64, mult, shift uint32) uint64 {
	return ((ns << shift) + uint64(mult)/2) / uint64(mult)
}

// DeltaToNs converts an event device tick count to nanoseconds, rounding
// up so the result never undershoots the hardware delay. Results below one
// microsecond are raised to one microsecond.
func DeltaToNs(latch uint64, mult, shift uint32) uint64 {
	if mult == 0 {
		mult = 1
	}
	clc := latch << shift
	rnd := uint64(mult) - 1

	// Saturate on overflow.
	if clc>>shift != latch {
		clc = ^uint64(0)
	}
	if ^uint64(0)-clc > rnd {
		clc += rnd
	}
	clc /= uint64(mult)
	if clc < 1000 {
		return 1000
	}
	return clc
}
