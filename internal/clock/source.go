package clock

// Source is a free-running counter polled for time.
type Source interface {
	// Read returns the raw counter. Only bits within the descriptor's Mask
	// are significant.
	Read() uint64
	Suspend()
	Resume()
}

// SourceFlags describe source properties.
type SourceFlags uint32

const (
	// SourceContinuous marks a counter that never stops while running.
	SourceContinuous SourceFlags = 1 << iota
)

// SourceDescriptor describes a Source for registration. It is not modified
// after Register returns.
type SourceDescriptor struct {
	Name   string
	Rating int
	Mask   uint64

	// Cycles to nanoseconds: ns = (cycles * Mult) >> Shift.
	Mult  uint32
	Shift uint32

	Flags  SourceFlags
	Source Source
}

// CyclesToNs converts a masked cycle delta for this source.
func (d *SourceDescriptor) CyclesToNs(cycles uint64) uint64 {
	return CyclesToNs(cycles&d.Mask, d.Mult, d.Shift)
}

// SourceRegistrar accepts clock sources from drivers.
type SourceRegistrar interface {
	Register(desc *SourceDescriptor, hz uint32) error
}
