package chipset

import "context"

// MMIORegion is a physical address range decoded by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []MMIORegion
	Handler MmioHandler
}

// PollHandler performs periodic maintenance for a device that requires polling.
type PollHandler interface {
	Poll(ctx context.Context) error
}

// PollDevice registers a poll-capable device with the chipset.
type PollDevice struct {
	Handler PollHandler
}

// LineInterrupt drives one interrupt line, either as a level or as a pulse.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all chipset devices must implement.
type ChipsetDevice interface {
	ChangeDeviceState

	SupportsMmio() *MmioIntercept
	SupportsPollDevice() *PollDevice
}
