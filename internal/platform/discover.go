package platform

import (
	"fmt"
	"strings"
)

const (
	MaxCPUs     = 16
	MaxPackages = 4
	MaxUARTs    = 2

	// DefaultHZ is the tick rate used when the descriptor does not set one.
	DefaultHZ = 250
)

// Workarounds are CPU errata flags reported alongside the topology.
type Workarounds uint32

const (
	WorkaroundCPUFreq Workarounds = 1 << iota
	WorkaroundCPUHotplug
)

// PRID revision values of the CPUs with a known default clock.
const (
	pridRev2E    = 0x02
	pridRev2F    = 0x03
	pridRev3AR1  = 0x05
	pridRev3BR1  = 0x06
	pridRev3BR2  = 0x07
	pridRev3AR20 = 0x08
	pridRev3AR30 = 0x09
	pridRev3AR21 = 0x0c
	pridRev3AR31 = 0x0d

	pridRevMask = 0xff
)

// System is the configuration derived from a Descriptor. It is built once
// and not modified afterwards.
type System struct {
	Board   string
	Variant Variant

	CPUType         string
	CPUClockHz      uint32
	CPUName         string
	NrCPUs          int
	NrNodes         int
	BootCPU         int
	ReservedMask    uint64
	CoresPerNode    int
	CoresPerPackage int
	Workarounds     Workarounds

	HTControlBase uint64
	// Per-package chip configuration, temperature and frequency control
	// registers.
	ChipConfig [MaxPackages]uint64
	ChipTemp   [MaxPackages]uint64
	FreqCtrl   [MaxPackages]uint64

	DMAMaskBits int
	NrUARTs     int
	UARTs       []Device
	Memory      []MemMap
	Devices     []Device
	HZ          uint32
}

// SMBusConfigBase returns the address of the SMBus PCI config function
// used by the RS780E enablement sequence.
func (s *System) SMBusConfigBase() uint64 {
	return s.HTControlBase + SMBusConfigOffset
}

// Discover derives the system configuration from desc and selects the HPET
// variant. Errors are fatal to timekeeping.
func Discover(desc *Descriptor) (*System, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: no descriptor", ErrMissingFirmwareData)
	}
	variant, err := SelectVariant(desc.Board, desc.PCH)
	if err != nil {
		return nil, err
	}

	sys := &System{
		Board:        desc.Board,
		Variant:      variant.Apply(desc.HPET),
		CPUType:      strings.ToUpper(desc.CPU.Type),
		BootCPU:      desc.CPU.BootCPU,
		ReservedMask: desc.CPU.ReservedMask,
		Memory:       append([]MemMap(nil), desc.Memory...),
		Devices:      append([]Device(nil), desc.Devices...),
		HZ:           desc.HZ,
	}
	if sys.Variant.Base == 0 {
		return nil, fmt.Errorf("%w: hpet base for %v", ErrMissingFirmwareData, sys.Variant.Kind)
	}
	if sys.HZ == 0 {
		sys.HZ = DefaultHZ
	}

	sys.setTopology()
	if desc.HTControlBase != 0 {
		sys.HTControlBase = desc.HTControlBase
	}

	sys.NrCPUs = desc.CPU.NrCPUs
	if sys.NrCPUs <= 0 || sys.NrCPUs > MaxCPUs {
		sys.NrCPUs = MaxCPUs
	}
	sys.NrNodes = (sys.NrCPUs + sys.CoresPerNode - 1) / sys.CoresPerNode

	sys.DMAMaskBits = desc.DMAMaskBits
	if sys.DMAMaskBits < 32 || sys.DMAMaskBits > 64 {
		sys.DMAMaskBits = 32
	}
	sys.NrUARTs = desc.NrUARTs
	if sys.NrUARTs < 1 || sys.NrUARTs > MaxUARTs {
		sys.NrUARTs = 1
	}
	if len(desc.UARTs) > 0 {
		sys.UARTs = append([]Device(nil), desc.UARTs[:min(sys.NrUARTs, len(desc.UARTs))]...)
	}

	sys.CPUClockHz = desc.CPU.ClockHz
	if sys.CPUClockHz == 0 {
		sys.CPUClockHz = defaultClock(desc.CPU.PRID)
	}
	sys.CPUName = cpuName(desc.CPU.Name, sys.CPUClockHz)
	return sys, nil
}

func (s *System) setTopology() {
	switch s.CPUType {
	case "3A":
		s.CoresPerNode, s.CoresPerPackage = 4, 4
		s.HTControlBase = 0x90000EFDFB000000
		s.Workarounds = WorkaroundCPUFreq
		for i := range MaxPackages {
			node := uint64(i) << 44
			s.ChipConfig[i] = 0x900000001fe00180 | node
			s.ChipTemp[i] = 0x900000001fe0019c | node
			s.FreqCtrl[i] = 0x900000001fe001d0 | node
		}
	case "3B":
		// One chip has two nodes.
		s.CoresPerNode, s.CoresPerPackage = 4, 8
		s.HTControlBase = 0x90001EFDFB000000
		s.Workarounds = WorkaroundCPUHotplug
		for i := range MaxPackages {
			node := uint64(i) << 45
			s.ChipConfig[i] = 0x900000001fe00180 | node
			s.ChipTemp[i] = 0x900000001fe0019c | node
			s.FreqCtrl[i] = 0x900000001fe001d0 | node
		}
	default:
		s.CoresPerNode, s.CoresPerPackage = 1, 1
		s.ChipConfig[0] = 0x900000001fe00180
	}
}

func defaultClock(prid uint32) uint32 {
	switch prid & pridRevMask {
	case pridRev2E:
		return 533_080_000
	case pridRev2F:
		return 797_000_000
	case pridRev3AR1, pridRev3AR20, pridRev3AR21, pridRev3AR30, pridRev3AR31:
		return 900_000_000
	case pridRev3BR1, pridRev3BR2:
		return 1_000_000_000
	default:
		return 100_000_000
	}
}

// cpuName keeps firmware names that start with "Loongson" and appends the
// clock rounded to MHz.
func cpuName(name string, hz uint32) string {
	if !strings.HasPrefix(name, "Loongson") {
		name = "ICT Loongson-3"
	}
	return fmt.Sprintf("%s @ %dMHz", name, (uint64(hz)+500_000)/1_000_000)
}
