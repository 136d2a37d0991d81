package platform

import (
	"fmt"
	"strings"
)

// Kind identifies a platform controller hub with an HPET.
type Kind int

const (
	// VariantA is the LS2H hub.
	VariantA Kind = iota + 1
	// VariantB is the LS7A bridge.
	VariantB
	// VariantC is the AMD RS780E/SB700 chipset.
	VariantC
)

func (k Kind) String() string {
	switch k {
	case VariantA:
		return "ls2h"
	case VariantB:
		return "ls7a"
	case VariantC:
		return "rs780e"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Variant is the fixed HPET placement of one hub.
type Variant struct {
	Kind      Kind
	Base      uint64
	IRQ       uint32
	Frequency uint32

	// LevelTriggered selects level interrupts on the comparator channel.
	LevelTriggered bool
	// NeedsSideband means firmware leaves HPET decode disabled and the
	// driver must program it through the SMBus function.
	NeedsSideband bool

	// EC SCI interrupt routed by the hub.
	ECSCIIRQ uint32
}

// HPETAddr is the address programmed into the RS780E SMBus function.
const HPETAddr = 0x20000

// Offset of the SMBus PCI config function from the HT control base.
const SMBusConfigOffset = 0x0300a000

var variants = map[Kind]Variant{
	VariantA: {
		Kind:           VariantA,
		Base:           0x1b800000,
		IRQ:            85,
		Frequency:      125_000_000,
		LevelTriggered: true,
		ECSCIIRQ:       0x80,
	},
	VariantB: {
		Kind:           VariantB,
		Base:           0x10001000,
		IRQ:            119,
		Frequency:      125_000_000,
		LevelTriggered: true,
		ECSCIIRQ:       0x07,
	},
	VariantC: {
		Kind:          VariantC,
		Base:          HPETAddr,
		IRQ:           0,
		Frequency:     14_318_780,
		NeedsSideband: true,
		ECSCIIRQ:      0x07,
	},
}

// Lookup returns the table entry for k.
func Lookup(k Kind) (Variant, error) {
	v, ok := variants[k]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %v", ErrUnsupportedVariant, k)
	}
	return v, nil
}

// ParseKind maps an explicit hub name to its variant.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ls2h", "2h":
		return VariantA, nil
	case "ls7a", "7a":
		return VariantB, nil
	case "rs780e", "rs780", "780e":
		return VariantC, nil
	}
	return 0, fmt.Errorf("%w: hub %q", ErrUnsupportedVariant, name)
}

// SelectVariant picks the variant for board. A non-empty pch names the hub
// explicitly and takes precedence over the board name.
func SelectVariant(board, pch string) (Variant, error) {
	if pch != "" {
		k, err := ParseKind(pch)
		if err != nil {
			return Variant{}, err
		}
		return Lookup(k)
	}
	switch {
	case board == "":
		return Variant{}, fmt.Errorf("%w: board name", ErrMissingFirmwareData)
	case strings.Contains(board, "2H"):
		return Lookup(VariantA)
	case strings.Contains(board, "7A"):
		return Lookup(VariantB)
	case strings.Contains(board, "780"):
		return Lookup(VariantC)
	}
	return Variant{}, fmt.Errorf("%w: board %q", ErrUnsupportedVariant, board)
}

// Apply layers o on top of v.
func (v Variant) Apply(o *Override) Variant {
	if o == nil {
		return v
	}
	if o.Base != 0 {
		v.Base = o.Base
	}
	if o.IRQ != nil {
		v.IRQ = *o.IRQ
	}
	if o.Frequency != 0 {
		v.Frequency = o.Frequency
	}
	return v
}
