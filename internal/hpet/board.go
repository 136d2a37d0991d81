package hpet

import (
	"fmt"

	"github.com/tinyrange/hpetclock/internal/regs"
)

// boardEnabler makes the HPET register window decode on a given hub. The
// implementation is chosen once in Init.
type boardEnabler interface {
	enable()
	String() string
}

// firmwareEnabler is used on hubs where firmware has already placed and
// enabled the HPET.
type firmwareEnabler struct{}

func (firmwareEnabler) enable()        {}
func (firmwareEnabler) String() string { return "firmware" }

// sidebandEnabler programs the RS780E SMBus function: HPET base address,
// MMIO decode, then interrupt enable. Running it again is harmless.
type sidebandEnabler struct {
	win  regs.Window
	addr uint32
}

func (e sidebandEnabler) enable() {
	e.win.Write32(smbusRegHPETBase, e.addr)
	e.set(smbusRegMisc, smbusDecodeEnable)
	e.set(smbusRegIntCtl, smbusIRQEnable)
}

func (e sidebandEnabler) set(off, bits uint32) {
	e.win.Write32(off, e.win.Read32(off)|bits)
}

func (e sidebandEnabler) String() string { return fmt.Sprintf("sideband(%#x)", e.addr) }

func newBoardEnabler(cfg *Config) (boardEnabler, error) {
	if !cfg.Variant.NeedsSideband {
		return firmwareEnabler{}, nil
	}
	if cfg.Sideband == nil {
		return nil, fmt.Errorf("%w: %v needs a sideband window", ErrInvalidConfig, cfg.Variant.Kind)
	}
	if cfg.Variant.Base > 0xffffffff {
		return nil, fmt.Errorf("%w: base %#x does not fit the sideband base register", ErrInvalidConfig, cfg.Variant.Base)
	}
	return sidebandEnabler{win: cfg.Sideband, addr: uint32(cfg.Variant.Base)}, nil
}
