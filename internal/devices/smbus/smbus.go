// Package smbus emulates the configuration space of the SB700-class SMBus
// function that owns HPET address decoding on RS780E platforms.
package smbus

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/hpetclock/internal/chipset"
)

const (
	RegMisc     = 0x40 // bit 28 enables HPET MMIO decode
	RegIntCtl   = 0x64 // bit 10 enables the HPET interrupt
	RegHPETBase = 0xb4

	DecodeEnable = 1 << 28
	IRQEnable    = 1 << 10

	ConfigSize = 0x100
)

// Function is the emulated SMBus PCI function config window.
type Function struct {
	base     uint64
	hpetBase uint32
	resetVal [ConfigSize / 4]uint32

	mu   sync.Mutex
	regs [ConfigSize / 4]uint32
}

// New returns a config window at base. Decoding reports true only once the
// firmware or driver has pointed the HPET base register at hpetBase.
func New(base uint64, hpetBase uint32) *Function {
	f := &Function{base: base, hpetBase: hpetBase}
	// Bits the firmware leaves behind that must survive read-modify-write.
	f.resetVal[RegMisc/4] = 0x0000_0003
	f.resetVal[RegIntCtl/4] = 0x0000_0010
	f.regs = f.resetVal
	return f
}

// Decoding reports whether HPET register decode is enabled at the expected base.
func (f *Function) Decoding() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[RegMisc/4]&DecodeEnable != 0 && f.regs[RegHPETBase/4] == f.hpetBase
}

// IRQEnabled reports whether HPET interrupt generation is enabled.
func (f *Function) IRQEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[RegIntCtl/4]&IRQEnable != 0
}

// Register returns the raw value of the config register at off.
func (f *Function) Register(off uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[off/4]
}

func (f *Function) offset(addr uint64, size int) (uint64, error) {
	if size != 4 {
		return 0, fmt.Errorf("smbus: invalid access size %d", size)
	}
	if addr < f.base || addr+4 > f.base+ConfigSize || (addr-f.base)&3 != 0 {
		return 0, fmt.Errorf("smbus: bad config access at 0x%x", addr)
	}
	return addr - f.base, nil
}

// ReadMMIO implements chipset.MmioHandler.
func (f *Function) ReadMMIO(addr uint64, data []byte) error {
	off, err := f.offset(addr, len(data))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	binary.LittleEndian.PutUint32(data, f.regs[off/4])
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (f *Function) WriteMMIO(addr uint64, data []byte) error {
	off, err := f.offset(addr, len(data))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[off/4] = binary.LittleEndian.Uint32(data)
	return nil
}

func (f *Function) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: f.base, Size: ConfigSize}},
		Handler: f,
	}
}

func (f *Function) SupportsPollDevice() *chipset.PollDevice { return nil }

func (f *Function) Start() error { return nil }
func (f *Function) Stop() error  { return nil }

// Reset drops everything the driver programmed, as a power cycle does.
func (f *Function) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = f.resetVal
	return nil
}

var _ chipset.ChipsetDevice = (*Function)(nil)
