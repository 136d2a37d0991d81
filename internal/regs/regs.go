// Package regs provides width-correct access to memory-mapped register
// windows. Callers address registers by offset from the window base; the
// physical address arithmetic stays inside this package.
package regs

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Window is a 32-bit register window. Accesses are performed in program
// order and are never cached or merged.
type Window interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// MMIOBus dispatches a physical access to whatever device decodes it.
type MMIOBus interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// BusWindow is a Window backed by an MMIO bus, used with emulated hardware.
type BusWindow struct {
	bus  MMIOBus
	base uint64

	mu  sync.Mutex
	err error
}

// NewBusWindow returns a Window that issues 4-byte transactions at base+off.
func NewBusWindow(bus MMIOBus, base uint64) *BusWindow {
	return &BusWindow{bus: bus, base: base}
}

// Base returns the physical base address of the window.
func (w *BusWindow) Base() uint64 { return w.base }

// Read32 implements Window. A failed bus cycle reads back as all-ones.
func (w *BusWindow) Read32(off uint32) uint32 {
	var buf [4]byte
	if err := w.bus.HandleMMIO(w.base+uint64(off), buf[:], false); err != nil {
		w.setErr(fmt.Errorf("regs: read 0x%x: %w", w.base+uint64(off), err))
		return 0xffffffff
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Write32 implements Window.
func (w *BusWindow) Write32(off uint32, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := w.bus.HandleMMIO(w.base+uint64(off), buf[:], true); err != nil {
		w.setErr(fmt.Errorf("regs: write 0x%x: %w", w.base+uint64(off), err))
	}
}

// Err returns the first bus error seen by the window, if any.
func (w *BusWindow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *BusWindow) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

var _ Window = (*BusWindow)(nil)
