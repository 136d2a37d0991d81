//go:build linux

package regs

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MappedWindow is a Window over physical memory mapped from a device file
// such as /dev/mem or a UIO map.
type MappedWindow struct {
	f     *os.File
	mem   []byte
	delta uintptr // base offset inside the page-aligned mapping
	size  int
}

// OpenMapped maps size bytes of physical memory starting at base.
func OpenMapped(path string, base uint64, size int) (*MappedWindow, error) {
	if size <= 0 {
		return nil, fmt.Errorf("regs: invalid window size %d", size)
	}
	page := uint64(os.Getpagesize())
	aligned := base &^ (page - 1)
	delta := base - aligned
	length := int((delta + uint64(size) + page - 1) &^ (page - 1))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("regs: open %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), int64(aligned), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("regs: mmap %s at 0x%x: %w", path, aligned, err)
	}
	return &MappedWindow{f: f, mem: mem, delta: uintptr(delta), size: size}, nil
}

func (w *MappedWindow) word(off uint32) *uint32 {
	if int(off)+4 > w.size || off&3 != 0 {
		panic(fmt.Sprintf("regs: offset 0x%x outside window of size 0x%x", off, w.size))
	}
	return (*uint32)(unsafe.Pointer(&w.mem[w.delta+uintptr(off)]))
}

// Read32 implements Window.
func (w *MappedWindow) Read32(off uint32) uint32 {
	return atomic.LoadUint32(w.word(off))
}

// Write32 implements Window.
func (w *MappedWindow) Write32(off uint32, v uint32) {
	atomic.StoreUint32(w.word(off), v)
}

// Close unmaps the window.
func (w *MappedWindow) Close() error {
	err := unix.Munmap(w.mem)
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ Window = (*MappedWindow)(nil)
