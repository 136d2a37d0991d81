package hpet

import (
	"runtime"
	"sync/atomic"
)

// spinLock never parks the caller in the scheduler's wait queues, so it can
// be taken from interrupt context.
type spinLock struct {
	held atomic.Uint32
}

func (l *spinLock) Lock() {
	for spins := 0; !l.held.CompareAndSwap(0, 1); spins++ {
		if spins > 100 {
			runtime.Gosched()
		}
	}
}

func (l *spinLock) Unlock() {
	if l.held.Swap(0) == 0 {
		panic("hpet: unlock of unlocked spin lock")
	}
}
