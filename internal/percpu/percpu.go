// Package percpu holds one slot per CPU, addressed by CPU id.
package percpu

import "fmt"

// Slots is a fixed-size registry with one value per CPU. Each slot is owned
// by its CPU; Slots does no locking.
type Slots[T any] struct {
	vals []T
}

// New returns n zero-valued slots.
func New[T any](n int) *Slots[T] {
	if n <= 0 {
		panic(fmt.Sprintf("percpu: invalid cpu count %d", n))
	}
	return &Slots[T]{vals: make([]T, n)}
}

func (s *Slots[T]) check(cpu int) {
	if cpu < 0 || cpu >= len(s.vals) {
		panic(fmt.Sprintf("percpu: cpu %d out of range [0,%d)", cpu, len(s.vals)))
	}
}

// Get returns the value held for cpu.
func (s *Slots[T]) Get(cpu int) T {
	s.check(cpu)
	return s.vals[cpu]
}

func (s *Slots[T]) Set(cpu int, v T) {
	s.check(cpu)
	s.vals[cpu] = v
}

// Len returns the number of CPUs.
func (s *Slots[T]) Len() int { return len(s.vals) }
