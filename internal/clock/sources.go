package clock

import (
	"fmt"
	"log/slog"
	"sync"
)

// Sources selects the best registered clock source and turns its counter
// into a monotonic nanosecond count.
type Sources struct {
	logger *slog.Logger

	mu        sync.Mutex
	all       []*SourceDescriptor
	current   *SourceDescriptor
	last      uint64
	ns        uint64
	suspended bool
}

func NewSources(logger *slog.Logger) *Sources {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sources{logger: logger}
}

// Register adds desc, a counter running at hz. A zero Mult is computed from
// hz and Shift, or from hz alone when Shift is also zero.
func (s *Sources) Register(desc *SourceDescriptor, hz uint32) error {
	if desc == nil || desc.Source == nil {
		return fmt.Errorf("%w: missing source", ErrInvalidSource)
	}
	if desc.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSource)
	}
	if desc.Mask == 0 {
		return fmt.Errorf("%w: %s: zero mask", ErrInvalidSource, desc.Name)
	}
	if desc.Mult == 0 {
		if hz == 0 {
			return fmt.Errorf("%w: %s: no mult and no frequency", ErrInvalidSource, desc.Name)
		}
		if desc.Shift == 0 {
			// Let the counter wrap interval bound the conversion range.
			sec := desc.Mask / uint64(hz)
			sec = min(max(sec, 1), 600)
			desc.Mult, desc.Shift = CalcMultShift(hz, NsecPerSec, uint32(sec))
		} else {
			desc.Mult = HzToMult(hz, desc.Shift)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.all {
		if d.Name == desc.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, desc.Name)
		}
	}
	s.all = append(s.all, desc)

	if s.current == nil || desc.Rating > s.current.Rating {
		if s.current != nil {
			s.accumulateLocked()
		}
		s.current = desc
		s.last = desc.Source.Read() & desc.Mask
		s.logger.Info("switched clocksource", "name", desc.Name, "rating", desc.Rating, "mult", desc.Mult, "shift", desc.Shift)
	}
	return nil
}

// Current returns the active source.
func (s *Sources) Current() (*SourceDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoSource
	}
	return s.current, nil
}

// ReadNs returns nanoseconds elapsed on the current source since it was
// selected, carried across suspend and source switches. Successive calls
// must be closer together than the counter's wrap interval.
func (s *Sources) ReadNs() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0, ErrNoSource
	}
	if !s.suspended {
		s.accumulateLocked()
	}
	return s.ns, nil
}

func (s *Sources) accumulateLocked() {
	now := s.current.Source.Read() & s.current.Mask
	s.ns += s.current.CyclesToNs(now - s.last)
	s.last = now
}

// Suspend folds elapsed time into the total and suspends every source.
func (s *Sources) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	if s.current != nil {
		s.accumulateLocked()
	}
	for _, d := range s.all {
		d.Source.Suspend()
	}
	s.suspended = true
}

// Resume resumes every source and restarts accumulation from the current
// counter value. Time spent suspended is not counted.
func (s *Sources) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.all {
		d.Source.Resume()
	}
	if s.current != nil {
		s.last = s.current.Source.Read() & s.current.Mask
	}
	s.suspended = false
}

var _ SourceRegistrar = (*Sources)(nil)
