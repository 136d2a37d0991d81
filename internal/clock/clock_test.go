package clock

import (
	"errors"
	"testing"
	"time"
)

type fakeEventDevice struct {
	calls    []string
	deltas   []uint64
	failures int // SetNextEvent fails this many more times
}

func (f *fakeEventDevice) SetStateShutdown() error { f.calls = append(f.calls, "shutdown"); return nil }
func (f *fakeEventDevice) SetStatePeriodic() error { f.calls = append(f.calls, "periodic"); return nil }
func (f *fakeEventDevice) SetStateOneshot() error  { f.calls = append(f.calls, "oneshot"); return nil }
func (f *fakeEventDevice) TickResume() error       { f.calls = append(f.calls, "resume"); return nil }

func (f *fakeEventDevice) SetNextEvent(delta uint64) error {
	f.deltas = append(f.deltas, delta)
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return ErrDeadlinePassed
	}
	return nil
}

func newTestDescriptor(dev EventDevice, freq uint32) *EventDescriptor {
	d := &EventDescriptor{
		Name:          "test",
		Rating:        100,
		Features:      FeaturePeriodic | FeatureOneshot,
		MinDeltaTicks: 192,
		MaxDeltaTicks: 0x7fffffff,
		Device:        dev,
	}
	d.SetClock(freq, 4)
	return d
}

func TestTickNanosecondRoundTrip(t *testing.T) {
	for _, freq := range []uint32{125_000_000, 14_318_180, 33_333_333} {
		d := newTestDescriptor(&fakeEventDevice{}, freq)
		for _, ticks := range []uint64{192, 193, 1000, 12_345, 1 << 20, 0x7fffffff} {
			ns := d.DeltaToNs(ticks)
			back := d.NsToTicks(ns)
			diff := int64(back) - int64(ticks)
			if diff < -1 || diff > 1 {
				t.Fatalf("freq %d: %d ticks -> %d ns -> %d ticks", freq, ticks, ns, back)
			}
		}
	}
}

func TestDeltaToNsFloorsAtOneMicrosecond(t *testing.T) {
	d := newTestDescriptor(&fakeEventDevice{}, 125_000_000)
	if got := d.DeltaToNs(1); got != 1000 {
		t.Fatalf("expected 1000ns floor, got %d", got)
	}
	if got := d.DeltaToNs(192); got != 1536 {
		t.Fatalf("192 ticks at 125MHz: got %dns, want 1536", got)
	}
}

func TestHzToMult(t *testing.T) {
	mult := HzToMult(125_000_000, 10)
	if mult != 8192 {
		t.Fatalf("mult = %d, want 8192", mult)
	}
	if ns := CyclesToNs(125_000_000, mult, 10); ns != NsecPerSec {
		t.Fatalf("one second of cycles = %dns", ns)
	}
	if c := NsToCycles(NsecPerSec, mult, 10); c != 125_000_000 {
		t.Fatalf("one second = %d cycles", c)
	}

	mult = HzToMult(14_318_180, 10)
	ns := CyclesToNs(14_318_180, mult, 10)
	if ns < NsecPerSec-100_000 || ns > NsecPerSec+100_000 {
		t.Fatalf("one second of 14.3MHz cycles = %dns", ns)
	}
}

func TestRegisterStartsShutdownAndKeepsBestRating(t *testing.T) {
	e := NewEvents(2, nil)
	low := &fakeEventDevice{}
	d := newTestDescriptor(low, 125_000_000)
	d.CPU = 1
	if err := e.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.State() != StateShutdown || len(low.calls) != 1 || low.calls[0] != "shutdown" {
		t.Fatalf("device not shut down on register: %v %v", d.State(), low.calls)
	}
	if d.MinDeltaNs != 1536 {
		t.Fatalf("min delta ns = %d", d.MinDeltaNs)
	}

	worse := newTestDescriptor(&fakeEventDevice{}, 125_000_000)
	worse.CPU, worse.Rating = 1, 50
	if err := e.Register(worse); err != nil {
		t.Fatalf("register worse: %v", err)
	}
	if got, _ := e.Device(1); got != d {
		t.Fatalf("lower rated device replaced current")
	}

	better := newTestDescriptor(&fakeEventDevice{}, 125_000_000)
	better.CPU, better.Rating = 1, 300
	if err := e.Register(better); err != nil {
		t.Fatalf("register better: %v", err)
	}
	if got, _ := e.Device(1); got != better || d.State() != StateDetached {
		t.Fatalf("higher rated device not installed")
	}

	if _, err := e.Device(0); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	bad := newTestDescriptor(&fakeEventDevice{}, 125_000_000)
	bad.CPU = 2
	if err := e.Register(bad); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
}

func TestSetStateDrivesDevice(t *testing.T) {
	e := NewEvents(1, nil)
	dev := &fakeEventDevice{}
	d := newTestDescriptor(dev, 125_000_000)
	if err := e.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, s := range []State{StatePeriodic, StateOneshot, StateShutdown} {
		if err := e.SetState(0, s); err != nil {
			t.Fatalf("set %v: %v", s, err)
		}
		if d.State() != s {
			t.Fatalf("state = %v, want %v", d.State(), s)
		}
	}
	if err := e.Resume(0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	want := []string{"shutdown", "periodic", "oneshot", "shutdown", "resume"}
	if len(dev.calls) != len(want) {
		t.Fatalf("calls = %v", dev.calls)
	}
	for i := range want {
		if dev.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", dev.calls, want)
		}
	}

	d.Features = FeatureOneshot
	if err := e.SetState(0, StatePeriodic); !errors.Is(err, ErrUnsupportedState) {
		t.Fatalf("expected ErrUnsupportedState, got %v", err)
	}
}

func TestProgramRequiresOneshot(t *testing.T) {
	e := NewEvents(1, nil)
	d := newTestDescriptor(&fakeEventDevice{}, 125_000_000)
	if err := e.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.Program(0, time.Millisecond); !errors.Is(err, ErrNotOneshot) {
		t.Fatalf("expected ErrNotOneshot, got %v", err)
	}
}

func TestProgramClampsAndConverts(t *testing.T) {
	e := NewEvents(1, nil)
	dev := &fakeEventDevice{}
	d := newTestDescriptor(dev, 125_000_000)
	if err := e.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.SetState(0, StateOneshot); err != nil {
		t.Fatalf("oneshot: %v", err)
	}

	if err := e.Program(0, time.Millisecond); err != nil {
		t.Fatalf("program: %v", err)
	}
	if err := e.Program(0, 0); err != nil {
		t.Fatalf("program zero: %v", err)
	}
	if err := e.Program(0, time.Hour); err != nil {
		t.Fatalf("program hour: %v", err)
	}
	want := []uint64{125_000, 192, 0x7fffffff}
	for i, w := range want {
		if dev.deltas[i] != w {
			t.Fatalf("delta %d = %d, want %d", i, dev.deltas[i], w)
		}
	}
}

func TestProgramRetriesAndRaisesMinDelta(t *testing.T) {
	e := NewEvents(1, nil)
	dev := &fakeEventDevice{failures: 4}
	d := newTestDescriptor(dev, 125_000_000)
	if err := e.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.SetState(0, StateOneshot); err != nil {
		t.Fatalf("oneshot: %v", err)
	}
	if err := e.Program(0, 10*time.Microsecond); err != nil {
		t.Fatalf("program: %v", err)
	}
	if len(dev.deltas) != 5 {
		t.Fatalf("expected 5 attempts, got %v", dev.deltas)
	}
	if dev.deltas[1] != 192 {
		t.Fatalf("first retry not at min delta: %d", dev.deltas[1])
	}
	if d.MinDeltaNs != minDeltaFloorNs {
		t.Fatalf("min delta ns = %d, want %d", d.MinDeltaNs, minDeltaFloorNs)
	}
	if dev.deltas[4] != 625 {
		t.Fatalf("raised retry delta = %d, want 625", dev.deltas[4])
	}
	if st := d.Stats(); st.Retries != 4 || st.Programmed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestProgramGivesUp(t *testing.T) {
	e := NewEvents(1, nil)
	dev := &fakeEventDevice{failures: -1}
	d := newTestDescriptor(dev, 125_000_000)
	if err := e.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.SetState(0, StateOneshot); err != nil {
		t.Fatalf("oneshot: %v", err)
	}
	if err := e.Program(0, time.Millisecond); !errors.Is(err, ErrProgramFailed) {
		t.Fatalf("expected ErrProgramFailed, got %v", err)
	}
	if want := 1 + minDeltaTries*(maxMinDeltaIncreases+1); len(dev.deltas) != want {
		t.Fatalf("attempts = %d, want %d", len(dev.deltas), want)
	}
}

func TestFireCallsHandler(t *testing.T) {
	d := newTestDescriptor(&fakeEventDevice{}, 125_000_000)
	d.Fire()
	var got *EventDescriptor
	d.Handler = func(ed *EventDescriptor) { got = ed }
	d.Fire()
	if got != d || d.Stats().Fired != 2 {
		t.Fatalf("handler not called: %v %+v", got, d.Stats())
	}
}

type fakeSource struct {
	counter   uint64
	suspended int
	resumed   int
}

func (f *fakeSource) Read() uint64 { return f.counter }
func (f *fakeSource) Suspend()     { f.suspended++ }
func (f *fakeSource) Resume()      { f.resumed++ }

func TestSourcesAccumulateAcrossWrap(t *testing.T) {
	s := NewSources(nil)
	src := &fakeSource{counter: 0xffffff00}
	desc := &SourceDescriptor{Name: "hpet", Rating: 300, Mask: 0xffffffff, Shift: 10, Flags: SourceContinuous, Source: src}
	if err := s.Register(desc, 125_000_000); err != nil {
		t.Fatalf("register: %v", err)
	}
	if desc.Mult != 8192 {
		t.Fatalf("mult = %d", desc.Mult)
	}

	// 0x100 ticks to the wrap, then 124 more: 380 ticks of 8ns.
	src.counter = 124
	ns, err := s.ReadNs()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ns != 380*8 {
		t.Fatalf("ns = %d, want %d", ns, 380*8)
	}

	if err := s.Register(&SourceDescriptor{Name: "hpet", Mask: 1, Source: src}, 1); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got %v", err)
	}
	if err := s.Register(&SourceDescriptor{Name: "nomask", Source: src}, 1); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
}

func TestSourcesSuspendResumeRebaselines(t *testing.T) {
	s := NewSources(nil)
	src := &fakeSource{counter: 1000}
	desc := &SourceDescriptor{Name: "hpet", Rating: 300, Mask: 0xffffffff, Shift: 10, Source: src}
	if err := s.Register(desc, 125_000_000); err != nil {
		t.Fatalf("register: %v", err)
	}
	src.counter = 1125
	s.Suspend()

	// The counter restarts from zero across suspend.
	src.counter = 0
	s.Resume()
	src.counter = 125

	ns, err := s.ReadNs()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ns != 2000 {
		t.Fatalf("ns = %d, want 2000", ns)
	}
	if src.suspended != 1 || src.resumed != 1 {
		t.Fatalf("hooks: suspend %d resume %d", src.suspended, src.resumed)
	}
}

func TestSourcesPicksHighestRating(t *testing.T) {
	s := NewSources(nil)
	if _, err := s.Current(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
	a := &SourceDescriptor{Name: "a", Rating: 100, Mask: 0xffffffff, Source: &fakeSource{}}
	b := &SourceDescriptor{Name: "b", Rating: 300, Mask: 0xffffffff, Source: &fakeSource{}}
	c := &SourceDescriptor{Name: "c", Rating: 200, Mask: 0xffffffff, Source: &fakeSource{}}
	for _, d := range []*SourceDescriptor{a, b, c} {
		if err := s.Register(d, 1_000_000); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	if cur, _ := s.Current(); cur != b {
		t.Fatalf("current = %s, want b", cur.Name)
	}
	if a.Mult == 0 {
		t.Fatalf("mult not computed")
	}
}

func TestNewEventsClampsCPUCount(t *testing.T) {
	e := NewEvents(0, nil)
	if e.CPUs() != 1 {
		t.Fatalf("cpus = %d, want 1", e.CPUs())
	}
	if err := e.Register(newTestDescriptor(&fakeEventDevice{}, 125_000_000)); err != nil {
		t.Fatalf("register: %v", err)
	}
}
