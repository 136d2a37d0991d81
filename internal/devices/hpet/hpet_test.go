package hpet

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

type testSink struct {
	mu    sync.Mutex
	calls []struct {
		line  uint8
		level bool
	}
}

func (s *testSink) SetIRQ(line uint8, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, struct {
		line  uint8
		level bool
	}{line, level})
}

func (s *testSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

const testBase = 0x1000

func write32(t *testing.T, d *Device, off uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := d.WriteMMIO(testBase+off, buf[:]); err != nil {
		t.Fatalf("write %#x: %v", off, err)
	}
}

func read32(t *testing.T, d *Device, off uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := d.ReadMMIO(testBase+off, buf[:]); err != nil {
		t.Fatalf("read %#x: %v", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func TestCapabilitiesAdvertiseTimersAndPeriod(t *testing.T) {
	d := New(testBase, nil, WithFrequency(100_000_000), WithTimers(4))

	low := read32(t, d, regGenCap)
	if n := (low>>8)&0x1f + 1; n != 4 {
		t.Fatalf("expected 4 timers, got %d", n)
	}
	if period := read32(t, d, regGenCap+4); period != 10_000_000 {
		t.Fatalf("expected 10ns period, got %d fs", period)
	}
}

func TestCounterOnlyAdvancesWhenEnabled(t *testing.T) {
	now := time.Unix(0, 0)
	d := New(testBase, nil, WithFrequency(1_000_000), WithClock(func() time.Time { return now }))

	d.Step(100)
	now = now.Add(time.Millisecond)
	_ = d.Poll(context.Background())
	if c := read32(t, d, regMainCounter); c != 0 {
		t.Fatalf("halted counter moved to %d", c)
	}

	write32(t, d, regGenConfig, uint32(confEnable))
	now = now.Add(time.Millisecond)
	_ = d.Poll(context.Background())
	if c := read32(t, d, regMainCounter); c != 1000 {
		t.Fatalf("expected 1000 ticks after 1ms at 1MHz, got %d", c)
	}
	d.Step(5)
	if c := read32(t, d, regMainCounter); c != 1005 {
		t.Fatalf("expected 1005, got %d", c)
	}
}

func TestOneShotFiresOnceAndStatusIsWriteOneToClear(t *testing.T) {
	sink := &testSink{}
	d := New(testBase, sink, WithFixedRoute(9))

	write32(t, d, regTimerConfig, uint32(timerConfIntEnable|timerConf32Bit))
	write32(t, d, regTimerCmp, 50)
	write32(t, d, regGenConfig, uint32(confEnable))

	d.Step(49)
	if sink.count() != 0 {
		t.Fatalf("fired early")
	}
	d.Step(1)
	if sink.count() != 2 {
		t.Fatalf("expected one edge pulse, got %d calls", sink.count())
	}
	if sink.calls[0].line != 9 {
		t.Fatalf("expected route 9, got %d", sink.calls[0].line)
	}
	if st := read32(t, d, regIntStatus); st&1 == 0 {
		t.Fatalf("status bit not set")
	}

	d.Step(1000)
	if sink.count() != 2 {
		t.Fatalf("one-shot fired again")
	}

	// Writing zero bits leaves status alone.
	write32(t, d, regIntStatus, 0x2)
	if st := read32(t, d, regIntStatus); st&1 == 0 {
		t.Fatalf("status cleared by unrelated bit")
	}
	write32(t, d, regIntStatus, 0x1)
	if st := read32(t, d, regIntStatus); st != 0 {
		t.Fatalf("status not cleared: %#x", st)
	}
}

func TestOneShotWrapsInThirtyTwoBitMode(t *testing.T) {
	sink := &testSink{}
	d := New(testBase, sink)

	write32(t, d, regMainCounter, 0xfffffff0)
	write32(t, d, regTimerConfig, uint32(timerConfIntEnable|timerConf32Bit))
	write32(t, d, regTimerCmp, 0x10)
	write32(t, d, regGenConfig, uint32(confEnable))

	d.Step(0x1f)
	if sink.count() != 0 {
		t.Fatalf("fired before wrap target")
	}
	d.Step(1)
	if sink.count() != 2 {
		t.Fatalf("expected fire after wrap, got %d calls", sink.count())
	}
}

func TestPeriodicReloadsByPeriod(t *testing.T) {
	d := New(testBase, nil)

	write32(t, d, regTimerConfig, uint32(timerConfIntEnable|timerConfPeriodic|timerConfValSet|timerConf32Bit))
	write32(t, d, regTimerCmp, 100)
	write32(t, d, regTimerCmp, 100)
	write32(t, d, regGenConfig, uint32(confEnable))

	s := d.Snapshot()
	if s.Timers[0].Config&timerConfValSet != 0 {
		t.Fatalf("VAL_SET should self-clear")
	}

	d.Step(100)
	d.Step(100)
	d.Step(250)
	s = d.Snapshot()
	if s.Timers[0].Fired != 3 {
		t.Fatalf("expected 3 fires, got %d", s.Timers[0].Fired)
	}
	if s.Timers[0].Comparator != 500 {
		t.Fatalf("expected comparator 500, got %d", s.Timers[0].Comparator)
	}
}

func TestLevelTriggeredHoldsLineUntilAcknowledged(t *testing.T) {
	sink := &testSink{}
	d := New(testBase, sink, WithFixedRoute(3))

	write32(t, d, regTimerConfig, uint32(timerConfIntEnable|timerConfIntType|timerConf32Bit))
	write32(t, d, regTimerCmp, 10)
	write32(t, d, regGenConfig, uint32(confEnable))
	d.Step(10)

	if sink.count() != 1 || !sink.calls[0].level {
		t.Fatalf("expected line held high, got %+v", sink.calls)
	}
	write32(t, d, regIntStatus, 1)
	if sink.count() != 2 || sink.calls[1].level {
		t.Fatalf("expected line released, got %+v", sink.calls)
	}
}

func TestDecodeGateHidesRegisters(t *testing.T) {
	decoding := false
	d := New(testBase, nil, WithDecodeGate(func() bool { return decoding }))

	write32(t, d, regGenConfig, uint32(confEnable))
	if v := read32(t, d, regGenConfig); v != 0xffffffff {
		t.Fatalf("undecoded read should float high, got %#x", v)
	}
	decoding = true
	if v := read32(t, d, regGenConfig); v != 0 {
		t.Fatalf("write while undecoded should be lost, got %#x", v)
	}
}

func TestReadLatencyAdvancesCounter(t *testing.T) {
	d := New(testBase, nil, WithReadLatency(7))
	write32(t, d, regGenConfig, uint32(confEnable))

	first := read32(t, d, regMainCounter)
	second := read32(t, d, regMainCounter)
	if second-first != 7 {
		t.Fatalf("expected 7 ticks between reads, got %d", second-first)
	}
}

func TestResetRestoresPowerOnState(t *testing.T) {
	d := New(testBase, nil)
	write32(t, d, regGenConfig, uint32(confEnable))
	d.Step(1234)
	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	s := d.Snapshot()
	if s.Enabled() || s.Counter != 0 {
		t.Fatalf("expected halted zero counter after reset, got %+v", s)
	}
}

func TestInterruptGateDropsLineButLatchesStatus(t *testing.T) {
	sink := &testSink{}
	enabled := false
	d := New(testBase, sink, WithFixedRoute(0), WithInterruptGate(func() bool { return enabled }))

	write32(t, d, regTimerConfig, uint32(timerConfIntEnable|timerConf32Bit))
	write32(t, d, regTimerCmp, 5)
	write32(t, d, regGenConfig, uint32(confEnable))
	d.Step(5)

	if sink.count() != 0 {
		t.Fatalf("gated interrupt reached the sink: %+v", sink.calls)
	}
	if st := read32(t, d, regIntStatus); st != 1 {
		t.Fatalf("status = %#x, want 1", st)
	}

	enabled = true
	write32(t, d, regIntStatus, 1)
	write32(t, d, regTimerCmp, 10)
	d.Step(5)
	if sink.count() != 2 {
		t.Fatalf("expected one pulse once ungated, got %+v", sink.calls)
	}
}

func TestInterruptGateStillReleasesLevelLine(t *testing.T) {
	sink := &testSink{}
	enabled := true
	d := New(testBase, sink, WithFixedRoute(0), WithInterruptGate(func() bool { return enabled }))

	write32(t, d, regTimerConfig, uint32(timerConfIntEnable|timerConfIntType|timerConf32Bit))
	write32(t, d, regTimerCmp, 5)
	write32(t, d, regGenConfig, uint32(confEnable))
	d.Step(5)
	if sink.count() != 1 || !sink.calls[0].level {
		t.Fatalf("expected the line raised, got %+v", sink.calls)
	}

	// Acknowledged while interrupt generation is disabled.
	enabled = false
	write32(t, d, regIntStatus, 1)
	if sink.count() != 2 || sink.calls[1].level {
		t.Fatalf("expected the line released while gated, got %+v", sink.calls)
	}

	enabled = true
	write32(t, d, regTimerCmp, 10)
	d.Step(5)
	if sink.count() != 3 || !sink.calls[2].level {
		t.Fatalf("next interrupt lost its rising edge: %+v", sink.calls)
	}
}
