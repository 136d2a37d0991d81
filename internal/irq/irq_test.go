package irq

import (
	"errors"
	"testing"
)

func TestSharedLineDispatchesEveryAction(t *testing.T) {
	c := NewController(2, nil)

	var calls []string
	var cpus []int
	claim := func(name string, ret Return) Handler {
		return func(line uint32, cpu int) Return {
			calls = append(calls, name)
			cpus = append(cpus, cpu)
			return ret
		}
	}

	if err := c.Request(5, Action{Name: "a", Flags: Shared | NoBalancing, CPU: 1, Handler: claim("a", None)}); err != nil {
		t.Fatalf("request a: %v", err)
	}
	if err := c.Request(5, Action{Name: "b", Flags: Shared | NoBalancing, CPU: 0, Handler: claim("b", Handled)}); err != nil {
		t.Fatalf("request b: %v", err)
	}

	c.SetIRQ(5, true)
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("unexpected dispatch order %v", calls)
	}
	if cpus[0] != 1 || cpus[1] != 0 {
		t.Fatalf("NoBalancing actions ran on wrong cpus %v", cpus)
	}
	if st := c.Stats(5); st.Handled != 1 || st.Unhandled != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	// Holding the level does not redispatch.
	c.SetIRQ(5, true)
	if len(calls) != 2 {
		t.Fatalf("level hold redispatched")
	}
}

func TestUnclaimedInterruptCountsAsUnhandled(t *testing.T) {
	c := NewController(1, nil)
	if err := c.Request(1, Action{Name: "a", Handler: func(uint32, int) Return { return None }}); err != nil {
		t.Fatalf("request: %v", err)
	}
	if ret := c.Dispatch(1); ret != None {
		t.Fatalf("expected None, got %v", ret)
	}
	if st := c.Stats(1); st.Unhandled != 1 {
		t.Fatalf("expected one unhandled, got %+v", st)
	}
}

func TestNonSharedLineRejectsSecondAction(t *testing.T) {
	c := NewController(1, nil)
	h := func(uint32, int) Return { return Handled }
	if err := c.Request(2, Action{Name: "a", Handler: h}); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := c.Request(2, Action{Name: "b", Flags: Shared, Handler: h}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := c.Free(2, "a"); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := c.Free(2, "a"); !errors.Is(err, ErrNoAction) {
		t.Fatalf("expected ErrNoAction, got %v", err)
	}
	if err := c.Request(3, Action{Name: "c", Flags: NoBalancing, CPU: 4, Handler: h}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for bad cpu, got %v", err)
	}
}
