package percpu

import "testing"

func TestSlotsAreIndependent(t *testing.T) {
	s := New[int](4)
	s.Set(1, 10)
	s.Set(3, 30)

	var seen []int
	for cpu := range s.Len() {
		seen = append(seen, s.Get(cpu))
	}
	if len(seen) != 4 || seen[0] != 0 || seen[1] != 10 || seen[2] != 0 || seen[3] != 30 {
		t.Fatalf("unexpected slots %v", seen)
	}
	if s.Get(1) != 10 || s.Len() != 4 {
		t.Fatalf("get/len mismatch")
	}
}

func TestOutOfRangePanics(t *testing.T) {
	s := New[string](2)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	s.Get(2)
}
