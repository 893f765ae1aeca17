package hlc

import "testing"

func TestCompareTotalOrder(t *testing.T) {
	a := HLC{TS: 100, Counter: 1, Node: "a"}
	b := HLC{TS: 100, Counter: 2, Node: "b"}
	if Compare(a, b) >= 0 {
		t.Fatalf("expected a < b on counter tie-break, got compare=%d", Compare(a, b))
	}
	if Compare(b, a) <= 0 {
		t.Fatal("compare should be antisymmetric")
	}
	if Compare(a, a) != 0 {
		t.Fatal("compare(a,a) should be 0")
	}
}

func TestCompareNodeTieBreak(t *testing.T) {
	a := HLC{TS: 5, Counter: 1, Node: "a"}
	b := HLC{TS: 5, Counter: 1, Node: "b"}
	if Compare(a, b) >= 0 {
		t.Fatal("expected a < b on node tie-break")
	}
}

func TestTickMonotonic(t *testing.T) {
	now := int64(1000)
	c := NewClock("n1", func() int64 { return now })

	first := c.Tick()
	if first.TS != 1000 || first.Counter != 0 {
		t.Fatalf("unexpected first tick: %+v", first)
	}

	// Wall clock doesn't advance: counter should bump.
	second := c.Tick()
	if second.TS != 1000 || second.Counter != 1 {
		t.Fatalf("unexpected second tick: %+v", second)
	}

	// Wall clock advances: counter resets.
	now = 2000
	third := c.Tick()
	if third.TS != 2000 || third.Counter != 0 {
		t.Fatalf("unexpected third tick: %+v", third)
	}
}

func TestObserveConcurrentWriteTieBreak(t *testing.T) {
	now := int64(50) // wall clock behind both HLCs
	c := NewClock("a", func() int64 { return now })
	c.state = HLC{TS: 100, Counter: 1, Node: "a"}

	remote := HLC{TS: 100, Counter: 2, Node: "b"}
	if Compare(c.state, remote) >= 0 {
		t.Fatal("local should compare less than remote per spec scenario 3")
	}

	merged := c.Observe(remote)
	if merged.TS != 100 {
		t.Fatalf("expected merged ts=100, got %d", merged.TS)
	}
	if merged.Counter != 3 {
		t.Fatalf("expected merged counter=max(1,2)+1=3, got %d", merged.Counter)
	}
	if merged.Node != "a" {
		t.Fatalf("merged node should stay local node, got %q", merged.Node)
	}
}

func TestObserveMonotonicityAcrossSequence(t *testing.T) {
	now := int64(10)
	c := NewClock("a", func() int64 { return now })

	prev := c.Current()
	seq := []HLC{
		{TS: 5, Counter: 9, Node: "x"},
		{TS: 5, Counter: 1, Node: "y"},
		{TS: 20, Counter: 0, Node: "z"},
		{TS: 20, Counter: 0, Node: "w"},
	}
	for _, r := range seq {
		next := c.Observe(r)
		if Compare(next, prev) < 0 {
			t.Fatalf("clock went backwards: prev=%+v next=%+v", prev, next)
		}
		prev = next
	}
}

func TestObserveWallClockAheadResetsCounter(t *testing.T) {
	now := int64(500)
	c := NewClock("a", func() int64 { return now })
	c.state = HLC{TS: 100, Counter: 7, Node: "a"}

	merged := c.Observe(HLC{TS: 50, Counter: 99, Node: "b"})
	if merged.TS != 500 || merged.Counter != 0 {
		t.Fatalf("expected wall-clock-dominant merge to reset counter, got %+v", merged)
	}
}
