package eventbus

import (
	"testing"
)

func TestOnEmitOrder(t *testing.T) {
	b := New(nil)
	var order []int
	b.On("x", func(args ...any) { order = append(order, 1) })
	b.On("x", func(args ...any) { order = append(order, 2) })
	b.On("x", func(args ...any) { order = append(order, 3) })
	b.Emit("x")
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected dispatch order: %v", order)
	}
}

func TestEmitPassesArgs(t *testing.T) {
	b := New(nil)
	var got []any
	b.On("x", func(args ...any) { got = args })
	b.Emit("x", "a", 2, true)
	if len(got) != 3 || got[0] != "a" || got[1] != 2 || got[2] != true {
		t.Fatalf("unexpected args: %v", got)
	}
}

func TestOnceFiresOnlyOnce(t *testing.T) {
	b := New(nil)
	n := 0
	b.Once("x", func(args ...any) { n++ })
	b.Emit("x")
	b.Emit("x")
	if n != 1 {
		t.Fatalf("once handler fired %d times, want 1", n)
	}
	if b.ListenerCount("x") != 0 {
		t.Fatalf("once handler should have been removed")
	}
}

func TestDuplicateRegistrationIsNoop(t *testing.T) {
	b := New(nil)
	h := func(args ...any) {}
	b.On("x", h)
	b.On("x", h)
	if b.ListenerCount("x") != 1 {
		t.Fatalf("duplicate handler registration should be a no-op, got %d listeners", b.ListenerCount("x"))
	}
}

func TestHandlerPanicDoesNotStopSiblings(t *testing.T) {
	b := New(func(event string, recovered any) {})
	ran := false
	b.On("x", func(args ...any) { panic("boom") })
	b.On("x", func(args ...any) { ran = true })
	b.Emit("x")
	if !ran {
		t.Fatal("sibling handler did not run after a panicking handler")
	}
}

func TestUnsubscribeDuringEmitDoesNotPerturbCurrentDispatch(t *testing.T) {
	b := New(nil)
	var calls []string
	var unsubSecond func()
	b.On("x", func(args ...any) {
		calls = append(calls, "first")
		unsubSecond()
	})
	unsubSecond = b.On("x", func(args ...any) {
		calls = append(calls, "second")
	})
	b.On("x", func(args ...any) {
		calls = append(calls, "third")
	})

	b.Emit("x")
	if len(calls) != 3 {
		t.Fatalf("expected all three handlers to run on the in-flight dispatch, got %v", calls)
	}

	calls = nil
	b.Emit("x")
	if len(calls) != 2 {
		t.Fatalf("expected unsubscribed handler to be gone on next emit, got %v", calls)
	}
}

func TestRemoveAll(t *testing.T) {
	b := New(nil)
	b.On("x", func(args ...any) {})
	b.On("y", func(args ...any) {})
	b.RemoveAll("x")
	if b.ListenerCount("x") != 0 {
		t.Fatal("x should have been cleared")
	}
	if b.ListenerCount("y") != 1 {
		t.Fatal("y should remain")
	}
	b.RemoveAll()
	if b.ListenerCount("y") != 0 {
		t.Fatal("RemoveAll with no args should clear everything")
	}
}
