// Package eventbus implements the typed subscribe/emit primitive used by
// every higher-level component (transport, peer session, coordinator, rooms,
// transfer, sync) to surface state transitions to callers.
package eventbus

import (
	"log/slog"
	"reflect"
	"sync"
)

// Handler receives the positional arguments an event was emitted with.
type Handler func(args ...any)

// ErrorHandler is invoked when a Handler panics during dispatch. The default
// logs to the process-wide logger and keeps going.
type ErrorHandler func(event string, recovered any)

type subscription struct {
	id   uint64
	fn   Handler
	ptr  uintptr
	once bool
}

// Bus is a synchronous, sequential, per-event pub/sub registry. Delivery
// order matches registration order. A handler that panics does not prevent
// its siblings from running; the panic is routed to OnError instead of
// propagating.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	nextID uint64
	onErr  ErrorHandler
}

// New creates an empty Bus. onErr may be nil, in which case panics are
// logged via slog.Default() and otherwise swallowed.
func New(onErr ErrorHandler) *Bus {
	if onErr == nil {
		onErr = func(event string, recovered any) {
			slog.Default().Error("eventbus handler panicked", "event", event, "recovered", recovered)
		}
	}
	return &Bus{subs: make(map[string][]*subscription), onErr: onErr}
}

func handlerPtr(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// On registers h for event and returns an unsubscribe function. Registering
// the exact same function value for the same event twice is a no-op; the
// first subscription's unsubscribe token remains valid, the second call
// returns a token that does nothing.
func (b *Bus) On(event string, h Handler) (unsubscribe func()) {
	return b.add(event, h, false)
}

// Once registers h to fire at most one time for event, then auto-unsubscribe.
func (b *Bus) Once(event string, h Handler) (unsubscribe func()) {
	return b.add(event, h, true)
}

func (b *Bus) add(event string, h Handler, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ptr := handlerPtr(h)
	for _, s := range b.subs[event] {
		if s.ptr == ptr {
			return func() {}
		}
	}

	b.nextID++
	sub := &subscription{id: b.nextID, fn: h, ptr: ptr, once: once}
	b.subs[event] = append(b.subs[event], sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeID(event, sub.id)
	}
}

// Off removes every subscription of h for event.
func (b *Bus) Off(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ptr := handlerPtr(h)
	list := b.subs[event]
	out := list[:0]
	for _, s := range list {
		if s.ptr != ptr {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		delete(b.subs, event)
	} else {
		b.subs[event] = out
	}
}

func (b *Bus) removeID(event string, id uint64) {
	list := b.subs[event]
	for i, s := range list {
		if s.id == id {
			b.subs[event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[event]) == 0 {
		delete(b.subs, event)
	}
}

// Emit delivers args to every current subscriber of event, in registration
// order. The subscriber list is snapshotted before dispatch begins, so
// unsubscribing (including self-unsubscribing "once" handlers) during
// delivery never perturbs the in-flight dispatch.
func (b *Bus) Emit(event string, args ...any) {
	b.mu.Lock()
	snapshot := make([]*subscription, len(b.subs[event]))
	copy(snapshot, b.subs[event])
	b.mu.Unlock()

	var onceIDs []uint64
	for _, s := range snapshot {
		b.dispatch(event, s, args)
		if s.once {
			onceIDs = append(onceIDs, s.id)
		}
	}

	if len(onceIDs) > 0 {
		b.mu.Lock()
		for _, id := range onceIDs {
			b.removeID(event, id)
		}
		b.mu.Unlock()
	}
}

func (b *Bus) dispatch(event string, s *subscription, args []any) {
	defer func() {
		if r := recover(); r != nil {
			b.onErr(event, r)
		}
	}()
	s.fn(args...)
}

// ListenerCount returns the number of active subscriptions for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// RemoveAll clears subscriptions. With no arguments it clears every event;
// otherwise it clears only the named events.
func (b *Bus) RemoveAll(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(events) == 0 {
		b.subs = make(map[string][]*subscription)
		return
	}
	for _, e := range events {
		delete(b.subs, e)
	}
}
