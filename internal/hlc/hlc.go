// Package hlc implements the Hybrid Logical Clock used by state
// synchronization (spec.md §3 HLC, §4.7) for last-writer-wins ordering and
// for keeping every replica's local clock monotonic even without local
// writes.
package hlc

import (
	"time"
)

// HLC is a single hybrid-logical-clock value: wall-clock milliseconds, a
// tie-break counter, and the originating node (peer fingerprint).
type HLC struct {
	TS      int64  `json:"ts"`
	Counter uint32 `json:"counter"`
	Node    string `json:"node"`
}

// Compare orders two HLC values: by TS, then Counter, then lexicographic
// Node. Returns <0, 0, or >0 exactly like bytes.Compare/strings.Compare.
func Compare(a, b HLC) int {
	switch {
	case a.TS < b.TS:
		return -1
	case a.TS > b.TS:
		return 1
	}
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	}
	switch {
	case a.Node < b.Node:
		return -1
	case a.Node > b.Node:
		return 1
	default:
		return 0
	}
}

// merge computes max(now, local.TS, remote.TS) for the timestamp, and the
// contributor-counter-plus-one rule from spec.md §3: among {local, remote}
// whose TS equals the resulting TS, take the highest counter and add one.
// If neither contributes (the wall clock alone advanced past both), the
// counter resets to 0, same as a fresh local tick.
func merge(local, remote HLC, node string, now int64) HLC {
	ts := local.TS
	if remote.TS > ts {
		ts = remote.TS
	}
	if now > ts {
		ts = now
	}

	haveContributor := false
	var maxCounter uint32
	if local.TS == ts {
		haveContributor = true
		maxCounter = local.Counter
	}
	if remote.TS == ts && (!haveContributor || remote.Counter > maxCounter) {
		haveContributor = true
		maxCounter = remote.Counter
	}

	counter := uint32(0)
	if haveContributor {
		counter = maxCounter + 1
	}
	return HLC{TS: ts, Counter: counter, Node: node}
}

// NowFunc returns the current wall-clock time in milliseconds. Swappable in
// tests; production code should leave Clock.now at its default.
type NowFunc func() int64

func defaultNow() int64 { return time.Now().UnixMilli() }

// Clock is a per-node HLC generator. It is safe only for use by its owning
// goroutine set in combination with external locking — callers that share a
// Clock across goroutines must serialize Tick/Observe themselves, matching
// the single-threaded cooperative scheduling model of spec.md §5.
type Clock struct {
	node  string
	now   NowFunc
	state HLC
}

// NewClock creates a Clock for node. If now is nil, time.Now().UnixMilli is
// used.
func NewClock(node string, now NowFunc) *Clock {
	if now == nil {
		now = defaultNow
	}
	return &Clock{node: node, now: now, state: HLC{Node: node}}
}

// Tick advances the clock for a local event and returns the new value
// (spec.md §3 "Tick rule for local events").
func (c *Clock) Tick() HLC {
	now := c.now()
	ts := c.state.TS
	counter := uint32(0)
	if now > ts {
		ts = now
	} else {
		counter = c.state.Counter + 1
	}
	c.state = HLC{TS: ts, Counter: counter, Node: c.node}
	return c.state
}

// Observe absorbs a remote HLC observation into the local clock without
// attributing a new local event to it, per spec.md §3 "Merge of local with
// incoming remote HLC" and §4.7 "HLC update on receive". This keeps the
// local clock monotonic (invariant I5) even for a replica that never writes
// itself.
func (c *Clock) Observe(remote HLC) HLC {
	c.state = merge(c.state, remote, c.node, c.now())
	return c.state
}

// Current returns the clock's current value without advancing it.
func (c *Clock) Current() HLC {
	return c.state
}

// Node returns the clock's node identifier.
func (c *Clock) Node() string {
	return c.node
}
