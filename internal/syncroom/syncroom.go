// Package syncroom replicates a key -> value mapping across every member of
// a room under LWW or operational-merge conflict resolution, with
// tombstoned deletes and full-state catch-up for newly joined peers
// (spec.md §4.7).
package syncroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peerhub/peerhub/internal/config"
	"github.com/peerhub/peerhub/internal/eventbus"
	"github.com/peerhub/peerhub/internal/hlc"
)

// TombstoneTTL is the default lifetime of a deleted entry before the reaper
// purges it (spec.md §4.7 "Tombstones").
const TombstoneTTL = 60 * time.Second

// ErrCRDTUnsupported is emitted on the bus whenever a room configured for
// CRDT mode receives or produces a write, and Set also returns it; CRDT
// resolution is left to an
// external collaborator (spec.md §4.7 "CRDT").
var ErrCRDTUnsupported = errors.New("syncroom: crdt mode has no built-in resolver")

// Transport is the subset of a room's send surface state sync needs:
// fan-out to every member and a single targeted send, both best-effort P2P
// with server-relay fallback (spec.md §4.5).
type Transport interface {
	Bus() *eventbus.Bus
	Broadcast(data []byte) error
	SendTo(fingerprint string, data []byte) error
}

// State is one replicated entry (spec.md §3 "SyncState entry").
type State struct {
	Key     string
	Value   json.RawMessage
	HLC     hlc.HLC
	From    string
	Version uint32
	Deleted bool
}

type wireEntry struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	HLC     hlc.HLC         `json:"hlc"`
	From    string          `json:"from"`
	Version uint32          `json:"version"`
	Deleted bool            `json:"deleted,omitempty"`
}

func toWire(s State) wireEntry {
	return wireEntry{Key: s.Key, Value: s.Value, HLC: s.HLC, From: s.From, Version: s.Version, Deleted: s.Deleted}
}

func fromWire(w wireEntry) State {
	return State{Key: w.Key, Value: w.Value, HLC: w.HLC, From: w.From, Version: w.Version, Deleted: w.Deleted}
}

const (
	envFullState    = "full_state"
	envEntry        = "entry"
	envRequestState = "request_state"
)

// envelope is the wrapper every sync message travels in, distinguishing it
// from a room's ordinary application traffic (spec.md §4.7
// "Transport framing").
type envelope struct {
	Sync      bool        `json:"_sync"`
	Type      string      `json:"type"`
	Room      string      `json:"_room,omitempty"`
	Requester string      `json:"requester,omitempty"`
	Entry     *wireEntry  `json:"entry,omitempty"`
	State     []wireEntry `json:"state,omitempty"`
}

// Room replicates state across one namespace's members.
type Room struct {
	namespace string
	self      string
	mode      config.SyncMode
	merge     config.MergeFunc
	transport Transport
	clock     *hlc.Clock
	ttl       time.Duration
	log       *slog.Logger
	bus       *eventbus.Bus

	mu    sync.Mutex
	state map[string]State

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Room for namespace, owned by self (the local fingerprint),
// sending and receiving over transport.
func New(namespace, self string, cfg config.SyncConfig, transport Transport, log *slog.Logger) *Room {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = config.SyncModeLWW
	}
	r := &Room{
		namespace: namespace,
		self:      self,
		mode:      cfg.Mode,
		merge:     cfg.Merge,
		transport: transport,
		clock:     hlc.NewClock(self, nil),
		ttl:       TombstoneTTL,
		log:       log,
		bus:       eventbus.New(nil),
		state:     make(map[string]State),
	}

	transport.Bus().On("message", func(args ...any) {
		if len(args) != 2 {
			return
		}
		from, _ := args[0].(string)
		data, _ := args[1].([]byte)
		r.HandleMessage(from, data)
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.reapLoop(ctx)

	return r
}

// Bus exposes "state_changed"(key, value_or_nil, from), "conflict"(key,
// local, remote, merged State), and "error"(err).
func (r *Room) Bus() *eventbus.Bus { return r.bus }

// Set writes key=value locally and propagates it to the room.
func (r *Room) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("syncroom: marshal value: %w", err)
	}
	if r.mode == config.SyncModeCRDT {
		r.bus.Emit("error", ErrCRDTUnsupported)
		return ErrCRDTUnsupported
	}

	tick := r.clock.Tick()
	entry := State{Key: key, Value: data, HLC: tick, From: r.self, Version: tick.Counter}

	r.mu.Lock()
	r.state[key] = entry
	r.mu.Unlock()

	return r.sendEntry(entry)
}

// Delete writes a tombstone for key and propagates it.
func (r *Room) Delete(key string) error {
	tick := r.clock.Tick()
	entry := State{Key: key, HLC: tick, From: r.self, Version: tick.Counter, Deleted: true}

	r.mu.Lock()
	r.state[key] = entry
	r.mu.Unlock()

	return r.sendEntry(entry)
}

// Get returns a non-tombstoned value, hiding deletes (spec.md §4.7
// "Tombstones").
func (r *Room) Get(key string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.state[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// GetAll returns every live (non-tombstoned) entry.
func (r *Room) GetAll() map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]json.RawMessage, len(r.state))
	for k, e := range r.state {
		if !e.Deleted {
			out[k] = e.Value
		}
	}
	return out
}

// HandlePeerJoined broadcasts every live entry as a full-state snapshot so
// a newly joined peer catches up (spec.md §4.7 "Full-state exchange").
func (r *Room) HandlePeerJoined(fingerprint string) {
	r.mu.Lock()
	entries := make([]wireEntry, 0, len(r.state))
	for _, e := range r.state {
		if !e.Deleted {
			entries = append(entries, toWire(e))
		}
	}
	r.mu.Unlock()
	if len(entries) == 0 {
		return
	}

	env := envelope{Sync: true, Type: envFullState, Room: r.namespace, State: entries}
	data, err := json.Marshal(env)
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("syncroom: marshal full state: %w", err))
		return
	}
	if err := r.transport.Broadcast(data); err != nil {
		r.bus.Emit("error", fmt.Errorf("syncroom: broadcast full state: %w", err))
	}
}

// RequestState asks fromFingerprint to relay back its full state.
func (r *Room) RequestState(fromFingerprint string) error {
	env := envelope{Sync: true, Type: envRequestState, Room: r.namespace, Requester: r.self}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("syncroom: marshal request_state: %w", err)
	}
	return r.transport.SendTo(fromFingerprint, data)
}

func (r *Room) sendEntry(entry State) error {
	env := envelope{Sync: true, Type: envEntry, Room: r.namespace, Entry: ptr(toWire(entry))}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("syncroom: marshal entry: %w", err)
	}
	return r.transport.Broadcast(data)
}

func ptr[T any](v T) *T { return &v }

// HandleMessage processes one inbound frame from the room's transport.
// Frames lacking the "_sync" tag (ordinary application traffic) are
// ignored.
func (r *Room) HandleMessage(from string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || !env.Sync {
		return
	}

	switch env.Type {
	case envEntry:
		if env.Entry != nil {
			r.applyRemote(*env.Entry)
		}
	case envFullState:
		for _, w := range env.State {
			r.applyRemote(w)
		}
	case envRequestState:
		r.respondToRequest(env.Requester)
	}
}

func (r *Room) respondToRequest(requester string) {
	if requester == "" {
		return
	}
	r.mu.Lock()
	entries := make([]wireEntry, 0, len(r.state))
	for _, e := range r.state {
		if !e.Deleted {
			entries = append(entries, toWire(e))
		}
	}
	r.mu.Unlock()

	env := envelope{Sync: true, Type: envFullState, Room: r.namespace, State: entries}
	data, err := json.Marshal(env)
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("syncroom: marshal state response: %w", err))
		return
	}
	if err := r.transport.SendTo(requester, data); err != nil {
		r.bus.Emit("error", fmt.Errorf("syncroom: send state response: %w", err))
	}
}

// applyRemote absorbs the remote HLC observation unconditionally, then
// resolves the entry per the room's configured mode (spec.md §4.7 "HLC
// update on receive").
func (r *Room) applyRemote(w wireEntry) {
	r.clock.Observe(w.HLC)

	switch r.mode {
	case config.SyncModeCRDT:
		r.bus.Emit("error", ErrCRDTUnsupported)
	case config.SyncModeOperational:
		r.applyOperational(w)
	default:
		r.applyLWW(w)
	}
}

func (r *Room) applyLWW(w wireEntry) {
	r.mu.Lock()
	local, exists := r.state[w.Key]
	if exists && hlc.Compare(w.HLC, local.HLC) <= 0 {
		r.mu.Unlock()
		return
	}
	r.state[w.Key] = fromWire(w)
	r.mu.Unlock()

	var value any
	if !w.Deleted {
		value = w.Value
	}
	r.bus.Emit("state_changed", w.Key, value, w.From)
}

func (r *Room) applyOperational(w wireEntry) {
	r.mu.Lock()
	local, exists := r.state[w.Key]
	if !exists || local.Deleted {
		r.state[w.Key] = fromWire(w)
		r.mu.Unlock()
		var value any
		if !w.Deleted {
			value = w.Value
		}
		r.bus.Emit("state_changed", w.Key, value, w.From)
		return
	}
	r.mu.Unlock()

	if r.merge == nil {
		r.bus.Emit("error", fmt.Errorf("syncroom: operational mode requires a merge function for key %q", w.Key))
		return
	}
	merged, err := r.merge(local.Value, w.Value)
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("syncroom: merge %q: %w", w.Key, err))
		return
	}
	mergedData, err := json.Marshal(merged)
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("syncroom: marshal merged %q: %w", w.Key, err))
		return
	}
	if string(mergedData) == string(local.Value) {
		// Idempotent merge: both sides already agree on this value, so
		// there is nothing new to resolve or propagate. Without this check
		// two replicas that both locally resolved the same conflict would
		// keep re-ticking and re-broadcasting each other's resolution
		// forever.
		return
	}

	tick := r.clock.Tick()
	resolved := State{Key: w.Key, Value: mergedData, HLC: tick, From: r.self, Version: tick.Counter}

	r.mu.Lock()
	r.state[w.Key] = resolved
	r.mu.Unlock()

	r.bus.Emit("conflict", w.Key, local, fromWire(w), resolved)
	r.bus.Emit("state_changed", w.Key, mergedData, r.self)

	if err := r.sendEntry(resolved); err != nil {
		r.bus.Emit("error", fmt.Errorf("syncroom: propagate resolved %q: %w", w.Key, err))
	}
}

func (r *Room) reapLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Room) reapOnce() {
	now := time.Now().UnixMilli()
	cutoff := r.ttl.Milliseconds()
	r.mu.Lock()
	for k, e := range r.state {
		if e.Deleted && now-e.HLC.TS > cutoff {
			delete(r.state, k)
		}
	}
	r.mu.Unlock()
}

// Close stops the tombstone reaper. It does not touch the underlying
// transport or room.
func (r *Room) Close() {
	r.cancel()
	r.wg.Wait()
}
