package offlinesync

import (
	"crypto/cipher"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerhub/peerhub/internal/config"
	"github.com/peerhub/peerhub/internal/e2e"
	"github.com/peerhub/peerhub/internal/eventbus"
	"github.com/peerhub/peerhub/internal/hlc"
)

// Transport is the send surface an offline sync room needs from whatever
// groups its members (normally a *room.GroupRoom): fan-out, a single
// targeted send, and the current member list (needed for per-peer E2E).
type Transport interface {
	Bus() *eventbus.Bus
	Broadcast(data []byte) error
	SendTo(fingerprint string, data []byte) error
	Members() []string
}

type wireEntry struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	HLC     hlc.HLC         `json:"hlc"`
	From    string          `json:"from"`
	Version uint32          `json:"version"`
	Deleted bool            `json:"deleted,omitempty"`
}

func toWire(e storedEntry) wireEntry {
	return wireEntry{Key: e.Key, Value: e.Value, HLC: e.HLC, From: e.From, Version: e.Version, Deleted: e.Deleted}
}

func fromWire(w wireEntry) storedEntry {
	return storedEntry{Key: w.Key, Value: w.Value, HLC: w.HLC, From: w.From, Version: w.Version, Deleted: w.Deleted}
}

const (
	envFullState = "full_state"
	envEntry     = "entry"
)

type envelope struct {
	Sync  bool        `json:"_sync"`
	Type  string      `json:"type"`
	Room  string      `json:"_room,omitempty"`
	Entry *wireEntry  `json:"entry,omitempty"`
	State []wireEntry `json:"state,omitempty"`
}

type encryptedEnvelope struct {
	Sync      bool   `json:"_sync"`
	Encrypted bool   `json:"_encrypted"`
	Room      string `json:"_room,omitempty"`
	Data      string `json:"data"`
}

const (
	keyExchangeOffer = "key_exchange_offer"
	keyExchangeAck   = "key_exchange_ack"
)

type keyExchangeMsg struct {
	Sync      bool   `json:"_sync"`
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
}

// Room replicates a namespace's state durably: writes persist before they
// propagate, queue while disconnected, and replay once reconnected
// (spec.md §4.8).
type Room struct {
	namespace string
	self      string
	cfg       config.OfflineSyncConfig
	store     *Store
	transport Transport
	clock     *hlc.Clock
	log       *slog.Logger
	bus       *eventbus.Bus

	mu         sync.Mutex
	state      map[string]storedEntry
	online     bool
	syncing    bool
	peerKeys   map[string]cipher.AEAD
	pendingKEX map[string]*ecdh.PrivateKey
}

// New restores state from store and wires transport. cfg is defaulted via
// config.OfflineSyncConfig.Defaults(), which fails if conflict_resolution
// is "merge" without a Merge function. Incoming entries are always resolved
// last-writer-wins by HLC: the Merge function is never called, whatever
// conflict_resolution says.
func New(namespace, self string, cfg config.OfflineSyncConfig, store *Store, transport Transport, log *slog.Logger) (*Room, error) {
	if err := cfg.Defaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	restored, err := store.LoadState()
	if err != nil {
		return nil, fmt.Errorf("offlinesync: restore state: %w", err)
	}

	clock := hlc.NewClock(self, nil)
	if _, savedHLC, found, err := store.LoadMeta(); err == nil && found {
		clock.Observe(savedHLC)
	}

	r := &Room{
		namespace:  namespace,
		self:       self,
		cfg:        cfg,
		store:      store,
		transport:  transport,
		clock:      clock,
		log:        log,
		bus:        eventbus.New(nil),
		state:      restored,
		online:     true,
		peerKeys:   make(map[string]cipher.AEAD),
		pendingKEX: make(map[string]*ecdh.PrivateKey),
	}

	transport.Bus().On("message", func(args ...any) {
		if len(args) != 2 {
			return
		}
		from, _ := args[0].(string)
		data, _ := args[1].([]byte)
		r.HandleMessage(from, data)
	})

	return r, nil
}

// Bus exposes "state_changed"(key, value_or_nil, from), "sync_started",
// "sync_complete", "error"(err). No "conflict" event is emitted.
func (r *Room) Bus() *eventbus.Bus { return r.bus }

// SetOffline marks the room disconnected: subsequent writes queue instead
// of broadcasting.
func (r *Room) SetOffline() {
	r.mu.Lock()
	r.online = false
	r.mu.Unlock()
}

// Set writes key=value, persists it, and broadcasts or queues it
// (spec.md §4.8 "set/delete apply locally, persist, and either broadcast
// ... or append to pending").
func (r *Room) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("offlinesync: marshal value: %w", err)
	}
	tick := r.clock.Tick()
	return r.applyLocalWrite(storedEntry{Key: key, Value: data, HLC: tick, From: r.self, Version: tick.Counter})
}

// Delete writes a tombstone for key.
func (r *Room) Delete(key string) error {
	tick := r.clock.Tick()
	return r.applyLocalWrite(storedEntry{Key: key, HLC: tick, From: r.self, Version: tick.Counter, Deleted: true})
}

func (r *Room) applyLocalWrite(entry storedEntry) error {
	r.mu.Lock()
	r.state[entry.Key] = entry
	online := r.online
	r.mu.Unlock()

	if err := r.store.PutState(entry); err != nil {
		return err
	}

	var value any
	if !entry.Deleted {
		value = entry.Value
	}
	r.bus.Emit("state_changed", entry.Key, value, entry.From)

	if online {
		if err := r.broadcastEntry(entry); err == nil {
			return nil
		}
	}
	return r.enqueuePending(entry)
}

func (r *Room) enqueuePending(entry storedEntry) error {
	count, err := r.store.PendingCount()
	if err != nil {
		return err
	}
	if count >= r.cfg.MaxPendingOps {
		quotaErr := fmt.Errorf("offlinesync: pending operations limit reached")
		r.bus.Emit("error", quotaErr)
		return quotaErr
	}

	opType := "set"
	if entry.Deleted {
		opType = "delete"
	}
	return r.store.AppendPending(PendingOp{
		ID: uuid.NewString(), Type: opType, Key: entry.Key, Value: entry.Value, HLC: entry.HLC, TS: entry.HLC.TS,
	})
}

// Get returns a non-tombstoned value.
func (r *Room) Get(key string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.state[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// GetAll returns every live entry.
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

// HandlePeerJoined initiates a per-peer key exchange when encryption is
// enabled (spec.md §4.8 "on peer_joined, initiate a key exchange relay").
func (r *Room) HandlePeerJoined(fingerprint string) error {
	if !r.cfg.EncryptionEnabled {
		return nil
	}
	priv, err := e2e.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("offlinesync: generate kex keypair: %w", err)
	}

	r.mu.Lock()
	r.pendingKEX[fingerprint] = priv
	r.mu.Unlock()

	msg := keyExchangeMsg{Sync: true, Type: keyExchangeOffer, PublicKey: e2e.EncodePublicKey(priv.PublicKey())}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.transport.SendTo(fingerprint, data)
}

// HandleReconnected runs the coming-online catch-up: broadcasts the full
// state in batches, replays queued operations in ts order, and records
// lastSync (spec.md §4.8 "On coming online").
func (r *Room) HandleReconnected() error {
	r.mu.Lock()
	if r.syncing {
		r.mu.Unlock()
		return nil
	}
	r.syncing = true
	r.online = true
	entries := make([]storedEntry, 0, len(r.state))
	for _, e := range r.state {
		if !e.Deleted {
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	r.bus.Emit("sync_started")

	var firstErr error
	if err := r.broadcastFullStateBatched(entries); err != nil {
		r.bus.Emit("error", err)
		firstErr = err
	}
	if err := r.replayPending(); err != nil {
		r.bus.Emit("error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := r.store.SaveMeta(time.Now().UnixMilli(), r.clock.Current()); err != nil {
		r.bus.Emit("error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	r.mu.Lock()
	r.syncing = false
	r.mu.Unlock()

	r.bus.Emit("sync_complete")
	return firstErr
}

func (r *Room) broadcastFullStateBatched(entries []storedEntry) error {
	batchSize := r.cfg.SyncBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	for i := 0; i < len(entries); i += batchSize {
		end := i + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		wire := make([]wireEntry, 0, end-i)
		for _, e := range entries[i:end] {
			wire = append(wire, toWire(e))
		}
		env := envelope{Sync: true, Type: envFullState, Room: r.namespace, State: wire}
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("offlinesync: marshal full state batch: %w", err)
		}
		if err := r.transport.Broadcast(data); err != nil {
			return fmt.Errorf("offlinesync: broadcast full state batch: %w", err)
		}
		if end < len(entries) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return nil
}

func (r *Room) replayPending() error {
	ops, err := r.store.ListPending()
	if err != nil {
		return fmt.Errorf("offlinesync: list pending for replay: %w", err)
	}
	for _, op := range ops {
		entry := storedEntry{Key: op.Key, Value: op.Value, HLC: op.HLC, From: r.self, Deleted: op.Type == "delete"}
		if err := r.broadcastEntry(entry); err != nil {
			return fmt.Errorf("offlinesync: replay %q: %w", op.ID, err)
		}
		if err := r.store.RemovePending(op.ID); err != nil {
			return fmt.Errorf("offlinesync: remove replayed %q: %w", op.ID, err)
		}
	}
	return nil
}

// broadcastEntry sends entry to the room: encrypted per-peer for members
// with an established key, and one plaintext broadcast reaching everyone
// else (spec.md §4.8 "when a key exists, set payloads are encrypted per
// peer via relay; otherwise broadcast plaintext"). A keyed peer harmlessly
// receiving the plaintext copy too is a no-op on the far side: applying the
// same HLC twice never replaces (spec.md §4.7 LWW).
func (r *Room) broadcastEntry(entry storedEntry) error {
	env := envelope{Sync: true, Type: envEntry, Room: r.namespace, Entry: &wireEntry{
		Key: entry.Key, Value: entry.Value, HLC: entry.HLC, From: entry.From, Version: entry.Version, Deleted: entry.Deleted,
	}}
	plain, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("offlinesync: marshal entry: %w", err)
	}

	if !r.cfg.EncryptionEnabled {
		return r.transport.Broadcast(plain)
	}

	r.mu.Lock()
	var unkeyed bool
	keys := make(map[string]cipher.AEAD)
	for _, fp := range r.transport.Members() {
		if aead, ok := r.peerKeys[fp]; ok {
			keys[fp] = aead
		} else {
			unkeyed = true
		}
	}
	r.mu.Unlock()

	var firstErr error
	for fp, aead := range keys {
		enc, err := e2e.Encrypt(aead, plain)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out, err := json.Marshal(encryptedEnvelope{Sync: true, Encrypted: true, Room: r.namespace, Data: enc})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.transport.SendTo(fp, out); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if unkeyed {
		if err := r.transport.Broadcast(plain); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandleMessage processes one inbound frame. Non-sync frames are ignored.
func (r *Room) HandleMessage(from string, data []byte) {
	var probe struct {
		Sync      bool   `json:"_sync"`
		Type      string `json:"type"`
		Encrypted bool   `json:"_encrypted"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || !probe.Sync {
		return
	}

	switch {
	case probe.Encrypted:
		r.handleEncrypted(from, data)
	case probe.Type == keyExchangeOffer:
		r.handleKeyExchangeOffer(from, data)
	case probe.Type == keyExchangeAck:
		r.handleKeyExchangeAck(from, data)
	case probe.Type == envEntry, probe.Type == envFullState:
		r.handlePlainEnvelope(data)
	}
}

func (r *Room) handleEncrypted(from string, data []byte) {
	var env encryptedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.bus.Emit("error", fmt.Errorf("offlinesync: malformed encrypted frame: %w", err))
		return
	}
	r.mu.Lock()
	aead, ok := r.peerKeys[from]
	r.mu.Unlock()
	if !ok {
		r.bus.Emit("error", fmt.Errorf("offlinesync: encrypted frame from %q with no established key", from))
		return
	}
	plaintext, err := e2e.Decrypt(aead, env.Data)
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("offlinesync: decrypt from %q: %w", from, err))
		return
	}
	r.handlePlainEnvelope(plaintext)
}

func (r *Room) handlePlainEnvelope(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.bus.Emit("error", fmt.Errorf("offlinesync: malformed envelope: %w", err))
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
	}
}

func (r *Room) applyRemote(w wireEntry) {
	r.clock.Observe(w.HLC)

	r.mu.Lock()
	local, exists := r.state[w.Key]
	if exists && hlc.Compare(w.HLC, local.HLC) <= 0 {
		r.mu.Unlock()
		return
	}
	entry := fromWire(w)
	r.state[w.Key] = entry
	r.mu.Unlock()

	if err := r.store.PutState(entry); err != nil {
		r.bus.Emit("error", fmt.Errorf("offlinesync: persist remote %q: %w", w.Key, err))
	}

	var value any
	if !w.Deleted {
		value = w.Value
	}
	r.bus.Emit("state_changed", w.Key, value, w.From)
}

func (r *Room) handleKeyExchangeOffer(from string, data []byte) {
	var msg keyExchangeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.bus.Emit("error", fmt.Errorf("offlinesync: malformed key exchange offer: %w", err))
		return
	}
	priv, err := e2e.GenerateKeyPair()
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("offlinesync: generate kex keypair: %w", err))
		return
	}
	aead, err := e2e.DeriveSharedKey(priv, msg.PublicKey, from)
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("offlinesync: derive shared key with %q: %w", from, err))
		return
	}

	r.mu.Lock()
	r.peerKeys[from] = aead
	r.mu.Unlock()

	ack := keyExchangeMsg{Sync: true, Type: keyExchangeAck, PublicKey: e2e.EncodePublicKey(priv.PublicKey())}
	out, err := json.Marshal(ack)
	if err != nil {
		r.bus.Emit("error", err)
		return
	}
	if err := r.transport.SendTo(from, out); err != nil {
		r.bus.Emit("error", fmt.Errorf("offlinesync: send kex ack to %q: %w", from, err))
	}
}

func (r *Room) handleKeyExchangeAck(from string, data []byte) {
	var msg keyExchangeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.bus.Emit("error", fmt.Errorf("offlinesync: malformed key exchange ack: %w", err))
		return
	}
	r.mu.Lock()
	priv, ok := r.pendingKEX[from]
	delete(r.pendingKEX, from)
	r.mu.Unlock()
	if !ok {
		r.bus.Emit("error", fmt.Errorf("offlinesync: kex ack from %q with no pending offer", from))
		return
	}
	aead, err := e2e.DeriveSharedKey(priv, msg.PublicKey, from)
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("offlinesync: derive shared key with %q: %w", from, err))
		return
	}
	r.mu.Lock()
	r.peerKeys[from] = aead
	r.mu.Unlock()
}
