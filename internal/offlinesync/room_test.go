package offlinesync

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/peerhub/peerhub/internal/config"
	"github.com/peerhub/peerhub/internal/room"
)

// loopbackSender relays between two GroupRooms in the same namespace
// without any real transport, exercising only the room-level relay path.
type loopbackSender struct {
	peer *room.GroupRoom
}

func (s *loopbackSender) Relay(to string, payload json.RawMessage) error {
	s.peer.HandleRelayedMessage("peer", payload)
	return nil
}

func (s *loopbackSender) BroadcastToNamespace(namespace string, payload json.RawMessage) error {
	s.peer.HandleRelayedMessage("peer", payload)
	return nil
}

func newRoomPair(t *testing.T) (*room.GroupRoom, *room.GroupRoom) {
	t.Helper()
	sa := &loopbackSender{}
	sb := &loopbackSender{}
	a := room.NewGroupRoom("ns", "fp-a", sa, nil)
	b := room.NewGroupRoom("ns", "fp-b", sb, nil)
	sa.peer, sb.peer = b, a
	a.AddMember("fp-b", nil)
	b.AddMember("fp-a", nil)
	return a, b
}

func newStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "sync.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newOfflineRoom(t *testing.T, self string, gr *room.GroupRoom, cfg config.OfflineSyncConfig) *Room {
	t.Helper()
	store := newStore(t)
	r, err := New("ns", self, cfg, store, gr, nil)
	if err != nil {
		t.Fatalf("new offline room: %v", err)
	}
	return r
}

func waitFor(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSetPersistsAndBroadcastsWhenOnline(t *testing.T) {
	ga, gb := newRoomPair(t)
	a := newOfflineRoom(t, "fp-a", ga, config.OfflineSyncConfig{})
	b := newOfflineRoom(t, "fp-b", gb, config.OfflineSyncConfig{})

	changed := make(chan struct{}, 1)
	b.Bus().On("state_changed", func(args ...any) { changed <- struct{}{} })

	if err := a.Set("color", "blue"); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, changed)

	val, ok := b.Get("color")
	if !ok {
		t.Fatal("expected color to replicate")
	}
	var s string
	json.Unmarshal(val, &s)
	if s != "blue" {
		t.Fatalf("got %q, want blue", s)
	}

	count, err := a.store.PendingCount()
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing queued while online, got %d", count)
	}
}

func TestSetQueuesWhileOffline(t *testing.T) {
	ga, _ := newRoomPair(t)
	a := newOfflineRoom(t, "fp-a", ga, config.OfflineSyncConfig{})
	a.SetOffline()

	if err := a.Set("k", 1); err != nil {
		t.Fatalf("set: %v", err)
	}

	count, err := a.store.PendingCount()
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 queued op, got %d", count)
	}
}

func TestPendingOpsOverflowReturnsError(t *testing.T) {
	ga, _ := newRoomPair(t)
	a := newOfflineRoom(t, "fp-a", ga, config.OfflineSyncConfig{MaxPendingOps: 1})
	a.SetOffline()

	if err := a.Set("k1", 1); err != nil {
		t.Fatalf("first set: %v", err)
	}

	gotErr := make(chan struct{}, 1)
	a.Bus().On("error", func(args ...any) { gotErr <- struct{}{} })

	if err := a.Set("k2", 2); err == nil {
		t.Fatal("expected quota error on second queued op")
	}
	waitFor(t, gotErr)
}

func TestReconnectReplaysAndDrainsPending(t *testing.T) {
	ga, gb := newRoomPair(t)
	a := newOfflineRoom(t, "fp-a", ga, config.OfflineSyncConfig{})
	b := newOfflineRoom(t, "fp-b", gb, config.OfflineSyncConfig{})
	a.SetOffline()

	a.Set("k1", "one")
	a.Set("k2", "two")

	count, _ := a.store.PendingCount()
	if count != 2 {
		t.Fatalf("expected 2 queued, got %d", count)
	}

	complete := make(chan struct{}, 1)
	a.Bus().On("sync_complete", func(args ...any) { complete <- struct{}{} })

	if err := a.HandleReconnected(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, complete)

	count, _ = a.store.PendingCount()
	if count != 0 {
		t.Fatalf("expected pending drained, got %d", count)
	}

	if _, ok := b.Get("k1"); !ok {
		t.Fatal("expected k1 replicated after reconnect")
	}
	if _, ok := b.Get("k2"); !ok {
		t.Fatal("expected k2 replicated after reconnect")
	}
}

func TestDeleteReplicatesAsTombstone(t *testing.T) {
	ga, gb := newRoomPair(t)
	a := newOfflineRoom(t, "fp-a", ga, config.OfflineSyncConfig{})
	b := newOfflineRoom(t, "fp-b", gb, config.OfflineSyncConfig{})

	a.Set("k", "v")
	b.Bus().On("state_changed", func(args ...any) {})

	deleted := make(chan struct{}, 1)
	b.Bus().On("state_changed", func(args ...any) {
		if args[1] == nil {
			select {
			case deleted <- struct{}{}:
			default:
			}
		}
	})

	if err := a.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, deleted)

	if _, ok := b.Get("k"); ok {
		t.Fatal("expected tombstoned key hidden from Get")
	}
}

func TestRestoreFromStoreOnInit(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "sync.db")
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.PutState(storedEntry{Key: "k", Value: json.RawMessage(`"v"`), From: "fp-a"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	store.Close()

	store, err = Open(dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	ga, _ := newRoomPair(t)
	r, err := New("ns", "fp-a", config.OfflineSyncConfig{}, store, ga, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	val, ok := r.Get("k")
	if !ok {
		t.Fatal("expected restored key")
	}
	var s string
	json.Unmarshal(val, &s)
	if s != "v" {
		t.Fatalf("got %q, want v", s)
	}
}

func TestDefaultsRejectMergeWithoutFunc(t *testing.T) {
	ga, _ := newRoomPair(t)
	store := newStore(t)
	_, err := New("ns", "fp-a", config.OfflineSyncConfig{ConflictResolution: config.ConflictResolutionMerge}, store, ga, nil)
	if err != config.ErrMergeFuncRequired {
		t.Fatalf("expected ErrMergeFuncRequired, got %v", err)
	}
}
