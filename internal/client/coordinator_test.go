package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/peerhub/peerhub/internal/config"
	"github.com/peerhub/peerhub/internal/identity"
	"github.com/peerhub/peerhub/internal/signaling"
)

// fakeServer accepts one WebSocket connection and replies to "register" with
// "registered" and to "join" with a one-peer "peer_list", matching just enough
// of spec.md §6 to exercise the coordinator.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env signaling.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			switch env.Type {
			case signaling.TypeRegister:
				reply, _ := json.Marshal(signaling.RegisteredMsg{
					Type:        signaling.TypeRegistered,
					Fingerprint: "fp-1",
					Alias:       "tester",
				})
				conn.Write(ctx, websocket.MessageText, reply)
			case signaling.TypeJoin:
				var m signaling.JoinMsg
				json.Unmarshal(data, &m)
				reply, _ := json.Marshal(signaling.PeerListMsg{
					Type:      signaling.TypePeerList,
					Namespace: m.Namespace,
					Peers:     []signaling.PeerInfo{{Fingerprint: "fp-2", Alias: "peer2"}},
				})
				conn.Write(ctx, websocket.MessageText, reply)
			case signaling.TypeJoinRoom:
				var m signaling.JoinRoomMsg
				json.Unmarshal(data, &m)
				reply, _ := json.Marshal(signaling.PeerListMsg{
					Type:      signaling.TypePeerList,
					Namespace: m.RoomID,
					Peers:     []signaling.PeerInfo{{Fingerprint: "fp-3", Alias: "owner"}},
				})
				conn.Write(ctx, websocket.MessageText, reply)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCoordinator(t *testing.T, url string) *Coordinator {
	t.Helper()
	id := &identity.Identity{}
	if err := id.Generate(); err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	cfg := &config.ClientConfig{URL: url}
	cfg.Defaults()
	return New(cfg, id, nil)
}

func TestConnectRegisters(t *testing.T) {
	srv := fakeServer(t)
	c := newTestCoordinator(t, wsURLFor(srv.URL))
	defer c.Disconnect()

	registered := make(chan string, 1)
	c.Bus().On("registered", func(args ...any) { registered <- args[0].(string) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case fp := <-registered:
		if fp != "fp-1" {
			t.Errorf("fingerprint = %q, want fp-1", fp)
		}
	case <-time.After(time.Second):
		t.Fatal("never registered")
	}
}

func TestJoinReturnsPeerList(t *testing.T) {
	srv := fakeServer(t)
	c := newTestCoordinator(t, wsURLFor(srv.URL))
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let registration land

	peers, err := c.Join(ctx, "room-1", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(peers) != 1 || peers[0].Fingerprint != "fp-2" {
		t.Fatalf("peers = %+v, want one fp-2", peers)
	}
}

func TestJoinRoomResolvesOnPeerListAndTracksJoinedSet(t *testing.T) {
	srv := fakeServer(t)
	c := newTestCoordinator(t, wsURLFor(srv.URL))
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	peers, err := c.JoinRoom(ctx, "room-9")
	if err != nil {
		t.Fatalf("join room: %v", err)
	}
	if len(peers) != 1 || peers[0].Fingerprint != "fp-3" {
		t.Fatalf("peers = %+v, want one fp-3", peers)
	}
	c.mu.Lock()
	_, joined := c.namespaces["room-9"]
	c.mu.Unlock()
	if !joined {
		t.Fatal("room-9 was not added to the joined set on JoinRoom success")
	}
}

func TestJoinRoomRemovesFromJoinedSetOnTimeout(t *testing.T) {
	c := newTestCoordinator(t, "ws://unused.invalid")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.JoinRoom(ctx, "room-9")
	if err == nil {
		t.Fatal("expected JoinRoom to fail against an unreachable server")
	}
	c.mu.Lock()
	_, joined := c.namespaces["room-9"]
	c.mu.Unlock()
	if joined {
		t.Fatal("room-9 remained in the joined set after JoinRoom failed")
	}
}

func TestRegisterSupersedesPriorPendingRegister(t *testing.T) {
	c := newTestCoordinator(t, "ws://unused.invalid")
	first := c.register(registerKey, time.Minute, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		return nil, false, nil
	})
	second := c.register(registerKey, time.Minute, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		return nil, false, nil
	})

	select {
	case <-first.done:
		if first.err != ErrSuperseded {
			t.Fatalf("err = %v, want ErrSuperseded", first.err)
		}
	default:
		t.Fatal("first register was not superseded")
	}
	select {
	case <-second.done:
		t.Fatal("second register should still be pending")
	default:
	}
}

func TestCancelMatchRejectsPendingMatch(t *testing.T) {
	c := newTestCoordinator(t, "ws://unused.invalid")
	p := c.register("match:ns", time.Minute, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		return nil, false, nil
	})

	c.CancelMatch("ns")

	select {
	case <-p.done:
		if p.err != ErrCancelled {
			t.Fatalf("err = %v, want ErrCancelled", p.err)
		}
	default:
		t.Fatal("pending match was not rejected by CancelMatch")
	}
}

func TestKickedRemovesNamespaceAndEmitsKicked(t *testing.T) {
	c := newTestCoordinator(t, "ws://unused.invalid")
	c.mu.Lock()
	c.namespaces["room-5"] = struct{}{}
	c.mu.Unlock()

	kicked := make(chan string, 1)
	c.Bus().On("kicked", func(args ...any) { kicked <- args[0].(string) })

	data, _ := json.Marshal(signaling.KickMsg{Type: signaling.TypeKick, RoomID: "room-5"})
	c.handleMessage(data)

	select {
	case roomID := <-kicked:
		if roomID != "room-5" {
			t.Fatalf("roomID = %q, want room-5", roomID)
		}
	case <-time.After(time.Second):
		t.Fatal("kicked event was never emitted")
	}
	c.mu.Lock()
	_, stillJoined := c.namespaces["room-5"]
	c.mu.Unlock()
	if stillJoined {
		t.Fatal("room-5 was not removed from the joined set on kick")
	}
}

func TestSignalFromUnknownPeerCreatesSession(t *testing.T) {
	c := newTestCoordinator(t, "ws://unused.invalid")
	payload, _ := json.Marshal(struct {
		Kind string `json:"kind"`
	}{Kind: "candidate"})
	data, _ := json.Marshal(signaling.SignalMsg{Type: signaling.TypeSignal, From: "fp-remote", Payload: payload})

	c.handleMessage(data)

	c.mu.Lock()
	p, ok := c.peers["fp-remote"]
	c.mu.Unlock()
	if !ok {
		t.Fatal("signal from an unknown peer did not create a Peer entry")
	}
	if p.Session == nil {
		t.Fatal("signal from an unknown peer did not build a webrtcpeer.Session")
	}
}

func TestReconnectEmitsReconnectedAndRejoinsNamespaces(t *testing.T) {
	srv := fakeServer(t)
	c := newTestCoordinator(t, wsURLFor(srv.URL))
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := c.Join(ctx, "room-1", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	reconnected := make(chan struct{}, 1)
	c.Bus().On("reconnected", func(args ...any) { reconnected <- struct{}{} })

	// Simulate the transport dropping and then reopening.
	c.handleClose()
	c.handleOpen()

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("never emitted reconnected on the post-first-open path")
	}

	c.mu.Lock()
	_, kept := c.namespaces["room-1"]
	c.mu.Unlock()
	if !kept {
		t.Fatal("room-1 was not kept across the drop for re-join")
	}
}

func TestDisconnectRejectsPendingRequests(t *testing.T) {
	c := newTestCoordinator(t, "ws://unused.invalid")
	p := c.register("join:x", time.Minute, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		return nil, false, nil
	})
	c.handleClose()

	select {
	case <-p.done:
		if p.err != ErrDisconnected {
			t.Fatalf("err = %v, want ErrDisconnected", p.err)
		}
	default:
		t.Fatal("pending request was not resolved on disconnect")
	}
}

func wsURLFor(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}
