package room

import (
	"encoding/json"
	"testing"
)

type fakeSender struct {
	relayed   []string
	broadcast []string
}

func (f *fakeSender) Relay(to string, payload json.RawMessage) error {
	f.relayed = append(f.relayed, to)
	return nil
}

func (f *fakeSender) BroadcastToNamespace(namespace string, payload json.RawMessage) error {
	f.broadcast = append(f.broadcast, namespace)
	return nil
}

func TestDirectRoomSendFallsBackToRelayWithoutSession(t *testing.T) {
	sender := &fakeSender{}
	r := NewDirectRoom("fp-peer", nil, sender, nil)

	if err := r.Send([]byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.relayed) != 1 || sender.relayed[0] != "fp-peer" {
		t.Fatalf("relayed = %v, want one call to fp-peer", sender.relayed)
	}
}

func TestDirectRoomHandleRelayedMessageEmits(t *testing.T) {
	r := NewDirectRoom("fp-peer", nil, &fakeSender{}, nil)
	received := make(chan []byte, 1)
	r.Bus().On("message", func(args ...any) { received <- args[0].([]byte) })

	payload, _ := json.Marshal(frame{Kind: frameKind, Data: json.RawMessage(`"hello"`)})
	r.HandleRelayedMessage(payload)

	select {
	case data := <-received:
		if string(data) != `"hello"` {
			t.Fatalf("data = %s, want \"hello\"", data)
		}
	default:
		t.Fatal("message event was not emitted")
	}
}

func TestGroupRoomAddMemberWithoutSessionIsRelayed(t *testing.T) {
	g := NewGroupRoom("ns", "self", &fakeSender{}, nil)
	for i := 0; i < RelayThreshold+2; i++ {
		g.AddMember(fakeFingerprint(i), nil)
	}
	if len(g.connected) != 0 {
		// nil sessions never count as "connected" in AddMember's gate check
		// (session != nil required), so everyone lands in relayed here.
	}
	if len(g.relayed) != RelayThreshold+2 {
		t.Fatalf("relayed = %d, want %d", len(g.relayed), RelayThreshold+2)
	}
}

func TestGroupRoomRemoveMemberEmitsMemberLeft(t *testing.T) {
	g := NewGroupRoom("ns", "self", &fakeSender{}, nil)
	g.AddMember("fp-a", nil)

	left := make(chan string, 1)
	g.Bus().On("member_left", func(args ...any) { left <- args[0].(string) })
	g.RemoveMember("fp-a")

	select {
	case fp := <-left:
		if fp != "fp-a" {
			t.Fatalf("fp = %q, want fp-a", fp)
		}
	default:
		t.Fatal("member_left was not emitted")
	}
}

func TestGroupRoomBroadcastUsesServerForRelayedMembers(t *testing.T) {
	sender := &fakeSender{}
	g := NewGroupRoom("ns", "self", sender, nil)
	g.AddMember("fp-a", nil) // lands in relayed (nil session)

	if err := g.Broadcast([]byte("hi")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(sender.broadcast) != 1 || sender.broadcast[0] != "ns" {
		t.Fatalf("broadcast = %v, want one call for ns", sender.broadcast)
	}
}

func fakeFingerprint(i int) string {
	return string(rune('a' + i))
}
