package room

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/peerhub/peerhub/internal/eventbus"
	"github.com/peerhub/peerhub/internal/webrtcpeer"
)

// RelayThreshold caps how many peers a GroupRoom will keep a direct P2P
// session open with; beyond that, additional members are relayed through
// the server to bound the local connection count (spec.md §4.5 "GroupRoom",
// RELAY_THRESHOLD).
const RelayThreshold = 6

// member is a GroupRoom participant: either backed by an open P2P session
// (connected) or relayed through the signaling server.
type member struct {
	fingerprint string
	session     *webrtcpeer.Session
}

// GroupRoom is an N:N namespace: each member sends to every other member,
// preferring direct P2P sessions up to RelayThreshold and falling back to
// server relay for the rest (spec.md §4.5 "GroupRoom").
type GroupRoom struct {
	namespace string
	self      string
	sender    Sender
	bus       *eventbus.Bus
	log       *slog.Logger

	mu        sync.Mutex
	connected map[string]*member
	relayed   map[string]struct{}
}

// NewGroupRoom creates an empty GroupRoom for namespace.
func NewGroupRoom(namespace, self string, sender Sender, log *slog.Logger) *GroupRoom {
	if log == nil {
		log = slog.Default()
	}
	return &GroupRoom{
		namespace: namespace,
		self:      self,
		sender:    sender,
		bus:       eventbus.New(nil),
		connected: make(map[string]*member),
		relayed:   make(map[string]struct{}),
	}
}

// Bus exposes "message"(fromFingerprint, data) and "member_left"(fingerprint).
func (g *GroupRoom) Bus() *eventbus.Bus { return g.bus }

// AddMember admits a peer, backed by a P2P session when under
// RelayThreshold and by server relay otherwise.
func (g *GroupRoom) AddMember(fingerprint string, session *webrtcpeer.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if session != nil && len(g.connected) < RelayThreshold {
		g.connected[fingerprint] = &member{fingerprint: fingerprint, session: session}
		return
	}
	g.relayed[fingerprint] = struct{}{}
}

// PromoteFromRelay moves a relayed member to a direct P2P session, used when
// capacity frees up after a peer leaves (spec.md §4.5 "promotion on leave").
func (g *GroupRoom) PromoteFromRelay(fingerprint string, session *webrtcpeer.Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.relayed[fingerprint]; !ok {
		return false
	}
	if len(g.connected) >= RelayThreshold {
		return false
	}
	delete(g.relayed, fingerprint)
	g.connected[fingerprint] = &member{fingerprint: fingerprint, session: session}
	return true
}

// RemoveMember drops a peer from either set and, if room was under
// RelayThreshold, frees a connected slot for a future promotion.
func (g *GroupRoom) RemoveMember(fingerprint string) {
	g.mu.Lock()
	if m, ok := g.connected[fingerprint]; ok {
		delete(g.connected, fingerprint)
		if m.session != nil {
			_ = m.session.Close()
		}
	}
	delete(g.relayed, fingerprint)
	g.mu.Unlock()
	g.bus.Emit("member_left", fingerprint)
}

// RelayCandidate returns a currently-relayed fingerprint, if any, suitable
// for promotion after a connected member leaves. Returns "" if none.
func (g *GroupRoom) RelayCandidate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for fp := range g.relayed {
		return fp
	}
	return ""
}

// HandleChannelMessage is wired to each connected member's session
// OnMessage callback.
func (g *GroupRoom) HandleChannelMessage(from string, data []byte, isString bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Kind != frameKind {
		return
	}
	g.bus.Emit("message", from, []byte(f.Data))
}

// HandleRelayedMessage is wired to the coordinator's per-peer relay/broadcast
// events for members of this namespace.
func (g *GroupRoom) HandleRelayedMessage(from string, payload json.RawMessage) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil || f.Kind != frameKind {
		return
	}
	g.bus.Emit("message", from, []byte(f.Data))
}

// SendTo delivers data to one member, via its P2P session if connected,
// otherwise relayed through the server.
func (g *GroupRoom) SendTo(fingerprint string, data []byte) error {
	f := frame{Kind: frameKind, Data: data}
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("room: marshal frame: %w", err)
	}

	g.mu.Lock()
	m, connected := g.connected[fingerprint]
	g.mu.Unlock()

	if connected && m.session != nil {
		if err := m.session.Send(payload); err == nil {
			return nil
		}
	}
	return g.sender.Relay(fingerprint, payload)
}

// Broadcast delivers data to every member: connected members get a direct
// send, relayed members are reached in a single broadcastViaServer call
// (spec.md §4.5 "broadcastViaServer").
func (g *GroupRoom) Broadcast(data []byte) error {
	f := frame{Kind: frameKind, Data: data}
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("room: marshal frame: %w", err)
	}

	g.mu.Lock()
	members := make([]*member, 0, len(g.connected))
	for _, m := range g.connected {
		members = append(members, m)
	}
	hasRelayed := len(g.relayed) > 0
	g.mu.Unlock()

	var firstErr error
	for _, m := range members {
		if m.session == nil {
			continue
		}
		if err := m.session.Send(payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if hasRelayed {
		if err := g.sender.BroadcastToNamespace(g.namespace, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Kick removes fingerprint from this room's local member sets, exactly as
// RemoveMember does. It sends no request to the signaling server; the
// server-side kick is Coordinator.Kick.
func (g *GroupRoom) Kick(fingerprint string) error {
	g.RemoveMember(fingerprint)
	return nil
}

// Members returns the fingerprints of every current member, connected or
// relayed.
func (g *GroupRoom) Members() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.connected)+len(g.relayed))
	for fp := range g.connected {
		out = append(out, fp)
	}
	for fp := range g.relayed {
		out = append(out, fp)
	}
	return out
}
