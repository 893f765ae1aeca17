// Package room implements the two peer-grouping primitives built on top of
// a Coordinator and its peer sessions: DirectRoom (1:1) and GroupRoom (N:N)
// (spec.md §4.5).
package room

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/peerhub/peerhub/internal/eventbus"
	"github.com/peerhub/peerhub/internal/webrtcpeer"
)

// Sender is the subset of the signaling coordinator a room needs: relaying
// an opaque payload to one peer (direct message) or a whole namespace
// (broadcast), server-mediated.
type Sender interface {
	Relay(to string, payload json.RawMessage) error
	BroadcastToNamespace(namespace string, payload json.RawMessage) error
}

// frame is the envelope a room wraps application messages in before handing
// them to a webrtc data channel or the server relay path, so the receiving
// side can tell "send" traffic apart from the room's own control messages.
type frame struct {
	Kind string          `json:"_room_kind"`
	Data json.RawMessage `json:"data"`
}

const frameKind = "msg"

// DirectRoom is a 1:1 session: it prefers the P2P data channel and falls
// back to the signaling server's relay path when the channel isn't open
// (spec.md §4.5 "DirectRoom").
type DirectRoom struct {
	peerFingerprint string
	session         *webrtcpeer.Session
	sender          Sender
	bus             *eventbus.Bus
	log             *slog.Logger
}

// NewDirectRoom wraps an established (or establishing) peer session.
func NewDirectRoom(peerFingerprint string, session *webrtcpeer.Session, sender Sender, log *slog.Logger) *DirectRoom {
	if log == nil {
		log = slog.Default()
	}
	bus := eventbus.New(nil)
	return &DirectRoom{peerFingerprint: peerFingerprint, session: session, sender: sender, bus: bus, log: log}
}

// Bus exposes "message"(data) for data received via either transport path.
func (r *DirectRoom) Bus() *eventbus.Bus { return r.bus }

// HandleChannelMessage is wired by the caller to the peer session's
// OnMessage callback so DirectRoom can recognize its own framed messages.
func (r *DirectRoom) HandleChannelMessage(data []byte, isString bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Kind != frameKind {
		return
	}
	r.bus.Emit("message", []byte(f.Data))
}

// HandleRelayedMessage is wired by the caller to the coordinator's "relay"
// event for this peer.
func (r *DirectRoom) HandleRelayedMessage(payload json.RawMessage) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil || f.Kind != frameKind {
		return
	}
	r.bus.Emit("message", []byte(f.Data))
}

// Send delivers data to the peer: over the open data channel if available,
// otherwise via the signaling server's relay (spec.md §4.5 "send").
func (r *DirectRoom) Send(data []byte) error {
	f := frame{Kind: frameKind, Data: data}
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("room: marshal frame: %w", err)
	}

	if r.session != nil {
		if err := r.session.Send(payload); err == nil {
			return nil
		}
	}
	return r.sender.Relay(r.peerFingerprint, payload)
}

// Close tears down the underlying peer session, if any.
func (r *DirectRoom) Close() error {
	if r.session == nil {
		return nil
	}
	return r.session.Close()
}
