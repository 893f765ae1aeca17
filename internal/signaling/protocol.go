// Package signaling implements the reconnecting, heartbeating transport to
// the signaling server (spec.md §4.2) and the JSON wire protocol it carries
// (spec.md §6).
package signaling

import "encoding/json"

// Message type names from spec.md §6.
const (
	TypeRegister    = "register"
	TypeRegistered  = "registered"
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeSignal      = "signal"
	TypeDiscover    = "discover"
	TypePeerList    = "peer_list"
	TypeMatch       = "match"
	TypeMatched     = "matched"
	TypeRelay       = "relay"
	TypeBroadcast   = "broadcast"
	TypePeerJoined  = "peer_joined"
	TypePeerLeft    = "peer_left"
	TypeMetadata    = "metadata"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
	TypeCreateRoom  = "create_room"
	TypeRoomCreated = "room_created"
	TypeJoinRoom    = "join_room"
	TypeRoomInfo    = "room_info"
	TypeRoomClosed  = "room_closed"
	TypeKick        = "kick"
)

// Envelope is the minimal shape every inbound frame satisfies; the type
// field drives dispatch. Handlers re-unmarshal the full frame into a typed
// payload once the type is known.
type Envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TS        int64           `json:"ts,omitempty"`
}

// PeerInfo describes a remote peer (spec.md §3 PeerInfo).
type PeerInfo struct {
	Fingerprint string         `json:"fingerprint"`
	Alias       string         `json:"alias"`
	Meta        map[string]any `json:"meta,omitempty"`
	AppType     string         `json:"app_type,omitempty"`
}

// RegisterMsg is sent on connect to bind a public key to a server-assigned
// fingerprint.
type RegisterMsg struct {
	Type      string         `json:"type"`
	PublicKey string         `json:"public_key"`
	Alias     string         `json:"alias,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// RegisteredMsg is the server's ack of RegisterMsg.
type RegisteredMsg struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	Alias       string `json:"alias,omitempty"`
}

// JoinMsg requests membership in a namespace.
type JoinMsg struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	AppType   string `json:"app_type,omitempty"`
	Version   string `json:"version,omitempty"`
}

// LeaveMsg leaves a namespace.
type LeaveMsg struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
}

// DiscoverMsg asks the server for peers in a namespace without joining it.
type DiscoverMsg struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Limit     int    `json:"limit,omitempty"`
}

// PeerListMsg answers join/discover with the current peer set.
type PeerListMsg struct {
	Type      string     `json:"type"`
	Namespace string     `json:"namespace"`
	Peers     []PeerInfo `json:"peers"`
}

// RelayMsg carries an opaque application payload through the signaling
// server when a direct P2P channel isn't available (spec.md §4.5 "falls
// back to the signaling server's relay path").
type RelayMsg struct {
	Type    string          `json:"type"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// SignalMsg carries an opaque WebRTC signaling body (spec.md §4.3,
// §6 "signal").
type SignalMsg struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// MatchMsg requests matchmaking in a namespace.
type MatchMsg struct {
	Type      string         `json:"type"`
	Namespace string         `json:"namespace"`
	Criteria  map[string]any `json:"criteria,omitempty"`
	GroupSize int            `json:"group_size,omitempty"`
}

// MatchedMsg is the server's matchmaking result.
type MatchedMsg struct {
	Type      string     `json:"type"`
	Namespace string     `json:"namespace"`
	SessionID string     `json:"session_id"`
	Peers     []PeerInfo `json:"peers"`
}

// PeerJoinedMsg announces a new peer in a namespace.
type PeerJoinedMsg struct {
	Type      string   `json:"type"`
	Namespace string   `json:"namespace,omitempty"`
	Peer      PeerInfo `json:"peer"`
}

// PeerLeftMsg announces a peer's departure.
type PeerLeftMsg struct {
	Type        string `json:"type"`
	Namespace   string `json:"namespace,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

// BroadcastMsg is a server-mediated fan-out to a namespace (minus sender).
type BroadcastMsg struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	Namespace string          `json:"namespace"`
	Data      json.RawMessage `json:"data"`
}

// CreateRoomMsg asks the server to create an owned, size-capped namespace.
type CreateRoomMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	MaxSize int    `json:"max_size"`
}

// RoomCreatedMsg acks CreateRoomMsg.
type RoomCreatedMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	MaxSize int    `json:"max_size"`
	Owner   string `json:"owner"`
}

// JoinRoomMsg joins an existing room.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// RoomInfoMsg answers a room-info query.
type RoomInfoMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	PeerCount int    `json:"peer_count"`
	MaxSize   int    `json:"max_size"`
	Owner     string `json:"owner"`
}

// RoomClosedMsg announces a room's closure.
type RoomClosedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// KickMsg removes a fingerprint from a room; the server->target form omits
// Fingerprint (spec.md §6).
type KickMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ErrorMsg carries a protocol-level error. Only the object form with a
// message field decodes into it; a bare JSON string payload is not handled.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PingMsg / PongMsg are empty heartbeat frames.
type PingMsg struct {
	Type string `json:"type"`
}

type PongMsg struct {
	Type string `json:"type"`
}
