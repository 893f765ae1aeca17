// Package client implements the top-level Coordinator: the single object an
// application constructs to join the signaling server, maintain the peer
// directory, and broker WebRTC sessions (spec.md §4.4).
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerhub/peerhub/internal/config"
	"github.com/peerhub/peerhub/internal/eventbus"
	"github.com/peerhub/peerhub/internal/identity"
	"github.com/peerhub/peerhub/internal/signaling"
	"github.com/peerhub/peerhub/internal/webrtcpeer"
)

// Default per-operation request timeouts (spec.md §6).
const (
	RegisterTimeout = 10 * time.Second
	JoinTimeout     = 10 * time.Second
	MatchTimeout    = 30 * time.Second
	RoomOpTimeout   = 10 * time.Second
)

// registerKey is the pending-request key the in-flight register awaitable
// is stored under (spec.md §4.4 "single in-flight promise").
const registerKey = "register"

// ErrSuperseded is delivered to a pending request's listener when a newer
// request of the same kind/key replaces it.
var ErrSuperseded = errors.New("client: request superseded")

// ErrDisconnected is delivered to every pending request when the transport
// disconnects.
var ErrDisconnected = errors.New("client: disconnected")

// ErrTimeout is delivered when a request's timeout elapses unanswered.
var ErrTimeout = errors.New("client: request timed out")

// ErrCancelled is delivered to a pending Match request when CancelMatch is
// called for its namespace.
var ErrCancelled = errors.New("client: match cancelled")

// Peer is the coordinator's view of a remote participant.
type Peer struct {
	Info    signaling.PeerInfo
	Session *webrtcpeer.Session
}

// Coordinator owns identity, the signaling transport, the peer map, and the
// set of joined namespaces (spec.md §4.4).
type Coordinator struct {
	cfg      *config.ClientConfig
	identity *identity.Identity
	tr       *signaling.Transport
	bus      *eventbus.Bus
	log      *slog.Logger

	mu          sync.Mutex
	fingerprint string
	everOpened  bool // true once the transport has opened at least once; distinguishes the first open from a reconnect even though handleClose clears fingerprint
	peers       map[string]*Peer
	namespaces  map[string]struct{}
	pending     map[string]*pendingRequest
	closed      bool
}

type pendingRequest struct {
	key     string
	done    chan struct{}
	result  any
	err     error
	timer   *time.Timer
	resolve func(env signaling.Envelope, raw []byte) (any, bool, error) // bool: handled
}

// New constructs a Coordinator. Call Connect to open the transport and
// register with the signaling server.
func New(cfg *config.ClientConfig, id *identity.Identity, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	bus := eventbus.New(nil)
	tr := signaling.New(signaling.Options{
		URL:                  cfg.URL,
		AutoReconnect:        cfg.AutoReconnect,
		ReconnectDelay:       cfg.ReconnectDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		PingInterval:         cfg.PingInterval,
		Logger:               log,
	})

	c := &Coordinator{
		cfg:        cfg,
		identity:   id,
		tr:         tr,
		bus:        bus,
		log:        log,
		peers:      make(map[string]*Peer),
		namespaces: make(map[string]struct{}),
		pending:    make(map[string]*pendingRequest),
	}

	tr.Bus().On("open", func(args ...any) { c.handleOpen() })
	tr.Bus().On("close", func(args ...any) { c.handleClose() })
	tr.Bus().On("message", func(args ...any) { c.handleMessage(args[0].([]byte)) })
	tr.Bus().On("reconnecting", func(args ...any) {
		c.bus.Emit("reconnecting", args...)
	})
	tr.Bus().On("error", func(args ...any) {
		c.bus.Emit("error", args...)
	})

	return c
}

// Bus returns the coordinator's event surface: "registered"(fingerprint),
// "reconnected", "peer_joined"(Peer, namespace), "peer_left"(fingerprint,
// namespace), "kicked"(roomID), "room_closed"(roomID), "relay"(from,
// payload), "broadcast"(from, namespace, data), "server_error"(message),
// "peer_message"(fingerprint, data, isString), "peer_state"(fingerprint,
// State), "error"(err), "reconnecting"(attempt, delay), "disconnected".
func (c *Coordinator) Bus() *eventbus.Bus { return c.bus }

// Fingerprint returns the server-assigned identity fingerprint once
// registered; empty before.
func (c *Coordinator) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint
}

// Connect dials the signaling server and blocks until the socket opens (not
// until registration completes — registration is driven by handleOpen and
// observed via the "registered" event or WaitRegistered).
func (c *Coordinator) Connect(ctx context.Context) error {
	return c.tr.Connect(ctx)
}

// handleOpen sends (or resends) register as a single in-flight awaitable
// and, on a reconnect (not the first open), evicts dead peers up front and
// drives re-join + "reconnected" once registration lands (spec.md §4.4
// "Register", "Reconnect handling").
func (c *Coordinator) handleOpen() {
	c.mu.Lock()
	isReconnect := c.everOpened
	c.everOpened = true
	c.mu.Unlock()

	if isReconnect {
		c.evictDeadPeers()
	}

	p := c.register(registerKey, RegisterTimeout, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		if env.Type != signaling.TypeRegistered {
			return nil, false, nil
		}
		var m signaling.RegisteredMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, true, fmt.Errorf("client: registered: %w", err)
		}
		c.mu.Lock()
		c.fingerprint = m.Fingerprint
		c.mu.Unlock()
		c.identity.ApplyRegistration(m.Fingerprint, m.Alias)
		c.bus.Emit("registered", m.Fingerprint)
		return m.Fingerprint, true, nil
	})

	msg := signaling.RegisterMsg{
		Type:      signaling.TypeRegister,
		PublicKey: c.identity.Keys.PublicKeyB64(),
		Alias:     c.cfg.Alias,
		Meta:      c.cfg.Meta,
	}
	if err := c.tr.Send(msg); err != nil {
		c.rejectPending(registerKey, err)
		c.bus.Emit("error", fmt.Errorf("client: register: %w", err))
		return
	}

	if isReconnect {
		go c.finishReconnect(p)
	}
}

// finishReconnect waits for the register started in handleOpen to resolve,
// then re-sends join for every remembered namespace and emits "reconnected"
// (spec.md §4.4 "re-register; then re-send join(namespace) ...; finally
// emit reconnected"). A register that fails or times out skips re-join;
// the next reconnect attempt (or the user) will try again.
func (c *Coordinator) finishReconnect(p *pendingRequest) {
	<-p.done
	if p.err != nil {
		return
	}
	c.reregisterNamespaces()
	c.bus.Emit("reconnected")
}

// WaitRegistered blocks until the in-flight register resolves (or returns
// immediately if already registered), yielding the assigned fingerprint.
func (c *Coordinator) WaitRegistered(ctx context.Context) (string, error) {
	c.mu.Lock()
	p, pending := c.pending[registerKey]
	fp := c.fingerprint
	c.mu.Unlock()
	if !pending {
		if fp != "" {
			return fp, nil
		}
		return "", fmt.Errorf("client: no registration in flight")
	}
	result, err := c.await(ctx, p)
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// evictDeadPeers removes peer sessions left in a terminal state across a
// disconnect (spec.md §4.4 "evict peers whose state is failed|closed").
func (c *Coordinator) evictDeadPeers() {
	c.mu.Lock()
	var dead []string
	for fp, p := range c.peers {
		if p.Session == nil {
			continue
		}
		switch p.Session.State() {
		case webrtcpeer.StateFailed, webrtcpeer.StateClosed:
			dead = append(dead, fp)
		}
	}
	c.mu.Unlock()
	for _, fp := range dead {
		c.removePeer(fp)
	}
}

func (c *Coordinator) reregisterNamespaces() {
	c.mu.Lock()
	namespaces := make([]string, 0, len(c.namespaces))
	for ns := range c.namespaces {
		namespaces = append(namespaces, ns)
	}
	c.mu.Unlock()
	for _, ns := range namespaces {
		_ = c.tr.Send(signaling.JoinMsg{Type: signaling.TypeJoin, Namespace: ns})
	}
}

// handleClose sweeps pending state on disconnect: pending requests are
// rejected, peer sessions are closed, the peer map is cleared, and
// "disconnected" is emitted (spec.md §4.4 "Disconnection"). The namespace
// set is cleared only after Disconnect; on a dropped connection it is kept
// so finishReconnect can re-join every namespace.
func (c *Coordinator) handleClose() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	peers := c.peers
	c.peers = make(map[string]*Peer)
	if c.closed {
		c.namespaces = make(map[string]struct{})
	}
	c.fingerprint = ""
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.err = ErrDisconnected
		close(p.done)
	}
	for _, p := range peers {
		if p.Session != nil {
			_ = p.Session.Close()
		}
	}
	c.bus.Emit("disconnected")
}

func (c *Coordinator) handleMessage(data []byte) {
	var env signaling.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.bus.Emit("error", fmt.Errorf("client: bad frame: %w", err))
		return
	}

	if c.resolvePending(env, data) {
		return
	}

	switch env.Type {
	case signaling.TypePeerJoined:
		var m signaling.PeerJoinedMsg
		if err := json.Unmarshal(data, &m); err == nil {
			peer := c.getOrCreatePeer(m.Peer)
			c.bus.Emit("peer_joined", peer, m.Namespace)
		}
	case signaling.TypePeerLeft:
		var m signaling.PeerLeftMsg
		if err := json.Unmarshal(data, &m); err == nil {
			c.removePeer(m.Fingerprint)
			c.bus.Emit("peer_left", m.Fingerprint, m.Namespace)
		}
	case signaling.TypeSignal:
		var m signaling.SignalMsg
		if err := json.Unmarshal(data, &m); err == nil {
			c.dispatchSignal(m)
		}
	case signaling.TypeRelay:
		c.bus.Emit("relay", env.From, env.Payload)
	case signaling.TypeBroadcast:
		var m signaling.BroadcastMsg
		if err := json.Unmarshal(data, &m); err == nil {
			c.bus.Emit("broadcast", m.From, m.Namespace, m.Data)
		}
	case signaling.TypeRoomClosed:
		var m signaling.RoomClosedMsg
		if err := json.Unmarshal(data, &m); err == nil {
			c.removeNamespace(m.RoomID)
			c.bus.Emit("room_closed", m.RoomID)
		}
	case signaling.TypeKick:
		var m signaling.KickMsg
		if err := json.Unmarshal(data, &m); err == nil {
			c.removeNamespace(m.RoomID)
			c.bus.Emit("kicked", m.RoomID)
		}
	case signaling.TypeError:
		var m signaling.ErrorMsg
		_ = json.Unmarshal(data, &m)
		c.bus.Emit("server_error", m.Message)
		c.rejectAllPending(fmt.Errorf("client: server error: %s", m.Message))
	default:
		c.log.Debug("client: unhandled frame", "type", env.Type)
	}
}

// dispatchSignal ensures a peer session exists for the sender (implicitly
// creating one with an empty alias on the answering side) and forwards the
// signal body to it (spec.md §4.4 "signal", "All signals for an unknown
// peer implicitly create one").
func (c *Coordinator) dispatchSignal(m signaling.SignalMsg) {
	peer := c.getOrCreatePeer(signaling.PeerInfo{Fingerprint: m.From})
	if peer.Session == nil {
		return
	}
	var payload webrtcpeer.SignalPayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		c.bus.Emit("error", fmt.Errorf("client: signal payload: %w", err))
		return
	}
	if err := peer.Session.HandleSignal(payload); err != nil {
		c.bus.Emit("error", fmt.Errorf("client: handle signal: %w", err))
	}
}

// getOrCreatePeer returns the existing Peer for a fingerprint, evicting and
// replacing it first if its session has closed, or creates a new one with a
// live WebRTC session (spec.md §4.4 "get_or_create_peer").
func (c *Coordinator) getOrCreatePeer(info signaling.PeerInfo) *Peer {
	c.mu.Lock()
	if p, ok := c.peers[info.Fingerprint]; ok {
		if p.Session == nil || p.Session.State() != webrtcpeer.StateClosed {
			p.Info = info
			c.mu.Unlock()
			return p
		}
		delete(c.peers, info.Fingerprint)
	}
	c.mu.Unlock()

	fingerprint := info.Fingerprint
	session, err := webrtcpeer.New(webrtcpeer.Config{
		ICEServers: iceServers(c.cfg.ICEServers),
		Logger:     c.log,
		OnSignal: func(payload webrtcpeer.SignalPayload) {
			raw, err := json.Marshal(payload)
			if err != nil {
				c.bus.Emit("error", fmt.Errorf("client: marshal signal: %w", err))
				return
			}
			if err := c.SendSignal(fingerprint, raw); err != nil {
				c.bus.Emit("error", fmt.Errorf("client: send signal: %w", err))
			}
		},
		OnMessage: func(data []byte, isString bool) {
			c.bus.Emit("peer_message", fingerprint, data, isString)
		},
		OnState: func(st webrtcpeer.State) {
			c.bus.Emit("peer_state", fingerprint, st)
		},
		OnError: func(err error) {
			c.bus.Emit("error", fmt.Errorf("client: peer %s: %w", fingerprint, err))
		},
	})
	if err != nil {
		c.bus.Emit("error", fmt.Errorf("client: create peer session: %w", err))
	}

	p := &Peer{Info: info, Session: session}
	c.mu.Lock()
	c.peers[info.Fingerprint] = p
	c.mu.Unlock()
	return p
}

// iceServers adapts the client's configured STUN/TURN entries to pion's
// connection-configuration shape.
func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func (c *Coordinator) removePeer(fingerprint string) {
	c.mu.Lock()
	p, ok := c.peers[fingerprint]
	delete(c.peers, fingerprint)
	c.mu.Unlock()
	if ok && p.Session != nil {
		_ = p.Session.Close()
	}
}

// Peers returns a snapshot of the current peer map.
func (c *Coordinator) Peers() map[string]*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*Peer, len(c.peers))
	for k, v := range c.peers {
		out[k] = v
	}
	return out
}

// Send transmits an already-framed message through the signaling transport.
func (c *Coordinator) Send(msg any) error {
	return c.tr.Send(msg)
}

// Disconnect intentionally closes the transport; handleClose performs the
// state sweep.
func (c *Coordinator) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.tr.Close()
}
