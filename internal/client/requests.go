package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/peerhub/peerhub/internal/signaling"
)

// register adds a pending request, superseding (and rejecting with
// ErrSuperseded) any earlier request under the same key (spec.md §4.4
// "Request correlation").
func (c *Coordinator) register(key string, timeout time.Duration, resolve func(env signaling.Envelope, raw []byte) (any, bool, error)) *pendingRequest {
	p := &pendingRequest{key: key, done: make(chan struct{}), resolve: resolve}

	c.mu.Lock()
	if old, ok := c.pending[key]; ok {
		old.err = ErrSuperseded
		close(old.done)
	}
	c.pending[key] = p
	c.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		if c.pending[key] == p {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		p.err = ErrTimeout
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	})
	return p
}

// resolvePending tries every pending request's resolver against env; every
// request whose resolver matches is completed, and this returns true if at
// least one matched. Multiple
// pending requests may legitimately watch the same wire message type (e.g.
// join and discover both await peer_list), so resolvers disambiguate by
// their own correlation field (namespace, room id).
func (c *Coordinator) resolvePending(env signaling.Envelope, raw []byte) bool {
	c.mu.Lock()
	candidates := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		candidates = append(candidates, p)
	}
	c.mu.Unlock()

	handled := false
	for _, p := range candidates {
		result, matched, err := p.resolve(env, raw)
		if !matched {
			continue
		}
		c.mu.Lock()
		if c.pending[p.key] == p {
			delete(c.pending, p.key)
		}
		c.mu.Unlock()
		p.timer.Stop()
		p.result, p.err = result, err
		select {
		case <-p.done:
		default:
			close(p.done)
		}
		handled = true
	}
	return handled
}

func (c *Coordinator) await(ctx context.Context, p *pendingRequest) (any, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.pending[p.key] == p {
			delete(c.pending, p.key)
		}
		c.mu.Unlock()
		p.timer.Stop()
		return nil, ctx.Err()
	}
}

// rejectPending rejects the pending request under key, if any, with err.
// Used by explicit cancellation (CancelMatch) and by inbound-error handling.
func (c *Coordinator) rejectPending(key string, err error) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.err = err
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// rejectAllPending rejects every pending request (including an in-flight
// register) with err (spec.md §4.4 "Disconnect", and the general "rejection
// on inbound error while pending" rule).
func (c *Coordinator) rejectAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		p.err = err
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
}

func (c *Coordinator) addNamespace(ns string) {
	c.mu.Lock()
	c.namespaces[ns] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) removeNamespace(ns string) {
	c.mu.Lock()
	delete(c.namespaces, ns)
	c.mu.Unlock()
}

// Join requests membership in a namespace and returns the current peer set
// (spec.md §4.4 "join").
func (c *Coordinator) Join(ctx context.Context, namespace, appType string) ([]signaling.PeerInfo, error) {
	key := "join:" + namespace
	p := c.register(key, JoinTimeout, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		if env.Type != signaling.TypePeerList || env.Namespace != namespace {
			return nil, false, nil
		}
		var m signaling.PeerListMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, true, fmt.Errorf("client: join: %w", err)
		}
		return m.Peers, true, nil
	})

	c.addNamespace(namespace)

	if err := c.tr.Send(signaling.JoinMsg{Type: signaling.TypeJoin, Namespace: namespace, AppType: appType}); err != nil {
		c.removeNamespace(namespace)
		c.rejectPending(key, err)
		return nil, err
	}

	result, err := c.await(ctx, p)
	if err != nil {
		c.removeNamespace(namespace)
		return nil, err
	}
	return result.([]signaling.PeerInfo), nil
}

// Leave departs a namespace. Fire-and-forget; the server does not ack.
func (c *Coordinator) Leave(namespace string) error {
	c.mu.Lock()
	delete(c.namespaces, namespace)
	c.mu.Unlock()
	return c.tr.Send(signaling.LeaveMsg{Type: signaling.TypeLeave, Namespace: namespace})
}

// Discover lists peers in a namespace without joining it.
func (c *Coordinator) Discover(ctx context.Context, namespace string, limit int) ([]signaling.PeerInfo, error) {
	key := "discover:" + namespace
	p := c.register(key, JoinTimeout, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		if env.Type != signaling.TypePeerList || env.Namespace != namespace {
			return nil, false, nil
		}
		var m signaling.PeerListMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, true, fmt.Errorf("client: discover: %w", err)
		}
		return m.Peers, true, nil
	})

	if err := c.tr.Send(signaling.DiscoverMsg{Type: signaling.TypeDiscover, Namespace: namespace, Limit: limit}); err != nil {
		return nil, err
	}
	result, err := c.await(ctx, p)
	if err != nil {
		return nil, err
	}
	return result.([]signaling.PeerInfo), nil
}

// Match requests matchmaking within a namespace.
func (c *Coordinator) Match(ctx context.Context, namespace string, criteria map[string]any, groupSize int) (*signaling.MatchedMsg, error) {
	key := "match:" + namespace
	p := c.register(key, MatchTimeout, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		if env.Type != signaling.TypeMatched || env.Namespace != namespace {
			return nil, false, nil
		}
		var m signaling.MatchedMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, true, fmt.Errorf("client: match: %w", err)
		}
		return &m, true, nil
	})

	if err := c.tr.Send(signaling.MatchMsg{Type: signaling.TypeMatch, Namespace: namespace, Criteria: criteria, GroupSize: groupSize}); err != nil {
		c.rejectPending(key, err)
		return nil, err
	}
	result, err := c.await(ctx, p)
	if err != nil {
		return nil, err
	}
	return result.(*signaling.MatchedMsg), nil
}

// CancelMatch rejects a pending Match for namespace with ErrCancelled
// (spec.md §4.4 "cancel_match(ns) rejects with Cancelled"). A no-op if no
// match is pending for that namespace. cancel_match has no wire
// counterpart (spec.md §6's message-type set has none); it only governs
// local resolver state.
func (c *Coordinator) CancelMatch(namespace string) {
	c.rejectPending("match:"+namespace, ErrCancelled)
}

// CreateRoom asks the server to create an owned, size-capped room.
func (c *Coordinator) CreateRoom(ctx context.Context, roomID string, maxSize int) (*signaling.RoomCreatedMsg, error) {
	key := "create_room:" + roomID
	p := c.register(key, RoomOpTimeout, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		if env.Type != signaling.TypeRoomCreated {
			return nil, false, nil
		}
		var m signaling.RoomCreatedMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.RoomID != roomID {
			return nil, false, nil
		}
		return &m, true, nil
	})

	if err := c.tr.Send(signaling.CreateRoomMsg{Type: signaling.TypeCreateRoom, RoomID: roomID, MaxSize: maxSize}); err != nil {
		return nil, err
	}
	result, err := c.await(ctx, p)
	if err != nil {
		return nil, err
	}
	c.addNamespace(roomID)
	return result.(*signaling.RoomCreatedMsg), nil
}

// JoinRoom joins an existing room, returning its current peer set (spec.md
// §4.4 "joinRoom(id) | peer_list matching id").
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) ([]signaling.PeerInfo, error) {
	key := "join_room:" + roomID
	p := c.register(key, RoomOpTimeout, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		if env.Type != signaling.TypePeerList || env.Namespace != roomID {
			return nil, false, nil
		}
		var m signaling.PeerListMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, true, fmt.Errorf("client: join room: %w", err)
		}
		return m.Peers, true, nil
	})

	c.addNamespace(roomID)

	if err := c.tr.Send(signaling.JoinRoomMsg{Type: signaling.TypeJoinRoom, RoomID: roomID}); err != nil {
		c.removeNamespace(roomID)
		c.rejectPending(key, err)
		return nil, err
	}
	result, err := c.await(ctx, p)
	if err != nil {
		c.removeNamespace(roomID)
		return nil, err
	}
	return result.([]signaling.PeerInfo), nil
}

// RoomInfo queries a room's current state.
func (c *Coordinator) RoomInfo(ctx context.Context, roomID string) (*signaling.RoomInfoMsg, error) {
	key := "room_info:" + roomID
	p := c.register(key, RoomOpTimeout, func(env signaling.Envelope, raw []byte) (any, bool, error) {
		if env.Type != signaling.TypeRoomInfo {
			return nil, false, nil
		}
		var m signaling.RoomInfoMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.RoomID != roomID {
			return nil, false, nil
		}
		return &m, true, nil
	})

	if err := c.tr.Send(signaling.RoomInfoMsg{Type: signaling.TypeRoomInfo, RoomID: roomID}); err != nil {
		return nil, err
	}
	result, err := c.await(ctx, p)
	if err != nil {
		return nil, err
	}
	return result.(*signaling.RoomInfoMsg), nil
}

// Kick removes a peer from a room the caller owns.
func (c *Coordinator) Kick(roomID, fingerprint string) error {
	return c.tr.Send(signaling.KickMsg{Type: signaling.TypeKick, RoomID: roomID, Fingerprint: fingerprint})
}

// SendSignal relays a WebRTC signaling payload to a specific peer.
func (c *Coordinator) SendSignal(to string, payload json.RawMessage) error {
	return c.tr.Send(signaling.SignalMsg{Type: signaling.TypeSignal, To: to, Payload: payload})
}

// Relay sends an application payload to a specific peer through the
// signaling server, for use when no direct data channel is open.
func (c *Coordinator) Relay(to string, payload json.RawMessage) error {
	return c.tr.Send(signaling.RelayMsg{Type: signaling.TypeRelay, To: to, Payload: payload})
}

// BroadcastToNamespace fans a payload out to every other member of a
// namespace via the server (spec.md §4.5 "GroupRoom ... broadcastViaServer").
func (c *Coordinator) BroadcastToNamespace(namespace string, payload json.RawMessage) error {
	return c.tr.Send(signaling.BroadcastMsg{Type: signaling.TypeBroadcast, Namespace: namespace, Data: payload})
}
