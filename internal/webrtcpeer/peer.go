// Package webrtcpeer manages a single WebRTC peer connection: SDP
// offer/answer exchange, trickle ICE, data channel lifecycle, and the
// send/receive surface used by rooms and transfers (spec.md §4.3).
package webrtcpeer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// State is the peer session's connection lifecycle (spec.md §4.3).
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrChannelNotOpen is returned by Send/SendBinary when the data channel
// isn't open yet.
var ErrChannelNotOpen = errors.New("webrtcpeer: data channel not open")

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("webrtcpeer: session closed")

const dataChannelLabel = "data"

// Config configures a new Session.
type Config struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
	OnSignal   func(payload SignalPayload) // local SDP/candidate to relay to the remote peer
	OnMessage  func(data []byte, isString bool)
	OnState    func(State)
	OnError    func(error)
}

// SignalPayload is the JSON body carried over the signaling channel's
// "signal" envelope (spec.md §6 "signal").
type SignalPayload struct {
	Kind      string                   `json:"kind"` // "offer", "answer", or "candidate"
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Session wraps a pion PeerConnection with the offer/answer/candidate
// exchange, trickle-ICE candidate buffering, and data channel plumbing
// spec.md §4.3 describes.
type Session struct {
	cfg Config
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu                sync.Mutex
	state             State
	dc                *webrtc.DataChannel
	dcOpen            bool
	haveRemoteDesc    bool
	pendingCandidates []webrtc.ICECandidateInit
	closed            bool
	labeledHandlers   map[string]func(dc *webrtc.DataChannel)
}

// New creates a Session in StateNew. The underlying PeerConnection is live
// immediately; call CreateOffer (initiator) or HandleSignal with an inbound
// offer (responder) to begin negotiation.
func New(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: new peer connection: %w", err)
	}

	s := &Session{cfg: cfg, log: cfg.Logger, pc: pc, state: StateNew}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete; trickle already sent every candidate
		}
		init := c.ToJSON()
		s.emitSignal(SignalPayload{Kind: "candidate", Candidate: &init})
	})

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		switch st {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			s.setState(StateConnected)
		case webrtc.ICEConnectionStateDisconnected:
			s.setState(StateDisconnected)
		case webrtc.ICEConnectionStateFailed:
			s.setState(StateFailed)
			s.restartICE()
		case webrtc.ICEConnectionStateClosed:
			s.setState(StateClosed)
		}
	})

	pc.OnNegotiationNeeded(func() {
		s.mu.Lock()
		alreadyNegotiating := s.pc.SignalingState() != webrtc.SignalingStateStable
		s.mu.Unlock()
		if alreadyNegotiating {
			return
		}
		if _, err := s.CreateOffer(); err != nil {
			s.emitError(fmt.Errorf("webrtcpeer: renegotiation: %w", err))
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if handler, ok := s.inboundHandlerFor(dc.Label()); ok {
			handler(dc)
			return
		}
		s.attachDataChannel(dc)
	})

	return s, nil
}

// OnLabeledChannel registers handler for inbound data channels whose label
// has the given prefix, diverting them from the default "main channel"
// handling — used by components (file transfer) that multiplex their own
// dedicated channels over the same peer connection.
func (s *Session) OnLabeledChannel(labelPrefix string, handler func(dc *webrtc.DataChannel)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labeledHandlers == nil {
		s.labeledHandlers = make(map[string]func(dc *webrtc.DataChannel))
	}
	s.labeledHandlers[labelPrefix] = handler
}

func (s *Session) inboundHandlerFor(label string) (func(dc *webrtc.DataChannel), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, h := range s.labeledHandlers {
		if strings.HasPrefix(label, prefix) {
			return h, true
		}
	}
	return nil, false
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

func (s *Session) emitSignal(p SignalPayload) {
	if s.cfg.OnSignal != nil {
		s.cfg.OnSignal(p)
	}
}

func (s *Session) emitError(err error) {
	s.log.Warn("webrtcpeer session error", "err", err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// CreateOffer creates the initiator's data channel (if absent), generates an
// SDP offer, and sets it as the local description without waiting for ICE
// gathering — candidates trickle separately via OnSignal.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	hasDC := s.dc != nil
	s.mu.Unlock()
	if !hasDC {
		dc, err := s.pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("webrtcpeer: create data channel: %w", err)
		}
		s.attachDataChannel(dc)
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("webrtcpeer: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("webrtcpeer: set local description: %w", err)
	}
	s.setState(StateConnecting)
	s.emitSignal(SignalPayload{Kind: "offer", SDP: offer.SDP})
	return offer, nil
}

// HandleSignal dispatches an inbound offer/answer/candidate payload
// (spec.md §4.3 "handle_signal"). Candidates received before a remote
// description is set are buffered and replayed once it is (invariant I1).
func (s *Session) HandleSignal(p SignalPayload) error {
	switch p.Kind {
	case "offer":
		return s.handleOffer(p.SDP)
	case "answer":
		return s.handleAnswer(p.SDP)
	case "candidate":
		return s.handleCandidate(p.Candidate)
	default:
		return fmt.Errorf("webrtcpeer: unknown signal kind %q", p.Kind)
	}
}

func (s *Session) handleOffer(sdp string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("webrtcpeer: set remote offer: %w", err)
	}
	s.markRemoteDescriptionSet()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("webrtcpeer: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("webrtcpeer: set local description: %w", err)
	}
	s.setState(StateConnecting)
	s.emitSignal(SignalPayload{Kind: "answer", SDP: answer.SDP})
	return nil
}

func (s *Session) handleAnswer(sdp string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("webrtcpeer: set remote answer: %w", err)
	}
	s.markRemoteDescriptionSet()
	return nil
}

func (s *Session) handleCandidate(c *webrtc.ICECandidateInit) error {
	if c == nil {
		return nil
	}
	s.mu.Lock()
	if !s.haveRemoteDesc {
		s.pendingCandidates = append(s.pendingCandidates, *c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.pc.AddICECandidate(*c); err != nil {
		return fmt.Errorf("webrtcpeer: add ice candidate: %w", err)
	}
	return nil
}

// markRemoteDescriptionSet flushes any candidates that arrived before the
// remote description (invariant I1: candidates are applied in arrival
// order once the remote description is available).
func (s *Session) markRemoteDescriptionSet() {
	s.mu.Lock()
	s.haveRemoteDesc = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.emitError(fmt.Errorf("webrtcpeer: add buffered ice candidate: %w", err))
		}
	}
}

// restartICE renegotiates the ICE transport after a failure without
// disturbing the data channel or SCTP association.
func (s *Session) restartICE() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		s.emitError(fmt.Errorf("webrtcpeer: ice restart offer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.emitError(fmt.Errorf("webrtcpeer: ice restart set local description: %w", err))
		return
	}
	s.emitSignal(SignalPayload{Kind: "offer", SDP: offer.SDP})
}

// CreateDataChannel opens an additional, labeled data channel (used by
// file transfer for its per-transfer "ft-<id>" channels).
func (s *Session) CreateDataChannel(label string, ordered bool) (*webrtc.DataChannel, error) {
	dc, err := s.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: create data channel %q: %w", label, err)
	}
	return dc, nil
}

func (s *Session) attachDataChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.mu.Lock()
		s.dcOpen = true
		s.mu.Unlock()
	})
	dc.OnClose(func() {
		s.mu.Lock()
		s.dcOpen = false
		s.mu.Unlock()
	})
	dc.OnError(func(err error) {
		s.emitError(fmt.Errorf("webrtcpeer: data channel %q: %w", dc.Label(), err))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(msg.Data, msg.IsString)
		}
	})
}

// Send writes raw bytes (string-typed) to the main data channel.
func (s *Session) Send(data []byte) error {
	dc, ok := s.openDataChannel()
	if !ok {
		return ErrChannelNotOpen
	}
	return dc.SendText(string(data))
}

// SendJSON marshals v and sends it as a text frame.
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("webrtcpeer: marshal: %w", err)
	}
	return s.Send(data)
}

// SendBinary writes a binary frame to the main data channel.
func (s *Session) SendBinary(data []byte) error {
	dc, ok := s.openDataChannel()
	if !ok {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

func (s *Session) openDataChannel() (*webrtc.DataChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dc == nil || !s.dcOpen {
		return nil, false
	}
	return s.dc, true
}

// DataChannel exposes the main channel for components (file transfer,
// state sync) that need the raw pion handle for buffered-amount watermarks.
func (s *Session) DataChannel() *webrtc.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc
}

// PeerConnection exposes the underlying pion connection for components that
// need to add/remove media tracks directly.
func (s *Session) PeerConnection() *webrtc.PeerConnection {
	return s.pc
}

// AddStream attaches a local media track to the connection, triggering
// renegotiation via OnNegotiationNeeded.
func (s *Session) AddStream(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: add track: %w", err)
	}
	return sender, nil
}

// RemoveStream detaches a previously added track.
func (s *Session) RemoveStream(sender *webrtc.RTPSender) error {
	if err := s.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("webrtcpeer: remove track: %w", err)
	}
	return nil
}

// Close idempotently tears down the data channel and peer connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dc := s.dc
	s.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	err := s.pc.Close()
	s.setState(StateClosed)
	if err != nil {
		return fmt.Errorf("webrtcpeer: close: %w", err)
	}
	return nil
}
