package e2e

import (
	"crypto/cipher"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peerhub/peerhub/internal/eventbus"
	"github.com/peerhub/peerhub/internal/room"
)

// KeyExchangeTimeout bounds how long a handshake may stay in Exchanging
// before it is abandoned and may be retried (spec.md §4.9).
const KeyExchangeTimeout = 10 * time.Second

// State is the E2E room's handshake lifecycle.
type State int

const (
	StateConnecting State = iota
	StateExchanging
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateExchanging:
		return "exchanging"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const exchangeTag = true

type handshakeMsg struct {
	Exchange    bool   `json:"_e2e_exchange"`
	Kind        string `json:"type"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

type encryptedFrame struct {
	Encrypted bool   `json:"_encrypted"`
	Data      string `json:"data"`
}

type plainFrame struct {
	Plain bool            `json:"_plain"`
	Data  json.RawMessage `json:"data"`
}

type probeFrame struct {
	Exchange  bool `json:"_e2e_exchange"`
	Encrypted bool `json:"_encrypted"`
	Plain     bool `json:"_plain"`
}

// Room wraps a DirectRoom with an ECDH(P-256) handshake and per-frame
// AES-GCM encryption once the handshake completes (spec.md §4.9).
type Room struct {
	inner  *room.DirectRoom
	self   string
	peerFP string
	log    *slog.Logger
	bus    *eventbus.Bus

	mu    sync.Mutex
	state State
	priv  *ecdh.PrivateKey
	aead  cipher.AEAD
	timer *time.Timer
}

// New wraps inner, an established (or establishing) DirectRoom with the
// peer identified by peerFingerprint.
func New(peerFingerprint, self string, inner *room.DirectRoom, log *slog.Logger) *Room {
	if log == nil {
		log = slog.Default()
	}
	r := &Room{
		inner:  inner,
		self:   self,
		peerFP: peerFingerprint,
		log:    log,
		bus:    eventbus.New(nil),
		state:  StateConnecting,
	}
	inner.Bus().On("message", func(args ...any) {
		data, _ := args[0].([]byte)
		r.handleInbound(data)
	})
	return r
}

// Bus exposes "ready", "data"(payload), "decrypt_error"(err),
// "state"(State), "error"(err).
func (r *Room) Bus() *eventbus.Bus { return r.bus }

// State returns the current handshake state.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StartHandshake generates a fresh ephemeral keypair and sends a key_offer,
// transitioning connecting -> exchanging.
func (r *Room) StartHandshake() error {
	priv, err := GenerateKeyPair()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return fmt.Errorf("e2e: room closed")
	}
	r.priv = priv
	r.aead = nil
	r.state = StateExchanging
	r.armTimeout()
	r.mu.Unlock()
	r.bus.Emit("state", StateExchanging)

	offer := handshakeMsg{Exchange: exchangeTag, Kind: "key_offer", PublicKey: EncodePublicKey(priv.PublicKey()), Fingerprint: r.self}
	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("e2e: marshal key_offer: %w", err)
	}
	return r.inner.Send(data)
}

// armTimeout must be called with mu held.
func (r *Room) armTimeout() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(KeyExchangeTimeout, r.onTimeout)
}

func (r *Room) disarmTimeout() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Room) onTimeout() {
	r.mu.Lock()
	if r.state != StateExchanging {
		r.mu.Unlock()
		return
	}
	r.state = StateConnecting
	r.priv = nil
	r.mu.Unlock()
	r.bus.Emit("error", fmt.Errorf("e2e: key exchange timed out"))
	r.bus.Emit("state", StateConnecting)
}

// Send JSON-encodes payload and delivers it encrypted (if the handshake is
// ready) or plaintext otherwise (spec.md §4.9 "Data framing").
func (r *Room) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("e2e: marshal payload: %w", err)
	}

	r.mu.Lock()
	ready := r.state == StateReady && r.aead != nil
	aead := r.aead
	r.mu.Unlock()

	if ready {
		enc, err := Encrypt(aead, data)
		if err != nil {
			return fmt.Errorf("e2e: encrypt: %w", err)
		}
		out, err := json.Marshal(encryptedFrame{Encrypted: true, Data: enc})
		if err != nil {
			return err
		}
		return r.inner.Send(out)
	}

	out, err := json.Marshal(plainFrame{Plain: true, Data: data})
	if err != nil {
		return err
	}
	return r.inner.Send(out)
}

func (r *Room) handleInbound(data []byte) {
	var probe probeFrame
	if err := json.Unmarshal(data, &probe); err != nil {
		r.bus.Emit("data", json.RawMessage(data))
		return
	}

	switch {
	case probe.Exchange:
		r.handleHandshakeFrame(data)
	case probe.Encrypted:
		r.handleEncryptedFrame(data)
	case probe.Plain:
		r.handlePlainFrame(data)
	default:
		r.bus.Emit("data", json.RawMessage(data))
	}
}

func (r *Room) handleHandshakeFrame(data []byte) {
	var msg handshakeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.bus.Emit("error", fmt.Errorf("e2e: malformed handshake: %w", err))
		return
	}

	switch msg.Kind {
	case "key_offer":
		r.respondToOffer(msg)
	case "key_ack":
		r.completeFromAck(msg)
	}
}

func (r *Room) respondToOffer(msg handshakeMsg) {
	priv, err := GenerateKeyPair()
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("e2e: generate responder keypair: %w", err))
		return
	}
	aead, err := DeriveSharedKey(priv, msg.PublicKey, r.peerFP)
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("e2e: derive shared key: %w", err))
		return
	}

	r.mu.Lock()
	r.priv = priv
	r.aead = aead
	r.state = StateReady
	r.disarmTimeout()
	r.mu.Unlock()

	ack := handshakeMsg{Exchange: exchangeTag, Kind: "key_ack", PublicKey: EncodePublicKey(priv.PublicKey()), Fingerprint: r.self}
	out, err := json.Marshal(ack)
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("e2e: marshal key_ack: %w", err))
		return
	}
	if err := r.inner.Send(out); err != nil {
		r.bus.Emit("error", fmt.Errorf("e2e: send key_ack: %w", err))
		return
	}
	r.bus.Emit("state", StateReady)
	r.bus.Emit("ready")
}

func (r *Room) completeFromAck(msg handshakeMsg) {
	r.mu.Lock()
	priv := r.priv
	r.mu.Unlock()
	if priv == nil {
		r.bus.Emit("error", fmt.Errorf("e2e: key_ack received with no pending offer"))
		return
	}

	aead, err := DeriveSharedKey(priv, msg.PublicKey, r.peerFP)
	if err != nil {
		r.bus.Emit("error", fmt.Errorf("e2e: derive shared key: %w", err))
		return
	}

	r.mu.Lock()
	r.aead = aead
	r.state = StateReady
	r.disarmTimeout()
	r.mu.Unlock()

	r.bus.Emit("state", StateReady)
	r.bus.Emit("ready")
}

func (r *Room) handleEncryptedFrame(data []byte) {
	var frame encryptedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.bus.Emit("error", fmt.Errorf("e2e: malformed encrypted frame: %w", err))
		return
	}

	r.mu.Lock()
	aead := r.aead
	r.mu.Unlock()
	if aead == nil {
		r.bus.Emit("decrypt_error", fmt.Errorf("e2e: no key established"))
		r.retryHandshake()
		return
	}

	plaintext, err := Decrypt(aead, frame.Data)
	if err != nil {
		r.bus.Emit("decrypt_error", err)
		r.retryHandshake()
		return
	}
	r.bus.Emit("data", json.RawMessage(plaintext))
}

func (r *Room) handlePlainFrame(data []byte) {
	var frame plainFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.bus.Emit("error", fmt.Errorf("e2e: malformed plain frame: %w", err))
		return
	}
	r.bus.Emit("data", frame.Data)
}

func (r *Room) retryHandshake() {
	if err := r.StartHandshake(); err != nil {
		r.log.Debug("e2e: retry handshake failed", "peer", r.peerFP, "err", err)
	}
}

// HandlePeerLeft drops the session key and reverts to connecting when the
// bound peer leaves the underlying room (spec.md §4.9 "On peer_left").
func (r *Room) HandlePeerLeft(fingerprint string) {
	if fingerprint != r.peerFP {
		return
	}
	r.mu.Lock()
	r.aead = nil
	r.priv = nil
	r.state = StateConnecting
	r.disarmTimeout()
	r.mu.Unlock()
	r.bus.Emit("state", StateConnecting)
}

// Close tears down the handshake timer and the underlying room. Terminal:
// no further state transitions occur.
func (r *Room) Close() error {
	r.mu.Lock()
	r.state = StateClosed
	r.disarmTimeout()
	r.mu.Unlock()
	return r.inner.Close()
}
