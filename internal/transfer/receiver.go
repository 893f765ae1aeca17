package transfer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerhub/peerhub/internal/eventbus"
	"github.com/peerhub/peerhub/internal/webrtcpeer"
)

// Receiver drives the accepting side of one file transfer: it waits for the
// offer, lets the caller accept or reject, allocates chunk storage, and
// applies inbound chunks idempotently (spec.md §4.6 "Receiver lifecycle").
type Receiver struct {
	id      string
	name    string
	size    int64
	session *webrtcpeer.Session
	send    ControlSend
	log     *slog.Logger
	bus     *eventbus.Bus

	mu        sync.Mutex
	chunks    [][]byte
	have      []bool
	received  int
	done      bool
	cancelled bool
}

// NewReceiver constructs a Receiver for an inbound offer. Call Accept or
// Reject once the caller has decided.
func NewReceiver(offer ControlMsg, session *webrtcpeer.Session, send ControlSend, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		id:      offer.TransferID,
		name:    offer.Name,
		size:    offer.Size,
		session: session,
		send:    send,
		log:     log,
		bus:     eventbus.New(nil),
		chunks:  make([][]byte, offer.ChunkCount),
		have:    make([]bool, offer.ChunkCount),
	}
}

// Bus exposes "progress"(received, total), "complete"([]byte), "error"(err),
// "cancelled".
func (r *Receiver) Bus() *eventbus.Bus { return r.bus }

// ID returns the transfer's correlation id.
func (r *Receiver) ID() string { return r.id }

// Name and Size describe the offered file.
func (r *Receiver) Name() string { return r.name }
func (r *Receiver) Size() int64  { return r.size }

// Accept acks the offer and registers the dedicated channel handler on the
// session so inbound chunks on "ft-<id>" route to this receiver.
func (r *Receiver) Accept() error {
	label := ChannelPrefix + r.id
	r.session.OnLabeledChannel(label, func(dc *webrtc.DataChannel) {
		r.attach(dc)
	})
	return r.sendControl(ControlMsg{Tag: controlTag, Kind: CtrlAccept, TransferID: r.id})
}

// Reject declines the offer.
func (r *Receiver) Reject(reason string) error {
	return r.sendControl(ControlMsg{Tag: controlTag, Kind: CtrlReject, TransferID: r.id, Reason: reason})
}

func (r *Receiver) attach(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		r.applyChunk(msg.Data)
	})
}

// applyChunk stores a chunk idempotently: duplicates and out-of-range
// indices are ignored without error (spec.md invariants I4/I5/I6).
func (r *Receiver) applyChunk(frame []byte) {
	index, data, err := unmarshalChunk(frame)
	if err != nil {
		r.bus.Emit("error", err)
		return
	}

	r.mu.Lock()
	if int(index) >= len(r.chunks) {
		r.mu.Unlock()
		return
	}
	if r.have[index] {
		r.mu.Unlock()
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	r.chunks[index] = buf
	r.have[index] = true
	r.received++
	received, total := r.received, len(r.chunks)
	r.mu.Unlock()

	if received%AckInterval == 0 {
		_ = r.sendControl(ControlMsg{Tag: controlTag, Kind: CtrlAck, TransferID: r.id, Ack: received})
	}
	r.bus.Emit("progress", received, total)
}

// firstMissing returns the first chunk index not yet received, or -1 if
// every chunk has arrived.
func (r *Receiver) firstMissing() int {
	for i, ok := range r.have {
		if !ok {
			return i
		}
	}
	return -1
}

// HandleControl feeds an inbound "_ft" message addressed to this transfer.
func (r *Receiver) HandleControl(msg ControlMsg) {
	switch msg.Kind {
	case CtrlCancel:
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		r.bus.Emit("cancelled")
	case CtrlComplete:
		r.finish()
	}
}

func (r *Receiver) finish() {
	r.mu.Lock()
	missing := r.firstMissing()
	if missing != -1 {
		r.mu.Unlock()
		_ = r.sendControl(ControlMsg{Tag: controlTag, Kind: CtrlError, TransferID: r.id, FromChunk: missing})
		r.bus.Emit("error", fmt.Errorf("%w: first missing chunk %d", ErrIncomplete, missing))
		return
	}
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	out := make([]byte, 0, r.size)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	r.mu.Unlock()

	r.bus.Emit("complete", out)
}

// Cancel aborts an in-flight transfer from the receiver's side.
func (r *Receiver) Cancel() error {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	return r.sendControl(ControlMsg{Tag: controlTag, Kind: CtrlCancel, TransferID: r.id})
}

func (r *Receiver) sendControl(msg ControlMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transfer: marshal control: %w", err)
	}
	return r.send(data)
}
