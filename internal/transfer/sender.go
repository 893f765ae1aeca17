package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerhub/peerhub/internal/eventbus"
	"github.com/peerhub/peerhub/internal/webrtcpeer"
)

// ControlSend carries a control-protocol message to the remote peer over
// whatever channel the caller's room/session uses for application data
// (spec.md §4.6: control messages ride the main data channel).
type ControlSend func(data []byte) error

// Sender drives the offering side of one file transfer: it sends the offer,
// waits for acceptance, opens the dedicated "ft-<id>" channel, and streams
// chunks with backpressure (spec.md §4.6 "Sender lifecycle").
type Sender struct {
	id      string
	session *webrtcpeer.Session
	send    ControlSend
	log     *slog.Logger
	bus     *eventbus.Bus

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	cancelled bool
	lowSignal chan struct{}
	acceptCh  chan ControlMsg
}

// NewSender prepares a transfer to the remote peer over session, using send
// to deliver the control handshake. It sends nothing; Offer starts the
// transfer.
func NewSender(session *webrtcpeer.Session, send ControlSend, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		id:        newTransferID(),
		session:   session,
		send:      send,
		log:       log,
		bus:       eventbus.New(nil),
		lowSignal: make(chan struct{}, 1),
	}
}

// Bus exposes "progress"(sent, total), "complete", "error"(err),
// "rejected", "cancelled".
func (s *Sender) Bus() *eventbus.Bus { return s.bus }

// ID returns the transfer's correlation id.
func (s *Sender) ID() string { return s.id }

// Offer sends the offer control message and blocks until the receiver
// accepts/rejects or OfferTimeout elapses. After an accept it goes on to open
// the transfer channel and stream every chunk, and returns when the transfer
// has finished or failed.
func (s *Sender) Offer(ctx context.Context, name string, data []byte) error {
	chunkCount := (len(data) + ChunkSize - 1) / ChunkSize
	offer := ControlMsg{
		Tag: controlTag, Kind: CtrlOffer, TransferID: s.id,
		Name: name, Size: int64(len(data)), ChunkCount: chunkCount,
	}
	s.mu.Lock()
	s.acceptCh = make(chan ControlMsg, 1)
	s.mu.Unlock()

	if err := s.sendControl(offer); err != nil {
		return err
	}

	timeout := time.NewTimer(OfferTimeout)
	defer timeout.Stop()
	select {
	case reply := <-s.acceptCh:
		if reply.Kind == CtrlReject {
			s.bus.Emit("rejected")
			return ErrRejected
		}
	case <-timeout.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.openChannelAndSend(ctx, data, chunkCount)
}

// HandleControl feeds an inbound "_ft" message addressed to this transfer.
// Callers dispatch by TransferID before invoking this.
func (s *Sender) HandleControl(msg ControlMsg) {
	switch msg.Kind {
	case CtrlAccept, CtrlReject:
		s.mu.Lock()
		ch := s.acceptCh
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
			}
		}
	case CtrlCancel:
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		s.bus.Emit("cancelled")
	}
}

func (s *Sender) sendControl(msg ControlMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transfer: marshal control: %w", err)
	}
	return s.send(data)
}

func (s *Sender) openChannelAndSend(ctx context.Context, data []byte, chunkCount int) error {
	label := ChannelPrefix + s.id
	dc, err := s.session.CreateDataChannel(label, true)
	if err != nil {
		return fmt.Errorf("transfer: open channel: %w", err)
	}
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.SetBufferedAmountLowThreshold(BufferedAmountLow)
	dc.OnBufferedAmountLow(func() {
		select {
		case s.lowSignal <- struct{}{}:
		default:
		}
	})

	select {
	case <-opened:
	case <-time.After(ChannelOpenTimeout):
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	for i := 0; i < chunkCount; i++ {
		s.mu.Lock()
		cancelled := s.cancelled
		s.mu.Unlock()
		if cancelled {
			return ErrCancelled
		}

		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		frame := marshalChunk(uint32(i), data[start:end])

		if dc.BufferedAmount() > BufferedAmountHigh {
			select {
			case <-s.lowSignal:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := dc.Send(frame); err != nil {
			s.bus.Emit("error", err)
			return fmt.Errorf("transfer: send chunk %d: %w", i, err)
		}

		if i%yieldEveryNChunks == 0 {
			s.bus.Emit("progress", i+1, chunkCount)
		}
	}

	if err := s.sendControl(ControlMsg{Tag: controlTag, Kind: CtrlComplete, TransferID: s.id}); err != nil {
		return err
	}
	s.bus.Emit("complete")
	return nil
}

// Cancel aborts an in-flight transfer from the sender's side.
func (s *Sender) Cancel() error {
	s.mu.Lock()
	s.cancelled = true
	dc := s.dc
	s.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	return s.sendControl(ControlMsg{Tag: controlTag, Kind: CtrlCancel, TransferID: s.id})
}
