// Package transfer implements P2P file transfer over a dedicated data
// channel per transfer: control messages for offer/accept/cancel/ack and a
// binary chunk framing, with sender-side backpressure and receiver-side
// idempotent chunk application (spec.md §4.6).
package transfer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tunables from spec.md §4.6.
const (
	ChunkSize          = 65536
	BufferedAmountHigh = 4 << 20
	BufferedAmountLow  = 1 << 20
	AckInterval        = 100
	ChannelPrefix      = "ft-"
	OfferTimeout       = 30 * time.Second
	ChannelOpenTimeout = 15 * time.Second
	yieldEveryNChunks  = 50
)

// Control message kinds, tagged "_ft" on the wire (spec.md §4.6
// "control protocol").
const (
	CtrlOffer    = "offer"
	CtrlAccept   = "accept"
	CtrlReject   = "reject"
	CtrlCancel   = "cancel"
	CtrlAck      = "ack"
	CtrlResume   = "resume"
	CtrlComplete = "complete"
	CtrlError    = "error"
)

// ControlMsg is the JSON control envelope carried over the main data
// channel before the per-transfer binary channel exists.
type ControlMsg struct {
	Tag        string `json:"_ft"`
	Kind       string `json:"kind"`
	TransferID string `json:"transfer_id"`
	Name       string `json:"name,omitempty"`
	Size       int64  `json:"size,omitempty"`
	ChunkCount int    `json:"chunk_count,omitempty"`
	FromChunk  int    `json:"from_chunk,omitempty"`
	Ack        int    `json:"ack,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

const controlTag = "_ft"

// ErrCancelled is surfaced to both sides when either cancels a transfer.
var ErrCancelled = errors.New("transfer: cancelled")

// ErrRejected is returned to the sender when the receiver declines an offer.
var ErrRejected = errors.New("transfer: rejected")

// ErrTimeout covers both the offer-acceptance and channel-open timeouts.
var ErrTimeout = errors.New("transfer: timed out")

// ErrIncomplete is surfaced if completion is requested with missing chunks.
var ErrIncomplete = errors.New("transfer: incomplete, first missing chunk present")

func newTransferID() string { return uuid.NewString() }

func marshalChunk(index uint32, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[:4], index)
	copy(buf[4:], data)
	return buf
}

func unmarshalChunk(frame []byte) (uint32, []byte, error) {
	if len(frame) < 4 {
		return 0, nil, fmt.Errorf("transfer: chunk frame too short (%d bytes)", len(frame))
	}
	return binary.LittleEndian.Uint32(frame[:4]), frame[4:], nil
}

func isControlFrame(data []byte) (ControlMsg, bool) {
	var m ControlMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ControlMsg{}, false
	}
	return m, m.Tag == controlTag
}
