package transfer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/peerhub/peerhub/internal/webrtcpeer"
)

func newLoopbackSessions(t *testing.T) (*webrtcpeer.Session, *webrtcpeer.Session) {
	t.Helper()
	a, err := webrtcpeer.New(webrtcpeer.Config{})
	if err != nil {
		t.Fatalf("new session a: %v", err)
	}
	b, err := webrtcpeer.New(webrtcpeer.Config{})
	if err != nil {
		t.Fatalf("new session b: %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestChunkMarshalRoundTrip(t *testing.T) {
	frame := marshalChunk(7, []byte("payload"))
	index, data, err := unmarshalChunk(frame)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if index != 7 || string(data) != "payload" {
		t.Fatalf("got (%d, %q), want (7, payload)", index, data)
	}
}

func TestIsControlFrameRecognizesTag(t *testing.T) {
	msg := ControlMsg{Tag: controlTag, Kind: CtrlOffer, TransferID: "t1"}
	data, _ := json.Marshal(msg)
	got, ok := isControlFrame(data)
	if !ok || got.Kind != CtrlOffer {
		t.Fatalf("isControlFrame = %+v, %v", got, ok)
	}

	_, ok = isControlFrame([]byte("not json"))
	if ok {
		t.Fatal("expected non-JSON frame to not be recognized as control")
	}
}

func TestReceiverAppliesChunksIdempotentlyAndCompletes(t *testing.T) {
	_, b := newLoopbackSessions(t)

	offer := ControlMsg{Tag: controlTag, Kind: CtrlOffer, TransferID: "xyz", Name: "f.txt", Size: 4, ChunkCount: 1}
	recv := NewReceiver(offer, b, func(data []byte) error { return nil }, nil)

	complete := make(chan []byte, 1)
	recv.Bus().On("complete", func(args ...any) { complete <- args[0].([]byte) })

	// Apply the same chunk twice — the second application must be a no-op.
	recv.applyChunk(marshalChunk(0, []byte("data")))
	recv.applyChunk(marshalChunk(0, []byte("data")))

	recv.finish()

	select {
	case out := <-complete:
		if string(out) != "data" {
			t.Fatalf("assembled = %q, want %q", out, "data")
		}
	case <-time.After(time.Second):
		t.Fatal("receiver never completed")
	}
}

func TestReceiverRejectsCompleteWithMissingChunks(t *testing.T) {
	_, b := newLoopbackSessions(t)
	offer := ControlMsg{Tag: controlTag, Kind: CtrlOffer, TransferID: "xyz", Name: "f.txt", Size: 8, ChunkCount: 2}
	recv := NewReceiver(offer, b, func(data []byte) error { return nil }, nil)

	gotErr := make(chan error, 1)
	recv.Bus().On("error", func(args ...any) { gotErr <- args[0].(error) })

	recv.applyChunk(marshalChunk(0, []byte("data")))
	recv.finish()

	select {
	case err := <-gotErr:
		if err == nil {
			t.Fatal("expected an incomplete-transfer error")
		}
	case <-time.After(time.Second):
		t.Fatal("expected finish() to report incompleteness")
	}
}

func TestOfferTimesOutWithoutAcceptance(t *testing.T) {
	a, _ := newLoopbackSessions(t)
	s := NewSender(a, func(data []byte) error { return nil }, nil)

	// Speed the timeout up for the test by racing a short context instead.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Offer(ctx, "f.txt", []byte("hello world"))
	if err == nil {
		t.Fatal("expected an error when nothing ever accepts the offer")
	}
}
