package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/peerhub/peerhub/internal/eventbus"
)

// State is the transport's connection lifecycle state (spec.md §4.2).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	outboundQueueCap  = 500
	pongCheckFactor   = 2.5
	forcedCloseStatus = websocket.StatusCode(4000)
)

// ErrOpenFailed is returned by Connect when the socket closes before
// opening, per spec.md §4.2's "connect() ... fails if the socket closes
// before opening".
var ErrOpenFailed = errors.New("signaling: socket closed before opening")

// Transport is the single logical stream to the signaling server: a
// reconnecting, heartbeating message stream with offline queueing
// (spec.md §4.2).
type Transport struct {
	url                  string
	autoReconnect        bool
	reconnectDelay       time.Duration
	reconnectMaxDelay    time.Duration
	maxReconnectAttempts int
	pingInterval         time.Duration

	bus *eventbus.Bus
	log *slog.Logger

	limiter *rate.Limiter

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	queue       [][]byte
	intentional bool
	lastPong    time.Time
	backoff     *Backoff

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// Options configures a new Transport.
type Options struct {
	URL                  string
	AutoReconnect        bool
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	Logger               *slog.Logger
	Bus                  *eventbus.Bus

	// SendRate and SendBurst bound outbound frame pacing, the same per-stream
	// token-bucket shape the relay's bandwidth limiter uses. Zero means
	// unlimited.
	SendRate  rate.Limit
	SendBurst int
}

// New creates a Transport in StateIdle. Call Connect to open it.
func New(opts Options) *Transport {
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectMaxDelay == 0 {
		opts.ReconnectMaxDelay = 30 * time.Second
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(nil)
	}
	sendRate := opts.SendRate
	if sendRate == 0 {
		sendRate = rate.Inf
	}
	sendBurst := opts.SendBurst
	if sendBurst == 0 {
		sendBurst = outboundQueueCap
	}
	return &Transport{
		url:                  opts.URL,
		autoReconnect:        opts.AutoReconnect,
		reconnectDelay:       opts.ReconnectDelay,
		reconnectMaxDelay:    opts.ReconnectMaxDelay,
		maxReconnectAttempts: opts.MaxReconnectAttempts,
		pingInterval:         opts.PingInterval,
		bus:                  opts.Bus,
		log:                  opts.Logger,
		limiter:              rate.NewLimiter(sendRate, sendBurst),
		backoff:              NewBackoff(opts.ReconnectDelay, opts.ReconnectMaxDelay),
		state:                StateIdle,
	}
}

// Bus returns the event bus transport events are emitted on: "open",
// "close"(code, reason), "message"(frame []byte), "error"(err),
// "reconnecting"(attempt, delay).
func (t *Transport) Bus() *eventbus.Bus { return t.bus }

// State returns the transport's current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the signaling server and, once open, runs the read and
// heartbeat loops in the background until Close is called or reconnection
// is exhausted. It returns once the first connection attempt succeeds or
// fails; subsequent reconnects happen asynchronously and are observable via
// the event bus.
func (t *Transport) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.runCancel = cancel
	t.state = StateConnecting
	t.mu.Unlock()

	opened := make(chan error, 1)
	t.wg.Add(1)
	go t.runLoop(runCtx, opened, ctx)

	select {
	case err := <-opened:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop owns the connect/read/reconnect cycle for the transport's
// lifetime. firstAttemptCtx bounds only the very first dial, matching
// spec.md's "connect() completes when the socket opens".
func (t *Transport) runLoop(runCtx context.Context, opened chan<- error, firstAttemptCtx context.Context) {
	defer t.wg.Done()
	first := true

	for {
		dialCtx := runCtx
		if first {
			dialCtx = firstAttemptCtx
		}
		conn, err := t.dial(dialCtx)
		if err != nil {
			if first {
				opened <- fmt.Errorf("%w: %v", ErrOpenFailed, err)
				return
			}
			t.bus.Emit("error", err)
		} else {
			t.mu.Lock()
			t.conn = conn
			t.state = StateOpen
			t.lastPong = time.Now()
			t.backoff.Reset()
			t.mu.Unlock()

			if first {
				opened <- nil
			}
			t.bus.Emit("open")
			t.flushQueue()

			hbCtx, hbCancel := context.WithCancel(runCtx)
			go t.heartbeatLoop(hbCtx, conn)
			code, reason := t.readLoop(runCtx, conn)
			hbCancel()

			t.mu.Lock()
			intentional := t.intentional
			t.conn = nil
			if !intentional {
				t.state = StateReconnecting
			}
			t.mu.Unlock()

			t.bus.Emit("close", code, reason)
			if intentional {
				return
			}
		}
		first = false

		if runCtx.Err() != nil {
			return
		}
		if !t.autoReconnect {
			t.mu.Lock()
			t.state = StateClosed
			t.mu.Unlock()
			return
		}

		attempt := t.backoff.Attempt()
		if attempt >= t.maxReconnectAttempts {
			t.mu.Lock()
			t.state = StateClosed
			t.mu.Unlock()
			return
		}
		delay := t.backoff.Next()
		t.bus.Emit("reconnecting", attempt+1, delay)

		select {
		case <-runCtx.Done():
			return
		case <-time.After(delay):
		}
		t.mu.Lock()
		t.state = StateConnecting
		t.mu.Unlock()
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(4 << 20)
	return conn, nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) (code websocket.StatusCode, reason string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err), err.Error()
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.bus.Emit("error", fmt.Errorf("signaling: bad frame: %w", err))
			continue
		}

		switch env.Type {
		case TypePing:
			_ = t.send(PongMsg{Type: TypePong})
		case TypePong:
			t.mu.Lock()
			t.lastPong = time.Now()
			t.mu.Unlock()
		default:
			t.bus.Emit("message", data)
		}
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	bound := time.Duration(float64(t.pingInterval) * pongCheckFactor)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.send(PingMsg{Type: TypePing}); err != nil {
				return
			}
			checkAt := time.Now().Add(bound)
			timer := time.NewTimer(time.Until(checkAt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				t.mu.Lock()
				stale := time.Since(t.lastPong) > bound
				t.mu.Unlock()
				if stale {
					conn.Close(forcedCloseStatus, "pong timeout")
					return
				}
			}
		}
	}
}

// Send marshals msg to JSON and writes it if the transport is open;
// otherwise it enqueues (bounded to 500, dropping silently past that) for
// delivery once the socket (re)opens (spec.md §4.2 "send(msg)").
func (t *Transport) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signaling: marshal: %w", err)
	}

	t.mu.Lock()
	open := t.state == StateOpen && t.conn != nil
	t.mu.Unlock()

	if open {
		if err := t.writeRaw(data); err == nil {
			return nil
		}
		// fall through: a failed send on an "open" socket is queued, same
		// as any other not-currently-sendable case.
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) >= outboundQueueCap {
		return nil // bounded queue: drop silently (spec.md §4.2, invariant I8)
	}
	t.queue = append(t.queue, data)
	return nil
}

func (t *Transport) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.writeRaw(data)
}

func (t *Transport) writeRaw(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("signaling: not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.log.Debug("signaling: write failed", "err", err)
		return err
	}
	return nil
}

// flushQueue drains the outbound queue in FIFO order on Open. A message
// whose send fails remains dropped, not re-queued (spec.md §4.2
// "Queue flush").
func (t *Transport) flushQueue() {
	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, data := range pending {
		if err := t.writeRaw(data); err != nil {
			t.bus.Emit("error", fmt.Errorf("signaling: queue flush: %w", err))
		}
	}
}

// Close marks the transport as intentionally closed, clears the outbound
// queue, and closes the socket, suppressing any further reconnection
// (spec.md §4.2 "close()").
func (t *Transport) Close() error {
	t.mu.Lock()
	t.intentional = true
	t.queue = nil
	conn := t.conn
	t.state = StateClosed
	cancel := t.runCancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	t.wg.Wait()
	return nil
}
