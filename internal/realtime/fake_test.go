package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stockpilot/realtime/internal/logging"
	"github.com/stockpilot/realtime/internal/protocol"
)

// fakeTransport delivers frames pushed by the test. With hold set, Receive
// ignores Close so tests can inject late frames into a discarded transport.
type fakeTransport struct {
	d      *fakeDialer
	in     chan []byte
	drop   chan error
	done   chan struct{}
	hold   bool
	mu     sync.Mutex
	sent   []protocol.Frame
	closed bool
	once   sync.Once
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Send(frame []byte) error {
	var f protocol.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.sent = append(t.sent, f)
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	done := t.done
	if t.hold {
		done = nil
	}
	select {
	case f := <-t.in:
		return f, nil
	case err := <-t.drop:
		return nil, err
	case <-done:
		return nil, ErrTransportClosed
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
		t.d.release()
	})
	return nil
}

func (t *fakeTransport) Sent() []protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Frame, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// push encodes and delivers an inbound frame.
func (t *fakeTransport) push(tb testing.TB, kind protocol.MessageType, payload any) {
	tb.Helper()
	data, err := protocol.Encode(kind, payload, time.Now())
	if err != nil {
		tb.Fatalf("encode: %v", err)
	}
	t.in <- data
}

func (t *fakeTransport) pushRaw(data string) {
	t.in <- []byte(data)
}

// dropWith simulates the network going away.
func (t *fakeTransport) dropWith(err error) {
	select {
	case t.drop <- err:
	default:
	}
}

// count returns how many frames of kind with the given string payload were
// sent.
func (t *fakeTransport) count(kind protocol.MessageType, payload string) int {
	n := 0
	for _, f := range t.Sent() {
		if f.Type != kind {
			continue
		}
		var s string
		if json.Unmarshal(f.Payload, &s) == nil && s == payload {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    error
	hold    bool
	block   bool // Dial waits for its context to end
	dials   int
	live    int
	maxLive int
	all     []*fakeTransport
	ready   chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{ready: make(chan *fakeTransport, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	if d.block {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.fail != nil {
		err := d.fail
		d.mu.Unlock()
		return nil, err
	}
	t := &fakeTransport{
		d:    d,
		in:   make(chan []byte, 16),
		drop: make(chan error, 1),
		done: make(chan struct{}),
		hold: d.hold,
	}
	d.live++
	d.maxLive = max(d.maxLive, d.live)
	d.all = append(d.all, t)
	d.mu.Unlock()

	select {
	case d.ready <- t:
	default:
	}
	return t, nil
}

func (d *fakeDialer) release() {
	d.mu.Lock()
	d.live--
	d.mu.Unlock()
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) stats() (dials, live, maxLive int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, d.live, d.maxLive
}

func (d *fakeDialer) next(tb testing.TB) *fakeTransport {
	tb.Helper()
	select {
	case t := <-d.ready:
		return t
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for a dial")
		return nil
	}
}

var errDialRefused = errors.New("connection refused")

func newTestManager(d *fakeDialer, attempts int) *Manager {
	return NewManager(Options{
		Endpoint: "ws://inventory.test/ws",
		Identity: protocol.Identity{UserID: "u1", Role: protocol.RoleManager},
		Dialers:  []Dialer{d},
		Backoff:  Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
		Attempts: attempts,
		Logger:   logging.Nop(),
	})
}
