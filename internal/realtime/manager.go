// Package realtime is the client side of the StockPilot update channel: a
// Manager that owns exactly one transport to the hub, a Dispatcher that
// routes inbound events to handlers, and the set of item subscriptions that
// is replayed on every (re)connect.
//
// Events are best effort. Anything in flight while the channel is down is
// lost, so consumers reconcile through the REST API rather than treating the
// stream as the source of truth.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stockpilot/realtime/internal/protocol"
)

const defaultHandshakeTimeout = 20 * time.Second

var ErrNotConnected = errors.New("not connected")

// Options configures a Manager.
type Options struct {
	// Endpoint is the ws:// or wss:// channel URL.
	Endpoint string
	Identity protocol.Identity
	// Dialers are tried in order on every attempt. Defaults to
	// DefaultDialers().
	Dialers []Dialer
	Backoff Backoff
	// Attempts caps consecutive reconnect attempts; 0 means unlimited.
	Attempts         int
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

// StatusListener observes connection state transitions.
type StatusListener func(Status)

// Manager owns the channel to the hub. Construct one per process at startup
// and call Disconnect at shutdown.
type Manager struct {
	opts       Options
	dispatcher *Dispatcher
	log        zerolog.Logger

	// sendMu orders outbound traffic so authenticate and the subscription
	// replay precede anything else on a fresh transport.
	sendMu sync.Mutex
	// dialMu allows one dial at a time, so a stale dial has closed its
	// transport before the next one can open.
	dialMu sync.Mutex

	mu         sync.Mutex
	state      State
	gen        uint64
	transport  Transport
	dialing    bool
	cancelDial context.CancelFunc
	retryTimer *time.Timer
	attempt    int
	lastErr    string
	clientID   string
	identity   protocol.Identity
	subs       *Subscriptions

	notifyMu  sync.Mutex
	listeners []*statusEntry
	pending   []Status
	nextLis   uint64
}

type statusEntry struct {
	id uint64
	fn StatusListener
}

func NewManager(opts Options) *Manager {
	if len(opts.Dialers) == 0 {
		opts.Dialers = DefaultDialers()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Backoff.Initial <= 0 && opts.Backoff.Max <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	return &Manager{
		opts:       opts,
		dispatcher: NewDispatcher(opts.Logger),
		log:        opts.Logger,
		identity:   opts.Identity,
		subs:       NewSubscriptions(),
	}
}

// Dispatcher returns the event dispatcher fed by this manager.
func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// On is shorthand for m.Dispatcher().On.
func (m *Manager) On(kind protocol.MessageType, fn Handler) func() {
	return m.dispatcher.On(kind, fn)
}

// SetIdentity changes the identity sent on the next connection. The current
// connection keeps the identity it authenticated with.
func (m *Manager) SetIdentity(id protocol.Identity) {
	m.mu.Lock()
	m.identity = id
	m.mu.Unlock()
}

// OnStateChange registers fn for every state transition and returns a
// function that removes it. Listeners survive Disconnect.
func (m *Manager) OnStateChange(fn StatusListener) func() {
	m.mu.Lock()
	m.nextLis++
	e := &statusEntry{id: m.nextLis, fn: fn}
	m.listeners = append(m.listeners, e)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.listeners = slices.DeleteFunc(m.listeners, func(x *statusEntry) bool { return x == e })
		m.mu.Unlock()
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) IsConnected() bool {
	return m.Status().Connected()
}

// ConnectionError is the last transport error, or "" when healthy.
func (m *Manager) ConnectionError() string {
	return m.Status().Error
}

// Subscriptions returns the locally held subscription set, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.List()
}

func (m *Manager) statusLocked() Status {
	st := Status{
		State:    m.state,
		Error:    m.lastErr,
		ClientID: m.clientID,
		Attempt:  m.attempt,
	}
	if m.transport != nil {
		st.Transport = m.transport.Name()
	}
	return st
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.pending = append(m.pending, m.statusLocked())
}

// flush delivers queued status snapshots in order. A listener that triggers
// another transition from inside the callback has it picked up by the loop.
func (m *Manager) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		m.mu.Lock()
		batch := m.pending
		m.pending = nil
		listeners := slices.Clone(m.listeners)
		m.mu.Unlock()

		for _, st := range batch {
			for _, l := range listeners {
				m.callListener(l, st)
			}
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		more := len(m.pending) > 0
		m.mu.Unlock()
		if !more {
			return
		}
	}
}

func (m *Manager) callListener(l *statusEntry, st Status) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("panic", fmt.Sprint(r)).Msg("status listener panicked")
		}
	}()
	l.fn(st)
}

// Connect opens the channel. It is a no-op while a transport is open or an
// attempt is in flight or scheduled.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.transport != nil || m.dialing || m.retryTimer != nil {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	m.setStateLocked(StateConnecting)
	gen := m.gen
	m.startDialLocked(gen)
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) startDialLocked(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.HandshakeTimeout)
	m.dialing = true
	m.cancelDial = cancel
	go m.dial(ctx, cancel, gen)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	defer cancel()

	if !m.current(gen) {
		return
	}

	var errs []error
	for _, d := range m.opts.Dialers {
		t, err := d.Dial(ctx, m.opts.Endpoint)
		if err == nil {
			m.opened(gen, t)
			return
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		m.log.Debug().Err(err).Msg("transport unavailable, trying next")
	}
	err := errors.Join(errs...)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("handshake timed out after %s: %w", m.opts.HandshakeTimeout, err)
	}
	m.dialFailed(gen, err)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) opened(gen uint64, t Transport) {
	m.sendMu.Lock()
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.sendMu.Unlock()
		_ = t.Close()
		return
	}
	m.transport = t
	m.dialing = false
	m.cancelDial = nil
	m.attempt = 0
	m.lastErr = ""
	m.setStateLocked(StateConnected)
	ident := m.identity
	replay := m.subs.List()
	m.mu.Unlock()

	m.log.Info().Str("transport", t.Name()).Str("endpoint", m.opts.Endpoint).Msg("channel connected")

	m.sendOn(t, protocol.MsgAuthenticate, ident)
	for _, id := range replay {
		m.sendOn(t, protocol.MsgSubscribeItem, id)
	}
	m.sendMu.Unlock()

	m.flush()
	go m.readLoop(gen, t)
}

// sendOn writes one frame; failures are logged and surface later as a
// transport close.
func (m *Manager) sendOn(t Transport, kind protocol.MessageType, payload any) {
	frame, err := protocol.Encode(kind, payload, time.Time{})
	if err != nil {
		m.log.Error().Err(err).Str("kind", string(kind)).Msg("encode outbound frame")
		return
	}
	if err := t.Send(frame); err != nil {
		m.log.Warn().Err(err).Str("kind", string(kind)).Msg("send failed")
	}
}

func (m *Manager) dialFailed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.dialing = false
	m.cancelDial = nil
	m.lastErr = err.Error()
	if m.state != StateReconnecting {
		m.setStateLocked(StateDisconnected)
	}
	m.scheduleRetryLocked(gen)
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("channel connect failed")
	m.flush()
}

func (m *Manager) scheduleRetryLocked(gen uint64) {
	m.attempt++
	if m.opts.Attempts > 0 && m.attempt > m.opts.Attempts {
		m.lastErr = fmt.Sprintf("gave up after %d reconnect attempts: %s", m.opts.Attempts, m.lastErr)
		m.attempt = m.opts.Attempts
		if m.state != StateDisconnected {
			m.setStateLocked(StateDisconnected)
		} else {
			m.pending = append(m.pending, m.statusLocked())
		}
		m.log.Error().Str("error", m.lastErr).Msg("reconnect abandoned")
		return
	}

	delay := m.opts.Backoff.Delay(m.attempt)
	m.setStateLocked(StateReconnecting)
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(gen) })
	m.log.Debug().Int("attempt", m.attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.transport != nil || m.dialing {
		return
	}
	m.retryTimer = nil
	m.startDialLocked(gen)
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.Receive()
		if err != nil {
			m.closed(gen, t, err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnknownKind) {
				m.log.Warn().Err(err).Msg("dropping malformed frame")
			}
			continue
		}

		// Frames that arrive after Disconnect/Reconnect belong to a
		// discarded transport and must not reach handlers. The generation is
		// checked again before each handler since either call may land
		// while an earlier handler runs.
		live := func() bool { return m.current(gen) }
		if !live() {
			return
		}
		m.handleControl(gen, t, env)
		m.dispatcher.DispatchWhile(env, live)
	}
}

func (m *Manager) handleControl(gen uint64, t Transport, env protocol.Envelope) {
	switch p := env.Payload.(type) {
	case protocol.ConnectedPayload:
		m.mu.Lock()
		if gen == m.gen {
			m.clientID = p.ClientID
		}
		m.mu.Unlock()
		m.log.Debug().Str("client_id", p.ClientID).Msg("hub acknowledged connection")

	case protocol.AuthErrorPayload:
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.gen++
		m.transport = nil
		m.clientID = ""
		m.lastErr = "authentication failed: " + p.Message
		m.setStateLocked(StateDisconnected)
		_ = t.Close()
		m.mu.Unlock()

		m.log.Error().Str("reason", p.Message).Msg("hub rejected session identity")
		m.flush()
	}
}

func (m *Manager) closed(gen uint64, t Transport, err error) {
	m.mu.Lock()
	if gen != m.gen || m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.clientID = ""
	_ = t.Close()
	m.setStateLocked(StateDisconnected)
	m.scheduleRetryLocked(gen)
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("channel dropped")
	m.flush()
}

// Disconnect closes the channel, cancels pending reconnects, and clears all
// event handlers and subscriptions. It is idempotent.
func (m *Manager) Disconnect() {
	m.teardown(true)
}

// Reconnect drops the current transport and connects again, clearing any
// recorded error. Handlers and subscriptions are kept and the subscriptions
// are replayed once the new transport opens.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.lastErr = ""
	m.mu.Unlock()

	m.teardown(false)
	m.Connect()
}

func (m *Manager) teardown(clearAll bool) {
	m.mu.Lock()
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
	m.dialing = false
	m.attempt = 0
	m.clientID = ""
	if clearAll {
		m.subs.Clear()
	}
	if m.state != StateDisconnected {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if clearAll {
		m.dispatcher.Clear()
	}
	m.flush()
}

// Subscribe asks for scoped updates about itemID. The id is recorded locally
// and sent immediately when connected; otherwise it goes out with the replay
// on the next connect.
func (m *Manager) Subscribe(itemID string) {
	if m == nil {
		panic("realtime: Subscribe called on nil Manager")
	}
	if itemID == "" {
		return
	}
	m.mu.Lock()
	added := m.subs.Add(itemID)
	t := m.openTransportLocked()
	m.mu.Unlock()

	if added && t != nil {
		m.sendMu.Lock()
		m.sendOn(t, protocol.MsgSubscribeItem, itemID)
		m.sendMu.Unlock()
	}
}

// Unsubscribe removes itemID and tells the hub if connected.
func (m *Manager) Unsubscribe(itemID string) {
	if m == nil {
		panic("realtime: Unsubscribe called on nil Manager")
	}
	m.mu.Lock()
	removed := m.subs.Remove(itemID)
	t := m.openTransportLocked()
	m.mu.Unlock()

	if removed && t != nil {
		m.sendMu.Lock()
		m.sendOn(t, protocol.MsgUnsubscribeItem, itemID)
		m.sendMu.Unlock()
	}
}

// Emit sends an arbitrary outbound message.
func (m *Manager) Emit(kind protocol.MessageType, payload any) error {
	m.mu.Lock()
	t := m.openTransportLocked()
	m.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(kind, payload, time.Time{})
	if err != nil {
		return err
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return t.Send(frame)
}

func (m *Manager) openTransportLocked() Transport {
	if m.state != StateConnected {
		return nil
	}
	return m.transport
}
