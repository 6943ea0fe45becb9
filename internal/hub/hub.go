// Package hub is the server end of the realtime channel. It fans inventory
// events out to WebSocket and long-poll sessions, handles the authenticate
// and subscription messages sessions send, and optionally relays events
// between hub instances through Redis.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/stockpilot/realtime/internal/protocol"
)

var (
	ErrTooManyConnections = errors.New("too many connections")
	ErrHubClosed          = errors.New("hub closed")
)

// IdentityChecker validates the identity a session claims in authenticate.
// auth.Verifier implements it.
type IdentityChecker interface {
	Check(id protocol.Identity) (protocol.Identity, error)
}

type Options struct {
	// MaxConnections caps concurrent sessions; 0 means unlimited.
	MaxConnections int
	SendBuffer     int
	// DashboardThrottle coalesces dashboard_update signals; 0 sends each
	// one immediately.
	DashboardThrottle time.Duration
	PollTimeout       time.Duration
	PollSessionTTL    time.Duration
	// MessageRate and MessageBurst limit inbound frames per session. The
	// first authenticate and subscriptions that grow the set are exempt so
	// a reconnecting client can replay its whole set at once.
	MessageRate  float64
	MessageBurst int
	// MaxSubscriptions caps the items one session may subscribe to.
	MaxSubscriptions int

	// Checker verifies tokens. With RequireAuth unset a session without a
	// token is trusted on its claimed identity.
	Checker     IdentityChecker
	RequireAuth bool

	Relay  Relay
	Meter  metric.Meter
	Logger zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 25 * time.Second
	}
	if o.PollSessionTTL <= 0 {
		o.PollSessionTTL = 60 * time.Second
	}
	if o.MessageRate <= 0 {
		o.MessageRate = 20
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 40
	}
	if o.MaxSubscriptions <= 0 {
		o.MaxSubscriptions = 1000
	}
}

type Hub struct {
	opts    Options
	log     zerolog.Logger
	metrics *hubMetrics

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	flushMu     sync.Mutex
	pendingDash *protocol.Envelope
	flushTimer  *time.Timer

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(opts Options) *Hub {
	opts.applyDefaults()
	h := &Hub{
		opts:    opts,
		log:     opts.Logger,
		metrics: newHubMetrics(opts.Meter, opts.Logger),
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	h.wg.Add(1)
	go h.sweepLoop()
	return h
}

// Close disconnects every session and stops background work.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()

	h.flushMu.Lock()
	if h.flushTimer != nil {
		h.flushTimer.Stop()
		h.flushTimer = nil
	}
	h.pendingDash = nil
	h.flushMu.Unlock()

	close(h.stop)
	h.wg.Wait()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PollSessionCount is the number of sessions on the polling transport.
func (h *Hub) PollSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.transport == transportPolling {
			n++
		}
	}
	return n
}

func (h *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.opts.MessageRate), h.opts.MessageBurst)
}

// register adds a session and queues its connected greeting.
func (h *Hub) register(transport string) (*client, error) {
	c := newClient(uuid.NewString(), transport, h.opts.SendBuffer, h.newLimiter())

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h.opts.MaxConnections > 0 && len(h.clients) >= h.opts.MaxConnections {
		h.mu.Unlock()
		h.metrics.rejected(transport)
		return nil, ErrTooManyConnections
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.metrics.connected(transport, 1)
	h.sendTo(c, protocol.MsgConnected, protocol.ConnectedPayload{
		Message:  "connected to stockpilot realtime",
		ClientID: c.id,
	})
	h.log.Debug().Str("client", c.id).Str("transport", transport).Msg("session registered")
	return c, nil
}

// remove drops c; it is safe to call more than once.
func (h *Hub) remove(c *client, reason string) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; !ok || cur != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	h.mu.Unlock()

	h.metrics.connected(c.transport, -1)
	h.log.Debug().Str("client", c.id).Str("reason", reason).Msg("session removed")
}

func (h *Hub) lookup(id string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// sendTo queues one frame for c. A full queue drops the session.
func (h *Hub) sendTo(c *client, kind protocol.MessageType, payload any) {
	data, err := protocol.Encode(kind, payload, time.Now())
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(kind)).Msg("encode frame")
		return
	}
	h.mu.RLock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.RUnlock()
		return
	}
	full := false
	select {
	case c.send <- data:
	default:
		full = true
	}
	h.mu.RUnlock()

	if full {
		h.metrics.dropped(kind, "slow_client")
		h.remove(c, "send queue full")
	}
}

// Publish delivers env to local sessions and relays it to other hubs. It
// implements inventory.Publisher.
func (h *Hub) Publish(env protocol.Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	h.publishLocal(env)

	if h.opts.Relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.opts.Relay.Publish(ctx, env); err != nil {
			h.log.Warn().Err(err).Str("kind", string(env.Kind)).Msg("relay publish failed")
		}
	}
}

// publishLocal is the entry point for both local and relayed events.
func (h *Hub) publishLocal(env protocol.Envelope) {
	if env.Kind == protocol.MsgDashboardUpdate && h.opts.DashboardThrottle > 0 {
		h.queueDashboard(env)
		return
	}
	h.deliver(env)
}

// queueDashboard keeps only the latest dashboard signal per throttle window.
func (h *Hub) queueDashboard(env protocol.Envelope) {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	if h.pendingDash != nil {
		h.metrics.coalesced()
	}
	h.pendingDash = &env
	if h.flushTimer == nil {
		h.flushTimer = time.AfterFunc(h.opts.DashboardThrottle, h.flushDashboard)
	}
}

func (h *Hub) flushDashboard() {
	h.flushMu.Lock()
	env := h.pendingDash
	h.pendingDash = nil
	h.flushTimer = nil
	h.flushMu.Unlock()

	if env != nil {
		h.deliver(*env)
	}
}

// deliver routes env to every session that wants it.
func (h *Hub) deliver(env protocol.Envelope) {
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(env.Kind)).Msg("encode envelope")
		return
	}

	var slow []*client
	sent := 0
	h.mu.RLock()
	for _, c := range h.clients {
		if !c.wants(env) {
			continue
		}
		select {
		case c.send <- data:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.metrics.published(env.Kind, sent)
	for _, c := range slow {
		h.metrics.dropped(env.Kind, "slow_client")
		h.log.Warn().Str("client", c.id).Msg("session too slow, disconnecting")
		h.remove(c, "send queue full")
	}
}

// handleInbound processes one frame sent by a session.
func (h *Hub) handleInbound(c *client, data []byte) {
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		if h.allow(c) {
			h.log.Debug().Err(err).Str("client", c.id).Msg("malformed inbound frame")
		}
		return
	}
	if !h.handshake(c, f) && !h.allow(c) {
		return
	}

	switch f.Type {
	case protocol.MsgAuthenticate:
		h.authenticate(c, f.Payload)
	case protocol.MsgSubscribeItem, protocol.MsgUnsubscribeItem:
		var itemID string
		if err := json.Unmarshal(f.Payload, &itemID); err != nil || itemID == "" {
			h.log.Debug().Str("client", c.id).Msg("subscription without item id")
			return
		}
		if _, ok := c.Identity(); !ok {
			h.log.Debug().Str("client", c.id).Msg("subscription before authenticate ignored")
			return
		}
		if f.Type == protocol.MsgUnsubscribeItem {
			c.unsubscribe(itemID)
			return
		}
		if !c.subscribe(itemID, h.opts.MaxSubscriptions) {
			h.metrics.dropped(f.Type, "subscription_limit")
			h.log.Warn().Str("client", c.id).Str("item", itemID).
				Int("limit", h.opts.MaxSubscriptions).Msg("subscription limit reached")
		}
	default:
		h.log.Debug().Str("client", c.id).Str("type", string(f.Type)).Msg("ignoring inbound message")
	}
}

// handshake reports whether f is part of what a client sends right after
// it connects: its first authenticate and the replay of its subscription
// set. Only subscriptions that add a new item within the cap count.
func (h *Hub) handshake(c *client, f protocol.Frame) bool {
	switch f.Type {
	case protocol.MsgAuthenticate:
		_, authed := c.Identity()
		return !authed && !c.isDraining()
	case protocol.MsgSubscribeItem:
		var itemID string
		if err := json.Unmarshal(f.Payload, &itemID); err != nil || itemID == "" {
			return false
		}
		return c.canAdd(itemID, h.opts.MaxSubscriptions)
	}
	return false
}

func (h *Hub) allow(c *client) bool {
	if c.limiter.Allow() {
		return true
	}
	h.metrics.dropped("inbound", "rate_limited")
	h.log.Warn().Str("client", c.id).Msg("inbound message rate exceeded, dropping")
	return false
}

// authenticate fixes the session identity. It is set once per connection;
// later authenticate messages are ignored.
func (h *Hub) authenticate(c *client, raw json.RawMessage) {
	if cur, ok := c.Identity(); ok {
		h.log.Warn().Str("client", c.id).Str("user", cur.UserID).Msg("session already authenticated, ignoring authenticate")
		return
	}
	if c.isDraining() {
		return
	}

	var claimed protocol.Identity
	if err := json.Unmarshal(raw, &claimed); err != nil {
		h.reject(c, "malformed authenticate payload")
		return
	}

	id, err := h.checkIdentity(claimed)
	if err != nil {
		h.log.Info().Err(err).Str("client", c.id).Str("user", claimed.UserID).Msg("authentication rejected")
		h.reject(c, err.Error())
		return
	}
	id.Token = ""
	if !c.setIdentity(id) {
		return
	}
	h.log.Debug().Str("client", c.id).Str("user", id.UserID).Str("role", string(id.Role)).Msg("session authenticated")
}

func (h *Hub) checkIdentity(claimed protocol.Identity) (protocol.Identity, error) {
	if claimed.Token != "" && h.opts.Checker != nil {
		return h.opts.Checker.Check(claimed)
	}
	if h.opts.RequireAuth {
		return protocol.Identity{}, errors.New("token required")
	}
	if claimed.UserID == "" {
		return protocol.Identity{}, errors.New("user id required")
	}
	if !claimed.Role.Valid() {
		return protocol.Identity{}, fmt.Errorf("unknown role %q", claimed.Role)
	}
	return claimed, nil
}

// reject tells the session why and closes it once the message is out.
func (h *Hub) reject(c *client, msg string) {
	h.metrics.authFailed()
	h.sendTo(c, protocol.MsgAuthError, protocol.AuthErrorPayload{Message: msg})
	if c.transport == transportPolling {
		c.markDraining()
		return
	}
	h.remove(c, "authentication failed")
}

// RunRelay feeds events from other hub instances into this one until ctx
// is done.
func (h *Hub) RunRelay(ctx context.Context) error {
	if h.opts.Relay == nil {
		return nil
	}
	return h.opts.Relay.Subscribe(ctx, h.publishLocal)
}

// sweepLoop expires polling sessions that stopped polling.
func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.PollSessionTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweep(time.Now())
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	var expired []*client
	h.mu.RLock()
	for _, c := range h.clients {
		if c.transport == transportPolling && now.Sub(c.idleSince()) > h.opts.PollSessionTTL {
			expired = append(expired, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range expired {
		// A GET in progress keeps the session alive.
		if !c.pollMu.TryLock() {
			continue
		}
		h.remove(c, "poll session expired")
		c.pollMu.Unlock()
	}
}
