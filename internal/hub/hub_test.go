package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/stockpilot/realtime/internal/auth"
	"github.com/stockpilot/realtime/internal/logging"
	"github.com/stockpilot/realtime/internal/protocol"
)

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	opts.Logger = logging.Nop()
	h := New(opts)
	t.Cleanup(h.Close)
	return h
}

// recv reads the next frame queued for c.
func recv(t *testing.T, c *client) protocol.Frame {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("send queue closed")
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode frame %s: %v", data, err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

func expectNone(t *testing.T, c *client) {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected frame %s", data)
		}
	case <-time.After(30 * time.Millisecond):
	}
}

func expectClosed(t *testing.T, c *client) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("send queue was not closed")
		}
	}
}

func inbound(t *testing.T, h *Hub, c *client, kind protocol.MessageType, payload any) {
	t.Helper()
	data, err := protocol.Encode(kind, payload, time.Time{})
	if err != nil {
		t.Fatalf("encode %s: %v", kind, err)
	}
	h.handleInbound(c, data)
}

// connect registers a session, consumes its greeting and authenticates it.
func connect(t *testing.T, h *Hub, userID string, role protocol.Role) *client {
	t.Helper()
	c, err := h.register(transportPolling)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if f := recv(t, c); f.Type != protocol.MsgConnected {
		t.Fatalf("expected connected greeting, got %s", f.Type)
	}
	inbound(t, h, c, protocol.MsgAuthenticate, protocol.Identity{UserID: userID, Role: role})
	return c
}

func stockUpdate(itemID string, qty int) protocol.StockUpdatePayload {
	prev := qty + 1
	return protocol.StockUpdatePayload{
		Type:             "stock_removed",
		ItemID:           itemID,
		ItemName:         "Widget",
		PreviousQuantity: &prev,
		NewQuantity:      &qty,
		UserID:           "u1",
	}
}

func TestRegisterSendsConnectedGreeting(t *testing.T) {
	h := newTestHub(t, Options{})
	c, err := h.register(transportWebSocket)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	f := recv(t, c)
	if f.Type != protocol.MsgConnected {
		t.Fatalf("expected %s, got %s", protocol.MsgConnected, f.Type)
	}
	var p protocol.ConnectedPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.ClientID != c.id {
		t.Fatalf("greeting client id = %q, want %q", p.ClientID, c.id)
	}
	if f.Timestamp == "" {
		t.Fatal("greeting has no timestamp")
	}
}

func TestUnauthenticatedSessionReceivesNothing(t *testing.T) {
	h := newTestHub(t, Options{})
	c, _ := h.register(transportPolling)
	recv(t, c)

	h.Publish(protocol.NewEnvelope(stockUpdate("item-1", 5), time.Now()))
	expectNone(t, c)
}

func TestAuthenticateTrustsClaimWithoutToken(t *testing.T) {
	h := newTestHub(t, Options{})
	c := connect(t, h, "u1", protocol.RoleStaff)

	id, ok := c.Identity()
	if !ok || id.UserID != "u1" || id.Role != protocol.RoleStaff {
		t.Fatalf("identity = %+v (authed %v)", id, ok)
	}

	h.Publish(protocol.NewEnvelope(stockUpdate("item-1", 5), time.Now()))
	if f := recv(t, c); f.Type != protocol.MsgStockUpdate {
		t.Fatalf("expected stock_update, got %s", f.Type)
	}
}

func TestAuthenticateRejectsUnknownRole(t *testing.T) {
	h := newTestHub(t, Options{})
	c, _ := h.register(transportWebSocket)
	recv(t, c)

	inbound(t, h, c, protocol.MsgAuthenticate, protocol.Identity{UserID: "u1", Role: "owner"})

	if f := recv(t, c); f.Type != protocol.MsgAuthError {
		t.Fatalf("expected auth_error, got %s", f.Type)
	}
	expectClosed(t, c)
	if h.ClientCount() != 0 {
		t.Fatalf("expected rejected websocket session removed, %d left", h.ClientCount())
	}
}

func TestAuthenticateRequireAuthWithoutToken(t *testing.T) {
	h := newTestHub(t, Options{RequireAuth: true})
	c, _ := h.register(transportPolling)
	recv(t, c)

	inbound(t, h, c, protocol.MsgAuthenticate, protocol.Identity{UserID: "u1", Role: protocol.RoleAdmin})

	f := recv(t, c)
	if f.Type != protocol.MsgAuthError {
		t.Fatalf("expected auth_error, got %s", f.Type)
	}
	var p protocol.AuthErrorPayload
	_ = json.Unmarshal(f.Payload, &p)
	if p.Message != "token required" {
		t.Fatalf("auth_error message = %q", p.Message)
	}
	// Polling sessions stay until the rejection has been collected.
	if !c.isDraining() {
		t.Fatal("expected polling session to be draining")
	}
	if _, ok := c.Identity(); ok {
		t.Fatal("rejected session must not be authenticated")
	}

	// A draining session cannot retry with a different claim.
	inbound(t, h, c, protocol.MsgAuthenticate, protocol.Identity{UserID: "u1", Role: protocol.RoleAdmin})
	expectNone(t, c)
	if _, ok := c.Identity(); ok {
		t.Fatal("draining session must stay unauthenticated")
	}
}

func TestAuthenticateVerifiesToken(t *testing.T) {
	const secret = "hub-test-secret"
	issuer, err := auth.NewIssuer(secret, time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	verifier, err := auth.NewVerifier(secret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	token, err := issuer.Issue("u7", protocol.RoleManager)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	h := newTestHub(t, Options{Checker: verifier, RequireAuth: true})

	good, _ := h.register(transportPolling)
	recv(t, good)
	inbound(t, h, good, protocol.MsgAuthenticate, protocol.Identity{UserID: "u7", Role: protocol.RoleViewer, Token: token})
	id, ok := good.Identity()
	if !ok || id.Role != protocol.RoleManager {
		t.Fatalf("expected token role to win, got %+v (authed %v)", id, ok)
	}
	if id.Token != "" {
		t.Fatal("stored identity should not keep the token")
	}

	bad, _ := h.register(transportPolling)
	recv(t, bad)
	inbound(t, h, bad, protocol.MsgAuthenticate, protocol.Identity{UserID: "u7", Role: protocol.RoleManager, Token: token + "x"})
	if f := recv(t, bad); f.Type != protocol.MsgAuthError {
		t.Fatalf("expected auth_error for forged token, got %s", f.Type)
	}
}

func TestScopedUpdateReachesSubscribersOnly(t *testing.T) {
	h := newTestHub(t, Options{})
	sub := connect(t, h, "u1", protocol.RoleStaff)
	other := connect(t, h, "u2", protocol.RoleStaff)

	inbound(t, h, sub, protocol.MsgSubscribeItem, "item-1")

	scoped := stockUpdate("item-1", 9).Scoped()
	h.Publish(protocol.NewEnvelope(scoped, time.Now()))

	if f := recv(t, sub); f.Type != protocol.MsgItemStockUpdate {
		t.Fatalf("subscriber expected item_stock_update, got %s", f.Type)
	}
	expectNone(t, other)

	inbound(t, h, sub, protocol.MsgUnsubscribeItem, "item-1")
	h.Publish(protocol.NewEnvelope(scoped, time.Now()))
	expectNone(t, sub)
}

func TestSubscribeBeforeAuthenticateIgnored(t *testing.T) {
	h := newTestHub(t, Options{})
	c, _ := h.register(transportPolling)
	recv(t, c)

	inbound(t, h, c, protocol.MsgSubscribeItem, "item-1")
	if c.subscribed("item-1") {
		t.Fatal("unauthenticated session must not hold subscriptions")
	}
}

func TestCriticalAlertRoleRouting(t *testing.T) {
	h := newTestHub(t, Options{})
	admin := connect(t, h, "a", protocol.RoleAdmin)
	manager := connect(t, h, "m", protocol.RoleManager)
	staff := connect(t, h, "s", protocol.RoleStaff)

	alert := protocol.AlertPayload{
		Type:     protocol.AlertOutOfStock,
		Severity: protocol.SeverityCritical,
		ItemID:   "item-1",
		ItemName: "Widget",
		Message:  "Out of stock",
	}
	h.Publish(protocol.NewEnvelope(alert.Critical(), time.Now()))

	for name, c := range map[string]*client{"admin": admin, "manager": manager} {
		if f := recv(t, c); f.Type != protocol.MsgCriticalAlert {
			t.Fatalf("%s expected critical_alert, got %s", name, f.Type)
		}
	}
	expectNone(t, staff)

	// Plain alerts reach everyone.
	h.Publish(protocol.NewEnvelope(protocol.AlertPayload{Type: protocol.AlertLowStock, ItemID: "item-2"}, time.Now()))
	if f := recv(t, staff); f.Type != protocol.MsgAlert {
		t.Fatalf("staff expected alert, got %s", f.Type)
	}
}

func TestRegisterMaxConnections(t *testing.T) {
	const maxConns = 2
	h := newTestHub(t, Options{MaxConnections: maxConns})

	var clients []*client
	for i := range maxConns {
		c, err := h.register(transportWebSocket)
		if err != nil {
			t.Fatalf("register[%d]: unexpected error: %v", i, err)
		}
		clients = append(clients, c)
	}

	if _, err := h.register(transportPolling); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
	if got := h.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after rejection, got %d", maxConns, got)
	}

	h.remove(clients[0], "test")
	if _, err := h.register(transportWebSocket); err != nil {
		t.Fatalf("register after removal: %v", err)
	}
}

func TestRegisterAfterClose(t *testing.T) {
	h := New(Options{Logger: logging.Nop()})
	c, _ := h.register(transportWebSocket)
	h.Close()
	h.Close()

	expectClosed(t, c)
	if _, err := h.register(transportWebSocket); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
}

func TestSlowClientRemoved(t *testing.T) {
	h := newTestHub(t, Options{SendBuffer: 3})
	slow := connect(t, h, "u1", protocol.RoleStaff)

	for i := range 5 {
		h.Publish(protocol.NewEnvelope(stockUpdate("item-1", i), time.Now()))
	}

	if _, ok := h.lookup(slow.id); ok {
		t.Fatal("expected slow session to be removed")
	}
	expectClosed(t, slow)

	// Publishing after removal must not panic on the closed queue.
	h.Publish(protocol.NewEnvelope(stockUpdate("item-1", 0), time.Now()))
}

func TestDashboardUpdatesCoalesced(t *testing.T) {
	h := newTestHub(t, Options{DashboardThrottle: 40 * time.Millisecond})
	c := connect(t, h, "u1", protocol.RoleStaff)

	for i := range 5 {
		raw, _ := json.Marshal(map[string]int{"seq": i})
		h.Publish(protocol.NewEnvelope(protocol.DashboardUpdatePayload{Raw: raw}, time.Now()))
	}

	f := recv(t, c)
	if f.Type != protocol.MsgDashboardUpdate {
		t.Fatalf("expected dashboard_update, got %s", f.Type)
	}
	var got map[string]int
	if err := json.Unmarshal(f.Payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["seq"] != 4 {
		t.Fatalf("expected latest signal seq=4, got %v", got)
	}
	expectNone(t, c)
}

func TestInboundRateLimited(t *testing.T) {
	h := newTestHub(t, Options{MessageRate: 0.001, MessageBurst: 2})
	c := connect(t, h, "u1", protocol.RoleStaff)
	for _, id := range []string{"item-1", "item-2", "item-3"} {
		inbound(t, h, c, protocol.MsgSubscribeItem, id)
	}

	inbound(t, h, c, protocol.MsgUnsubscribeItem, "item-1")
	inbound(t, h, c, protocol.MsgUnsubscribeItem, "item-2")
	inbound(t, h, c, protocol.MsgUnsubscribeItem, "item-3")

	if c.subscribed("item-1") || c.subscribed("item-2") {
		t.Fatal("unsubscribes within the burst should apply")
	}
	if !c.subscribed("item-3") {
		t.Fatal("unsubscribe beyond the burst should be dropped")
	}
}

func TestSubscriptionReplayIsNotRateLimited(t *testing.T) {
	const items = 50
	h := newTestHub(t, Options{MessageRate: 0.001, MessageBurst: 2})
	c := connect(t, h, "u1", protocol.RoleManager)

	for i := range items {
		inbound(t, h, c, protocol.MsgSubscribeItem, fmt.Sprintf("item-%d", i))
	}
	for i := range items {
		if id := fmt.Sprintf("item-%d", i); !c.subscribed(id) {
			t.Fatalf("%s missing after replay", id)
		}
	}

	h.Publish(protocol.NewEnvelope(stockUpdate("item-49", 3).Scoped(), time.Now()))
	if f := recv(t, c); f.Type != protocol.MsgItemStockUpdate {
		t.Fatalf("expected item_stock_update for the last replayed item, got %s", f.Type)
	}

	// Repeats do not count as replay and use the limiter.
	inbound(t, h, c, protocol.MsgSubscribeItem, "item-0")
	inbound(t, h, c, protocol.MsgSubscribeItem, "item-0")
	inbound(t, h, c, protocol.MsgUnsubscribeItem, "item-0")
	if !c.subscribed("item-0") {
		t.Fatal("unsubscribe after the burst was spent should be dropped")
	}
}

func TestSubscriptionLimit(t *testing.T) {
	h := newTestHub(t, Options{MaxSubscriptions: 2})
	c := connect(t, h, "u1", protocol.RoleStaff)

	for _, id := range []string{"item-1", "item-2", "item-3"} {
		inbound(t, h, c, protocol.MsgSubscribeItem, id)
	}
	if !c.subscribed("item-1") || !c.subscribed("item-2") {
		t.Fatal("subscriptions within the limit should apply")
	}
	if c.subscribed("item-3") {
		t.Fatal("subscription past the limit should be refused")
	}
}

func TestSecondAuthenticateIgnored(t *testing.T) {
	h := newTestHub(t, Options{})
	c := connect(t, h, "staff-1", protocol.RoleStaff)

	inbound(t, h, c, protocol.MsgAuthenticate, protocol.Identity{UserID: "someone-else", Role: protocol.RoleAdmin})

	id, ok := c.Identity()
	if !ok || id.UserID != "staff-1" || id.Role != protocol.RoleStaff {
		t.Fatalf("identity changed to %+v (authed %v)", id, ok)
	}
	alert := protocol.AlertPayload{Type: protocol.AlertOutOfStock, ItemID: "item-1", Message: "Out of stock"}
	h.Publish(protocol.NewEnvelope(alert.Critical(), time.Now()))
	expectNone(t, c)

	// A bad second authenticate does not reject an authenticated session.
	inbound(t, h, c, protocol.MsgAuthenticate, protocol.Identity{UserID: "x", Role: "owner"})
	expectNone(t, c)
	if c.isDraining() {
		t.Fatal("authenticated session should not be draining")
	}
	if _, ok := h.lookup(c.id); !ok {
		t.Fatal("authenticated session should stay registered")
	}
}

func TestMalformedInboundIgnored(t *testing.T) {
	h := newTestHub(t, Options{})
	c := connect(t, h, "u1", protocol.RoleStaff)

	h.handleInbound(c, []byte("{not json"))
	h.handleInbound(c, []byte(`{"type":"subscribe_item","payload":42}`))
	h.handleInbound(c, []byte(`{"type":"telemetry","payload":{}}`))

	if _, ok := h.lookup(c.id); !ok {
		t.Fatal("malformed frames must not drop the session")
	}
	expectNone(t, c)
}

func TestSweepExpiresIdlePollSessions(t *testing.T) {
	h := newTestHub(t, Options{PollSessionTTL: time.Minute})
	poll, _ := h.register(transportPolling)
	ws, _ := h.register(transportWebSocket)
	busy, _ := h.register(transportPolling)

	busy.pollMu.Lock()
	h.sweep(time.Now().Add(2 * time.Minute))
	busy.pollMu.Unlock()

	if _, ok := h.lookup(poll.id); ok {
		t.Fatal("idle polling session should expire")
	}
	if _, ok := h.lookup(ws.id); !ok {
		t.Fatal("websocket sessions are not swept")
	}
	if _, ok := h.lookup(busy.id); !ok {
		t.Fatal("session with a poll in progress should survive")
	}
	if got := h.PollSessionCount(); got != 1 {
		t.Fatalf("expected 1 polling session, got %d", got)
	}
}

func TestRelayDecodeSkipsOwnOrigin(t *testing.T) {
	a := NewRedisRelay(nil, "events", logging.Nop())
	b := NewRedisRelay(nil, "events", logging.Nop())

	data, err := a.encode(protocol.NewEnvelope(stockUpdate("item-1", 3), time.Now()))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, ok, err := a.decode(string(data)); err != nil || ok {
		t.Fatalf("own message should be skipped, ok=%v err=%v", ok, err)
	}
	env, ok, err := b.decode(string(data))
	if err != nil || !ok {
		t.Fatalf("peer message should decode, ok=%v err=%v", ok, err)
	}
	p, isStock := env.Payload.(protocol.StockUpdatePayload)
	if env.Kind != protocol.MsgStockUpdate || !isStock || p.ItemID != "item-1" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	if _, _, err := b.decode("garbage"); err == nil {
		t.Fatal("expected error for malformed relay message")
	}
}

type recordingRelay struct {
	published chan protocol.Envelope
}

func (r *recordingRelay) Publish(_ context.Context, env protocol.Envelope) error {
	r.published <- env
	return nil
}

func (r *recordingRelay) Subscribe(ctx context.Context, deliver func(protocol.Envelope)) error {
	deliver(protocol.NewEnvelope(stockUpdate("remote-item", 1), time.Now()))
	<-ctx.Done()
	return nil
}

func TestRelayPublishAndDeliver(t *testing.T) {
	relay := &recordingRelay{published: make(chan protocol.Envelope, 1)}
	h := newTestHub(t, Options{Relay: relay})
	c := connect(t, h, "u1", protocol.RoleStaff)

	h.Publish(protocol.NewEnvelope(stockUpdate("local-item", 2), time.Now()))
	recv(t, c)
	select {
	case env := <-relay.published:
		if env.Kind != protocol.MsgStockUpdate {
			t.Fatalf("relayed %s", env.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not relayed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.RunRelay(ctx) }()

	var p protocol.StockUpdatePayload
	if err := json.Unmarshal(recv(t, c).Payload, &p); err != nil || p.ItemID != "remote-item" {
		t.Fatalf("expected relayed remote-item update, got %+v (%v)", p, err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunRelay: %v", err)
	}
}

func TestHubMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	h := newTestHub(t, Options{MaxConnections: 1, Meter: provider.Meter(meterName)})
	c := connect(t, h, "u1", protocol.RoleStaff)
	if _, err := h.register(transportWebSocket); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected rejection, got %v", err)
	}
	h.Publish(protocol.NewEnvelope(stockUpdate("item-1", 4), time.Now()))
	recv(t, c)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}

	want := map[string]int64{
		"stockpilot.hub.sessions":          1,
		"stockpilot.hub.sessions.rejected": 1,
		"stockpilot.hub.deliveries":        1,
	}
	for name, v := range want {
		if sums[name] != v {
			t.Errorf("%s = %d, want %d (all: %v)", name, sums[name], v, sums)
		}
	}
}
