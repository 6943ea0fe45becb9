package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/stockpilot/realtime/internal/protocol"
)

const (
	transportWebSocket = "websocket"
	transportPolling   = "polling"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// client is one session, fed either by a WebSocket write pump or by
// long-poll requests draining send.
type client struct {
	id        string
	transport string
	send      chan []byte
	limiter   *rate.Limiter

	mu       sync.RWMutex
	identity protocol.Identity
	authed   bool
	subs     map[string]struct{}
	draining bool // polling: remove once queued frames are collected

	lastSeen atomic.Int64 // unix nanos, polling only
	pollMu   sync.Mutex   // one outstanding GET per polling session
}

func newClient(id, transport string, buffer int, limiter *rate.Limiter) *client {
	c := &client{
		id:        id,
		transport: transport,
		send:      make(chan []byte, buffer),
		limiter:   limiter,
		subs:      make(map[string]struct{}),
	}
	c.touch()
	return c
}

func (c *client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *client) idleSince() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// setIdentity records id unless the session already has one.
func (c *client) setIdentity(id protocol.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authed {
		return false
	}
	c.identity = id
	c.authed = true
	return true
}

func (c *client) Identity() (protocol.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.authed
}

// subscribe adds itemID unless that would take the set past limit.
func (c *client) subscribe(itemID string, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[itemID]; ok {
		return true
	}
	if len(c.subs) >= limit {
		return false
	}
	c.subs[itemID] = struct{}{}
	return true
}

// canAdd reports whether an authenticated session could subscribe to a new
// itemID without passing limit.
func (c *client) canAdd(itemID string, limit int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.authed {
		return false
	}
	_, dup := c.subs[itemID]
	return !dup && len(c.subs) < limit
}

func (c *client) unsubscribe(itemID string) {
	c.mu.Lock()
	delete(c.subs, itemID)
	c.mu.Unlock()
}

func (c *client) subscribed(itemID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[itemID]
	return ok
}

func (c *client) markDraining() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
}

func (c *client) isDraining() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.draining
}

// wants reports whether env should be delivered to this session.
// Unauthenticated sessions receive nothing; scoped stock updates go to
// subscribers only; critical alerts go to admins and managers.
func (c *client) wants(env protocol.Envelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.authed {
		return false
	}
	switch env.Kind {
	case protocol.MsgItemStockUpdate:
		p, ok := env.Payload.(protocol.StockUpdatePayload)
		if !ok {
			return false
		}
		_, sub := c.subs[p.ItemID]
		return sub
	case protocol.MsgCriticalAlert:
		return c.identity.Role == protocol.RoleAdmin || c.identity.Role == protocol.RoleManager
	default:
		return true
	}
}

// writePump drains send onto conn until send is closed, pinging the peer in
// between.
func writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
