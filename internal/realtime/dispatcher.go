package realtime

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/stockpilot/realtime/internal/protocol"
)

// Handler receives a decoded envelope. A returned error is logged and does
// not stop other handlers.
type Handler func(env protocol.Envelope) error

type handlerEntry struct {
	id    uint64
	fn    Handler
	alive atomic.Bool
}

// Dispatcher routes envelopes to handlers registered per event kind. It
// holds no business state.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageType][]*handlerEntry
	nextID   uint64
	log      zerolog.Logger
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.MessageType][]*handlerEntry),
		log:      log,
	}
}

// On registers fn for kind and returns a function that removes it.
func (d *Dispatcher) On(kind protocol.MessageType, fn Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	e := &handlerEntry{id: d.nextID, fn: fn}
	e.alive.Store(true)
	d.handlers[kind] = append(d.handlers[kind], e)

	return func() { d.remove(kind, e) }
}

func (d *Dispatcher) remove(kind protocol.MessageType, e *handlerEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e.alive.Store(false)
	d.handlers[kind] = slices.DeleteFunc(d.handlers[kind], func(x *handlerEntry) bool {
		return x == e
	})
}

// Dispatch invokes every live handler for env.Kind in registration order and
// returns how many ran. A handler removed or cleared while an earlier
// handler is running is skipped.
func (d *Dispatcher) Dispatch(env protocol.Envelope) int {
	return d.DispatchWhile(env, nil)
}

// DispatchWhile is Dispatch that checks ok before each handler and stops at
// the first false. A nil ok always passes.
func (d *Dispatcher) DispatchWhile(env protocol.Envelope, ok func() bool) int {
	d.mu.RLock()
	entries := slices.Clone(d.handlers[env.Kind])
	d.mu.RUnlock()

	n := 0
	for _, e := range entries {
		if ok != nil && !ok() {
			break
		}
		if !e.alive.Load() {
			continue
		}
		d.invoke(e, env)
		n++
	}
	return n
}

func (d *Dispatcher) invoke(e *handlerEntry, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("kind", string(env.Kind)).
				Uint64("handler", e.id).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler panicked")
		}
	}()
	if err := e.fn(env); err != nil {
		d.log.Warn().
			Err(err).
			Str("kind", string(env.Kind)).
			Uint64("handler", e.id).
			Msg("event handler failed")
	}
}

// Clear drops every handler. No handler starts after Clear returns.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, entries := range d.handlers {
		for _, e := range entries {
			e.alive.Store(false)
		}
	}
	clear(d.handlers)
}

// Count returns the number of handlers registered for kind.
func (d *Dispatcher) Count(kind protocol.MessageType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

// Handle registers a typed handler. Envelopes whose payload is not a T are
// skipped.
func Handle[T protocol.Payload](d *Dispatcher, kind protocol.MessageType, fn func(T) error) func() {
	return d.On(kind, func(env protocol.Envelope) error {
		p, ok := env.Payload.(T)
		if !ok {
			return fmt.Errorf("payload for %s is %T", kind, env.Payload)
		}
		return fn(p)
	})
}

// OnStockUpdate registers fn for both broadcast and item-scoped stock
// updates.
func (d *Dispatcher) OnStockUpdate(fn func(protocol.StockUpdatePayload) error) func() {
	return handleEach(d, fn, protocol.MsgStockUpdate, protocol.MsgItemStockUpdate)
}

// OnAlert registers fn for alerts of either severity.
func (d *Dispatcher) OnAlert(fn func(protocol.AlertPayload) error) func() {
	return handleEach(d, fn, protocol.MsgAlert, protocol.MsgCriticalAlert)
}

func (d *Dispatcher) OnNotification(fn func(protocol.NotificationPayload) error) func() {
	return Handle(d, protocol.MsgNotification, fn)
}

func (d *Dispatcher) OnDashboardUpdate(fn func(protocol.DashboardUpdatePayload) error) func() {
	return Handle(d, protocol.MsgDashboardUpdate, fn)
}

func handleEach[T protocol.Payload](d *Dispatcher, fn func(T) error, kinds ...protocol.MessageType) func() {
	offs := make([]func(), len(kinds))
	for i, k := range kinds {
		offs[i] = Handle(d, k, fn)
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
