package presenter

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/stockpilot/realtime/internal/protocol"
	"github.com/stockpilot/realtime/internal/realtime"
)

// MaxNotifications bounds the retained history.
const MaxNotifications = 50

type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ItemID    string    `json:"itemId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Notifications is the bounded, newest-first history of alerts and
// notifications.
type Notifications struct {
	mu      sync.Mutex
	items   []Notification
	limit   int
	entropy io.Reader
	now     func() time.Time
	changes signal
}

// NewNotifications keeps at most limit entries; limit <= 0 means
// MaxNotifications.
func NewNotifications(limit int) *Notifications {
	if limit <= 0 {
		limit = MaxNotifications
	}
	return &Notifications{
		limit:   limit,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
		changes: newSignal(),
	}
}

func (n *Notifications) Attach(disp *realtime.Dispatcher) func() {
	offAlert := disp.OnAlert(func(p protocol.AlertPayload) error {
		n.AddAlert(p)
		return nil
	})
	offNote := disp.OnNotification(func(p protocol.NotificationPayload) error {
		n.AddNotification(p)
		return nil
	})
	return func() {
		offAlert()
		offNote()
	}
}

// AddAlert records an alert as an unread entry with a fresh ULID.
func (n *Notifications) AddAlert(p protocol.AlertPayload) Notification {
	title := "Low stock"
	switch {
	case p.Type == protocol.AlertOutOfStock:
		title = "Out of stock"
	case p.IsCritical():
		title = "Critical stock alert"
	}
	if p.ItemName != "" {
		title += ": " + p.ItemName
	}
	severity := p.Severity
	if severity == "" && p.IsCritical() {
		severity = protocol.SeverityCritical
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	at := parseOr(p.Timestamp, n.now())
	return n.pushLocked(Notification{
		ID:        n.newIDLocked(at),
		Type:      p.Type,
		Severity:  severity,
		Title:     title,
		Message:   p.Message,
		ItemID:    p.ItemID,
		Timestamp: at,
	})
}

// AddNotification records a server notification, keeping its id and read
// flag when present.
func (n *Notifications) AddNotification(p protocol.NotificationPayload) Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	at := parseOr(p.Timestamp, n.now())
	id := p.ID
	if id == "" {
		id = n.newIDLocked(at)
	}
	return n.pushLocked(Notification{
		ID:        id,
		Type:      p.Type,
		Title:     p.Title,
		Message:   p.Message,
		Timestamp: at,
		Read:      p.Read,
	})
}

func (n *Notifications) pushLocked(e Notification) Notification {
	n.items = append([]Notification{e}, n.items...)
	if len(n.items) > n.limit {
		clear(n.items[n.limit:])
		n.items = n.items[:n.limit]
	}
	n.changes.fire()
	return e
}

func (n *Notifications) newIDLocked(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), n.entropy).String()
}

// Items returns a copy of the history, newest first.
func (n *Notifications) Items() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.items))
	copy(out, n.items)
	return out
}

func (n *Notifications) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}

// MarkRead flags id as read and reports whether it was found.
func (n *Notifications) MarkRead(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.items {
		if n.items[i].ID == id {
			if !n.items[i].Read {
				n.items[i].Read = true
				n.changes.fire()
			}
			return true
		}
	}
	return false
}

// MarkAllRead returns how many entries changed.
func (n *Notifications) MarkAllRead() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := 0
	for i := range n.items {
		if !n.items[i].Read {
			n.items[i].Read = true
			changed++
		}
	}
	if changed > 0 {
		n.changes.fire()
	}
	return changed
}

func (n *Notifications) UnreadCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.items {
		if !e.Read {
			count++
		}
	}
	return count
}

func (n *Notifications) Clear() {
	n.mu.Lock()
	n.items = nil
	n.mu.Unlock()
	n.changes.fire()
}

func (n *Notifications) Changes() <-chan struct{} { return n.changes.ch }

func parseOr(ts string, fallback time.Time) time.Time {
	if ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
	}
	return fallback
}
