// Package protocol defines the frames exchanged on the StockPilot realtime
// channel. The hub and the client core both import it so the wire format has
// a single definition.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageType string

// Inbound (server to client) kinds.
const (
	MsgConnected       MessageType = "connected"
	MsgStockUpdate     MessageType = "stock_update"
	MsgItemStockUpdate MessageType = "item_stock_update"
	MsgAlert           MessageType = "alert"
	MsgCriticalAlert   MessageType = "critical_alert"
	MsgNotification    MessageType = "notification"
	MsgDashboardUpdate MessageType = "dashboard_update"
	MsgAuthError       MessageType = "auth_error"
)

// Outbound (client to server) kinds.
const (
	MsgAuthenticate    MessageType = "authenticate"
	MsgSubscribeItem   MessageType = "subscribe_item"
	MsgUnsubscribeItem MessageType = "unsubscribe_item"
)

var ErrUnknownKind = errors.New("unknown message kind")

// Frame is the envelope for every message on the channel.
type Frame struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Envelope is a decoded inbound frame.
type Envelope struct {
	Kind      MessageType
	Payload   Payload
	Timestamp time.Time
}

// Payload is implemented by every inbound payload type. The unexported
// method closes the set so a type switch over Payload covers all kinds.
type Payload interface {
	kind() MessageType
}

type ConnectedPayload struct {
	Message  string `json:"message"`
	ClientID string `json:"clientId"`
}

// StockUpdatePayload is carried by both stock_update and item_stock_update.
type StockUpdatePayload struct {
	Type             string `json:"type"`
	ItemID           string `json:"itemId"`
	ItemName         string `json:"itemName"`
	PreviousQuantity *int   `json:"previousQuantity,omitempty"`
	NewQuantity      *int   `json:"newQuantity,omitempty"`
	UserID           string `json:"userId"`
	UserName         string `json:"userName,omitempty"`
	Timestamp        string `json:"timestamp"`

	scoped bool
}

// AlertPayload is carried by both alert and critical_alert.
type AlertPayload struct {
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	ItemID       string `json:"itemId"`
	ItemName     string `json:"itemName"`
	CurrentStock int    `json:"currentStock"`
	Threshold    int    `json:"threshold"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`

	critical bool
}

type NotificationPayload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
}

// DashboardUpdatePayload is opaque; handlers decide what it means.
type DashboardUpdatePayload struct {
	Raw json.RawMessage
}

type AuthErrorPayload struct {
	Message string `json:"message"`
}

func (ConnectedPayload) kind() MessageType { return MsgConnected }

func (p StockUpdatePayload) kind() MessageType {
	if p.scoped {
		return MsgItemStockUpdate
	}
	return MsgStockUpdate
}

func (p AlertPayload) kind() MessageType {
	if p.critical {
		return MsgCriticalAlert
	}
	return MsgAlert
}

func (NotificationPayload) kind() MessageType    { return MsgNotification }
func (DashboardUpdatePayload) kind() MessageType { return MsgDashboardUpdate }
func (AuthErrorPayload) kind() MessageType       { return MsgAuthError }

// Alert severities and types used by the hub.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	AlertLowStock   = "low_stock"
	AlertOutOfStock = "out_of_stock"
)

// Role is the access level carried in a Session Identity.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
	RoleViewer  Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleStaff, RoleViewer:
		return true
	}
	return false
}

// Identity is sent once per connection in the authenticate message.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Token  string `json:"token,omitempty"`
}

// Decode parses a raw frame into a typed Envelope. Frames of an unknown kind
// return ErrUnknownKind, which callers are expected to ignore.
func Decode(data []byte) (Envelope, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return DecodeFrame(f)
}

// DecodeFrame converts an already-parsed frame into an Envelope.
func DecodeFrame(f Frame) (Envelope, error) {
	env := Envelope{Kind: f.Type, Timestamp: parseTimestamp(f.Timestamp)}

	var err error
	switch f.Type {
	case MsgConnected:
		var p ConnectedPayload
		err = unmarshalPayload(f.Payload, &p)
		env.Payload = p
	case MsgStockUpdate, MsgItemStockUpdate:
		var p StockUpdatePayload
		err = unmarshalPayload(f.Payload, &p)
		p.scoped = f.Type == MsgItemStockUpdate
		env.Payload = p
	case MsgAlert, MsgCriticalAlert:
		var p AlertPayload
		err = unmarshalPayload(f.Payload, &p)
		p.critical = f.Type == MsgCriticalAlert
		env.Payload = p
	case MsgNotification:
		var p NotificationPayload
		err = unmarshalPayload(f.Payload, &p)
		env.Payload = p
	case MsgDashboardUpdate:
		env.Payload = DashboardUpdatePayload{Raw: append(json.RawMessage(nil), f.Payload...)}
	case MsgAuthError:
		var p AuthErrorPayload
		err = unmarshalPayload(f.Payload, &p)
		env.Payload = p
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, f.Type)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return env, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Encode builds a wire frame for the given kind and payload.
func Encode(kind MessageType, payload any, at time.Time) ([]byte, error) {
	f := Frame{Type: kind}
	if !at.IsZero() {
		f.Timestamp = at.UTC().Format(time.RFC3339Nano)
	}
	if payload != nil {
		raw, ok := payload.(json.RawMessage)
		if !ok {
			var err error
			raw, err = json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encode %s payload: %w", kind, err)
			}
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// EncodeEnvelope re-encodes a decoded envelope, preserving its kind.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	var payload any = env.Payload
	if d, ok := env.Payload.(DashboardUpdatePayload); ok {
		payload = d.Raw
	}
	return Encode(env.Kind, payload, env.Timestamp)
}

// NewEnvelope wraps a payload, deriving the kind from the payload type.
func NewEnvelope(p Payload, at time.Time) Envelope {
	return Envelope{Kind: p.kind(), Payload: p, Timestamp: at}
}

// Scoped marks a stock update for per-item delivery (item_stock_update).
func (p StockUpdatePayload) Scoped() StockUpdatePayload {
	p.scoped = true
	return p
}

// Critical marks an alert as critical_alert.
func (p AlertPayload) Critical() AlertPayload {
	p.critical = true
	return p
}

// IsCritical reports whether the alert arrived as critical_alert.
func (p AlertPayload) IsCritical() bool { return p.critical }

// IsScoped reports whether the update arrived as item_stock_update.
func (p StockUpdatePayload) IsScoped() bool { return p.scoped }
