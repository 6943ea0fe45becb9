// Package inventory is the item store behind the hub. Every stock movement
// is turned into the events the realtime channel carries: a broadcast
// stock_update, a scoped item_stock_update, an alert when the item falls to
// or below its threshold, and a dashboard_update signal.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stockpilot/realtime/internal/protocol"
)

var (
	ErrItemNotFound      = errors.New("item not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidItem       = errors.New("invalid item")
)

const (
	MovementStockAdded   = "stock_added"
	MovementStockRemoved = "stock_removed"
)

type Item struct {
	ID                string    `json:"id"`
	SKU               string    `json:"sku,omitempty"`
	Name              string    `json:"name"`
	Category          string    `json:"category,omitempty"`
	Quantity          int       `json:"quantity"`
	LowStockThreshold int       `json:"lowStockThreshold"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Movement is a signed change to an item's quantity.
type Movement struct {
	ItemID   string    `json:"itemId"`
	Delta    int       `json:"delta"`
	Reason   string    `json:"reason,omitempty"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName,omitempty"`
	At       time.Time `json:"at"`
}

type MovementResult struct {
	Item     Item                   `json:"item"`
	Previous int                    `json:"previousQuantity"`
	Alert    *protocol.AlertPayload `json:"alert,omitempty"`
}

// Summary is the dashboard view of the whole inventory.
type Summary struct {
	TotalItems      int       `json:"totalItems"`
	TotalUnits      int       `json:"totalUnits"`
	LowStockCount   int       `json:"lowStockCount"`
	OutOfStockCount int       `json:"outOfStockCount"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// Store persists items. ApplyMovement must be atomic: it returns the item
// before and after the change, or ErrInsufficientStock without modifying
// anything.
type Store interface {
	List(ctx context.Context) ([]Item, error)
	Get(ctx context.Context, id string) (Item, error)
	Create(ctx context.Context, it Item) (Item, error)
	ApplyMovement(ctx context.Context, m Movement) (before, after Item, err error)
	Close() error
}

// Publisher receives the events produced by inventory changes.
type Publisher interface {
	Publish(env protocol.Envelope)
}

type Service struct {
	store     Store
	pub       Publisher
	threshold int
	log       zerolog.Logger
	now       func() time.Time
}

// NewService wires store to pub. defaultThreshold applies to items created
// without their own low-stock threshold. pub may be nil.
func NewService(store Store, pub Publisher, defaultThreshold int, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		pub:       pub,
		threshold: defaultThreshold,
		log:       log,
		now:       time.Now,
	}
}

func (s *Service) List(ctx context.Context) ([]Item, error) {
	return s.store.List(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (Item, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) CreateItem(ctx context.Context, it Item) (Item, error) {
	it.Name = strings.TrimSpace(it.Name)
	if it.Name == "" {
		return Item{}, fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	if it.Quantity < 0 {
		return Item{}, fmt.Errorf("%w: negative quantity", ErrInvalidItem)
	}
	if it.LowStockThreshold <= 0 {
		it.LowStockThreshold = s.threshold
	}
	it.UpdatedAt = s.now().UTC()

	created, err := s.store.Create(ctx, it)
	if err != nil {
		return Item{}, err
	}

	s.publish(protocol.NotificationPayload{
		Type:      "item_created",
		Title:     "Item added",
		Message:   fmt.Sprintf("%s added with %d in stock", created.Name, created.Quantity),
		Timestamp: created.UpdatedAt.Format(time.RFC3339),
	}, created.UpdatedAt)
	s.publishDashboard(ctx, created.UpdatedAt)
	return created, nil
}

// RecordMovement applies m and publishes the resulting events.
func (s *Service) RecordMovement(ctx context.Context, m Movement) (MovementResult, error) {
	if m.ItemID == "" {
		return MovementResult{}, fmt.Errorf("%w: item id is required", ErrInvalidItem)
	}
	if m.Delta == 0 {
		return MovementResult{}, fmt.Errorf("%w: delta must be non-zero", ErrInvalidItem)
	}
	if m.At.IsZero() {
		m.At = s.now()
	}
	m.At = m.At.UTC()

	before, after, err := s.store.ApplyMovement(ctx, m)
	if err != nil {
		return MovementResult{}, err
	}

	res := MovementResult{Item: after, Previous: before.Quantity}
	prev, next := before.Quantity, after.Quantity
	update := protocol.StockUpdatePayload{
		Type:             movementType(m.Delta),
		ItemID:           after.ID,
		ItemName:         after.Name,
		PreviousQuantity: &prev,
		NewQuantity:      &next,
		UserID:           m.UserID,
		UserName:         m.UserName,
		Timestamp:        m.At.Format(time.RFC3339),
	}
	s.publish(update, m.At)
	s.publish(update.Scoped(), m.At)

	if alert, ok := alertFor(after, m.Delta, m.At); ok {
		res.Alert = &alert
		s.publish(alert, m.At)
	}
	s.publishDashboard(ctx, m.At)

	s.log.Info().
		Str("item", after.ID).
		Int("delta", m.Delta).
		Int("quantity", after.Quantity).
		Str("user", m.UserID).
		Msg("stock movement recorded")
	return res, nil
}

func (s *Service) Summary(ctx context.Context) (Summary, error) {
	items, err := s.store.List(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(items, s.now()), nil
}

// Summarize computes dashboard totals over items.
func Summarize(items []Item, at time.Time) Summary {
	sum := Summary{TotalItems: len(items), GeneratedAt: at.UTC()}
	for _, it := range items {
		sum.TotalUnits += it.Quantity
		switch {
		case it.Quantity <= 0:
			sum.OutOfStockCount++
		case it.Quantity <= it.LowStockThreshold:
			sum.LowStockCount++
		}
	}
	return sum
}

func (s *Service) publish(p protocol.Payload, at time.Time) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(protocol.NewEnvelope(p, at))
}

func (s *Service) publishDashboard(ctx context.Context, at time.Time) {
	if s.pub == nil {
		return
	}
	sum, err := s.Summary(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("dashboard summary failed")
		return
	}
	raw, err := json.Marshal(sum)
	if err != nil {
		return
	}
	s.publish(protocol.DashboardUpdatePayload{Raw: raw}, at)
}

func movementType(delta int) string {
	if delta > 0 {
		return MovementStockAdded
	}
	return MovementStockRemoved
}

// alertFor reports the alert raised by a decrease that leaves it at or
// below its threshold. Empty stock is critical.
func alertFor(it Item, delta int, at time.Time) (protocol.AlertPayload, bool) {
	if delta >= 0 || it.Quantity > it.LowStockThreshold {
		return protocol.AlertPayload{}, false
	}
	a := protocol.AlertPayload{
		ItemID:       it.ID,
		ItemName:     it.Name,
		CurrentStock: it.Quantity,
		Threshold:    it.LowStockThreshold,
		Timestamp:    at.Format(time.RFC3339),
	}
	if it.Quantity <= 0 {
		a.Type = protocol.AlertOutOfStock
		a.Severity = protocol.SeverityCritical
		a.Message = "Out of stock"
		return a.Critical(), true
	}
	a.Type = protocol.AlertLowStock
	a.Severity = protocol.SeverityWarning
	a.Message = fmt.Sprintf("Low stock: %d left (threshold %d)", it.Quantity, it.LowStockThreshold)
	return a, true
}
