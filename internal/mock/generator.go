// Package mock drives a demo inventory with scripted stock movements so the
// realtime channel has traffic without a real warehouse behind it.
package mock

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockpilot/realtime/internal/inventory"
)

const defaultTick = 2 * time.Second

type mockItem struct {
	seed    inventory.Item
	id      string
	pattern string
	rate    int // units per movement
	restock int // quantity restored when the item runs dry; 0 leaves it empty
	users   []mockUser
	turn    int
}

type mockUser struct {
	id   string
	name string
}

var warehouseStaff = []mockUser{
	{"mock-user-dana", "Dana"},
	{"mock-user-ravi", "Ravi"},
	{"mock-user-lee", "Lee"},
}

// Generator seeds a catalog and records movements on it every tick.
type Generator struct {
	inv   *inventory.Service
	log   zerolog.Logger
	tick  time.Duration
	rng   *rand.Rand
	items []*mockItem
}

func NewGenerator(inv *inventory.Service, tick time.Duration, log zerolog.Logger) *Generator {
	if tick <= 0 {
		tick = defaultTick
	}
	return &Generator{
		inv:  inv,
		log:  log,
		tick: tick,
		rng:  rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
}

func catalog() []*mockItem {
	return []*mockItem{
		{
			seed:    inventory.Item{SKU: "WID-001", Name: "Blue Widget", Category: "Widgets", Quantity: 120, LowStockThreshold: 25},
			pattern: "steady", rate: 3, restock: 120, users: warehouseStaff,
		},
		{
			seed:    inventory.Item{SKU: "GIZ-104", Name: "Gizmo Pro", Category: "Gizmos", Quantity: 18, LowStockThreshold: 10},
			pattern: "sellout", rate: 2, users: warehouseStaff[:1],
		},
		{
			seed:    inventory.Item{SKU: "SPR-220", Name: "Sprocket 22mm", Category: "Parts", Quantity: 400, LowStockThreshold: 50},
			pattern: "burst", rate: 40, restock: 400, users: warehouseStaff,
		},
		{
			seed:    inventory.Item{SKU: "BLT-008", Name: "Hex Bolt M8", Category: "Parts", Quantity: 900, LowStockThreshold: 100},
			pattern: "restock", rate: 25, users: warehouseStaff[1:],
		},
		{
			seed:    inventory.Item{SKU: "CAB-300", Name: "USB-C Cable", Category: "Accessories", Quantity: 60, LowStockThreshold: 15},
			pattern: "stall", rate: 5, restock: 60, users: warehouseStaff[2:],
		},
	}
}

// Start creates the catalog and begins recording movements until ctx is
// done. Catalog creation runs before Start returns.
func (g *Generator) Start(ctx context.Context) error {
	g.items = catalog()
	for _, mi := range g.items {
		created, err := g.inv.CreateItem(ctx, mi.seed)
		if err != nil {
			return err
		}
		mi.id = created.ID
	}
	g.log.Info().Int("items", len(g.items)).Dur("tick", g.tick).Msg("mock inventory seeded")

	go g.run(ctx)
	return nil
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			g.step(ctx, tick)
		}
	}
}

// step records at most one movement per item.
func (g *Generator) step(ctx context.Context, tick int) {
	for _, mi := range g.items {
		delta := g.delta(mi, tick)
		if delta == 0 {
			continue
		}
		user := mi.users[mi.turn%len(mi.users)]
		mi.turn++

		_, err := g.inv.RecordMovement(ctx, inventory.Movement{
			ItemID:   mi.id,
			Delta:    delta,
			Reason:   "mock " + mi.pattern,
			UserID:   user.id,
			UserName: user.name,
		})
		switch {
		case err == nil:
		case errors.Is(err, inventory.ErrInsufficientStock):
			g.refill(ctx, mi, user)
		case ctx.Err() != nil:
			return
		default:
			g.log.Warn().Err(err).Str("item", mi.id).Msg("mock movement failed")
		}
	}
}

func (g *Generator) delta(mi *mockItem, tick int) int {
	switch mi.pattern {
	case "steady":
		return -mi.rate
	case "sellout":
		return -mi.rate
	case "burst":
		// Quiet most of the time, then a large pick.
		if g.rng.IntN(4) == 0 {
			return -(mi.rate + g.rng.IntN(mi.rate))
		}
		return 0
	case "restock":
		if tick%6 == 0 {
			return mi.rate * 4
		}
		return -mi.rate
	case "stall":
		if tick%5 < 3 {
			return 0
		}
		return -mi.rate
	}
	return 0
}

// refill restores an item that could not cover the movement, unless its
// pattern leaves it sold out.
func (g *Generator) refill(ctx context.Context, mi *mockItem, user mockUser) {
	if mi.restock == 0 {
		return
	}
	it, err := g.inv.Get(ctx, mi.id)
	if err != nil {
		return
	}
	if add := mi.restock - it.Quantity; add > 0 {
		_, err = g.inv.RecordMovement(ctx, inventory.Movement{
			ItemID: mi.id, Delta: add, Reason: "mock restock", UserID: user.id, UserName: user.name,
		})
		if err != nil {
			g.log.Warn().Err(err).Str("item", mi.id).Msg("mock restock failed")
		}
	}
}
