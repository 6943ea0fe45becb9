package inventory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps items in a map. Reads return copies.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func (s *MemoryStore) List(_ context.Context) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	slices.SortFunc(out, func(a, b Item) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return *it, nil
}

func (s *MemoryStore) Create(_ context.Context, it Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if _, exists := s.items[it.ID]; exists {
		return Item{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidItem, it.ID)
	}
	stored := it
	s.items[it.ID] = &stored
	return it, nil
}

func (s *MemoryStore) ApplyMovement(_ context.Context, m Movement) (Item, Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[m.ItemID]
	if !ok {
		return Item{}, Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, m.ItemID)
	}
	before := *it
	if it.Quantity+m.Delta < 0 {
		return Item{}, Item{}, fmt.Errorf("%w: %s has %d, requested %d", ErrInsufficientStock, it.ID, it.Quantity, -m.Delta)
	}
	it.Quantity += m.Delta
	it.UpdatedAt = m.At
	return before, *it, nil
}

func (s *MemoryStore) Close() error { return nil }
