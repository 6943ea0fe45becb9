package realtime

import "slices"

// Subscriptions is the set of item ids the session wants scoped updates
// for. It is not safe for concurrent use; the Manager guards it.
type Subscriptions struct {
	ids map[string]struct{}
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{ids: make(map[string]struct{})}
}

// Add records id and reports whether it was new.
func (s *Subscriptions) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove drops id and reports whether it was present.
func (s *Subscriptions) Remove(id string) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	return true
}

func (s *Subscriptions) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *Subscriptions) Len() int { return len(s.ids) }

func (s *Subscriptions) Clear() {
	clear(s.ids)
}

// List returns the ids sorted, so replays are deterministic.
func (s *Subscriptions) List() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
