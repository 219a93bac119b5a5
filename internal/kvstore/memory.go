// internal/kvstore/memory.go
package kvstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe map store. It backs tests and single-process dev runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[Key]Item
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[Key]Item), now: time.Now}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Get(_ context.Context, key Key) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[key]
	if !ok {
		return Item{}, ErrNotFound
	}
	return cloneItem(it), nil
}

func (s *MemoryStore) Put(_ context.Context, item Item, opts PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.Key]; exists && opts.IfNotExists {
		return ErrConditionFailed
	}
	item.UpdatedAt = s.now().UTC()
	s.items[item.Key] = cloneItem(item)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, key Key, delta int64, opts IncrementOptions) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		if opts.MustExist {
			return Item{}, ErrConditionFailed
		}
		it = Item{Key: key}
	}
	it.Count = incremented(it.Count, delta, opts.ClampAtZero)
	it.UpdatedAt = s.now().UTC()
	s.items[key] = it
	return cloneItem(it), nil
}

func (s *MemoryStore) Update(_ context.Context, key Key, fn MutateFunc) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return Item{}, ErrNotFound
	}
	next := cloneItem(it)
	if err := fn(&next); err != nil {
		return Item{}, err
	}
	next.Key = key
	next.UpdatedAt = s.now().UTC()
	s.items[key] = next
	return cloneItem(next), nil
}

func (s *MemoryStore) Query(_ context.Context, in QueryInput) ([]Item, error) {
	s.mu.RLock()
	var out []Item
	for _, it := range s.items {
		if matches(it, in) {
			out = append(out, cloneItem(it))
		}
	}
	s.mu.RUnlock()

	sortItems(out, in.Index, in.Descending)
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return out, nil
}

func (s *MemoryStore) BatchWrite(_ context.Context, reqs []WriteRequest) ([]WriteRequest, error) {
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(reqs), MaxBatchSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, r := range reqs {
		switch {
		case r.Put != nil:
			it := cloneItem(*r.Put)
			it.UpdatedAt = now
			s.items[it.Key] = it
		case r.Delete != nil:
			delete(s.items, *r.Delete)
		}
	}
	return nil, nil
}

func (s *MemoryStore) Scan(_ context.Context, fn func(Item) error) error {
	s.mu.RLock()
	all := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		all = append(all, cloneItem(it))
	}
	s.mu.RUnlock()

	sortItems(all, PrimaryIndex, false)
	for _, it := range all {
		if err := fn(it); err != nil {
			return fmt.Errorf("scan callback failed: %w", err)
		}
	}
	return nil
}

func cloneItem(it Item) Item {
	if it.Data != nil {
		it.Data = append([]byte(nil), it.Data...)
	}
	return it
}

func sortItems(items []Item, idx Index, desc bool) {
	sort.Slice(items, func(i, j int) bool {
		pi, si := indexKey(items[i], idx)
		pj, sj := indexKey(items[j], idx)
		if pi != pj {
			if desc {
				return pi > pj
			}
			return pi < pj
		}
		if desc {
			return si > sj
		}
		return si < sj
	})
}
