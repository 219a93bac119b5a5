// internal/kvstore/pebble.go
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	itemPrefix = "i\x00"
	gsiPrefix  = "g\x00"
	sep        = "\x00"
)

// PebbleStore persists items in an embedded PebbleDB. Primary items are stored
// under their PK/SK; GSI1 entries are maintained as empty-valued pointer keys.
// Read-modify-write operations are serialized by a store-wide mutex.
type PebbleStore struct {
	db  *pebble.DB
	mu  sync.Mutex
	now func() time.Time
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func primaryKey(k Key) []byte { return []byte(itemPrefix + k.PK + sep + k.SK) }

func gsiKey(it Item) []byte {
	return []byte(gsiPrefix + it.GSI1PK + sep + it.GSI1SK + sep + it.PK + sep + it.SK)
}

func (p *PebbleStore) read(key Key) (Item, error) {
	v, closer, err := p.db.Get(primaryKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	var it Item
	if err := json.Unmarshal(v, &it); err != nil {
		return Item{}, fmt.Errorf("decode item %s: %w", key, err)
	}
	return it, nil
}

// stage adds the writes replacing prev (may be nil) with next to b.
func stage(b *pebble.Batch, prev *Item, next Item) error {
	if prev != nil && prev.GSI1PK != "" && (prev.GSI1PK != next.GSI1PK || prev.GSI1SK != next.GSI1SK) {
		if err := b.Delete(gsiKey(*prev), nil); err != nil {
			return err
		}
	}
	val, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", next.Key, err)
	}
	if err := b.Set(primaryKey(next.Key), val, nil); err != nil {
		return err
	}
	if next.GSI1PK != "" {
		return b.Set(gsiKey(next), nil, nil)
	}
	return nil
}

func stageDelete(b *pebble.Batch, prev Item) error {
	if prev.GSI1PK != "" {
		if err := b.Delete(gsiKey(prev), nil); err != nil {
			return err
		}
	}
	return b.Delete(primaryKey(prev.Key), nil)
}

// write replaces prev with next in one synced batch.
func (p *PebbleStore) write(prev *Item, next Item) error {
	b := p.db.NewBatch()
	defer b.Close()
	if err := stage(b, prev, next); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (p *PebbleStore) Get(_ context.Context, key Key) (Item, error) {
	return p.read(key)
}

func (p *PebbleStore) Put(_ context.Context, item Item, opts PutOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, err := p.read(item.Key)
	var prevPtr *Item
	switch {
	case err == nil:
		if opts.IfNotExists {
			return ErrConditionFailed
		}
		prevPtr = &prev
	case !errors.Is(err, ErrNotFound):
		return err
	}
	item.UpdatedAt = p.now().UTC()
	return p.write(prevPtr, item)
}

func (p *PebbleStore) Delete(_ context.Context, key Key) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, err := p.read(key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	b := p.db.NewBatch()
	defer b.Close()
	if err := stageDelete(b, prev); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (p *PebbleStore) Increment(_ context.Context, key Key, delta int64, opts IncrementOptions) (Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, err := p.read(key)
	var prevPtr *Item
	switch {
	case err == nil:
		prev := cur
		prevPtr = &prev
	case errors.Is(err, ErrNotFound):
		if opts.MustExist {
			return Item{}, ErrConditionFailed
		}
		cur = Item{Key: key}
	default:
		return Item{}, err
	}
	cur.Count = incremented(cur.Count, delta, opts.ClampAtZero)
	cur.UpdatedAt = p.now().UTC()
	if err := p.write(prevPtr, cur); err != nil {
		return Item{}, err
	}
	return cur, nil
}

func (p *PebbleStore) Update(_ context.Context, key Key, fn MutateFunc) (Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, err := p.read(key)
	if err != nil {
		return Item{}, err
	}
	next := cloneItem(prev)
	if err := fn(&next); err != nil {
		return Item{}, err
	}
	next.Key = key
	next.UpdatedAt = p.now().UTC()
	if err := p.write(&prev, next); err != nil {
		return Item{}, err
	}
	return next, nil
}

func (p *PebbleStore) Query(_ context.Context, in QueryInput) ([]Item, error) {
	var prefix string
	if in.Index == GSI1 {
		prefix = gsiPrefix + in.PK + sep + in.SKPrefix
	} else {
		prefix = itemPrefix + in.PK + sep + in.SKPrefix
	}
	lower := []byte(prefix)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()

	step := it.Next
	valid := it.First()
	if in.Descending {
		step = it.Prev
		valid = it.Last()
	}

	var out []Item
	for ; valid; valid = step() {
		var item Item
		if in.Index == GSI1 {
			pk, sk, ok := splitGSIPointer(it.Key())
			if !ok {
				continue
			}
			item, err = p.read(Key{PK: pk, SK: sk})
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
		} else if err := json.Unmarshal(it.Value(), &item); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		out = append(out, item)
		if in.Limit > 0 && len(out) >= in.Limit {
			break
		}
	}
	return out, nil
}

func (p *PebbleStore) BatchWrite(_ context.Context, reqs []WriteRequest) ([]WriteRequest, error) {
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(reqs), MaxBatchSize)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.db.NewBatch()
	defer b.Close()
	now := p.now().UTC()
	for _, r := range reqs {
		var key Key
		if r.Put != nil {
			key = r.Put.Key
		} else if r.Delete != nil {
			key = *r.Delete
		} else {
			continue
		}
		prev, err := p.read(key)
		var prevPtr *Item
		switch {
		case err == nil:
			prevPtr = &prev
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		if r.Put != nil {
			next := cloneItem(*r.Put)
			next.UpdatedAt = now
			err = stage(b, prevPtr, next)
		} else if prevPtr != nil {
			err = stageDelete(b, prev)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("pebble batch commit: %w", err)
	}
	return nil, nil
}

func (p *PebbleStore) Scan(_ context.Context, fn func(Item) error) error {
	lower := []byte(itemPrefix)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		var item Item
		if err := json.Unmarshal(it.Value(), &item); err != nil {
			return fmt.Errorf("decode item: %w", err)
		}
		if err := fn(item); err != nil {
			return fmt.Errorf("scan callback failed: %w", err)
		}
	}
	return nil
}

// splitGSIPointer extracts PK and SK from g\x00<gpk>\x00<gsk>\x00<pk>\x00<sk>.
func splitGSIPointer(k []byte) (string, string, bool) {
	var parts []string
	start := len(gsiPrefix)
	for i := start; i < len(k); i++ {
		if k[i] == 0 {
			parts = append(parts, string(k[start:i]))
			start = i + 1
		}
	}
	parts = append(parts, string(k[start:]))
	if len(parts) != 4 {
		return "", "", false
	}
	return parts[2], parts[3], true
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
