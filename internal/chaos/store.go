// internal/chaos/store.go
package chaos

import (
	"context"
	"strings"
	"sync"
	"time"

	"authorinventory/internal/kvstore"
)

// Op names a kvstore.Store operation faults can target.
type Op string

const (
	OpGet        Op = "get"
	OpPut        Op = "put"
	OpDelete     Op = "delete"
	OpIncrement  Op = "increment"
	OpUpdate     Op = "update"
	OpQuery      Op = "query"
	OpBatchWrite Op = "batch_write"
	OpScan       Op = "scan"
)

// Fault describes one injected failure.
type Fault struct {
	Op Op
	// Match restricts the fault to keys containing Match. Empty matches every key.
	Match string
	// Err is returned instead of calling the wrapped store.
	Err error
	// Latency delays the call before it proceeds or fails.
	Latency time.Duration
	// Unprocessed makes BatchWrite skip and return its last N requests.
	Unprocessed int
	// Times bounds how often the fault fires. Zero fires until cleared.
	Times int
}

type activeFault struct {
	Fault
	fired int
}

// FaultyStore wraps a store and injects faults into matching calls.
type FaultyStore struct {
	inner kvstore.Store

	mu       sync.Mutex
	faults   []*activeFault
	calls    map[Op]int
	injected map[Op]int
}

func NewFaultyStore(inner kvstore.Store) *FaultyStore {
	return &FaultyStore{
		inner:    inner,
		calls:    make(map[Op]int),
		injected: make(map[Op]int),
	}
}

// Inject adds a fault. Faults are consulted in injection order.
func (f *FaultyStore) Inject(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, &activeFault{Fault: fault})
}

// Clear removes every fault.
func (f *FaultyStore) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
}

// Calls reports how many times op was invoked.
func (f *FaultyStore) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Injected reports how many faults fired for op.
func (f *FaultyStore) Injected(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injected[op]
}

func (f *FaultyStore) take(op Op, keys ...string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	for i, af := range f.faults {
		if af.Op != op || !matchesAny(af.Match, keys) {
			continue
		}
		af.fired++
		if af.Times > 0 && af.fired >= af.Times {
			f.faults = append(f.faults[:i], f.faults[i+1:]...)
		}
		f.injected[op]++
		return af.Fault, true
	}
	return Fault{}, false
}

func matchesAny(match string, keys []string) bool {
	if match == "" {
		return true
	}
	for _, k := range keys {
		if strings.Contains(k, match) {
			return true
		}
	}
	return false
}

func (f *FaultyStore) inject(ctx context.Context, op Op, keys ...string) error {
	fault, ok := f.take(op, keys...)
	return trip(ctx, fault, ok)
}

// trip applies the fault's latency and returns its error, if any.
func trip(ctx context.Context, fault Fault, ok bool) error {
	if !ok {
		return nil
	}
	if fault.Latency > 0 {
		t := time.NewTimer(fault.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return fault.Err
}

func (f *FaultyStore) Get(ctx context.Context, key kvstore.Key) (kvstore.Item, error) {
	if err := f.inject(ctx, OpGet, key.String()); err != nil {
		return kvstore.Item{}, err
	}
	return f.inner.Get(ctx, key)
}

func (f *FaultyStore) Put(ctx context.Context, item kvstore.Item, opts kvstore.PutOptions) error {
	if err := f.inject(ctx, OpPut, item.Key.String()); err != nil {
		return err
	}
	return f.inner.Put(ctx, item, opts)
}

func (f *FaultyStore) Delete(ctx context.Context, key kvstore.Key) error {
	if err := f.inject(ctx, OpDelete, key.String()); err != nil {
		return err
	}
	return f.inner.Delete(ctx, key)
}

func (f *FaultyStore) Increment(ctx context.Context, key kvstore.Key, delta int64, opts kvstore.IncrementOptions) (kvstore.Item, error) {
	if err := f.inject(ctx, OpIncrement, key.String()); err != nil {
		return kvstore.Item{}, err
	}
	return f.inner.Increment(ctx, key, delta, opts)
}

func (f *FaultyStore) Update(ctx context.Context, key kvstore.Key, fn kvstore.MutateFunc) (kvstore.Item, error) {
	if err := f.inject(ctx, OpUpdate, key.String()); err != nil {
		return kvstore.Item{}, err
	}
	return f.inner.Update(ctx, key, fn)
}

func (f *FaultyStore) Query(ctx context.Context, in kvstore.QueryInput) ([]kvstore.Item, error) {
	if err := f.inject(ctx, OpQuery, in.PK+"|"+in.SKPrefix); err != nil {
		return nil, err
	}
	return f.inner.Query(ctx, in)
}

func (f *FaultyStore) BatchWrite(ctx context.Context, reqs []kvstore.WriteRequest) ([]kvstore.WriteRequest, error) {
	keys := make([]string, 0, len(reqs))
	for _, r := range reqs {
		switch {
		case r.Put != nil:
			keys = append(keys, r.Put.Key.String())
		case r.Delete != nil:
			keys = append(keys, r.Delete.String())
		}
	}
	fault, ok := f.take(OpBatchWrite, keys...)
	if err := trip(ctx, fault, ok); err != nil {
		return nil, err
	}
	if ok && fault.Unprocessed > 0 {
		n := min(fault.Unprocessed, len(reqs))
		keep := len(reqs) - n
		if _, err := f.inner.BatchWrite(ctx, reqs[:keep]); err != nil {
			return nil, err
		}
		return append([]kvstore.WriteRequest(nil), reqs[keep:]...), nil
	}
	return f.inner.BatchWrite(ctx, reqs)
}

func (f *FaultyStore) Scan(ctx context.Context, fn func(kvstore.Item) error) error {
	if err := f.inject(ctx, OpScan); err != nil {
		return err
	}
	return f.inner.Scan(ctx, fn)
}

func (f *FaultyStore) Close() error { return f.inner.Close() }
