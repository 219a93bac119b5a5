// internal/kvstore/store.go

// Package kvstore is a partition/sort-key addressable item store modelled on a
// single-table document database. Every entity of the inventory lives in one
// keyspace; the key layout is owned by the callers.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("item not found")
	ErrConditionFailed = errors.New("conditional check failed")
	// ErrTransient marks failures that may succeed on retry (unreachable or throttled backend).
	ErrTransient = errors.New("transient store failure")
)

// MaxBatchSize is the largest number of requests a single BatchWrite accepts.
const MaxBatchSize = 25

// Index selects the key pair a Query runs against.
type Index int

const (
	PrimaryIndex Index = iota
	GSI1
)

// Key addresses one item.
type Key struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func (k Key) String() string { return k.PK + "|" + k.SK }

// Item is the stored unit. Count is the only attribute the store can change
// atomically; Data is opaque to the store.
type Item struct {
	Key
	GSI1PK    string          `json:"gsi1pk,omitempty"`
	GSI1SK    string          `json:"gsi1sk,omitempty"`
	Count     int64           `json:"count"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PutOptions guards a Put.
type PutOptions struct {
	IfNotExists bool
}

// IncrementOptions guards an Increment.
type IncrementOptions struct {
	// MustExist fails with ErrConditionFailed instead of creating the item.
	MustExist bool
	// ClampAtZero stores max(0, count+delta).
	ClampAtZero bool
}

// QueryInput selects items by partition key and optional sort key prefix.
type QueryInput struct {
	Index      Index
	PK         string
	SKPrefix   string
	Descending bool
	Limit      int
}

// WriteRequest is one entry of a BatchWrite: a put when Put is set, otherwise a delete of Delete.
type WriteRequest struct {
	Put    *Item `json:"put,omitempty"`
	Delete *Key  `json:"delete,omitempty"`
}

// MutateFunc rewrites an item in place. Returning an error aborts the update.
type MutateFunc func(item *Item) error

// Store is the contract the inventory engine depends on.
type Store interface {
	Get(ctx context.Context, key Key) (Item, error)
	Put(ctx context.Context, item Item, opts PutOptions) error
	Delete(ctx context.Context, key Key) error
	// Increment adds delta to Count as a single atomic operation.
	Increment(ctx context.Context, key Key, delta int64, opts IncrementOptions) (Item, error)
	// Update applies fn to an existing item atomically. ErrNotFound if absent.
	Update(ctx context.Context, key Key, fn MutateFunc) (Item, error)
	Query(ctx context.Context, in QueryInput) ([]Item, error)
	// BatchWrite applies up to MaxBatchSize requests and returns the ones it did not process.
	BatchWrite(ctx context.Context, reqs []WriteRequest) ([]WriteRequest, error)
	Scan(ctx context.Context, fn func(Item) error) error
	Close() error
}

func indexKey(it Item, idx Index) (string, string) {
	if idx == GSI1 {
		return it.GSI1PK, it.GSI1SK
	}
	return it.PK, it.SK
}

func matches(it Item, in QueryInput) bool {
	pk, sk := indexKey(it, in.Index)
	if pk == "" || pk != in.PK {
		return false
	}
	return strings.HasPrefix(sk, in.SKPrefix)
}

// incremented adds delta to cur, saturating instead of wrapping.
func incremented(cur, delta int64, clamp bool) int64 {
	next := cur + delta
	switch {
	case delta > 0 && next < cur:
		next = math.MaxInt64
	case delta < 0 && next > cur:
		next = math.MinInt64
	}
	if clamp && next < 0 {
		return 0
	}
	return next
}
