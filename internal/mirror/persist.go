// internal/mirror/persist.go
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Persister stores the mirror state and the pending create queue between runs.
type Persister interface {
	Load() (State, []PendingCreate, error)
	SaveState(State) error
	SaveQueue([]PendingCreate) error
	Close() error
}

var (
	stateKey = []byte("mirror/state")
	queueKey = []byte("mirror/queue")
)

// PebblePersister keeps the mirror in an embedded PebbleDB.
type PebblePersister struct {
	db *pebble.DB
}

func NewPebblePersister(dir string) (*PebblePersister, error) {
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebblePersister{db: db}, nil
}

func (p *PebblePersister) Load() (State, []PendingCreate, error) {
	var state State
	if err := p.get(stateKey, &state); err != nil {
		return State{}, nil, fmt.Errorf("load state: %w", err)
	}
	var queue []PendingCreate
	if err := p.get(queueKey, &queue); err != nil {
		return State{}, nil, fmt.Errorf("load queue: %w", err)
	}
	return state, queue, nil
}

func (p *PebblePersister) get(key []byte, v any) error {
	data, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

func (p *PebblePersister) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.db.Set(key, data, pebble.Sync)
}

func (p *PebblePersister) SaveState(state State) error { return p.set(stateKey, state) }

func (p *PebblePersister) SaveQueue(queue []PendingCreate) error { return p.set(queueKey, queue) }

func (p *PebblePersister) Close() error { return p.db.Close() }

// MemoryPersister keeps the last saved copy in memory.
type MemoryPersister struct {
	mu    sync.Mutex
	state []byte
	queue []byte
}

func NewMemoryPersister() *MemoryPersister { return &MemoryPersister{} }

func (m *MemoryPersister) Load() (State, []PendingCreate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var state State
	var queue []PendingCreate
	if m.state != nil {
		if err := json.Unmarshal(m.state, &state); err != nil {
			return State{}, nil, err
		}
	}
	if m.queue != nil {
		if err := json.Unmarshal(m.queue, &queue); err != nil {
			return State{}, nil, err
		}
	}
	return state, queue, nil
}

func (m *MemoryPersister) SaveState(state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersister) SaveQueue(queue []PendingCreate) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.queue = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersister) Close() error { return nil }
