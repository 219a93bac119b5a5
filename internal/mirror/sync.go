// internal/mirror/sync.go
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authorinventory/internal/inventory"

	"go.uber.org/zap"
)

// Sync replays the queued creates, then replaces the local state with the
// API's. No mutation runs while it does.
func (m *Mirror) Sync(ctx context.Context) error {
	m.gate.Lock()
	defer m.gate.Unlock()

	m.mu.Lock()
	m.status.Pending = true
	m.publishLocked()
	m.mu.Unlock()

	drainErr := m.drain(ctx)
	resyncErr := m.resync(ctx)
	err := errors.Join(drainErr, resyncErr)

	m.mu.Lock()
	m.status.Pending = false
	if err != nil {
		m.status.LastError = err.Error()
	} else {
		now := m.now().UTC()
		m.status.LastSuccess = &now
		m.status.LastError = ""
	}
	m.publishLocked()
	m.mu.Unlock()
	return err
}

// Drain replays the queued creates in order. Creates that fail again go
// back on the queue behind the ones already waiting. The queue is persisted
// after every replay, so a restart never replays a create the API accepted.
func (m *Mirror) Drain(ctx context.Context) error {
	m.gate.Lock()
	defer m.gate.Unlock()
	return m.drain(ctx)
}

func (m *Mirror) drain(ctx context.Context) error {
	m.mu.Lock()
	n := len(m.queue)
	m.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		m.mu.Lock()
		p := m.queue[0]
		m.mu.Unlock()

		remote, err := m.remote.CreateBook(ctx, p.Input)

		m.mu.Lock()
		m.queue = m.queue[1:]
		switch {
		case err == nil:
			m.retargetLocked(p.TempID, remote.ID)
			m.replaceLocked(p.TempID, remote)
			m.logger.Info("queued create synced", zap.String("tempId", p.TempID), zap.String("bookId", remote.ID))
		case permanent(err):
			m.logger.Error("dropping queued create rejected by the api",
				zap.String("tempId", p.TempID), zap.String("title", p.Input.Title), zap.Error(err))
			if !p.Merge {
				delete(m.books, p.TempID)
			}
		default:
			p.Attempts++
			m.queue = append(m.queue, p)
			lastErr = err
		}
		m.saveQueueLocked()
		m.changedLocked()
		m.mu.Unlock()
	}

	if lastErr != nil {
		m.mu.Lock()
		pending := len(m.queue)
		m.mu.Unlock()
		return fmt.Errorf("%d queued creates still pending: %w", pending, lastErr)
	}
	return nil
}

// retargetLocked turns the remaining creates of a local book that the API
// just accepted into merges into the real book.
func (m *Mirror) retargetLocked(tempID, bookID string) {
	if tempID == bookID {
		return
	}
	for i := range m.queue {
		if m.queue[i].TempID == tempID {
			m.queue[i].TempID = bookID
			m.queue[i].Merge = true
		}
	}
}

// Resync fetches books and events and makes them the local state. Local
// books are kept only while their create is queued, and queued merges are
// applied on top of the API's copies.
func (m *Mirror) Resync(ctx context.Context) error {
	m.gate.Lock()
	defer m.gate.Unlock()
	return m.resync(ctx)
}

func (m *Mirror) resync(ctx context.Context) error {
	books, err := m.remote.ListBooks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list books: %w", err)
	}
	events, err := m.remote.ListEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]*inventory.Book, len(books))
	for _, p := range m.queue {
		if p.Merge {
			continue
		}
		if b, ok := m.books[p.TempID]; ok {
			next[b.ID] = b
		}
	}
	for _, b := range books {
		if b != nil {
			next[b.ID] = cloneBook(b)
		}
	}
	m.books = next

	queue := m.queue[:0]
	merged := make(map[string]bool)
	for _, p := range m.queue {
		if p.Merge {
			if _, ok := m.books[p.TempID]; !ok {
				m.logger.Warn("dropping queued create for a book deleted elsewhere",
					zap.String("bookId", p.TempID), zap.String("title", p.Input.Title))
				continue
			}
			merged[p.TempID] = true
		}
		queue = append(queue, p)
	}
	if len(queue) != len(m.queue) {
		m.queue = queue
		m.saveQueueLocked()
	}
	for id := range merged {
		m.reapplyQueuedLocked(id)
	}

	m.events = make(map[string]*inventory.SaleEvent, len(events))
	for _, e := range events {
		m.putEventLocked(e)
	}
	m.changedLocked()
	return nil
}

// Run syncs whenever online reports a transition to online, and every sync
// interval while online. It returns when ctx is done.
func (m *Mirror) Run(ctx context.Context, online <-chan bool) error {
	var tick <-chan time.Time
	if m.syncInterval > 0 {
		ticker := time.NewTicker(m.syncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	connected := false
	syncNow := func() {
		if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("sync failed", zap.Error(err))
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			if up && !connected {
				syncNow()
			}
			connected = up
		case <-tick:
			if connected {
				syncNow()
			}
		}
	}
}
