// internal/mirror/txn.go
package mirror

import "authorinventory/internal/inventory"

// TxnState is where an optimistic mutation ended up.
type TxnState int

const (
	TxnPending TxnState = iota
	TxnCommitted
	TxnRolledBack
	// TxnQueued is a create kept locally and waiting for replay.
	TxnQueued
)

func (s TxnState) String() string {
	switch s {
	case TxnPending:
		return "pending"
	case TxnCommitted:
		return "committed"
	case TxnRolledBack:
		return "rolled_back"
	case TxnQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// txn holds the pre-image of every entity a mutation touches. A nil entry
// means the entity did not exist.
type txn struct {
	m      *Mirror
	op     string
	books  map[string]*inventory.Book
	events map[string]*inventory.SaleEvent
	state  TxnState
}

// begin captures the pre-image. The caller holds the entity locks.
func (m *Mirror) begin(op string, bookIDs, eventIDs []string) *txn {
	t := &txn{
		m:      m,
		op:     op,
		books:  make(map[string]*inventory.Book, len(bookIDs)),
		events: make(map[string]*inventory.SaleEvent, len(eventIDs)),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range bookIDs {
		if b, ok := m.books[id]; ok {
			t.books[id] = cloneBook(b)
		} else {
			t.books[id] = nil
		}
	}
	for _, id := range eventIDs {
		if e, ok := m.events[id]; ok {
			t.events[id] = cloneEvent(e)
		} else {
			t.events[id] = nil
		}
	}
	return t
}

func (t *txn) finish(state TxnState) {
	if t.state != TxnPending {
		return
	}
	t.state = state
	t.m.onTxn(t.op, state)
}

func (t *txn) commit() { t.finish(TxnCommitted) }

func (t *txn) queued() { t.finish(TxnQueued) }

// rollback restores the pre-image.
func (t *txn) rollback() {
	if t.state != TxnPending {
		return
	}
	m := t.m
	m.mu.Lock()
	for id, pre := range t.books {
		if pre == nil {
			delete(m.books, id)
		} else {
			m.books[id] = cloneBook(pre)
		}
	}
	for id, pre := range t.events {
		if pre == nil {
			delete(m.events, id)
		} else {
			m.events[id] = cloneEvent(pre)
		}
	}
	m.changedLocked()
	m.mu.Unlock()
	t.finish(TxnRolledBack)
}
