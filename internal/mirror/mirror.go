// internal/mirror/mirror.go

// Package mirror keeps an optimistic local copy of an owner's inventory.
// Mutations apply locally first, then call the API; failures roll back,
// except book creation which is queued and replayed on the next sync.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"authorinventory/internal/auth"
	"authorinventory/internal/client"
	"authorinventory/internal/inventory"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotSynced is returned for tier changes on a book whose creation is
// still queued.
var ErrNotSynced = errors.New("book has not been synced yet")

// Remote is the inventory API as seen by the mirror.
type Remote interface {
	ListBooks(ctx context.Context) ([]*inventory.Book, error)
	GetBook(ctx context.Context, id string) (*inventory.Book, error)
	CreateBook(ctx context.Context, in inventory.CreateBookInput) (*inventory.Book, error)
	UpdateBook(ctx context.Context, id string, in inventory.BookUpdate) (*inventory.Book, error)
	DeleteBook(ctx context.Context, id string) error
	AddTier(ctx context.Context, bookID string, in inventory.TierInput) (*inventory.Book, error)
	AdjustTier(ctx context.Context, bookID string, in inventory.Adjustment) (*inventory.Book, error)
	ListEvents(ctx context.Context) ([]*inventory.SaleEvent, error)
	GetEvent(ctx context.Context, id string) (*inventory.SaleEvent, error)
	CreateEvent(ctx context.Context, in inventory.EventInput) (*inventory.SaleEvent, error)
	ApplyEvent(ctx context.Context, id string) (*inventory.ApplyResult, error)
}

var _ Remote = (*client.Client)(nil)

// State is the full local inventory.
type State struct {
	Books  []*inventory.Book      `json:"books"`
	Events []*inventory.SaleEvent `json:"events"`
}

// PendingCreate is a book creation waiting to be replayed. TempID is the
// local book holding its optimistic effect. Merge marks a create into a book
// the API already has: only its copies are pending, and TempID is the
// book's real id.
type PendingCreate struct {
	TempID   string                    `json:"tempId"`
	Input    inventory.CreateBookInput `json:"input"`
	Merge    bool                      `json:"merge,omitempty"`
	QueuedAt time.Time                 `json:"queuedAt"`
	Attempts int                       `json:"attempts"`
}

// SyncStatus describes the sync queue.
type SyncStatus struct {
	Pending     bool       `json:"pending"`
	QueueSize   int        `json:"queueSize"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Snapshot is what subscribers see: the visible books, the events and the
// sync status.
type Snapshot struct {
	Books  []*inventory.Book
	Events []*inventory.SaleEvent
	Status SyncStatus
}

type Option func(*Mirror)

func WithPersister(p Persister) Option { return func(m *Mirror) { m.persist = p } }

func WithLogger(logger *zap.Logger) Option { return func(m *Mirror) { m.logger = logger } }

func WithClock(now func() time.Time) Option { return func(m *Mirror) { m.now = now } }

func WithIDs(newID func() string) Option { return func(m *Mirror) { m.newID = newID } }

// WithHideSoldOut controls whether sold-out books are left out of snapshots.
func WithHideSoldOut(hide bool) Option { return func(m *Mirror) { m.hideSoldOut = hide } }

// WithSyncInterval makes Run sync periodically while online.
func WithSyncInterval(d time.Duration) Option { return func(m *Mirror) { m.syncInterval = d } }

// WithTxnObserver is called whenever a mutation leaves the pending state.
func WithTxnObserver(fn func(op string, state TxnState)) Option {
	return func(m *Mirror) { m.onTxn = fn }
}

// Mirror is the local cache. Mutations are serialized per book and per
// event; Sync excludes every mutation while it runs.
type Mirror struct {
	remote       Remote
	persist      Persister
	logger       *zap.Logger
	now          func() time.Time
	newID        func() string
	hideSoldOut  bool
	syncInterval time.Duration
	onTxn        func(string, TxnState)

	locks *keyedMutex
	gate  sync.RWMutex

	mu      sync.Mutex
	books   map[string]*inventory.Book
	events  map[string]*inventory.SaleEvent
	queue   []PendingCreate
	status  SyncStatus
	subs    map[int]chan Snapshot
	nextSub int
}

// New loads the persisted state and returns the mirror.
func New(remote Remote, opts ...Option) (*Mirror, error) {
	m := &Mirror{
		remote:      remote,
		persist:     NewMemoryPersister(),
		logger:      zap.NewNop(),
		now:         time.Now,
		newID:       uuid.NewString,
		hideSoldOut: true,
		onTxn:       func(string, TxnState) {},
		locks:       newKeyedMutex(),
		books:       make(map[string]*inventory.Book),
		events:      make(map[string]*inventory.SaleEvent),
		subs:        make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("mirror")

	state, queue, err := m.persist.Load()
	if err != nil {
		return nil, err
	}
	m.load(state)
	m.queue = queue
	m.status.QueueSize = len(queue)
	return m, nil
}

// Close releases the persister.
func (m *Mirror) Close() error { return m.persist.Close() }

func (m *Mirror) load(state State) {
	m.books = make(map[string]*inventory.Book, len(state.Books))
	for _, b := range state.Books {
		if b != nil {
			m.books[b.ID] = b
		}
	}
	m.events = make(map[string]*inventory.SaleEvent, len(state.Events))
	for _, e := range state.Events {
		if e != nil {
			m.events[e.ID] = e
		}
	}
}

// State returns a copy of the full local state, sold-out books included.
func (m *Mirror) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Mirror) stateLocked() State {
	state := State{
		Books:  make([]*inventory.Book, 0, len(m.books)),
		Events: make([]*inventory.SaleEvent, 0, len(m.events)),
	}
	for _, b := range m.books {
		state.Books = append(state.Books, cloneBook(b))
	}
	for _, e := range m.events {
		state.Events = append(state.Events, cloneEvent(e))
	}
	sortBooks(state.Books)
	sortEvents(state.Events)
	return state
}

// Snapshot returns what subscribers currently see.
func (m *Mirror) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Mirror) snapshotLocked() Snapshot {
	state := m.stateLocked()
	books := state.Books
	if m.hideSoldOut {
		books = books[:0:0]
		for _, b := range state.Books {
			if !b.SoldOut {
				books = append(books, b)
			}
		}
	}
	status := m.status
	status.QueueSize = len(m.queue)
	return Snapshot{Books: books, Events: state.Events, Status: status}
}

// Book returns the local copy of a book.
func (m *Mirror) Book(id string) (*inventory.Book, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return nil, false
	}
	return cloneBook(b), true
}

// Status returns the sync status.
func (m *Mirror) Status() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.status
	status.QueueSize = len(m.queue)
	return status
}

// Queue returns the pending creates in replay order.
func (m *Mirror) Queue() []PendingCreate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PendingCreate(nil), m.queue...)
}

// Subscribe returns a channel that always holds the latest snapshot. The
// current snapshot is delivered immediately. Call cancel to unsubscribe.
func (m *Mirror) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// changedLocked persists the state and publishes a snapshot.
func (m *Mirror) changedLocked() {
	if err := m.persist.SaveState(m.stateLocked()); err != nil {
		m.logger.Warn("failed to persist mirror state", zap.Error(err))
	}
	m.publishLocked()
}

func (m *Mirror) publishLocked() {
	if len(m.subs) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (m *Mirror) saveQueueLocked() {
	if err := m.persist.SaveQueue(m.queue); err != nil {
		m.logger.Warn("failed to persist sync queue", zap.Error(err))
	}
}

// localOnlyLocked reports whether the book exists only in the mirror, with
// its create still queued.
func (m *Mirror) localOnlyLocked(bookID string) bool {
	for _, p := range m.queue {
		if p.TempID == bookID && !p.Merge {
			return true
		}
	}
	return false
}

// reapplyQueuedLocked adds the copies of queued merges back onto a book
// just replaced by the API's copy.
func (m *Mirror) reapplyQueuedLocked(bookID string) {
	if _, ok := m.books[bookID]; !ok {
		return
	}
	for _, p := range m.queue {
		if p.Merge && p.TempID == bookID {
			m.mergeCreateLocked(bookID, p.Input)
		}
	}
}

// dropQueuedLocked removes every queued create for the book.
func (m *Mirror) dropQueuedLocked(bookID string) {
	queue := m.queue[:0]
	for _, p := range m.queue {
		if p.TempID != bookID {
			queue = append(queue, p)
		}
	}
	if len(queue) == len(m.queue) {
		return
	}
	m.queue = queue
	m.saveQueueLocked()
}

func (m *Mirror) putBookLocked(b *inventory.Book) {
	if b == nil {
		return
	}
	m.books[b.ID] = cloneBook(b)
}

func (m *Mirror) putEventLocked(e *inventory.SaleEvent) {
	if e == nil {
		return
	}
	m.events[e.ID] = cloneEvent(e)
}

// Export serializes the full local state.
func (m *Mirror) Export() ([]byte, error) {
	return json.MarshalIndent(m.State(), "", "  ")
}

// Import replaces the local state. The pending queue is kept.
func (m *Mirror) Import(data []byte) error {
	var raw struct {
		Books  *[]*inventory.Book      `json:"books"`
		Events *[]*inventory.SaleEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || raw.Books == nil || raw.Events == nil {
		return &inventory.ValidationError{Field: "state", Message: "Invalid inventory data"}
	}
	m.gate.Lock()
	defer m.gate.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load(State{Books: *raw.Books, Events: *raw.Events})
	for _, b := range m.books {
		recount(b)
	}
	m.changedLocked()
	return nil
}

// Clear drops the local state and the pending queue.
func (m *Mirror) Clear() {
	m.gate.Lock()
	defer m.gate.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books = make(map[string]*inventory.Book)
	m.events = make(map[string]*inventory.SaleEvent)
	m.queue = nil
	m.saveQueueLocked()
	m.changedLocked()
}

// permanent errors will fail again on replay.
func permanent(err error) bool {
	return errors.Is(err, inventory.ErrValidation) ||
		errors.Is(err, inventory.ErrNotFound) ||
		errors.Is(err, auth.ErrUnauthorized)
}

func recount(b *inventory.Book) {
	b.TotalOnHand = 0
	for _, t := range b.PriceTiers {
		b.TotalOnHand += t.CopiesOnHand
	}
	b.SoldOut = len(b.PriceTiers) > 0 && b.TotalOnHand == 0
}

func cloneBook(b *inventory.Book) *inventory.Book {
	c := *b
	c.PriceTiers = append([]inventory.PriceTier(nil), b.PriceTiers...)
	if c.PriceTiers == nil {
		c.PriceTiers = []inventory.PriceTier{}
	}
	return &c
}

func cloneEvent(e *inventory.SaleEvent) *inventory.SaleEvent {
	c := *e
	c.Lines = append([]inventory.SaleLine(nil), e.Lines...)
	if c.Lines == nil {
		c.Lines = []inventory.SaleLine{}
	}
	if e.AppliedAt != nil {
		at := *e.AppliedAt
		c.AppliedAt = &at
	}
	return &c
}

func sortBooks(books []*inventory.Book) {
	sort.Slice(books, func(i, j int) bool {
		ti, tj := strings.ToLower(books[i].Title), strings.ToLower(books[j].Title)
		if ti != tj {
			return ti < tj
		}
		return books[i].ID < books[j].ID
	})
}

// newest first
func sortEvents(events []*inventory.SaleEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Date != events[j].Date {
			return events[i].Date > events[j].Date
		}
		return events[i].ID > events[j].ID
	})
}
