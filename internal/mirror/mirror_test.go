package mirror

import (
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"authorinventory/internal/auth"
	"authorinventory/internal/client"
	"authorinventory/internal/httpapi"
	"authorinventory/internal/inventory"
	"authorinventory/internal/kvstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const owner = "alice"

var errOffline = errors.New("dial tcp: connection refused")

// fakeRemote serves the mirror from an in-process engine and fails
// selected operations on demand.
type fakeRemote struct {
	svc inventory.Service

	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		svc:   inventory.NewService(kvstore.NewMemoryStore(), zap.NewNop()),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeRemote) setFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

func (f *fakeRemote) called(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *fakeRemote) ListBooks(ctx context.Context) ([]*inventory.Book, error) {
	if err := f.check("ListBooks"); err != nil {
		return nil, err
	}
	return f.svc.ListBooks(ctx, owner)
}

func (f *fakeRemote) GetBook(ctx context.Context, id string) (*inventory.Book, error) {
	if err := f.check("GetBook"); err != nil {
		return nil, err
	}
	return f.svc.GetBook(ctx, owner, id)
}

func (f *fakeRemote) CreateBook(ctx context.Context, in inventory.CreateBookInput) (*inventory.Book, error) {
	if err := f.check("CreateBook"); err != nil {
		return nil, err
	}
	book, _, err := f.svc.CreateBook(ctx, owner, in)
	return book, err
}

func (f *fakeRemote) UpdateBook(ctx context.Context, id string, in inventory.BookUpdate) (*inventory.Book, error) {
	if err := f.check("UpdateBook"); err != nil {
		return nil, err
	}
	return f.svc.UpdateBook(ctx, owner, id, in)
}

func (f *fakeRemote) DeleteBook(ctx context.Context, id string) error {
	if err := f.check("DeleteBook"); err != nil {
		return err
	}
	return f.svc.DeleteBook(ctx, owner, id)
}

func (f *fakeRemote) AddTier(ctx context.Context, bookID string, in inventory.TierInput) (*inventory.Book, error) {
	if err := f.check("AddTier"); err != nil {
		return nil, err
	}
	return f.svc.AddTier(ctx, owner, bookID, in)
}

func (f *fakeRemote) AdjustTier(ctx context.Context, bookID string, in inventory.Adjustment) (*inventory.Book, error) {
	if err := f.check("AdjustTier"); err != nil {
		return nil, err
	}
	return f.svc.AdjustTier(ctx, owner, bookID, in)
}

func (f *fakeRemote) ListEvents(ctx context.Context) ([]*inventory.SaleEvent, error) {
	if err := f.check("ListEvents"); err != nil {
		return nil, err
	}
	return f.svc.ListEvents(ctx, owner)
}

func (f *fakeRemote) GetEvent(ctx context.Context, id string) (*inventory.SaleEvent, error) {
	if err := f.check("GetEvent"); err != nil {
		return nil, err
	}
	return f.svc.GetEvent(ctx, owner, id)
}

func (f *fakeRemote) CreateEvent(ctx context.Context, in inventory.EventInput) (*inventory.SaleEvent, error) {
	if err := f.check("CreateEvent"); err != nil {
		return nil, err
	}
	return f.svc.CreateEvent(ctx, owner, in)
}

func (f *fakeRemote) ApplyEvent(ctx context.Context, id string) (*inventory.ApplyResult, error) {
	if err := f.check("ApplyEvent"); err != nil {
		return nil, err
	}
	return f.svc.ApplyEvent(ctx, owner, id)
}

type txnLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *txnLog) observe(op string, state TxnState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, op+":"+state.String())
}

func (l *txnLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func newMirror(t *testing.T, remote Remote, opts ...Option) (*Mirror, *txnLog) {
	t.Helper()
	log := &txnLog{}
	opts = append([]Option{WithTxnObserver(log.observe)}, opts...)
	m, err := New(remote, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, log
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func dune(copies int64) inventory.CreateBookInput {
	return inventory.CreateBookInput{Title: "Dune", Author: "Frank Herbert", Format: "paperback", Price: d("15"), Copies: copies}
}

func TestCreateBookReplacesLocalWithRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, log := newMirror(t, remote)

	book, err := m.CreateBook(ctx, dune(3))
	require.NoError(t, err)

	stored, err := remote.svc.GetBook(ctx, owner, book.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.PriceTiers[0].TierID, book.PriceTiers[0].TierID)

	state := m.State()
	require.Len(t, state.Books, 1)
	assert.Equal(t, book.ID, state.Books[0].ID)
	assert.Equal(t, int64(3), state.Books[0].TotalOnHand)
	assert.Equal(t, []string{"create_book:committed"}, log.all())
	assert.Empty(t, m.Queue())
}

func TestOfflineCreatesMergeLocallyAndReplayOnSync(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, log := newMirror(t, remote)
	remote.setFail("CreateBook", errOffline)

	first, err := m.CreateBook(ctx, dune(3))
	require.NoError(t, err, "queued creates do not surface errors")
	second, err := m.CreateBook(ctx, inventory.CreateBookInput{Title: " dune ", Author: "FRANK HERBERT", Price: d("15.00"), Copies: 2})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.Len(t, second.PriceTiers, 1)
	assert.Equal(t, int64(5), second.TotalOnHand)
	assert.Len(t, m.Queue(), 2)
	assert.Equal(t, 2, m.Status().QueueSize)
	assert.Equal(t, []string{"create_book:queued", "create_book:queued"}, log.all())

	remote.setFail("CreateBook", nil)
	require.NoError(t, m.Sync(ctx))

	books, err := remote.svc.ListBooks(ctx, owner)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, int64(5), books[0].TotalOnHand)

	state := m.State()
	require.Len(t, state.Books, 1)
	assert.Equal(t, books[0].ID, state.Books[0].ID)
	assert.NotEqual(t, first.ID, state.Books[0].ID)
	assert.Empty(t, m.Queue())

	status := m.Status()
	assert.False(t, status.Pending)
	assert.NotNil(t, status.LastSuccess)
	assert.Empty(t, status.LastError)
}

func TestCreateBookRejectedByAPIRollsBack(t *testing.T) {
	ctx := context.Background()
	m, log := newMirror(t, newFakeRemote())

	in := dune(1)
	in.Format = "vinyl"
	_, err := m.CreateBook(ctx, in)
	assert.ErrorIs(t, err, inventory.ErrValidation)
	assert.Empty(t, m.State().Books)
	assert.Empty(t, m.Queue())
	assert.Equal(t, []string{"create_book:rolled_back"}, log.all())

	_, err = m.CreateBook(ctx, inventory.CreateBookInput{Title: "  "})
	assert.ErrorIs(t, err, inventory.ErrValidation)
}

func TestFailedAdjustRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, log := newMirror(t, remote)

	book, err := m.CreateBook(ctx, dune(5))
	require.NoError(t, err)
	before := m.State()

	remote.setFail("AdjustTier", errOffline)
	_, err = m.AdjustTier(ctx, book.ID, inventory.Adjustment{TierID: book.PriceTiers[0].TierID, Delta: -2})
	assert.ErrorIs(t, err, errOffline)
	assert.Equal(t, before, m.State())
	assert.Equal(t, "adjust_tier:rolled_back", log.all()[1])

	remote.setFail("AdjustTier", nil)
	updated, err := m.AdjustTier(ctx, book.ID, inventory.Adjustment{Price: dp("15"), Delta: -100})
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.TotalOnHand)
	assert.True(t, updated.SoldOut)
}

func TestAdjustSeesOptimisticValueBeforeRemoteReturns(t *testing.T) {
	ctx := context.Background()
	remote := &blockingRemote{fakeRemote: newFakeRemote(), release: make(chan struct{}), entered: make(chan struct{})}
	m, _ := newMirror(t, remote, WithHideSoldOut(false))

	book, err := m.CreateBook(ctx, dune(5))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.AdjustTier(ctx, book.ID, inventory.Adjustment{TierID: book.PriceTiers[0].TierID, Delta: -2})
		done <- err
	}()
	<-remote.entered
	local, ok := m.Book(book.ID)
	require.True(t, ok)
	assert.Equal(t, int64(3), local.TotalOnHand)
	close(remote.release)
	require.NoError(t, <-done)
}

// blockingRemote holds AdjustTier until released.
type blockingRemote struct {
	*fakeRemote
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRemote) AdjustTier(ctx context.Context, bookID string, in inventory.Adjustment) (*inventory.Book, error) {
	close(b.entered)
	<-b.release
	return b.fakeRemote.AdjustTier(ctx, bookID, in)
}

func TestTierChangesOnQueuedBookAreRejected(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	remote.setFail("CreateBook", errOffline)

	book, err := m.CreateBook(ctx, dune(2))
	require.NoError(t, err)

	_, err = m.AdjustTier(ctx, book.ID, inventory.Adjustment{TierID: book.PriceTiers[0].TierID, Delta: 1})
	assert.ErrorIs(t, err, ErrNotSynced)
	_, err = m.AddTier(ctx, book.ID, inventory.TierInput{Price: d("20"), Copies: 1})
	assert.ErrorIs(t, err, ErrNotSynced)
	assert.Equal(t, 0, remote.called("AdjustTier"))
}

func TestAddTier(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)

	book, err := m.CreateBook(ctx, dune(2))
	require.NoError(t, err)

	remote.setFail("AddTier", errOffline)
	_, err = m.AddTier(ctx, book.ID, inventory.TierInput{Price: d("20"), Copies: 4})
	assert.ErrorIs(t, err, errOffline)
	local, _ := m.Book(book.ID)
	assert.Len(t, local.PriceTiers, 1)

	remote.setFail("AddTier", nil)
	updated, err := m.AddTier(ctx, book.ID, inventory.TierInput{Price: d("20"), Copies: 4})
	require.NoError(t, err)
	assert.Len(t, updated.PriceTiers, 2)
	assert.Equal(t, int64(6), updated.TotalOnHand)
	local, _ = m.Book(book.ID)
	assert.Equal(t, updated.PriceTiers[1].TierID, local.PriceTiers[1].TierID)
}

func TestDeleteBook(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)

	book, err := m.CreateBook(ctx, dune(2))
	require.NoError(t, err)

	remote.setFail("DeleteBook", errOffline)
	assert.ErrorIs(t, m.DeleteBook(ctx, book.ID), errOffline)
	_, ok := m.Book(book.ID)
	assert.True(t, ok, "failed delete restores the book")

	remote.setFail("DeleteBook", nil)
	require.NoError(t, m.DeleteBook(ctx, book.ID))
	_, ok = m.Book(book.ID)
	assert.False(t, ok)
	_, err = remote.svc.GetBook(ctx, owner, book.ID)
	assert.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestDeleteQueuedBookDropsQueuedCreates(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	remote.setFail("CreateBook", errOffline)

	book, err := m.CreateBook(ctx, dune(2))
	require.NoError(t, err)
	require.NoError(t, m.DeleteBook(ctx, book.ID))

	assert.Empty(t, m.Queue())
	assert.Empty(t, m.State().Books)
	assert.Equal(t, 0, remote.called("DeleteBook"))
}

func TestUpdateQueuedBookFoldsIntoCreate(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	remote.setFail("CreateBook", errOffline)

	book, err := m.CreateBook(ctx, dune(2))
	require.NoError(t, err)
	title := "Dune Messiah"
	updated, err := m.UpdateBook(ctx, book.ID, inventory.BookUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, 0, remote.called("UpdateBook"))

	remote.setFail("CreateBook", nil)
	require.NoError(t, m.Sync(ctx))
	books, err := remote.svc.ListBooks(ctx, owner)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, title, books[0].Title)
}

func TestUpdateBookRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)

	book, err := m.CreateBook(ctx, dune(2))
	require.NoError(t, err)

	notes := "signed"
	remote.setFail("UpdateBook", errOffline)
	_, err = m.UpdateBook(ctx, book.ID, inventory.BookUpdate{Notes: &notes})
	assert.ErrorIs(t, err, errOffline)
	local, _ := m.Book(book.ID)
	assert.Empty(t, local.Notes)

	remote.setFail("UpdateBook", nil)
	updated, err := m.UpdateBook(ctx, book.ID, inventory.BookUpdate{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, notes, updated.Notes)
}

func TestLogEventResolvesLinesAndApplies(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)

	duneBook, err := m.CreateBook(ctx, dune(5))
	require.NoError(t, err)
	emma, err := m.CreateBook(ctx, inventory.CreateBookInput{Title: "Emma", Author: "Jane Austen", Price: d("10"), Copies: 4})
	require.NoError(t, err)

	event, err := m.LogEvent(ctx, inventory.EventInput{
		EventName: "Spring Fair",
		Date:      "2025-04-05",
		Lines: []inventory.SaleLineInput{
			{BookID: duneBook.ID, Price: dp("15"), QtySold: 2},
			{BookID: emma.ID, TierID: emma.PriceTiers[0].TierID, QtySold: -1},
		},
	}, true)
	require.NoError(t, err)
	require.NotNil(t, event.AppliedAt)

	stored, err := remote.svc.GetEvent(ctx, owner, event.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 2)
	assert.Equal(t, duneBook.PriceTiers[0].TierID, stored.Lines[0].TierID, "tier resolved from the local copy")
	assert.True(t, stored.TotalRevenue().Equal(d("40")))

	for id, want := range map[string]int64{duneBook.ID: 3, emma.ID: 3} {
		local, ok := m.Book(id)
		require.True(t, ok)
		assert.Equal(t, want, local.TotalOnHand)
		server, err := remote.svc.GetBook(ctx, owner, id)
		require.NoError(t, err)
		assert.Equal(t, want, server.TotalOnHand)
	}
}

func TestFailedApplyRestoresStock(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, log := newMirror(t, remote)

	book, err := m.CreateBook(ctx, dune(5))
	require.NoError(t, err)
	event, err := m.LogEvent(ctx, inventory.EventInput{
		EventName: "Market",
		Date:      "2025-05-01",
		Lines:     []inventory.SaleLineInput{{BookID: book.ID, Price: dp("15"), QtySold: 2}},
	}, false)
	require.NoError(t, err)
	assert.Nil(t, event.AppliedAt)
	before := m.State()

	remote.setFail("ApplyEvent", errOffline)
	_, err = m.ApplyEvent(ctx, event.ID)
	assert.ErrorIs(t, err, errOffline)
	assert.Equal(t, before, m.State())
	assert.Contains(t, log.all(), "apply_event:rolled_back")

	remote.setFail("ApplyEvent", nil)
	res, err := m.ApplyEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	local, _ := m.Book(book.ID)
	assert.Equal(t, int64(3), local.TotalOnHand)

	res, err = m.ApplyEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	local, _ = m.Book(book.ID)
	assert.Equal(t, int64(3), local.TotalOnHand)
}

func TestLogEventFailureRemovesLocalEvent(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	book, err := m.CreateBook(ctx, dune(5))
	require.NoError(t, err)

	remote.setFail("CreateEvent", errOffline)
	_, err = m.LogEvent(ctx, inventory.EventInput{
		EventName: "Market",
		Date:      "2025-05-01",
		Lines:     []inventory.SaleLineInput{{BookID: book.ID, Price: dp("15"), QtySold: 2}},
	}, true)
	assert.ErrorIs(t, err, errOffline)
	assert.Empty(t, m.State().Events)
	local, _ := m.Book(book.ID)
	assert.Equal(t, int64(5), local.TotalOnHand)
	assert.Equal(t, 0, remote.called("ApplyEvent"))
}

func TestApplyUnknownEventFetchesItFirst(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	book, _, err := remote.svc.CreateBook(ctx, owner, dune(5))
	require.NoError(t, err)
	event, err := remote.svc.CreateEvent(ctx, owner, inventory.EventInput{
		EventName: "Elsewhere",
		Date:      "2025-06-01",
		Lines:     []inventory.SaleLineInput{{BookID: book.ID, Price: dp("15"), QtySold: 1}},
	})
	require.NoError(t, err)

	m, _ := newMirror(t, remote)
	_, err = m.ApplyEvent(ctx, event.ID)
	require.NoError(t, err)

	local, ok := m.Book(book.ID)
	require.True(t, ok, "books touched by the event are refreshed")
	assert.Equal(t, int64(4), local.TotalOnHand)
	state := m.State()
	require.Len(t, state.Events, 1)
	assert.NotNil(t, state.Events[0].AppliedAt)
}

func TestResyncHidesSoldOutBooks(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	book, _, err := remote.svc.CreateBook(ctx, owner, dune(1))
	require.NoError(t, err)
	_, _, err = remote.svc.CreateBook(ctx, owner, inventory.CreateBookInput{Title: "Emma", Price: d("10"), Copies: 2})
	require.NoError(t, err)
	_, err = remote.svc.AdjustTier(ctx, owner, book.ID, inventory.Adjustment{TierID: book.PriceTiers[0].TierID, Delta: -1})
	require.NoError(t, err)

	m, _ := newMirror(t, remote)
	require.NoError(t, m.Resync(ctx))
	snap := m.Snapshot()
	require.Len(t, snap.Books, 1)
	assert.Equal(t, "Emma", snap.Books[0].Title)
	assert.Len(t, m.State().Books, 2, "sold-out books stay in the local state")

	shown, _ := newMirror(t, remote, WithHideSoldOut(false))
	require.NoError(t, shown.Resync(ctx))
	assert.Len(t, shown.Snapshot().Books, 2)
}

func TestResyncDropsBooksDeletedElsewhere(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)

	book, err := m.CreateBook(ctx, dune(1))
	require.NoError(t, err)
	require.NoError(t, remote.svc.DeleteBook(ctx, owner, book.ID))

	remote.setFail("CreateBook", errOffline)
	queued, err := m.CreateBook(ctx, inventory.CreateBookInput{Title: "Emma", Price: d("10"), Copies: 2})
	require.NoError(t, err)

	require.NoError(t, m.Resync(ctx))
	state := m.State()
	require.Len(t, state.Books, 1)
	assert.Equal(t, queued.ID, state.Books[0].ID, "queued books survive a resync")
}

func TestSyncRequeuesFailedCreatesAtTail(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	remote.setFail("CreateBook", errOffline)

	_, err := m.CreateBook(ctx, dune(1))
	require.NoError(t, err)
	_, err = m.CreateBook(ctx, inventory.CreateBookInput{Title: "Emma", Price: d("10"), Copies: 2})
	require.NoError(t, err)

	err = m.Sync(ctx)
	assert.ErrorIs(t, err, errOffline)
	queue := m.Queue()
	require.Len(t, queue, 2)
	assert.Equal(t, "Dune", queue[0].Input.Title)
	assert.Equal(t, 1, queue[0].Attempts)
	assert.Equal(t, 1, queue[1].Attempts)

	status := m.Status()
	assert.NotEmpty(t, status.LastError)
	assert.Nil(t, status.LastSuccess)
	assert.Len(t, m.State().Books, 2, "local copies are kept while offline")
}

func TestDrainDropsCreatesTheAPIRejects(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	remote.setFail("CreateBook", errOffline)

	in := dune(1)
	in.Format = "vinyl"
	_, err := m.CreateBook(ctx, in)
	require.NoError(t, err)

	remote.setFail("CreateBook", nil)
	require.NoError(t, m.Drain(ctx))
	assert.Empty(t, m.Queue())
	assert.Empty(t, m.State().Books)
}

func TestSubscribeDeliversLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	m, _ := newMirror(t, newFakeRemote())

	ch, cancel := m.Subscribe()
	defer cancel()
	initial := <-ch
	assert.Empty(t, initial.Books)

	for _, title := range []string{"Dune", "Emma", "Ulysses"} {
		_, err := m.CreateBook(ctx, inventory.CreateBookInput{Title: title, Price: d("10"), Copies: 1})
		require.NoError(t, err)
	}
	latest := <-ch
	assert.Len(t, latest.Books, 3)
	assert.Empty(t, ch)

	cancel()
	_, err := m.CreateBook(ctx, inventory.CreateBookInput{Title: "Walden", Price: d("10"), Copies: 1})
	require.NoError(t, err)
	assert.Empty(t, ch)
}

func TestPebblePersisterSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	remote := newFakeRemote()
	remote.setFail("CreateBook", errOffline)

	p, err := NewPebblePersister(dir)
	require.NoError(t, err)
	m, err := New(remote, WithPersister(p))
	require.NoError(t, err)
	book, err := m.CreateBook(ctx, dune(4))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	p, err = NewPebblePersister(dir)
	require.NoError(t, err)
	restarted, err := New(remote, WithPersister(p))
	require.NoError(t, err)
	defer restarted.Close()

	local, ok := restarted.Book(book.ID)
	require.True(t, ok)
	assert.Equal(t, int64(4), local.TotalOnHand)
	require.Len(t, restarted.Queue(), 1)
	assert.Equal(t, book.ID, restarted.Queue()[0].TempID)

	remote.setFail("CreateBook", nil)
	require.NoError(t, restarted.Sync(ctx))
	assert.Empty(t, restarted.Queue())
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	m, _ := newMirror(t, newFakeRemote())
	_, err := m.CreateBook(ctx, dune(2))
	require.NoError(t, err)

	data, err := m.Export()
	require.NoError(t, err)

	other, _ := newMirror(t, newFakeRemote())
	require.NoError(t, other.Import(data))
	assert.Equal(t, m.State(), other.State())

	assert.ErrorIs(t, other.Import([]byte(`{"books": []}`)), inventory.ErrValidation)
	assert.ErrorIs(t, other.Import([]byte(`not json`)), inventory.ErrValidation)

	other.Clear()
	assert.Empty(t, other.State().Books)
	assert.Empty(t, other.Queue())
}

func TestConcurrentAdjustmentsAreSerializedPerBook(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)

	book, err := m.CreateBook(ctx, dune(50))
	require.NoError(t, err)
	tierID := book.PriceTiers[0].TierID

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.AdjustTier(ctx, book.ID, inventory.Adjustment{TierID: tierID, Delta: -1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	local, _ := m.Book(book.ID)
	assert.Equal(t, int64(30), local.TotalOnHand)
	server, err := remote.svc.GetBook(ctx, owner, book.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), server.TotalOnHand)
	assert.Equal(t, 0, m.locks.size())
}

func TestRunSyncsWhenBackOnline(t *testing.T) {
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	remote.setFail("CreateBook", errOffline)
	_, err := m.CreateBook(context.Background(), dune(1))
	require.NoError(t, err)
	remote.setFail("CreateBook", nil)

	ctx, cancel := context.WithCancel(context.Background())
	online := make(chan bool)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, online) }()

	online <- false
	online <- true
	require.Eventually(t, func() bool { return len(m.Queue()) == 0 && remote.called("ListBooks") == 1 },
		time.Second, 5*time.Millisecond)

	online <- true
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, remote.called("ListBooks"), "staying online does not resync")
}

func TestRunSyncsOnInterval(t *testing.T) {
	remote := newFakeRemote()
	m, _ := newMirror(t, remote, WithSyncInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	online := make(chan bool, 1)
	online <- true
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, online) }()

	require.Eventually(t, func() bool { return remote.called("ListBooks") >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestKeyedMutexOrdersLocks(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			k.Lock("a", "b")()
		}()
		go func() {
			defer wg.Done()
			k.Lock("b", "a", "b")()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, k.size())
}

func TestMirrorOverHTTPClient(t *testing.T) {
	ctx := context.Background()
	svc := inventory.NewService(kvstore.NewMemoryStore(), zap.NewNop())
	srv := httptest.NewServer(httpapi.NewRouter(svc, httpapi.Options{Resolver: auth.NewResolver("", true, "")}))
	defer srv.Close()

	m, _ := newMirror(t, client.New(srv.URL, client.WithDevUser(owner), client.WithHTTPClient(srv.Client())))
	book, err := m.CreateBook(ctx, dune(4))
	require.NoError(t, err)

	_, err = m.AdjustTier(ctx, book.ID, inventory.Adjustment{TierID: "missing", Delta: -1})
	assert.ErrorIs(t, err, inventory.ErrNotFound)
	local, _ := m.Book(book.ID)
	assert.Equal(t, int64(4), local.TotalOnHand)

	_, err = m.LogEvent(ctx, inventory.EventInput{
		EventName: "Library Day",
		Date:      "2025-07-01",
		Lines:     []inventory.SaleLineInput{{BookID: book.ID, Price: dp("15"), QtySold: 1}},
	}, true)
	require.NoError(t, err)

	server, err := svc.GetBook(ctx, owner, book.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), server.TotalOnHand)
	local, _ = m.Book(book.ID)
	assert.Equal(t, int64(3), local.TotalOnHand)
}

// queueOfflineMerge creates Dune online, then merges more copies into it
// while the API is unreachable.
func queueOfflineMerge(t *testing.T, m *Mirror, remote *fakeRemote) *inventory.Book {
	t.Helper()
	ctx := context.Background()
	book, err := m.CreateBook(ctx, dune(1))
	require.NoError(t, err)

	remote.setFail("CreateBook", errOffline)
	merged, err := m.CreateBook(ctx, dune(2))
	require.NoError(t, err)
	require.Equal(t, book.ID, merged.ID)
	require.Equal(t, int64(3), merged.TotalOnHand)

	queue := m.Queue()
	require.Len(t, queue, 1)
	require.True(t, queue[0].Merge)
	require.Equal(t, book.ID, queue[0].TempID)
	return book
}

func TestDeleteBookWithQueuedMergeGoesToAPI(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	book := queueOfflineMerge(t, m, remote)

	require.NoError(t, m.DeleteBook(ctx, book.ID))
	assert.Equal(t, 1, remote.called("DeleteBook"))
	assert.Empty(t, m.Queue())

	remote.setFail("CreateBook", nil)
	require.NoError(t, m.Sync(ctx))
	books, err := remote.svc.ListBooks(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, books)
	assert.Empty(t, m.State().Books)
}

func TestFailedDeleteKeepsQueuedMerge(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	book := queueOfflineMerge(t, m, remote)

	remote.setFail("DeleteBook", errOffline)
	assert.ErrorIs(t, m.DeleteBook(ctx, book.ID), errOffline)
	assert.Len(t, m.Queue(), 1)
	local, ok := m.Book(book.ID)
	require.True(t, ok)
	assert.Equal(t, int64(3), local.TotalOnHand)
}

func TestUpdateBookWithQueuedMergeRebasesCreate(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	book := queueOfflineMerge(t, m, remote)

	title := "Dune Messiah"
	updated, err := m.UpdateBook(ctx, book.ID, inventory.BookUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, 1, remote.called("UpdateBook"))
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, int64(3), updated.TotalOnHand, "queued copies stay visible")
	assert.Equal(t, title, m.Queue()[0].Input.Title)

	remote.setFail("CreateBook", nil)
	require.NoError(t, m.Sync(ctx))
	books, err := remote.svc.ListBooks(ctx, owner)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, book.ID, books[0].ID)
	assert.Equal(t, title, books[0].Title)
	assert.Equal(t, int64(3), books[0].TotalOnHand)

	state := m.State()
	require.Len(t, state.Books, 1)
	assert.Equal(t, int64(3), state.Books[0].TotalOnHand)
	assert.Empty(t, m.Queue())
}

func TestTierChangesOnMergedBookGoToAPI(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	book := queueOfflineMerge(t, m, remote)

	updated, err := m.AdjustTier(ctx, book.ID, inventory.Adjustment{TierID: book.PriceTiers[0].TierID, Delta: 4})
	require.NoError(t, err)
	assert.Equal(t, 1, remote.called("AdjustTier"))
	assert.Equal(t, int64(7), updated.TotalOnHand, "5 on the server plus 2 queued")

	remote.setFail("CreateBook", nil)
	require.NoError(t, m.Sync(ctx))
	stored, err := remote.svc.GetBook(ctx, owner, book.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.TotalOnHand)
}

func TestResyncKeepsQueuedMergeCopies(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	book := queueOfflineMerge(t, m, remote)

	require.NoError(t, m.Resync(ctx))
	local, ok := m.Book(book.ID)
	require.True(t, ok)
	assert.Equal(t, int64(3), local.TotalOnHand)
	assert.Len(t, m.Queue(), 1)

	require.NoError(t, remote.svc.DeleteBook(ctx, owner, book.ID))
	require.NoError(t, m.Resync(ctx))
	assert.Empty(t, m.State().Books)
	assert.Empty(t, m.Queue(), "merges into a book deleted elsewhere are dropped")
}

// hookRemote runs onCreate before every CreateBook call.
type hookRemote struct {
	*fakeRemote
	onCreate func()
}

func (h *hookRemote) CreateBook(ctx context.Context, in inventory.CreateBookInput) (*inventory.Book, error) {
	if h.onCreate != nil {
		h.onCreate()
	}
	return h.fakeRemote.CreateBook(ctx, in)
}

func TestDrainPersistsProgressAfterEachReplay(t *testing.T) {
	ctx := context.Background()
	persister := NewMemoryPersister()
	remote := &hookRemote{fakeRemote: newFakeRemote()}
	m, _ := newMirror(t, remote, WithPersister(persister))

	remote.setFail("CreateBook", errOffline)
	_, err := m.CreateBook(ctx, dune(1))
	require.NoError(t, err)
	_, err = m.CreateBook(ctx, inventory.CreateBookInput{Title: "Emma", Price: d("10"), Copies: 2})
	require.NoError(t, err)
	remote.setFail("CreateBook", nil)

	// Copy what is on disk when the second replay starts, then fail it as if
	// the process had died there.
	crashed := NewMemoryPersister()
	calls := 0
	remote.onCreate = func() {
		calls++
		if calls != 2 {
			return
		}
		state, queue, err := persister.Load()
		require.NoError(t, err)
		require.NoError(t, crashed.SaveState(state))
		require.NoError(t, crashed.SaveQueue(queue))
		remote.setFail("CreateBook", errOffline)
	}
	assert.ErrorIs(t, m.Sync(ctx), errOffline)

	remote.onCreate = nil
	remote.setFail("CreateBook", nil)
	restarted, _ := newMirror(t, remote.fakeRemote, WithPersister(crashed))
	queue := restarted.Queue()
	require.Len(t, queue, 1)
	assert.Equal(t, "Emma", queue[0].Input.Title)

	require.NoError(t, restarted.Sync(ctx))
	books, err := remote.svc.ListBooks(ctx, owner)
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, "Dune", books[0].Title)
	assert.Equal(t, int64(1), books[0].TotalOnHand, "Dune is not replayed twice")
	assert.Equal(t, "Emma", books[1].Title)
	assert.Equal(t, int64(2), books[1].TotalOnHand)
}

func TestOutOfRangeQuantitiesAreRejectedLocally(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	m, _ := newMirror(t, remote)
	book, err := m.CreateBook(ctx, dune(3))
	require.NoError(t, err)

	_, err = m.AdjustTier(ctx, book.ID, inventory.Adjustment{TierID: book.PriceTiers[0].TierID, Delta: math.MinInt64})
	assert.ErrorIs(t, err, inventory.ErrValidation)
	_, err = m.CreateBook(ctx, inventory.CreateBookInput{Title: "Emma", Price: d("10"), Copies: math.MaxInt64})
	assert.ErrorIs(t, err, inventory.ErrValidation)
	_, err = m.LogEvent(ctx, inventory.EventInput{
		EventName: "Fair",
		Date:      "2025-04-05",
		Lines:     []inventory.SaleLineInput{{BookID: book.ID, Price: dp("15"), QtySold: math.MinInt64}},
	}, true)
	assert.ErrorIs(t, err, inventory.ErrValidation)

	assert.Equal(t, 0, remote.called("AdjustTier"))
	assert.Equal(t, 0, remote.called("CreateEvent"))
	local, _ := m.Book(book.ID)
	assert.Equal(t, int64(3), local.TotalOnHand)
}
