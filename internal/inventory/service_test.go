package inventory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"authorinventory/internal/audit"
	"authorinventory/internal/chaos"
	"authorinventory/internal/kvstore"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   Service
	store *chaos.FaultyStore
	mem   *kvstore.MemoryStore
	audit *captureSink
}

type captureSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (c *captureSink) Write(_ context.Context, recs ...audit.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, recs...)
	return nil
}

func (c *captureSink) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.recs))
	for _, r := range c.recs {
		out = append(out, r.Action)
	}
	return out
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%04d", n.Add(1)) }
}

func newFixture(t interface{ Helper() }, opts ...Option) *fixture {
	t.Helper()
	mem := kvstore.NewMemoryStore()
	fs := chaos.NewFaultyStore(mem)
	sink := &captureSink{}
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithIDs(sequentialIDs()),
		WithAudit(sink),
		WithBatchBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}
	return &fixture{
		svc:   NewService(fs, zap.NewNop(), append(base, opts...)...),
		store: fs,
		mem:   mem,
		audit: sink,
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// putLegacyBook stores a book record from before price tiers existed.
func (f *fixture) putLegacyBook(t *testing.T, owner, bookID, title, price string, copies int64) {
	t.Helper()
	rec := bookRecord{
		EntityType: entityBook,
		OwnerID:    ownerPartition(owner),
		BookID:     bookID,
		Title:      title,
		Format:     FormatPaperback,
		Price:      dp(price),
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	data, err := encode(rec)
	require.NoError(t, err)
	require.NoError(t, f.mem.Put(context.Background(), kvstore.Item{Key: bookKey(owner, bookID), Count: copies, Data: data}, kvstore.PutOptions{}))
}

func (f *fixture) createBook(t *testing.T, title, price string, copies int64) *Book {
	t.Helper()
	book, merged, err := f.svc.CreateBook(context.Background(), "", CreateBookInput{
		Title:  title,
		Author: "Frank Herbert",
		Format: FormatPaperback,
		Price:  d(price),
		Copies: copies,
	})
	require.NoError(t, err)
	require.False(t, merged)
	return book
}

func TestCreateBookMergesByIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, merged, err := f.svc.CreateBook(ctx, "", CreateBookInput{Title: "Dune", Author: "Frank Herbert", Format: "Paperback", Price: d("10"), Copies: 5})
	require.NoError(t, err)
	assert.False(t, merged)
	require.Len(t, first.PriceTiers, 1)
	assert.Equal(t, FormatPaperback, first.Format)

	again, merged, err := f.svc.CreateBook(ctx, "", CreateBookInput{Title: "  dune ", Author: " FRANK HERBERT", Format: "paperback", Price: d("10.00"), Copies: 3})
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, first.ID, again.ID)
	require.Len(t, again.PriceTiers, 1)
	assert.Equal(t, int64(8), again.PriceTiers[0].CopiesOnHand)

	priced, merged, err := f.svc.CreateBook(ctx, "", CreateBookInput{Title: "Dune", Author: "Frank Herbert", Price: d("12"), Copies: 2})
	require.NoError(t, err)
	assert.True(t, merged, "empty format defaults to paperback")
	require.Len(t, priced.PriceTiers, 2)
	assert.True(t, priced.PriceTiers[1].Price.Equal(d("12")))
	assert.Equal(t, int64(10), priced.TotalOnHand)

	hardcover, merged, err := f.svc.CreateBook(ctx, "", CreateBookInput{Title: "Dune", Author: "Frank Herbert", Format: "hardcover", Price: d("30"), Copies: 1})
	require.NoError(t, err)
	assert.False(t, merged)
	assert.NotEqual(t, first.ID, hardcover.ID)

	books, err := f.svc.ListBooks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, books, 2)
	assert.Equal(t, []string{"book.create", "book.merge", "book.merge", "book.create"}, f.audit.actions())
}

func TestCreateBookValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]CreateBookInput{
		"missing title":   {Title: "  ", Price: d("1"), Copies: 1},
		"negative price":  {Title: "A", Price: d("-1"), Copies: 1},
		"negative copies": {Title: "A", Price: d("1"), Copies: -1},
		"unknown format":  {Title: "A", Format: "scroll", Price: d("1"), Copies: 1},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := f.svc.CreateBook(ctx, "", in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	books, err := f.svc.ListBooks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestCreateBookRollsBackWhenTierWriteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Inject(chaos.Fault{Op: chaos.OpPut, Match: "#TIER#", Err: kvstore.ErrTransient, Times: 1})

	_, _, err := f.svc.CreateBook(ctx, "", CreateBookInput{Title: "Dune", Price: d("10"), Copies: 1})
	require.ErrorIs(t, err, kvstore.ErrTransient)

	items, err := f.mem.Query(ctx, kvstore.QueryInput{PK: bookPartition("")})
	require.NoError(t, err)
	assert.Empty(t, items, "no orphan book record")

	book, merged, err := f.svc.CreateBook(ctx, "", CreateBookInput{Title: "Dune", Price: d("10"), Copies: 1})
	require.NoError(t, err)
	assert.False(t, merged)
	assert.Equal(t, int64(1), book.TotalOnHand)
}

func TestOwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, err := f.svc.CreateBook(ctx, "alice@example.com", CreateBookInput{Title: "Dune", Price: d("10"), Copies: 1})
	require.NoError(t, err)

	books, err := f.svc.ListBooks(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Empty(t, books)

	_, merged, err := f.svc.CreateBook(ctx, "bob@example.com", CreateBookInput{Title: "Dune", Price: d("10"), Copies: 1})
	require.NoError(t, err)
	assert.False(t, merged)
}

func TestAddTierKeepsDuplicatePrices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.createBook(t, "Dune", "10", 2)

	updated, err := f.svc.AddTier(ctx, "", book.ID, TierInput{Price: d("10"), Copies: 4, Notes: "signed"})
	require.NoError(t, err)
	require.Len(t, updated.PriceTiers, 2)
	assert.Equal(t, "signed", updated.PriceTiers[1].Notes)
	assert.Equal(t, int64(6), updated.TotalOnHand)

	_, err = f.svc.AddTier(ctx, "", "missing", TierInput{Price: d("1"), Copies: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.createBook(t, "Dune", "10", 2)

	merged, err := f.svc.MergeTier(ctx, "", book.ID, d("10.0"), 3, "")
	require.NoError(t, err)
	require.Len(t, merged.PriceTiers, 1)
	assert.Equal(t, int64(5), merged.TotalOnHand)

	merged, err = f.svc.MergeTier(ctx, "", book.ID, d("7.5"), 1, "remainder")
	require.NoError(t, err)
	assert.Len(t, merged.PriceTiers, 2)

	_, err = f.svc.MergeTier(ctx, "", "missing", d("1"), 1, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBookRefreshesIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.createBook(t, "Dune", "10", 2)

	_, err := f.svc.UpdateBook(ctx, "", book.ID, BookUpdate{})
	require.ErrorIs(t, err, ErrValidation)

	title := "Dune Messiah"
	updated, err := f.svc.UpdateBook(ctx, "", book.ID, BookUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", updated.Title)
	assert.Equal(t, "Frank Herbert", updated.Author)

	same, merged, err := f.svc.CreateBook(ctx, "", CreateBookInput{Title: "dune messiah", Author: "frank herbert", Price: d("10"), Copies: 1})
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, book.ID, same.ID)

	_, err = f.svc.UpdateBook(ctx, "", "missing", BookUpdate{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdjustTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.createBook(t, "Dune", "10", 5)
	tierID := book.PriceTiers[0].TierID

	_, err := f.svc.AdjustTier(ctx, "", book.ID, Adjustment{TierID: tierID})
	require.ErrorIs(t, err, ErrValidation)

	up, err := f.svc.AdjustTier(ctx, "", book.ID, Adjustment{TierID: tierID, Delta: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(7), up.TotalOnHand)

	byPrice, err := f.svc.AdjustTier(ctx, "", book.ID, Adjustment{Price: dp("10.00"), Delta: -1})
	require.NoError(t, err)
	assert.Equal(t, int64(6), byPrice.TotalOnHand)

	clamped, err := f.svc.AdjustTier(ctx, "", book.ID, Adjustment{TierID: tierID, Delta: -100})
	require.NoError(t, err)
	assert.Equal(t, int64(0), clamped.PriceTiers[0].CopiesOnHand)
	assert.True(t, clamped.SoldOut)

	_, err = f.svc.AdjustTier(ctx, "", book.ID, Adjustment{TierID: "nope", Delta: 1})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.AdjustTier(ctx, "", book.ID, Adjustment{Price: dp("99"), Delta: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdjustLegacyTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putLegacyBook(t, "", "legacy-1", "Old Stock", "9.99", 4)

	book, err := f.svc.GetBook(ctx, "", "legacy-1")
	require.NoError(t, err)
	require.Len(t, book.PriceTiers, 1)
	assert.True(t, book.PriceTiers[0].Legacy)
	assert.Equal(t, "legacy-1", book.PriceTiers[0].TierID)

	adjusted, err := f.svc.AdjustTier(ctx, "", "legacy-1", Adjustment{TierID: "legacy-1", Delta: -1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), adjusted.TotalOnHand)

	adjusted, err = f.svc.AdjustTier(ctx, "", "legacy-1", Adjustment{Price: dp("9.99"), Delta: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), adjusted.TotalOnHand)
}

func TestConcurrentAdjustmentsAreAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.createBook(t, "Dune", "10", 100)
	tierID := book.PriceTiers[0].TierID

	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AdjustTier(ctx, "", book.ID, Adjustment{TierID: tierID, Delta: -1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.svc.GetBook(ctx, "", book.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.TotalOnHand)
}

func TestDeleteBookCascadesInBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.createBook(t, "Dune", "10", 1)
	for i := range 30 {
		_, err := f.svc.AddTier(ctx, "", book.ID, TierInput{Price: decimal.NewFromInt(int64(11 + i)), Copies: 1})
		require.NoError(t, err)
	}
	other := f.createBook(t, "Emma", "5", 1)

	require.NoError(t, f.svc.DeleteBook(ctx, "", book.ID))
	assert.Equal(t, 2, f.store.Calls(chaos.OpBatchWrite))

	_, err := f.svc.GetBook(ctx, "", book.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	items, err := f.mem.Query(ctx, kvstore.QueryInput{PK: bookPartition(""), SKPrefix: bookSortKey(book.ID) + "#"})
	require.NoError(t, err)
	assert.Empty(t, items)

	books, err := f.svc.ListBooks(ctx, "")
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, other.ID, books[0].ID)

	assert.NoError(t, f.svc.DeleteBook(ctx, "", book.ID), "delete is idempotent")
}

func TestListBooksSortsAndSynthesizesLegacyTiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createBook(t, "zebra tales", "10", 1)
	f.createBook(t, "Middlemarch", "10", 0)
	f.putLegacyBook(t, "", "legacy-1", "Alpha", "5", 0)

	books, err := f.svc.ListBooks(ctx, "")
	require.NoError(t, err)
	require.Len(t, books, 3)
	assert.Equal(t, []string{"Alpha", "Middlemarch", "zebra tales"}, []string{books[0].Title, books[1].Title, books[2].Title})

	assert.True(t, books[0].PriceTiers[0].Legacy)
	assert.True(t, books[0].SoldOut)
	assert.True(t, books[1].SoldOut)
	assert.False(t, books[2].SoldOut)
}

func TestAuditFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, WithAudit(audit.Multi{failingSink{}}))
	f.createBook(t, "Dune", "10", 1)
}

type failingSink struct{}

func (failingSink) Write(context.Context, ...audit.Record) error { return kvstore.ErrTransient }

func TestQuantitiesAreBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	book := f.createBook(t, "Dune", "10", MaxQuantity)
	tierID := book.PriceTiers[0].TierID

	_, _, err := f.svc.CreateBook(ctx, "", CreateBookInput{Title: "Emma", Price: d("10"), Copies: MaxQuantity + 1})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.AddTier(ctx, "", book.ID, TierInput{Price: d("12"), Copies: math.MaxInt64})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.MergeTier(ctx, "", book.ID, d("10"), math.MaxInt64, "")
	assert.ErrorIs(t, err, ErrValidation)
	for _, delta := range []int64{math.MinInt64, math.MaxInt64, -MaxQuantity - 1} {
		_, err = f.svc.AdjustTier(ctx, "", book.ID, Adjustment{TierID: tierID, Delta: delta})
		assert.ErrorIs(t, err, ErrValidation, "delta %d", delta)
	}

	down, err := f.svc.AdjustTier(ctx, "", book.ID, Adjustment{TierID: tierID, Delta: -MaxQuantity})
	require.NoError(t, err)
	assert.Equal(t, int64(0), down.TotalOnHand)
}
