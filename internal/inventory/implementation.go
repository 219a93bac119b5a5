// internal/inventory/implementation.go
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"authorinventory/internal/audit"
	"authorinventory/internal/identity"
	"authorinventory/internal/kvstore"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func (s *service) startSpan(ctx context.Context, name, owner string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("owner", ownerPartition(owner)))
	return s.tracer.Start(ctx, "inventory."+name, trace.WithAttributes(attrs...))
}

// fail records unexpected errors on the span and passes err through.
func fail(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// CreateBook adds a book with a single tier, merging duplicates by identity.
func (s *service) CreateBook(ctx context.Context, owner string, in CreateBookInput) (*Book, bool, error) {
	ctx, span := s.startSpan(ctx, "CreateBook", owner)
	defer span.End()

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, false, invalid("title", "Title is required")
	}
	if err := validateStock(in.Price, in.Copies); err != nil {
		return nil, false, err
	}
	format := identity.NormalizeFormat(in.Format)
	if !knownFormats[format] {
		return nil, false, invalid("format", "format must be one of paperback, hardcover, ebook, other")
	}
	tierNotes := in.TierNotes
	if tierNotes == "" {
		tierNotes = in.Notes
	}

	key := identity.Key(in.Title, in.Author, in.Format)
	existing, err := s.findBookByIdentity(ctx, owner, key)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("failed to look up book identity: %w", err))
	}
	if existing != nil {
		span.SetAttributes(attribute.String("book.id", existing.BookID), attribute.Bool("merged", true))
		book, err := s.mergeTier(ctx, owner, existing.BookID, in.Price, in.Copies, tierNotes)
		if err != nil {
			return nil, false, fail(span, err)
		}
		s.metrics.BookMerged()
		return book, true, nil
	}

	now := s.now().UTC()
	bookID := s.newID()
	span.SetAttributes(attribute.String("book.id", bookID))
	rec := bookRecord{
		EntityType: entityBook,
		OwnerID:    ownerPartition(owner),
		BookID:     bookID,
		Title:      title,
		Author:     strings.TrimSpace(in.Author),
		Format:     format,
		Notes:      in.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rec.refreshIdentity()
	data, err := encode(rec)
	if err != nil {
		return nil, false, fail(span, err)
	}
	if err := s.store.Put(ctx, kvstore.Item{Key: bookKey(owner, bookID), Data: data}, kvstore.PutOptions{IfNotExists: true}); err != nil {
		return nil, false, fail(span, fmt.Errorf("failed to write book: %w", err))
	}

	tierID, err := s.putTier(ctx, owner, bookID, in.Price, in.Copies, tierNotes)
	if err != nil {
		// no book may exist without a tier
		if derr := s.store.Delete(ctx, bookKey(owner, bookID)); derr != nil {
			s.logger.Error("failed to roll back book after tier write failure",
				zap.String("owner", ownerPartition(owner)), zap.String("bookId", bookID), zap.Error(derr))
		}
		return nil, false, fail(span, fmt.Errorf("failed to write tier: %w", err))
	}

	s.metrics.BookCreated()
	s.metrics.TierCreated()
	s.logger.Info("book.create",
		zap.String("owner", ownerPartition(owner)),
		zap.String("bookId", bookID),
		zap.String("tierId", tierID),
		zap.String("price", in.Price.String()),
		zap.Int64("copies", in.Copies),
	)
	s.record(ctx, audit.Record{Owner: owner, Action: audit.ActionBookCreated, BookID: bookID, TierID: tierID, Delta: in.Copies})

	book, err := s.loadBook(ctx, owner, bookID)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return book, false, nil
}

// MergeTier adds copies to the tier matching price, creating the tier when none matches.
func (s *service) MergeTier(ctx context.Context, owner, bookID string, price decimal.Decimal, copies int64, notes string) (*Book, error) {
	ctx, span := s.startSpan(ctx, "MergeTier", owner, attribute.String("book.id", bookID))
	defer span.End()

	if err := validateStock(price, copies); err != nil {
		return nil, err
	}
	if _, _, err := s.loadBookRecord(ctx, owner, bookID); err != nil {
		return nil, fail(span, err)
	}
	book, err := s.mergeTier(ctx, owner, bookID, price, copies, notes)
	return book, fail(span, err)
}

func (s *service) mergeTier(ctx context.Context, owner, bookID string, price decimal.Decimal, copies int64, notes string) (*Book, error) {
	tier, _, err := s.findTierByPrice(ctx, owner, bookID, price)
	if err != nil {
		return nil, fmt.Errorf("failed to look up tier by price: %w", err)
	}

	tierID := ""
	if tier != nil {
		tierID = tier.TierID
		_, err := s.store.Increment(ctx, tierKey(owner, bookID, tierID), copies, kvstore.IncrementOptions{MustExist: true, ClampAtZero: true})
		if errors.Is(err, kvstore.ErrConditionFailed) {
			tierID = ""
		} else if err != nil {
			return nil, fmt.Errorf("failed to increment tier: %w", err)
		}
	}
	if tierID == "" {
		if tierID, err = s.putTier(ctx, owner, bookID, price, copies, notes); err != nil {
			return nil, fmt.Errorf("failed to write tier: %w", err)
		}
		s.metrics.TierCreated()
	}

	s.logger.Info("book.merge",
		zap.String("owner", ownerPartition(owner)),
		zap.String("bookId", bookID),
		zap.String("tierId", tierID),
		zap.String("price", price.String()),
		zap.Int64("copies", copies),
	)
	s.record(ctx, audit.Record{Owner: owner, Action: audit.ActionBookMerged, BookID: bookID, TierID: tierID, Delta: copies})
	return s.loadBook(ctx, owner, bookID)
}

// AddTier always creates a new tier, even at a price the book already has.
func (s *service) AddTier(ctx context.Context, owner, bookID string, in TierInput) (*Book, error) {
	ctx, span := s.startSpan(ctx, "AddTier", owner, attribute.String("book.id", bookID))
	defer span.End()

	if err := validateStock(in.Price, in.Copies); err != nil {
		return nil, err
	}
	if _, _, err := s.loadBookRecord(ctx, owner, bookID); err != nil {
		return nil, fail(span, err)
	}
	tierID, err := s.putTier(ctx, owner, bookID, in.Price, in.Copies, in.Notes)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to write tier: %w", err))
	}
	span.SetAttributes(attribute.String("tier.id", tierID))

	s.metrics.TierCreated()
	s.logger.Info("tier.create",
		zap.String("owner", ownerPartition(owner)),
		zap.String("bookId", bookID),
		zap.String("tierId", tierID),
	)
	s.record(ctx, audit.Record{Owner: owner, Action: audit.ActionTierCreated, BookID: bookID, TierID: tierID, Delta: in.Copies})

	book, err := s.loadBook(ctx, owner, bookID)
	return book, fail(span, err)
}

// UpdateBook writes only the supplied fields and refreshes the identity.
func (s *service) UpdateBook(ctx context.Context, owner, bookID string, in BookUpdate) (*Book, error) {
	ctx, span := s.startSpan(ctx, "UpdateBook", owner, attribute.String("book.id", bookID))
	defer span.End()

	if in.Title == nil && in.Author == nil && in.Format == nil && in.Notes == nil {
		return nil, invalid("", "No valid fields to update")
	}
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return nil, invalid("title", "Title is required")
	}
	if in.Format != nil && !knownFormats[identity.NormalizeFormat(*in.Format)] {
		return nil, invalid("format", "format must be one of paperback, hardcover, ebook, other")
	}

	_, err := s.store.Update(ctx, bookKey(owner, bookID), func(item *kvstore.Item) error {
		var rec bookRecord
		if err := decode(*item, &rec); err != nil {
			return err
		}
		if in.Title != nil {
			rec.Title = strings.TrimSpace(*in.Title)
		}
		if in.Author != nil {
			rec.Author = strings.TrimSpace(*in.Author)
		}
		if in.Format != nil {
			rec.Format = identity.NormalizeFormat(*in.Format)
		}
		if in.Notes != nil {
			rec.Notes = *in.Notes
		}
		rec.refreshIdentity()
		rec.UpdatedAt = s.now().UTC()
		data, err := encode(rec)
		if err != nil {
			return err
		}
		item.Data = data
		return nil
	})
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, &NotFoundError{Kind: "book", ID: bookID}
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to update book: %w", err))
	}

	s.record(ctx, audit.Record{Owner: owner, Action: audit.ActionBookUpdated, BookID: bookID})
	book, err := s.loadBook(ctx, owner, bookID)
	return book, fail(span, err)
}

// AdjustTier applies delta to a tier's copies atomically, clamping at zero.
func (s *service) AdjustTier(ctx context.Context, owner, bookID string, in Adjustment) (*Book, error) {
	ctx, span := s.startSpan(ctx, "AdjustTier", owner,
		attribute.String("book.id", bookID),
		attribute.Int64("delta", in.Delta),
	)
	defer span.End()

	if in.Delta == 0 {
		return nil, invalid("delta", "delta must be a non-zero number")
	}
	if !quantityInRange(in.Delta) {
		return nil, invalid("delta", "delta must be between -%d and %d", MaxQuantity, MaxQuantity)
	}

	target, tierID, err := s.resolveAdjustTarget(ctx, owner, bookID, in)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("tier.id", tierID))

	_, err = s.store.Increment(ctx, target, in.Delta, kvstore.IncrementOptions{MustExist: true, ClampAtZero: true})
	if errors.Is(err, kvstore.ErrConditionFailed) {
		return nil, &NotFoundError{Kind: "tier", ID: tierID}
	}
	if err != nil {
		s.logger.Error("tier adjustment failed",
			zap.String("owner", ownerPartition(owner)),
			zap.String("bookId", bookID),
			zap.String("tierId", tierID),
			zap.Int64("delta", in.Delta),
			zap.Error(err),
		)
		return nil, fail(span, fmt.Errorf("failed to adjust tier: %w", err))
	}

	s.metrics.TierAdjusted(in.Delta)
	s.logger.Info("tier.adjust",
		zap.String("owner", ownerPartition(owner)),
		zap.String("bookId", bookID),
		zap.String("tierId", tierID),
		zap.Int64("delta", in.Delta),
	)
	s.record(ctx, audit.Record{Owner: owner, Action: audit.ActionTierAdjusted, BookID: bookID, TierID: tierID, Delta: in.Delta, Source: "adjust"})

	book, err := s.loadBook(ctx, owner, bookID)
	return book, fail(span, err)
}

// resolveAdjustTarget finds the tier by id, then by price. The synthesized
// tier of a legacy book resolves to the book record itself.
func (s *service) resolveAdjustTarget(ctx context.Context, owner, bookID string, in Adjustment) (kvstore.Key, string, error) {
	if in.TierID != "" {
		_, err := s.store.Get(ctx, tierKey(owner, bookID, in.TierID))
		if err == nil {
			return tierKey(owner, bookID, in.TierID), in.TierID, nil
		}
		if !errors.Is(err, kvstore.ErrNotFound) {
			return kvstore.Key{}, "", fmt.Errorf("failed to get tier: %w", err)
		}
	}
	if in.Price != nil {
		tier, _, err := s.findTierByPrice(ctx, owner, bookID, *in.Price)
		if err != nil {
			return kvstore.Key{}, "", fmt.Errorf("failed to look up tier by price: %w", err)
		}
		if tier != nil {
			return tierKey(owner, bookID, tier.TierID), tier.TierID, nil
		}
	}
	if in.TierID == bookID || in.Price != nil {
		book, err := s.loadBook(ctx, owner, bookID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return kvstore.Key{}, "", err
		}
		if book != nil && len(book.PriceTiers) == 1 && book.PriceTiers[0].Legacy &&
			(in.TierID == bookID || (in.Price != nil && book.PriceTiers[0].Price.Equal(*in.Price))) {
			return bookKey(owner, bookID), bookID, nil
		}
	}
	return kvstore.Key{}, "", &NotFoundError{Kind: "tier", ID: in.TierID}
}

// DeleteBook removes the book and its tiers. Deleting a missing book is a no-op.
func (s *service) DeleteBook(ctx context.Context, owner, bookID string) error {
	ctx, span := s.startSpan(ctx, "DeleteBook", owner, attribute.String("book.id", bookID))
	defer span.End()

	tiers, err := s.loadTiers(ctx, owner, bookID)
	if err != nil {
		return fail(span, err)
	}
	book := bookKey(owner, bookID)
	reqs := []kvstore.WriteRequest{{Delete: &book}}
	for _, t := range tiers {
		k := tierKey(owner, bookID, t.rec.TierID)
		reqs = append(reqs, kvstore.WriteRequest{Delete: &k})
	}
	if err := s.writeBatch(ctx, reqs); err != nil {
		return fail(span, fmt.Errorf("failed to delete book: %w", err))
	}

	s.logger.Info("book.delete",
		zap.String("owner", ownerPartition(owner)),
		zap.String("bookId", bookID),
		zap.Int("tiers", len(tiers)),
	)
	s.record(ctx, audit.Record{Owner: owner, Action: audit.ActionBookDeleted, BookID: bookID})
	return nil
}

func (s *service) GetBook(ctx context.Context, owner, bookID string) (*Book, error) {
	ctx, span := s.startSpan(ctx, "GetBook", owner, attribute.String("book.id", bookID))
	defer span.End()
	book, err := s.loadBook(ctx, owner, bookID)
	return book, fail(span, err)
}

// ListBooks groups the owner's book and tier records into client views.
func (s *service) ListBooks(ctx context.Context, owner string) ([]*Book, error) {
	ctx, span := s.startSpan(ctx, "ListBooks", owner)
	defer span.End()

	items, err := s.store.Query(ctx, kvstore.QueryInput{PK: bookPartition(owner)})
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to query books: %w", err))
	}

	type group struct {
		rec   *bookRecord
		count int64
		tiers []storedTier
	}
	grouped := make(map[string]*group)
	get := func(id string) *group {
		g, ok := grouped[id]
		if !ok {
			g = &group{}
			grouped[id] = g
		}
		return g
	}
	for _, item := range items {
		switch entityOf(item) {
		case entityBook:
			var rec bookRecord
			if err := decode(item, &rec); err != nil {
				return nil, fail(span, err)
			}
			g := get(rec.BookID)
			g.rec, g.count = &rec, item.Count
		case entityTier:
			var rec tierRecord
			if err := decode(item, &rec); err != nil {
				return nil, fail(span, err)
			}
			if rec.BookID == "" {
				continue
			}
			g := get(rec.BookID)
			g.tiers = append(g.tiers, storedTier{rec: rec, count: item.Count})
		}
	}

	books := make([]*Book, 0, len(grouped))
	for _, g := range grouped {
		if g.rec == nil {
			continue
		}
		books = append(books, assembleBook(*g.rec, g.count, g.tiers))
	}
	sortBooks(books)
	span.SetAttributes(attribute.Int("books", len(books)))
	return books, nil
}

// ListBookSales returns the stored sale lines referencing a book, oldest event first.
func (s *service) ListBookSales(ctx context.Context, owner, bookID string) ([]Sale, error) {
	ctx, span := s.startSpan(ctx, "ListBookSales", owner, attribute.String("book.id", bookID))
	defer span.End()

	items, err := s.store.Query(ctx, kvstore.QueryInput{Index: kvstore.GSI1, PK: gsiBookEvent(owner, bookID)})
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to query sales: %w", err))
	}
	sales := make([]Sale, 0, len(items))
	for _, item := range items {
		var rec lineRecord
		if err := decode(item, &rec); err != nil {
			return nil, fail(span, err)
		}
		sales = append(sales, Sale{
			EventID:   rec.EventID,
			Date:      rec.Date,
			BookID:    rec.BookID,
			TierID:    rec.TierID,
			Price:     rec.Price,
			QtySold:   rec.QtySold,
			Revenue:   rec.Revenue,
			AppliedAt: rec.AppliedAt,
		})
	}
	return sales, nil
}

func validateStock(price decimal.Decimal, copies int64) error {
	if price.IsNegative() {
		return invalid("price", "price must not be negative")
	}
	if copies < 0 {
		return invalid("copies", "copies must not be negative")
	}
	if !quantityInRange(copies) {
		return invalid("copies", "copies must not exceed %d", MaxQuantity)
	}
	return nil
}

func (s *service) putTier(ctx context.Context, owner, bookID string, price decimal.Decimal, copies int64, notes string) (string, error) {
	now := s.now().UTC()
	tierID := s.newID()
	data, err := encode(tierRecord{
		EntityType: entityTier,
		OwnerID:    ownerPartition(owner),
		BookID:     bookID,
		TierID:     tierID,
		Price:      price,
		Notes:      notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return "", err
	}
	item := kvstore.Item{Key: tierKey(owner, bookID, tierID), Count: copies, Data: data}
	if err := s.store.Put(ctx, item, kvstore.PutOptions{IfNotExists: true}); err != nil {
		return "", err
	}
	return tierID, nil
}

func (s *service) findBookByIdentity(ctx context.Context, owner, key string) (*bookRecord, error) {
	items, err := s.store.Query(ctx, kvstore.QueryInput{PK: bookPartition(owner), SKPrefix: "BOOK#"})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if entityOf(item) != entityBook {
			continue
		}
		var rec bookRecord
		if err := decode(item, &rec); err != nil {
			return nil, err
		}
		if rec.identityKey() == key {
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *service) loadBookRecord(ctx context.Context, owner, bookID string) (bookRecord, int64, error) {
	item, err := s.store.Get(ctx, bookKey(owner, bookID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return bookRecord{}, 0, &NotFoundError{Kind: "book", ID: bookID}
	}
	if err != nil {
		return bookRecord{}, 0, fmt.Errorf("failed to get book: %w", err)
	}
	var rec bookRecord
	if err := decode(item, &rec); err != nil {
		return bookRecord{}, 0, err
	}
	return rec, item.Count, nil
}

func (s *service) loadTiers(ctx context.Context, owner, bookID string) ([]storedTier, error) {
	items, err := s.store.Query(ctx, kvstore.QueryInput{PK: bookPartition(owner), SKPrefix: tierPrefix(bookID)})
	if err != nil {
		return nil, fmt.Errorf("failed to query tiers: %w", err)
	}
	tiers := make([]storedTier, 0, len(items))
	for _, item := range items {
		var rec tierRecord
		if err := decode(item, &rec); err != nil {
			return nil, err
		}
		tiers = append(tiers, storedTier{rec: rec, count: item.Count})
	}
	return tiers, nil
}

func (s *service) findTierByPrice(ctx context.Context, owner, bookID string, price decimal.Decimal) (*tierRecord, int64, error) {
	tiers, err := s.loadTiers(ctx, owner, bookID)
	if err != nil {
		return nil, 0, err
	}
	for _, t := range tiers {
		if t.rec.Price.Equal(price) {
			rec := t.rec
			return &rec, t.count, nil
		}
	}
	return nil, 0, nil
}

func (s *service) loadBook(ctx context.Context, owner, bookID string) (*Book, error) {
	rec, count, err := s.loadBookRecord(ctx, owner, bookID)
	if err != nil {
		return nil, err
	}
	tiers, err := s.loadTiers(ctx, owner, bookID)
	if err != nil {
		return nil, err
	}
	return assembleBook(rec, count, tiers), nil
}
