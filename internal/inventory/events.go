// internal/inventory/events.go
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authorinventory/internal/audit"
	"authorinventory/internal/kvstore"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var errLineClaimed = errors.New("line already applied")

// CreateEvent validates and normalizes the lines, then stores the line
// records followed by the event record. Inventory is not touched.
func (s *service) CreateEvent(ctx context.Context, owner string, in EventInput) (*SaleEvent, error) {
	ctx, span := s.startSpan(ctx, "CreateEvent", owner)
	defer span.End()

	if err := validateEventInput(in); err != nil {
		return nil, err
	}
	lines, err := s.NormalizeLines(ctx, owner, in.Lines)
	if err != nil {
		return nil, fail(span, err)
	}

	eventID := strings.TrimSpace(in.ID)
	if eventID == "" {
		eventID = s.newID()
	} else if _, _, err := s.getEventItem(ctx, owner, eventID); err == nil {
		return nil, invalid("id", "Event %s already exists", eventID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("event.id", eventID), attribute.Int("lines", len(lines)))

	now := s.now().UTC()
	date := strings.TrimSpace(in.Date)
	rec := eventRecord{
		EntityType: entityEvent,
		OwnerID:    ownerPartition(owner),
		EventID:    eventID,
		EventName:  strings.TrimSpace(in.EventName),
		Date:       date,
		Lines:      lines,
		Notes:      in.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	reqs := make([]kvstore.WriteRequest, 0, len(lines)+1)
	for i, line := range lines {
		data, err := encode(lineRecord{
			EntityType: entityEventLine,
			OwnerID:    ownerPartition(owner),
			EventID:    eventID,
			Index:      i,
			BookID:     line.BookID,
			TierID:     line.TierID,
			Price:      line.Price,
			QtySold:    line.QtySold,
			Revenue:    line.Revenue,
			Date:       date,
		})
		if err != nil {
			return nil, fail(span, err)
		}
		reqs = append(reqs, kvstore.WriteRequest{Put: &kvstore.Item{
			Key:    lineKey(owner, eventID, i, line.BookID),
			GSI1PK: gsiBookEvent(owner, line.BookID),
			GSI1SK: eventSortKey(date, eventID),
			Data:   data,
		}})
	}
	data, err := encode(rec)
	if err != nil {
		return nil, fail(span, err)
	}
	// the event record goes last so it is only visible once every line is stored
	reqs = append(reqs, kvstore.WriteRequest{Put: &kvstore.Item{
		Key:    kvstore.Key{PK: eventPartition(owner), SK: eventSortKey(date, eventID)},
		GSI1PK: gsiEventMeta(owner, eventID),
		GSI1SK: eventMetaSK,
		Data:   data,
	}})

	if err := s.writeBatch(ctx, reqs); err != nil {
		return nil, fail(span, fmt.Errorf("failed to write event: %w", err))
	}

	s.metrics.EventLogged(len(lines))
	s.logger.Info("event.logged",
		zap.String("owner", ownerPartition(owner)),
		zap.String("eventId", eventID),
		zap.Int("lineCount", len(lines)),
	)
	s.record(ctx, audit.Record{Owner: owner, Action: audit.ActionEventLogged, EventID: eventID, Detail: rec.EventName})
	return toEvent(rec), nil
}

func validateEventInput(in EventInput) error {
	if strings.TrimSpace(in.EventName) == "" {
		return invalid("eventName", "eventName is required")
	}
	date := strings.TrimSpace(in.Date)
	if date == "" {
		return invalid("date", "date is required")
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		if _, err := time.Parse(time.RFC3339, date); err != nil {
			return invalid("date", "date must be YYYY-MM-DD or RFC 3339")
		}
	}
	if in.Lines == nil {
		return invalid("lines", "lines must be a list")
	}
	if strings.Contains(in.ID, keySeparator) {
		return invalid("id", "id must not contain %q", keySeparator)
	}
	for i, line := range in.Lines {
		if strings.TrimSpace(line.BookID) == "" {
			return invalid("lines", "line %d: bookId is required", i)
		}
		if line.TierID == "" && line.Price == nil {
			return invalid("lines", "Each sale line must include a tierId or price.")
		}
	}
	return nil
}

// NormalizeLines drops zero quantities, makes quantities positive, resolves
// missing prices from the referenced tier and computes revenue. Normalizing
// already normalized lines returns them unchanged.
func (s *service) NormalizeLines(ctx context.Context, owner string, lines []SaleLineInput) ([]SaleLine, error) {
	out := make([]SaleLine, 0, len(lines))
	for _, line := range lines {
		bookID := strings.TrimSpace(line.BookID)
		if bookID == "" {
			continue
		}
		qty := line.QtySold
		if !quantityInRange(qty) {
			return nil, invalid("lines", "qtySold for book %s is out of range.", bookID)
		}
		if qty < 0 {
			qty = -qty
		}
		if qty == 0 {
			continue
		}
		if line.TierID == "" && line.Price == nil {
			return nil, invalid("lines", "Each sale line must include a tierId or price.")
		}

		var price decimal.Decimal
		if line.Price != nil {
			price = *line.Price
		} else {
			item, err := s.store.Get(ctx, tierKey(owner, bookID, line.TierID))
			if errors.Is(err, kvstore.ErrNotFound) {
				return nil, invalid("lines", "Tier %s not found for book %s.", line.TierID, bookID)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to get tier: %w", err)
			}
			var rec tierRecord
			if err := decode(item, &rec); err != nil {
				return nil, err
			}
			price = rec.Price
		}
		if price.IsNegative() {
			return nil, invalid("lines", "Price for book %s must not be negative.", bookID)
		}

		out = append(out, SaleLine{
			BookID:  bookID,
			TierID:  line.TierID,
			Price:   price,
			QtySold: qty,
			Revenue: price.Mul(decimal.NewFromInt(qty)),
		})
	}
	return out, nil
}

// GetEvent looks the event up by id through the secondary index.
func (s *service) GetEvent(ctx context.Context, owner, eventID string) (*SaleEvent, error) {
	ctx, span := s.startSpan(ctx, "GetEvent", owner, attribute.String("event.id", eventID))
	defer span.End()

	rec, _, err := s.getEventItem(ctx, owner, eventID)
	if err != nil {
		return nil, fail(span, err)
	}
	return toEvent(rec), nil
}

// ListEvents returns the owner's events, newest date first.
func (s *service) ListEvents(ctx context.Context, owner string) ([]*SaleEvent, error) {
	ctx, span := s.startSpan(ctx, "ListEvents", owner)
	defer span.End()

	items, err := s.store.Query(ctx, kvstore.QueryInput{PK: eventPartition(owner), Descending: true})
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to query events: %w", err))
	}
	events := make([]*SaleEvent, 0, len(items))
	for _, item := range items {
		var rec eventRecord
		if err := decode(item, &rec); err != nil {
			return nil, fail(span, err)
		}
		events = append(events, toEvent(rec))
	}
	return events, nil
}

// ApplyEvent decrements inventory for every line of the event and marks it
// applied. An applied event is acknowledged without touching stock. Each
// line is claimed before its decrement, so a retry after a partial failure
// only applies the remaining lines.
func (s *service) ApplyEvent(ctx context.Context, owner, eventID string) (*ApplyResult, error) {
	ctx, span := s.startSpan(ctx, "ApplyEvent", owner, attribute.String("event.id", eventID))
	defer span.End()

	rec, key, err := s.getEventItem(ctx, owner, eventID)
	if errors.Is(err, ErrNotFound) {
		return nil, invalid("eventId", "Event not found")
	}
	if err != nil {
		return nil, fail(span, err)
	}
	if rec.AppliedAt != nil {
		s.metrics.EventApplied(true)
		return &ApplyResult{
			EventID:        eventID,
			Message:        "Event already applied",
			AppliedAt:      *rec.AppliedAt,
			AlreadyApplied: true,
		}, nil
	}

	result := &ApplyResult{EventID: eventID, Lines: make([]LineOutcome, 0, len(rec.Lines))}
	for i, line := range rec.Lines {
		outcome, err := s.applyClaimedLine(ctx, owner, eventID, i, line)
		if err != nil {
			s.logger.Error("event line apply failed",
				zap.String("owner", ownerPartition(owner)),
				zap.String("eventId", eventID),
				zap.String("bookId", line.BookID),
				zap.String("tierId", line.TierID),
				zap.Int64("delta", -line.QtySold),
				zap.Error(err),
			)
			return nil, fail(span, fmt.Errorf("failed to apply line %d: %w", i, err))
		}
		result.Lines = append(result.Lines, outcome)
	}

	appliedAt := s.now().UTC()
	_, err = s.store.Update(ctx, key, func(item *kvstore.Item) error {
		var cur eventRecord
		if err := decode(*item, &cur); err != nil {
			return err
		}
		if cur.AppliedAt != nil {
			appliedAt = *cur.AppliedAt
			return nil
		}
		cur.AppliedAt = &appliedAt
		cur.UpdatedAt = appliedAt
		data, err := encode(cur)
		if err != nil {
			return err
		}
		item.Data = data
		return nil
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to mark event applied: %w", err))
	}

	result.AppliedAt = appliedAt
	result.Message = "Event applied to inventory"
	s.metrics.EventApplied(false)
	s.logger.Info("event.applied",
		zap.String("owner", ownerPartition(owner)),
		zap.String("eventId", eventID),
		zap.Int("lineCount", len(rec.Lines)),
	)
	s.record(ctx, audit.Record{Owner: owner, Action: audit.ActionEventApplied, EventID: eventID})
	return result, nil
}

// applyClaimedLine claims the stored line, applies it, and releases the
// claim again when the decrement fails.
func (s *service) applyClaimedLine(ctx context.Context, owner, eventID string, index int, line SaleLine) (LineOutcome, error) {
	outcome := LineOutcome{Index: index, BookID: line.BookID, TierID: line.TierID, Qty: line.QtySold}
	key := lineKey(owner, eventID, index, line.BookID)

	claimed := true
	_, err := s.store.Update(ctx, key, func(item *kvstore.Item) error {
		return setLineApplied(item, s.now().UTC(), true)
	})
	switch {
	case errors.Is(err, errLineClaimed):
		outcome.Skipped = true
		return outcome, nil
	case errors.Is(err, kvstore.ErrNotFound):
		claimed = false
		s.logger.Warn("sale line record missing, applying unclaimed",
			zap.String("eventId", eventID), zap.Int("index", index))
	case err != nil:
		return outcome, fmt.Errorf("failed to claim line: %w", err)
	}

	strategy, tierID, err := s.applyLine(ctx, owner, line)
	if err != nil {
		if claimed {
			if _, rerr := s.store.Update(ctx, key, func(item *kvstore.Item) error {
				return setLineApplied(item, time.Time{}, false)
			}); rerr != nil {
				s.logger.Error("failed to release sale line claim",
					zap.String("eventId", eventID), zap.Int("index", index), zap.Error(rerr))
			}
		}
		return outcome, err
	}

	outcome.Strategy = strategy
	if tierID != "" {
		outcome.TierID = tierID
	}
	if strategy == Unresolved {
		s.logger.Warn("sale line matched no stock",
			zap.String("owner", ownerPartition(owner)),
			zap.String("eventId", eventID),
			zap.String("bookId", line.BookID),
		)
		return outcome, nil
	}
	s.logger.Info("tier.adjust",
		zap.String("owner", ownerPartition(owner)),
		zap.String("bookId", line.BookID),
		zap.String("tierId", outcome.TierID),
		zap.Int64("delta", -line.QtySold),
		zap.String("source", "event"),
		zap.String("strategy", string(strategy)),
	)
	s.record(ctx, audit.Record{
		Owner:   owner,
		Action:  audit.ActionTierAdjusted,
		BookID:  line.BookID,
		TierID:  outcome.TierID,
		EventID: eventID,
		Delta:   -line.QtySold,
		Source:  "event",
		Detail:  string(strategy),
	})
	return outcome, nil
}

func setLineApplied(item *kvstore.Item, at time.Time, claim bool) error {
	var rec lineRecord
	if err := decode(*item, &rec); err != nil {
		return err
	}
	if claim {
		if rec.AppliedAt != nil {
			return errLineClaimed
		}
		rec.AppliedAt = &at
	} else {
		rec.AppliedAt = nil
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}
	item.Data = data
	return nil
}

func (s *service) getEventItem(ctx context.Context, owner, eventID string) (eventRecord, kvstore.Key, error) {
	items, err := s.store.Query(ctx, kvstore.QueryInput{
		Index:    kvstore.GSI1,
		PK:       gsiEventMeta(owner, eventID),
		SKPrefix: eventMetaSK,
		Limit:    1,
	})
	if err != nil {
		return eventRecord{}, kvstore.Key{}, fmt.Errorf("failed to query event: %w", err)
	}
	if len(items) == 0 {
		return eventRecord{}, kvstore.Key{}, &NotFoundError{Kind: "event", ID: eventID}
	}
	var rec eventRecord
	if err := decode(items[0], &rec); err != nil {
		return eventRecord{}, kvstore.Key{}, err
	}
	return rec, items[0].Key, nil
}
