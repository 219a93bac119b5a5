// internal/mirror/events.go
package mirror

import (
	"context"
	"errors"
	"strings"

	"authorinventory/internal/inventory"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LogEvent records a sale event and, when apply is set, applies it. Lines
// are resolved against the local tiers before they are sent. A failed create
// removes the local event; a failed apply only restores the stock.
func (m *Mirror) LogEvent(ctx context.Context, in inventory.EventInput, apply bool) (*inventory.SaleEvent, error) {
	for _, line := range in.Lines {
		if line.QtySold > inventory.MaxQuantity || line.QtySold < -inventory.MaxQuantity {
			return nil, &inventory.ValidationError{Field: "lines", Message: "qtySold for book " + line.BookID + " is out of range"}
		}
	}
	m.gate.RLock()
	defer m.gate.RUnlock()

	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		in.ID = m.newID()
	}
	in.Lines = append([]inventory.SaleLineInput(nil), in.Lines...)
	bookIDs := lineBooks(in.Lines)
	unlock := m.locks.Lock(entityLocks(in.ID, bookIDs)...)
	defer unlock()

	t := m.begin("log_event", nil, []string{in.ID})
	m.mu.Lock()
	for i := range in.Lines {
		in.Lines[i] = m.resolveLineLocked(in.Lines[i])
	}
	now := m.now().UTC()
	m.events[in.ID] = &inventory.SaleEvent{
		ID:        in.ID,
		EventName: strings.TrimSpace(in.EventName),
		Date:      strings.TrimSpace(in.Date),
		Lines:     localLines(in.Lines),
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.changedLocked()
	m.mu.Unlock()

	remote, err := m.remote.CreateEvent(ctx, in)
	if err != nil {
		t.rollback()
		return nil, err
	}
	m.mu.Lock()
	if remote.ID != in.ID {
		delete(m.events, in.ID)
	}
	m.putEventLocked(remote)
	m.changedLocked()
	m.mu.Unlock()
	t.commit()

	if apply {
		if _, err := m.applyLocked(ctx, remote.ID, bookIDs); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEvent(m.events[remote.ID]), nil
}

// ApplyEvent decrements the local stock, then applies the event remotely and
// refreshes the affected books from the API.
func (m *Mirror) ApplyEvent(ctx context.Context, eventID string) (*inventory.ApplyResult, error) {
	m.gate.RLock()
	defer m.gate.RUnlock()

	m.mu.Lock()
	ev, ok := m.events[eventID]
	var lines []inventory.SaleLine
	if ok {
		lines = ev.Lines
	}
	m.mu.Unlock()
	if !ok {
		remote, err := m.remote.GetEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}
		lines = remote.Lines
		m.mu.Lock()
		m.putEventLocked(remote)
		m.changedLocked()
		m.mu.Unlock()
	}

	bookIDs := make([]string, 0, len(lines))
	for _, l := range lines {
		bookIDs = append(bookIDs, l.BookID)
	}
	bookIDs = dedupe(bookIDs)
	unlock := m.locks.Lock(entityLocks(eventID, bookIDs)...)
	defer unlock()
	return m.applyLocked(ctx, eventID, bookIDs)
}

// applyLocked runs with the event and book locks held.
func (m *Mirror) applyLocked(ctx context.Context, eventID string, bookIDs []string) (*inventory.ApplyResult, error) {
	t := m.begin("apply_event", bookIDs, []string{eventID})
	m.mu.Lock()
	if ev, ok := m.events[eventID]; ok && ev.AppliedAt == nil {
		m.applyLinesLocked(ev.Lines)
		at := m.now().UTC()
		ev.AppliedAt = &at
		m.changedLocked()
	}
	m.mu.Unlock()

	res, err := m.remote.ApplyEvent(ctx, eventID)
	if err != nil {
		m.logger.Warn("remote apply failed, rolled back", zap.String("eventId", eventID), zap.Error(err))
		t.rollback()
		return nil, err
	}

	m.mu.Lock()
	if ev, ok := m.events[eventID]; ok {
		at := res.AppliedAt
		ev.AppliedAt = &at
	}
	m.mu.Unlock()

	for _, id := range bookIDs {
		book, err := m.remote.GetBook(ctx, id)
		m.mu.Lock()
		switch {
		case err == nil:
			m.replaceLocked(id, book)
		case errors.Is(err, inventory.ErrNotFound):
			delete(m.books, id)
		default:
			m.logger.Warn("failed to refresh book after apply", zap.String("bookId", id), zap.Error(err))
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.changedLocked()
	m.mu.Unlock()
	t.commit()
	return res, nil
}

// resolveLineLocked fills in the tier id or price of a line from the local
// copy of its book.
func (m *Mirror) resolveLineLocked(line inventory.SaleLineInput) inventory.SaleLineInput {
	b, ok := m.books[line.BookID]
	if !ok || m.localOnlyLocked(line.BookID) {
		return line
	}
	if i := tierByID(b, line.TierID); i >= 0 {
		if line.Price == nil {
			price := b.PriceTiers[i].Price
			line.Price = &price
		}
		return line
	}
	if line.TierID == "" && line.Price != nil {
		if i := tierByPrice(b, *line.Price); i >= 0 {
			line.TierID = b.PriceTiers[i].TierID
		}
	}
	return line
}

// applyLinesLocked decrements the local tiers, by tier id then by price,
// clamping at zero.
func (m *Mirror) applyLinesLocked(lines []inventory.SaleLine) {
	now := m.now().UTC()
	for _, line := range lines {
		b, ok := m.books[line.BookID]
		if !ok {
			continue
		}
		i := tierByID(b, line.TierID)
		if i < 0 {
			i = tierByPrice(b, line.Price)
		}
		if i < 0 {
			continue
		}
		b.PriceTiers[i].CopiesOnHand = max(0, b.PriceTiers[i].CopiesOnHand-line.QtySold)
		b.UpdatedAt = now
		recount(b)
	}
}

// localLines normalizes lines the way the engine does, as far as the local
// copy allows: quantities become positive, zero quantities are dropped.
func localLines(inputs []inventory.SaleLineInput) []inventory.SaleLine {
	lines := make([]inventory.SaleLine, 0, len(inputs))
	for _, in := range inputs {
		qty := in.QtySold
		if qty < 0 {
			qty = -qty
		}
		if qty == 0 {
			continue
		}
		price := decimal.Zero
		if in.Price != nil {
			price = *in.Price
		}
		lines = append(lines, inventory.SaleLine{
			BookID:  in.BookID,
			TierID:  in.TierID,
			Price:   price,
			QtySold: qty,
			Revenue: price.Mul(decimal.NewFromInt(qty)),
		})
	}
	return lines
}

func lineBooks(lines []inventory.SaleLineInput) []string {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.BookID)
	}
	return dedupe(ids)
}

func entityLocks(eventID string, bookIDs []string) []string {
	keys := make([]string, 0, len(bookIDs)+1)
	keys = append(keys, eventLock(eventID))
	for _, id := range bookIDs {
		keys = append(keys, bookLock(id))
	}
	return keys
}
