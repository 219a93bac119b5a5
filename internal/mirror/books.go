// internal/mirror/books.go
package mirror

import (
	"context"
	"errors"
	"strings"

	"authorinventory/internal/identity"
	"authorinventory/internal/inventory"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func validateCreate(in inventory.CreateBookInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return &inventory.ValidationError{Field: "title", Message: "Title is required"}
	}
	if in.Price.IsNegative() {
		return &inventory.ValidationError{Field: "price", Message: "price must not be negative"}
	}
	if in.Copies < 0 {
		return &inventory.ValidationError{Field: "copies", Message: "copies must not be negative"}
	}
	if in.Copies > inventory.MaxQuantity {
		return &inventory.ValidationError{Field: "copies", Message: "copies is out of range"}
	}
	return nil
}

// CreateBook adds the book locally, merging by identity like the engine,
// then creates it remotely. When the API cannot be reached the local book
// is kept and the create is queued; no error is returned.
func (m *Mirror) CreateBook(ctx context.Context, in inventory.CreateBookInput) (*inventory.Book, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}
	m.gate.RLock()
	defer m.gate.RUnlock()

	key := identity.Key(in.Title, in.Author, in.Format)
	unlockIdentity := m.locks.Lock(identityLock(key))
	defer unlockIdentity()

	m.mu.Lock()
	localID := ""
	for id, b := range m.books {
		if identity.Key(b.Title, b.Author, b.Format) == key {
			localID = id
			break
		}
	}
	merge := localID != "" && !m.localOnlyLocked(localID)
	m.mu.Unlock()
	if localID == "" {
		localID = m.newID()
	}
	unlockBook := m.locks.Lock(bookLock(localID))
	defer unlockBook()

	t := m.begin("create_book", []string{localID}, nil)
	m.mu.Lock()
	m.mergeCreateLocked(localID, in)
	m.changedLocked()
	local := cloneBook(m.books[localID])
	m.mu.Unlock()

	remote, err := m.remote.CreateBook(ctx, in)
	if err != nil {
		if permanent(err) {
			t.rollback()
			return nil, err
		}
		m.logger.Warn("create failed, queued for retry", zap.String("tempId", localID), zap.Error(err))
		m.mu.Lock()
		m.queue = append(m.queue, PendingCreate{TempID: localID, Input: in, Merge: merge, QueuedAt: m.now().UTC()})
		m.saveQueueLocked()
		m.publishLocked()
		m.mu.Unlock()
		t.queued()
		return local, nil
	}

	m.mu.Lock()
	m.replaceLocked(localID, remote)
	m.changedLocked()
	m.mu.Unlock()
	t.commit()
	return cloneBook(remote), nil
}

// mergeCreateLocked applies a create to the local book with id, creating it
// when absent.
func (m *Mirror) mergeCreateLocked(id string, in inventory.CreateBookInput) {
	now := m.now().UTC()
	notes := in.TierNotes
	if notes == "" {
		notes = in.Notes
	}
	b, ok := m.books[id]
	if !ok {
		b = &inventory.Book{
			ID:        id,
			Title:     strings.TrimSpace(in.Title),
			Author:    strings.TrimSpace(in.Author),
			Format:    identity.NormalizeFormat(in.Format),
			Notes:     in.Notes,
			CreatedAt: now,
		}
		m.books[id] = b
	}
	b.UpdatedAt = now
	if i := tierByPrice(b, in.Price); i >= 0 {
		b.PriceTiers[i].CopiesOnHand = max(0, b.PriceTiers[i].CopiesOnHand+in.Copies)
		b.PriceTiers[i].UpdatedAt = now
	} else {
		b.PriceTiers = append(b.PriceTiers, inventory.PriceTier{
			BookID:       id,
			TierID:       m.newID(),
			Price:        in.Price,
			CopiesOnHand: in.Copies,
			Notes:        notes,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	recount(b)
}

// replaceLocked swaps the local book with id for the remote copy, keeping
// the copies still queued for it.
func (m *Mirror) replaceLocked(id string, remote *inventory.Book) {
	if remote == nil {
		return
	}
	if id != remote.ID {
		delete(m.books, id)
	}
	m.putBookLocked(remote)
	m.reapplyQueuedLocked(remote.ID)
}

// UpdateBook changes the book's fields. Updates to a book that exists only
// locally are folded into its queued create. Otherwise the API is updated
// and queued merges into the book follow its new identity.
func (m *Mirror) UpdateBook(ctx context.Context, id string, upd inventory.BookUpdate) (*inventory.Book, error) {
	m.gate.RLock()
	defer m.gate.RUnlock()
	unlock := m.locks.Lock(bookLock(id))
	defer unlock()

	t := m.begin("update_book", []string{id}, nil)
	m.mu.Lock()
	b, ok := m.books[id]
	if ok {
		applyUpdate(b, upd)
		b.UpdatedAt = m.now().UTC()
		m.changedLocked()
	}
	if ok && m.localOnlyLocked(id) {
		for i := range m.queue {
			if m.queue[i].TempID == id {
				foldUpdate(&m.queue[i].Input, upd)
			}
		}
		m.saveQueueLocked()
		local := cloneBook(b)
		m.mu.Unlock()
		t.queued()
		return local, nil
	}
	m.mu.Unlock()

	remote, err := m.remote.UpdateBook(ctx, id, upd)
	if err != nil {
		t.rollback()
		return nil, err
	}
	m.mu.Lock()
	rebased := false
	for i := range m.queue {
		if m.queue[i].Merge && m.queue[i].TempID == id {
			rebaseIdentity(&m.queue[i].Input, upd)
			rebased = true
		}
	}
	if rebased {
		m.saveQueueLocked()
	}
	m.replaceLocked(id, remote)
	m.changedLocked()
	local := cloneBook(m.books[remote.ID])
	m.mu.Unlock()
	t.commit()
	return local, nil
}

func applyUpdate(b *inventory.Book, upd inventory.BookUpdate) {
	if upd.Title != nil {
		b.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Author != nil {
		b.Author = strings.TrimSpace(*upd.Author)
	}
	if upd.Format != nil {
		b.Format = identity.NormalizeFormat(*upd.Format)
	}
	if upd.Notes != nil {
		b.Notes = *upd.Notes
	}
}

func foldUpdate(in *inventory.CreateBookInput, upd inventory.BookUpdate) {
	rebaseIdentity(in, upd)
	if upd.Notes != nil {
		in.Notes = *upd.Notes
	}
}

// rebaseIdentity points a queued create at the book's new identity so the
// replay still merges into it.
func rebaseIdentity(in *inventory.CreateBookInput, upd inventory.BookUpdate) {
	if upd.Title != nil {
		in.Title = *upd.Title
	}
	if upd.Author != nil {
		in.Author = *upd.Author
	}
	if upd.Format != nil {
		in.Format = *upd.Format
	}
}

// AddTier adds a priced tier to the book.
func (m *Mirror) AddTier(ctx context.Context, bookID string, in inventory.TierInput) (*inventory.Book, error) {
	return m.mutateBook(ctx, "add_tier", bookID,
		func(b *inventory.Book) {
			now := m.now().UTC()
			b.PriceTiers = append(b.PriceTiers, inventory.PriceTier{
				BookID:       bookID,
				TierID:       m.newID(),
				Price:        in.Price,
				CopiesOnHand: in.Copies,
				Notes:        in.Notes,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
		},
		func(ctx context.Context) (*inventory.Book, error) { return m.remote.AddTier(ctx, bookID, in) },
	)
}

// AdjustTier changes a tier's copies, clamping at zero.
func (m *Mirror) AdjustTier(ctx context.Context, bookID string, adj inventory.Adjustment) (*inventory.Book, error) {
	if adj.Delta == 0 {
		return nil, &inventory.ValidationError{Field: "delta", Message: "delta must be a non-zero number"}
	}
	if adj.Delta > inventory.MaxQuantity || adj.Delta < -inventory.MaxQuantity {
		return nil, &inventory.ValidationError{Field: "delta", Message: "delta is out of range"}
	}
	return m.mutateBook(ctx, "adjust_tier", bookID,
		func(b *inventory.Book) {
			i := tierByID(b, adj.TierID)
			if i < 0 && adj.Price != nil {
				i = tierByPrice(b, *adj.Price)
			}
			if i >= 0 {
				b.PriceTiers[i].CopiesOnHand = max(0, b.PriceTiers[i].CopiesOnHand+adj.Delta)
			}
		},
		func(ctx context.Context) (*inventory.Book, error) { return m.remote.AdjustTier(ctx, bookID, adj) },
	)
}

// mutateBook runs one optimistic tier mutation: apply locally, call the
// API, then keep the remote book or restore the pre-image.
func (m *Mirror) mutateBook(ctx context.Context, op, bookID string, apply func(*inventory.Book), call func(context.Context) (*inventory.Book, error)) (*inventory.Book, error) {
	m.gate.RLock()
	defer m.gate.RUnlock()
	unlock := m.locks.Lock(bookLock(bookID))
	defer unlock()

	m.mu.Lock()
	if m.localOnlyLocked(bookID) {
		m.mu.Unlock()
		return nil, ErrNotSynced
	}
	m.mu.Unlock()

	t := m.begin(op, []string{bookID}, nil)
	m.mu.Lock()
	if b, ok := m.books[bookID]; ok {
		apply(b)
		b.UpdatedAt = m.now().UTC()
		recount(b)
		m.changedLocked()
	}
	m.mu.Unlock()

	remote, err := call(ctx)
	if err != nil {
		m.logger.Warn("remote mutation failed, rolled back", zap.String("op", op), zap.String("bookId", bookID), zap.Error(err))
		t.rollback()
		return nil, err
	}
	m.mu.Lock()
	m.replaceLocked(bookID, remote)
	m.changedLocked()
	local := cloneBook(m.books[remote.ID])
	m.mu.Unlock()
	t.commit()
	return local, nil
}

// DeleteBook removes the book. A book that exists only locally is dropped
// together with its queued creates; any other book is deleted through the
// API first.
func (m *Mirror) DeleteBook(ctx context.Context, id string) error {
	m.gate.RLock()
	defer m.gate.RUnlock()
	unlock := m.locks.Lock(bookLock(id))
	defer unlock()

	t := m.begin("delete_book", []string{id}, nil)
	m.mu.Lock()
	delete(m.books, id)
	if m.localOnlyLocked(id) {
		m.dropQueuedLocked(id)
		m.changedLocked()
		m.mu.Unlock()
		t.commit()
		return nil
	}
	m.changedLocked()
	m.mu.Unlock()

	if err := m.remote.DeleteBook(ctx, id); err != nil && !errors.Is(err, inventory.ErrNotFound) {
		t.rollback()
		return err
	}
	m.mu.Lock()
	m.dropQueuedLocked(id)
	m.publishLocked()
	m.mu.Unlock()
	t.commit()
	return nil
}

func tierByID(b *inventory.Book, tierID string) int {
	if tierID == "" {
		return -1
	}
	for i, t := range b.PriceTiers {
		if t.TierID == tierID {
			return i
		}
	}
	return -1
}

func tierByPrice(b *inventory.Book, price decimal.Decimal) int {
	for i, t := range b.PriceTiers {
		if t.Price.Equal(price) {
			return i
		}
	}
	return -1
}
