// internal/inventory/records.go
package inventory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"authorinventory/internal/identity"
	"authorinventory/internal/kvstore"

	"github.com/shopspring/decimal"
)

// Entity types stored in the item data.
const (
	entityBook      = "BOOK"
	entityTier      = "BOOK_TIER"
	entityEvent     = "EVENT"
	entityEventLine = "EVENT_LINE"
)

type envelope struct {
	EntityType string `json:"entityType"`
}

// bookRecord is the stored book. Item.Count holds the flat copies of
// pre-tier records; Price is only set on those.
type bookRecord struct {
	EntityType       string           `json:"entityType"`
	OwnerID          string           `json:"ownerId"`
	BookID           string           `json:"bookId"`
	Title            string           `json:"title"`
	Author           string           `json:"author,omitempty"`
	Format           string           `json:"format,omitempty"`
	NormalizedTitle  string           `json:"normalizedTitle,omitempty"`
	NormalizedAuthor string           `json:"normalizedAuthor,omitempty"`
	NormalizedFormat string           `json:"normalizedFormat,omitempty"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (r *bookRecord) identityKey() string {
	if r.NormalizedTitle != "" || r.NormalizedAuthor != "" || r.NormalizedFormat != "" {
		return identity.Key(r.NormalizedTitle, r.NormalizedAuthor, r.NormalizedFormat)
	}
	return identity.Key(r.Title, r.Author, r.Format)
}

func (r *bookRecord) refreshIdentity() {
	r.NormalizedTitle = identity.NormalizeValue(r.Title)
	r.NormalizedAuthor = identity.NormalizeValue(r.Author)
	r.NormalizedFormat = identity.NormalizeFormat(r.Format)
}

// tierRecord is a stored price tier. Item.Count holds copiesOnHand.
type tierRecord struct {
	EntityType string          `json:"entityType"`
	OwnerID    string          `json:"ownerId"`
	BookID     string          `json:"bookId"`
	TierID     string          `json:"tierId"`
	Price      decimal.Decimal `json:"price"`
	Notes      string          `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type eventRecord struct {
	EntityType string     `json:"entityType"`
	OwnerID    string     `json:"ownerId"`
	EventID    string     `json:"eventId"`
	EventName  string     `json:"eventName"`
	Date       string     `json:"date"`
	Lines      []SaleLine `json:"lines"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	AppliedAt  *time.Time `json:"appliedAt,omitempty"`
}

// lineRecord is one stored sale line. AppliedAt claims the line during apply.
type lineRecord struct {
	EntityType string          `json:"entityType"`
	OwnerID    string          `json:"ownerId"`
	EventID    string          `json:"eventId"`
	Index      int             `json:"index"`
	BookID     string          `json:"bookId"`
	TierID     string          `json:"tierId,omitempty"`
	Price      decimal.Decimal `json:"price"`
	QtySold    int64           `json:"qtySold"`
	Revenue    decimal.Decimal `json:"revenue"`
	Date       string          `json:"date"`
	AppliedAt  *time.Time      `json:"appliedAt,omitempty"`
}

func encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return b, nil
}

func decode(item kvstore.Item, v any) error {
	if err := json.Unmarshal(item.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record %s: %w", item.Key, err)
	}
	return nil
}

func entityOf(item kvstore.Item) string {
	var e envelope
	if err := json.Unmarshal(item.Data, &e); err != nil {
		return ""
	}
	return e.EntityType
}

type storedTier struct {
	rec   tierRecord
	count int64
}

// assembleBook builds the client view. Books without tier rows get one
// legacy tier from their flat fields when any of them is set.
func assembleBook(rec bookRecord, flatCopies int64, tiers []storedTier) *Book {
	book := &Book{
		ID:         rec.BookID,
		Title:      rec.Title,
		Author:     rec.Author,
		Format:     identity.NormalizeFormat(rec.Format),
		Notes:      rec.Notes,
		PriceTiers: make([]PriceTier, 0, len(tiers)),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}

	sort.SliceStable(tiers, func(i, j int) bool {
		if !tiers[i].rec.CreatedAt.Equal(tiers[j].rec.CreatedAt) {
			return tiers[i].rec.CreatedAt.Before(tiers[j].rec.CreatedAt)
		}
		return tiers[i].rec.TierID < tiers[j].rec.TierID
	})
	for _, t := range tiers {
		book.PriceTiers = append(book.PriceTiers, PriceTier{
			BookID:       rec.BookID,
			TierID:       t.rec.TierID,
			Price:        t.rec.Price,
			CopiesOnHand: t.count,
			Notes:        t.rec.Notes,
			CreatedAt:    t.rec.CreatedAt,
			UpdatedAt:    t.rec.UpdatedAt,
		})
	}

	if len(book.PriceTiers) == 0 && (flatCopies != 0 || (rec.Price != nil && !rec.Price.IsZero()) || rec.Notes != "") {
		price := decimal.Zero
		if rec.Price != nil {
			price = *rec.Price
		}
		book.PriceTiers = append(book.PriceTiers, PriceTier{
			BookID:       rec.BookID,
			TierID:       rec.BookID,
			Price:        price,
			CopiesOnHand: flatCopies,
			Notes:        rec.Notes,
			Legacy:       true,
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
		})
	}

	for _, t := range book.PriceTiers {
		book.TotalOnHand += t.CopiesOnHand
	}
	book.SoldOut = len(book.PriceTiers) > 0 && book.TotalOnHand == 0
	return book
}

func toEvent(rec eventRecord) *SaleEvent {
	lines := rec.Lines
	if lines == nil {
		lines = []SaleLine{}
	}
	return &SaleEvent{
		ID:        rec.EventID,
		EventName: rec.EventName,
		Date:      rec.Date,
		Lines:     lines,
		Notes:     rec.Notes,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		AppliedAt: rec.AppliedAt,
	}
}

func sortBooks(books []*Book) {
	sort.Slice(books, func(i, j int) bool {
		ti, tj := strings.ToLower(books[i].Title), strings.ToLower(books[j].Title)
		if ti != tj {
			return ti < tj
		}
		return books[i].ID < books[j].ID
	})
}
