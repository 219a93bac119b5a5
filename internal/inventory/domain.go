// internal/inventory/domain.go
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// Book formats.
const (
	FormatPaperback = "paperback"
	FormatHardcover = "hardcover"
	FormatEbook     = "ebook"
	FormatOther     = "other"
)

var knownFormats = map[string]bool{
	FormatPaperback: true,
	FormatHardcover: true,
	FormatEbook:     true,
	FormatOther:     true,
}

// MaxQuantity bounds copies, stock deltas and sold quantities.
const MaxQuantity int64 = 1_000_000_000

func quantityInRange(n int64) bool { return n >= -MaxQuantity && n <= MaxQuantity }

// Book is the client view of a book record and its tiers. TotalOnHand is
// always derived from the tiers.
type Book struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Author      string      `json:"author,omitempty"`
	Format      string      `json:"format"`
	Notes       string      `json:"notes"`
	PriceTiers  []PriceTier `json:"priceTiers"`
	TotalOnHand int64       `json:"totalOnHand"`
	SoldOut     bool        `json:"soldOut"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// PriceTier is one priced stock bucket of a book. Legacy marks a tier
// synthesized from a pre-tier book record.
type PriceTier struct {
	BookID       string          `json:"bookId"`
	TierID       string          `json:"tierId"`
	Price        decimal.Decimal `json:"price"`
	CopiesOnHand int64           `json:"copiesOnHand"`
	Notes        string          `json:"notes"`
	Legacy       bool            `json:"legacy,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// SaleLine is a normalized line of a sale event: quantity positive, price resolved.
type SaleLine struct {
	BookID  string          `json:"bookId"`
	TierID  string          `json:"tierId,omitempty"`
	Price   decimal.Decimal `json:"price"`
	QtySold int64           `json:"qtySold"`
	Revenue decimal.Decimal `json:"revenue"`
}

// Input converts a normalized line back into caller input.
func (l SaleLine) Input() SaleLineInput {
	price := l.Price
	return SaleLineInput{BookID: l.BookID, TierID: l.TierID, Price: &price, QtySold: l.QtySold}
}

// SaleEvent is a recorded batch of sales. AppliedAt is set once inventory was decremented.
type SaleEvent struct {
	ID        string     `json:"id"`
	EventName string     `json:"eventName"`
	Date      string     `json:"date"`
	Lines     []SaleLine `json:"lines"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	AppliedAt *time.Time `json:"appliedAt,omitempty"`
}

// TotalQty is the number of copies sold across all lines.
func (e *SaleEvent) TotalQty() int64 {
	var n int64
	for _, l := range e.Lines {
		n += l.QtySold
	}
	return n
}

// TotalRevenue sums the revenue of all lines.
func (e *SaleEvent) TotalRevenue() decimal.Decimal {
	total := decimal.Zero
	for _, l := range e.Lines {
		total = total.Add(l.Revenue)
	}
	return total
}

// Sale is one line of a book's sales history.
type Sale struct {
	EventID   string          `json:"eventId"`
	Date      string          `json:"date"`
	BookID    string          `json:"bookId"`
	TierID    string          `json:"tierId,omitempty"`
	Price     decimal.Decimal `json:"price"`
	QtySold   int64           `json:"qtySold"`
	Revenue   decimal.Decimal `json:"revenue"`
	AppliedAt *time.Time      `json:"appliedAt,omitempty"`
}

// LineOutcome reports how one sale line was applied.
type LineOutcome struct {
	Index    int      `json:"index"`
	BookID   string   `json:"bookId"`
	TierID   string   `json:"tierId,omitempty"`
	Qty      int64    `json:"qty"`
	Strategy Strategy `json:"strategy"`
	// Skipped is set when the line had been applied by an earlier attempt.
	Skipped bool `json:"skipped,omitempty"`
}

// ApplyResult acknowledges ApplyEvent.
type ApplyResult struct {
	EventID        string        `json:"eventId"`
	Message        string        `json:"message"`
	AppliedAt      time.Time     `json:"appliedAt"`
	AlreadyApplied bool          `json:"alreadyApplied"`
	Lines          []LineOutcome `json:"lines,omitempty"`
}

// CreateBookInput is the payload of CreateBook. TierNotes falls back to Notes.
type CreateBookInput struct {
	Title     string          `json:"title"`
	Author    string          `json:"author,omitempty"`
	Format    string          `json:"format,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Copies    int64           `json:"copies"`
	Notes     string          `json:"notes,omitempty"`
	TierNotes string          `json:"tierNotes,omitempty"`
}

// TierInput is the payload of AddTier.
type TierInput struct {
	Price  decimal.Decimal `json:"price"`
	Copies int64           `json:"copies"`
	Notes  string          `json:"notes,omitempty"`
}

// BookUpdate is a partial update; nil fields are left untouched.
type BookUpdate struct {
	Title  *string `json:"title,omitempty"`
	Author *string `json:"author,omitempty"`
	Format *string `json:"format,omitempty"`
	Notes  *string `json:"notes,omitempty"`
}

// Adjustment targets a tier by id or, failing that, by price.
type Adjustment struct {
	TierID string           `json:"tierId,omitempty"`
	Price  *decimal.Decimal `json:"price,omitempty"`
	Delta  int64            `json:"delta"`
}

// SaleLineInput is a raw sale line. At least one of TierID and Price is required.
type SaleLineInput struct {
	BookID  string           `json:"bookId"`
	TierID  string           `json:"tierId,omitempty"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	QtySold int64            `json:"qtySold"`
}

// EventInput is the payload of CreateEvent. ID is optional.
type EventInput struct {
	ID        string          `json:"id,omitempty"`
	EventName string          `json:"eventName"`
	Date      string          `json:"date"`
	Lines     []SaleLineInput `json:"lines"`
	Notes     string          `json:"notes,omitempty"`
}
