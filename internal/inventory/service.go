// internal/inventory/service.go
package inventory

import (
	"context"
	"time"

	"authorinventory/internal/audit"
	"authorinventory/internal/kvstore"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Service defines the interface for the inventory engine. Every call is
// scoped to an owner; an empty owner means DefaultOwner.
type Service interface {
	// CreateBook creates a book with one tier, or merges into the book with the
	// same identity. merged reports which happened.
	CreateBook(ctx context.Context, owner string, in CreateBookInput) (book *Book, merged bool, err error)
	MergeTier(ctx context.Context, owner, bookID string, price decimal.Decimal, copies int64, notes string) (*Book, error)
	AddTier(ctx context.Context, owner, bookID string, in TierInput) (*Book, error)
	UpdateBook(ctx context.Context, owner, bookID string, in BookUpdate) (*Book, error)
	AdjustTier(ctx context.Context, owner, bookID string, in Adjustment) (*Book, error)
	DeleteBook(ctx context.Context, owner, bookID string) error
	GetBook(ctx context.Context, owner, bookID string) (*Book, error)
	ListBooks(ctx context.Context, owner string) ([]*Book, error)
	ListBookSales(ctx context.Context, owner, bookID string) ([]Sale, error)

	CreateEvent(ctx context.Context, owner string, in EventInput) (*SaleEvent, error)
	NormalizeLines(ctx context.Context, owner string, lines []SaleLineInput) ([]SaleLine, error)
	GetEvent(ctx context.Context, owner, eventID string) (*SaleEvent, error)
	ListEvents(ctx context.Context, owner string) ([]*SaleEvent, error)
	ApplyEvent(ctx context.Context, owner, eventID string) (*ApplyResult, error)
}

// Recorder receives engine counters.
type Recorder interface {
	BookCreated()
	BookMerged()
	TierCreated()
	TierAdjusted(delta int64)
	EventLogged(lines int)
	EventApplied(alreadyApplied bool)
	StrategyUsed(strategy string)
	BatchRetried()
}

type nopRecorder struct{}

func (nopRecorder) BookCreated()        {}
func (nopRecorder) BookMerged()         {}
func (nopRecorder) TierCreated()        {}
func (nopRecorder) TierAdjusted(int64)  {}
func (nopRecorder) EventLogged(int)     {}
func (nopRecorder) EventApplied(bool)   {}
func (nopRecorder) StrategyUsed(string) {}
func (nopRecorder) BatchRetried()       {}

// Option configures the service.
type Option func(*service)

func WithRecorder(r Recorder) Option { return func(s *service) { s.metrics = r } }

func WithAudit(sink audit.Sink) Option { return func(s *service) { s.audit = sink } }

func WithClock(now func() time.Time) Option { return func(s *service) { s.now = now } }

func WithIDs(newID func() string) Option { return func(s *service) { s.newID = newID } }

// WithStrategies replaces the ordered apply fallback chain.
func WithStrategies(strategies ...Strategy) Option {
	return func(s *service) { s.strategies = strategies }
}

// WithBatchBackOff sets the pacing of batch write resubmissions.
func WithBatchBackOff(b func() backoff.BackOff) Option {
	return func(s *service) { s.newBackOff = b }
}

// service implements the Service interface.
type service struct {
	store      kvstore.Store
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    Recorder
	audit      audit.Sink
	now        func() time.Time
	newID      func() string
	strategies []Strategy
	newBackOff func() backoff.BackOff
}

// NewService creates a new inventory service instance.
func NewService(store kvstore.Store, logger *zap.Logger, opts ...Option) Service {
	s := &service{
		store:      store,
		logger:     logger.Named("inventory"),
		tracer:     otel.Tracer("authorinventory/inventory"),
		metrics:    nopRecorder{},
		audit:      audit.Discard{},
		now:        time.Now,
		newID:      uuid.NewString,
		strategies: DefaultStrategies(),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) record(ctx context.Context, rec audit.Record) {
	rec.Owner = ownerPartition(rec.Owner)
	if rec.Time.IsZero() {
		rec.Time = s.now().UTC()
	}
	if err := s.audit.Write(ctx, rec); err != nil {
		s.logger.Warn("audit write failed", zap.String("action", rec.Action), zap.Error(err))
	}
}

func (s *service) writeBatch(ctx context.Context, reqs []kvstore.WriteRequest) error {
	return kvstore.WriteAll(ctx, s.store, reqs, kvstore.BatchOptions{
		BackOff: s.newBackOff(),
		OnRetry: func(pending int) {
			s.metrics.BatchRetried()
			s.logger.Warn("resubmitting unprocessed batch writes", zap.Int("pending", pending))
		},
	})
}
