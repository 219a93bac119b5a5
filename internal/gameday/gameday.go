// internal/gameday/gameday.go
package gameday

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"authorinventory/internal/chaos"
	"authorinventory/internal/inventory"
	"authorinventory/internal/kvstore"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Owners isolate the data of each experiment.
const (
	ownerRollback = "gameday-rollback"
	ownerBatch    = "gameday-batch"
	ownerRace     = "gameday-race"
	ownerOutage   = "gameday-outage"
)

// Lab runs inventory workloads against a store with injectable faults.
type Lab struct {
	Store   *chaos.FaultyStore
	Service inventory.Service
	// Observe is how long each experiment samples its probes.
	Observe time.Duration
	// Interval between probe samples.
	Interval time.Duration

	logger *zap.Logger

	mu          sync.Mutex
	createdOK   int
	batchBookID string
	batchLines  int
	raceBookID  string
	raceWant    int64
	seedBookID  string
}

// NewLab wraps store with a fault injector and builds an inventory service on top.
func NewLab(store kvstore.Store, logger *zap.Logger) *Lab {
	fs := chaos.NewFaultyStore(store)
	return &Lab{
		Store: fs,
		Service: inventory.NewService(fs, logger,
			inventory.WithBatchBackOff(func() backoff.BackOff {
				b := backoff.NewExponentialBackOff()
				b.InitialInterval = 5 * time.Millisecond
				b.MaxInterval = 50 * time.Millisecond
				return b
			}),
		),
		Observe:  500 * time.Millisecond,
		Interval: 50 * time.Millisecond,
		logger:   logger.Named("gameday"),
	}
}

// GameDay seeds the lab and returns the scenario suite.
func (l *Lab) GameDay(ctx context.Context) (chaos.GameDay, error) {
	book, _, err := l.Service.CreateBook(ctx, ownerOutage, inventory.CreateBookInput{
		Title:  "Steady State",
		Price:  decimal.NewFromInt(10),
		Copies: 5,
	})
	if err != nil {
		return chaos.GameDay{}, fmt.Errorf("failed to seed lab: %w", err)
	}
	l.mu.Lock()
	l.seedBookID = book.ID
	l.mu.Unlock()

	return chaos.GameDay{
		Name: "inventory-resilience",
		Date: time.Now(),
		Scenarios: []chaos.Experiment{
			l.TierWriteRollback(),
			l.UnprocessedEventBatches(),
			l.ConcurrentApplyRace(),
			l.TransientReadOutage(),
		},
	}, nil
}

func (l *Lab) rollback() chaos.Action {
	return chaos.Action{Type: "fault", Target: "store", Execute: func(context.Context) error {
		l.Store.Clear()
		return nil
	}}
}

func zeroOrMore() chaos.Threshold { return chaos.Threshold{Operator: ">=", Value: 0} }

func isZero() chaos.Threshold { return chaos.Threshold{Operator: "==", Value: 0} }

// TierWriteRollback fails tier writes during book creation and checks no
// book is left without stock rows.
func (l *Lab) TierWriteRollback() chaos.Experiment {
	const attempts = 5
	return chaos.Experiment{
		Name:       "tier-write-rollback",
		Hypothesis: "A failed tier write never leaves a book without tiers",
		SteadyState: []chaos.Probe{
			{Name: "orphan_books", Query: l.orphanBooks, Threshold: isZero()},
			{Name: "books_created", Query: func(context.Context) (float64, error) {
				l.mu.Lock()
				defer l.mu.Unlock()
				return float64(l.createdOK), nil
			}, Threshold: zeroOrMore()},
		},
		Method: []chaos.Action{{
			Type:   "fault",
			Target: "store.put",
			Execute: func(ctx context.Context) error {
				l.Store.Inject(chaos.Fault{Op: chaos.OpPut, Match: "#TIER#", Err: kvstore.ErrTransient, Times: attempts})
				var failed int
				for i := range 2 * attempts {
					_, _, err := l.Service.CreateBook(ctx, ownerRollback, inventory.CreateBookInput{
						Title:  fmt.Sprintf("Rollback %02d", i),
						Price:  decimal.NewFromInt(12),
						Copies: 3,
					})
					if err != nil {
						failed++
						continue
					}
					l.mu.Lock()
					l.createdOK++
					l.mu.Unlock()
				}
				if failed != attempts {
					return fmt.Errorf("expected %d failed creates, got %d", attempts, failed)
				}
				return nil
			},
		}},
		Rollback: []chaos.Action{l.rollback()},
		Validation: []chaos.Assertion{
			{Probe: "orphan_books", Condition: func(v float64) bool { return v == 0 }, Message: "no orphan books"},
			{Probe: "books_created", Condition: func(v float64) bool { return v == attempts }, Message: "creates succeed once the fault clears"},
		},
		Duration: l.Observe,
		Interval: l.Interval,
	}
}

func (l *Lab) orphanBooks(ctx context.Context) (float64, error) {
	books, err := l.Service.ListBooks(ctx, ownerRollback)
	if err != nil {
		return 0, err
	}
	var orphans int
	for _, b := range books {
		if len(b.PriceTiers) == 0 {
			orphans++
		}
	}
	return float64(orphans), nil
}

// UnprocessedEventBatches leaves part of every batch unprocessed while an
// event is logged and checks every line is stored.
func (l *Lab) UnprocessedEventBatches() chaos.Experiment {
	const lines = 60
	return chaos.Experiment{
		Name:       "unprocessed-event-batches",
		Hypothesis: "Unprocessed batch items are resubmitted until every sale line is stored",
		SteadyState: []chaos.Probe{
			{Name: "missing_lines", Query: l.missingLines, Threshold: isZero()},
		},
		Method: []chaos.Action{{
			Type:   "fault",
			Target: "store.batch_write",
			Execute: func(ctx context.Context) error {
				book, _, err := l.Service.CreateBook(ctx, ownerBatch, inventory.CreateBookInput{
					Title:  "Batch Fair Stock",
					Price:  decimal.NewFromInt(8),
					Copies: 100,
				})
				if err != nil {
					return err
				}
				l.Store.Inject(chaos.Fault{Op: chaos.OpBatchWrite, Unprocessed: 7, Times: 4})

				price := decimal.NewFromInt(8)
				in := inventory.EventInput{EventName: "Batch Fair", Date: time.Now().UTC().Format(time.DateOnly)}
				for range lines {
					in.Lines = append(in.Lines, inventory.SaleLineInput{BookID: book.ID, Price: &price, QtySold: 1})
				}
				if _, err := l.Service.CreateEvent(ctx, ownerBatch, in); err != nil {
					return err
				}
				l.mu.Lock()
				l.batchBookID, l.batchLines = book.ID, lines
				l.mu.Unlock()
				return nil
			},
		}},
		Rollback: []chaos.Action{l.rollback()},
		Validation: []chaos.Assertion{
			{Probe: "missing_lines", Condition: func(v float64) bool { return v == 0 }, Message: "every sale line stored"},
		},
		Duration: l.Observe,
		Interval: l.Interval,
	}
}

func (l *Lab) missingLines(ctx context.Context) (float64, error) {
	l.mu.Lock()
	bookID, want := l.batchBookID, l.batchLines
	l.mu.Unlock()
	if bookID == "" {
		return 0, nil
	}
	sales, err := l.Service.ListBookSales(ctx, ownerBatch, bookID)
	if err != nil {
		return 0, err
	}
	return float64(want - len(sales)), nil
}

// ConcurrentApplyRace applies one event from many callers while restocks
// run against the same tier under store latency.
func (l *Lab) ConcurrentApplyRace() chaos.Experiment {
	const (
		start    = 200
		appliers = 8
		restocks = 8
	)
	return chaos.Experiment{
		Name:       "concurrent-apply-race",
		Hypothesis: "An event decrements stock exactly once however many callers apply it",
		SteadyState: []chaos.Probe{
			{Name: "stock_drift", Query: l.stockDrift, Threshold: isZero()},
		},
		Method: []chaos.Action{{
			Type:   "load",
			Target: "inventory.apply",
			Execute: func(ctx context.Context) error {
				book, _, err := l.Service.CreateBook(ctx, ownerRace, inventory.CreateBookInput{
					Title:  "Race Stock",
					Price:  decimal.NewFromInt(15),
					Copies: start,
				})
				if err != nil {
					return err
				}
				tierID := book.PriceTiers[0].TierID
				in := inventory.EventInput{EventName: "Race Fair", Date: time.Now().UTC().Format(time.DateOnly)}
				var sold int64
				for range 5 {
					in.Lines = append(in.Lines, inventory.SaleLineInput{BookID: book.ID, TierID: tierID, QtySold: 2})
					sold += 2
				}
				ev, err := l.Service.CreateEvent(ctx, ownerRace, in)
				if err != nil {
					return err
				}

				l.Store.Inject(chaos.Fault{Op: chaos.OpIncrement, Latency: 2 * time.Millisecond})
				var wg sync.WaitGroup
				errs := make(chan error, appliers+restocks)
				for range appliers {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if _, err := l.Service.ApplyEvent(ctx, ownerRace, ev.ID); err != nil {
							errs <- err
						}
					}()
				}
				for range restocks {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if _, err := l.Service.AdjustTier(ctx, ownerRace, book.ID, inventory.Adjustment{TierID: tierID, Delta: 1}); err != nil {
							errs <- err
						}
					}()
				}
				wg.Wait()
				close(errs)

				l.mu.Lock()
				l.raceBookID, l.raceWant = book.ID, start-sold+restocks
				l.mu.Unlock()

				var all []error
				for err := range errs {
					all = append(all, err)
				}
				return errors.Join(all...)
			},
		}},
		Rollback: []chaos.Action{l.rollback()},
		Validation: []chaos.Assertion{
			{Probe: "stock_drift", Condition: func(v float64) bool { return v == 0 }, Message: "stock matches a single application"},
		},
		Duration: l.Observe,
		Interval: l.Interval,
	}
}

func (l *Lab) stockDrift(ctx context.Context) (float64, error) {
	l.mu.Lock()
	bookID, want := l.raceBookID, l.raceWant
	l.mu.Unlock()
	if bookID == "" {
		return 0, nil
	}
	book, err := l.Service.GetBook(ctx, ownerRace, bookID)
	if err != nil {
		return 0, err
	}
	drift := book.TotalOnHand - want
	if drift < 0 {
		drift = -drift
	}
	return float64(drift), nil
}

// TransientReadOutage fails a burst of reads and measures recovery.
func (l *Lab) TransientReadOutage() chaos.Experiment {
	return chaos.Experiment{
		Name:       "transient-read-outage",
		Hypothesis: "Reads recover on their own once transient store failures stop",
		SteadyState: []chaos.Probe{
			{Name: "read_availability", Query: l.readAvailability, Threshold: chaos.Threshold{Operator: "==", Value: 1}},
		},
		Method: []chaos.Action{{
			Type:   "fault",
			Target: "store.get",
			Execute: func(context.Context) error {
				l.Store.Inject(chaos.Fault{Op: chaos.OpGet, Match: ownerOutage, Err: kvstore.ErrTransient, Times: 3})
				return nil
			},
		}},
		Rollback: []chaos.Action{l.rollback()},
		Validation: []chaos.Assertion{
			{Probe: "read_availability", Condition: func(v float64) bool { return v == 1 }, Message: "reads available again"},
		},
		Duration: l.Observe,
		Interval: l.Interval,
	}
}

func (l *Lab) readAvailability(ctx context.Context) (float64, error) {
	l.mu.Lock()
	bookID := l.seedBookID
	l.mu.Unlock()
	if _, err := l.Service.GetBook(ctx, ownerOutage, bookID); err != nil {
		l.logger.Debug("probe read failed", zap.Error(err))
		return 0, nil
	}
	return 1, nil
}
