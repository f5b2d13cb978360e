// Package rentals emits the monthly charges of active rentals and sweeps
// standing customer credit onto each new charge.
package rentals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/fleetdesk/fleetdesk/internal/allocation"
	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
)

// CreditAllocator applies standing customer credit to a new charge.
type CreditAllocator interface {
	AllocateAvailableCredit(ctx context.Context, tx ledger.Tx, customerID, chargeID int64, amountNeeded decimal.Decimal) (allocation.Credit, error)
	AfterCredit(ctx context.Context, credit allocation.Credit)
}

// Invalidator drops cached reporting views.
type Invalidator interface {
	Bump(ctx context.Context) error
}

const defaultConcurrency = 4

// Generator emits rental charges.
type Generator struct {
	store       ledger.Store
	credit      CreditAllocator
	cache       Invalidator
	clock       clock.Clock
	logger      *slog.Logger
	concurrency int
}

// Report counts the work done by one Run.
type Report struct {
	Rentals int
	Created int
	Skipped int
	Failed  int
}

// NewGenerator constructs a Generator. cache may be nil.
func NewGenerator(store ledger.Store, credit CreditAllocator, cache Invalidator, c clock.Clock, logger *slog.Logger) *Generator {
	if c == nil {
		c = clock.London()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, credit: credit, cache: cache, clock: c, logger: logger, concurrency: defaultConcurrency}
}

// DueDates lists the monthly due dates of r from its start date up to and
// including today, stopping before the end date.
func DueDates(r ledger.Rental, today time.Time) []time.Time {
	start := clock.DateOf(r.StartDate)
	var out []time.Time
	for n := 0; ; n++ {
		due := clock.AddMonths(start, n)
		if due.After(today) {
			break
		}
		if r.EndDate != nil && !due.Before(clock.DateOf(*r.EndDate)) {
			break
		}
		out = append(out, due)
	}
	return out
}

// Run charges every active rental. Rentals are processed concurrently, each
// in its own transaction; one failing rental does not stop the others.
func (g *Generator) Run(ctx context.Context) (Report, error) {
	var rentals []ledger.Rental
	err := g.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		rentals, err = tx.ListActiveRentals(ctx)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("list active rentals: %w", err)
	}

	today := clock.Today(g.clock)
	var (
		mu     sync.Mutex
		report = Report{Rentals: len(rentals)}
		errs   []error
		group  errgroup.Group
	)
	group.SetLimit(g.concurrency)
	for _, r := range rentals {
		group.Go(func() error {
			created, skipped, err := g.chargeRental(ctx, r, today)
			mu.Lock()
			defer mu.Unlock()
			report.Created += created
			report.Skipped += skipped
			if err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("rental %d: %w", r.ID, err))
				g.logger.Error("charge rental", slog.Int64("rental_id", r.ID), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = group.Wait()

	if report.Created > 0 && g.cache != nil {
		if err := g.cache.Bump(ctx); err != nil {
			g.logger.Warn("bump reporting cache", slog.Any("error", err))
		}
	}
	g.logger.Info("rental charges generated",
		slog.Int("rentals", report.Rentals),
		slog.Int("created", report.Created),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed))
	return report, errors.Join(errs...)
}

func (g *Generator) chargeRental(ctx context.Context, r ledger.Rental, today time.Time) (int, int, error) {
	if !r.MonthlyAmount.IsPositive() {
		g.logger.Warn("rental has no monthly amount", slog.Int64("rental_id", r.ID))
		return 0, 0, nil
	}
	var (
		created, skipped int
		credits          []allocation.Credit
	)
	err := g.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		created, skipped, credits = 0, 0, credits[:0]
		if err := tx.LockCustomer(ctx, r.CustomerID); err != nil {
			return err
		}
		vehicleID, rentalID := r.VehicleID, r.ID
		for _, due := range DueDates(r, today) {
			charge, outcome, err := ledger.CreateCharge(ctx, tx, ledger.ChargeInput{
				CustomerID: r.CustomerID,
				VehicleID:  &vehicleID,
				RentalID:   &rentalID,
				Category:   ledger.CategoryRental,
				Amount:     r.MonthlyAmount,
				EntryDate:  due,
				DueDate:    &due,
				Reference:  ledger.RentalReference(r.ID, due),
			})
			if err != nil {
				return err
			}
			if outcome == ledger.AlreadySkipped {
				skipped++
				continue
			}
			created++
			credit, err := g.credit.AllocateAvailableCredit(ctx, tx, r.CustomerID, charge.ID, charge.RemainingAmount)
			if err != nil {
				return err
			}
			credits = append(credits, credit)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	for _, c := range credits {
		g.credit.AfterCredit(ctx, c)
	}
	return created, skipped, nil
}
