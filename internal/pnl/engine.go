// Package pnl derives revenue and cost postings from ledger events. Every
// posting carries a deterministic idempotency key, so re-deriving is safe.
package pnl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/observability"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
)

// PostingKey derives the idempotency key of a posting. At most one posting
// exists per (sourceRef, side, category).
func PostingKey(sourceRef string, side ledger.PnLSide, category string) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(sourceRef+"|"+string(side)+"|"+category))
}

// PaymentRef references an initial fee payment.
func PaymentRef(paymentID int64) string {
	return "PAY-" + strconv.FormatInt(paymentID, 10)
}

// AllocationRef references one payment/charge pairing.
func AllocationRef(paymentID, chargeID int64) string {
	return fmt.Sprintf("alloc:%d:%d", paymentID, chargeID)
}

// RefundRef references the reversal of one payment's contribution to a
// waived fine. It is stable so a repeated waive cannot refund twice.
func RefundRef(fineID, paymentID int64) string {
	return fmt.Sprintf("refund:%s:%d", ledger.FineReference(fineID), paymentID)
}

// RevenueCategory maps a charge category onto its revenue category.
func RevenueCategory(c ledger.Category) string {
	switch c {
	case ledger.CategoryFine:
		return ledger.PnLFines
	case ledger.CategoryInitialFees:
		return ledger.PnLInitialFees
	default:
		return ledger.PnLRental
	}
}

// Engine posts P&L entries. Each public method runs in its own transaction,
// after the ledger change it derives from has committed.
type Engine struct {
	store   ledger.Store
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
	clock   clock.Clock
}

// NewEngine constructs Engine.
func NewEngine(store ledger.Store, logger *slog.Logger, metrics *observability.LedgerMetrics, c clock.Clock) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.London()
	}
	return &Engine{store: store, logger: logger, metrics: metrics, clock: c}
}

// post inserts e unless a posting with the same key already exists.
func (e *Engine) post(ctx context.Context, tx ledger.Tx, entry ledger.PnLEntry) (ledger.Outcome, error) {
	entry.IdempotencyKey = PostingKey(entry.SourceRef, entry.Side, entry.Category)
	exists, err := tx.PnLExists(ctx, entry.IdempotencyKey)
	if err != nil {
		return 0, err
	}
	if exists {
		e.metrics.ObservePosting(ledger.AlreadySkipped.String())
		return ledger.AlreadySkipped, nil
	}
	if _, err := tx.InsertPnL(ctx, entry); err != nil {
		e.metrics.ObservePosting("failed")
		return 0, fmt.Errorf("insert pnl %s: %w", entry.SourceRef, err)
	}
	e.metrics.ObservePosting(ledger.Created.String())
	return ledger.Created, nil
}

// PostPayment posts the revenue earned by a payment: the full amount of an
// initial fee, and the applied amount of every application.
func (e *Engine) PostPayment(ctx context.Context, paymentID int64) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		customer := p.CustomerID
		if p.Type == ledger.PaymentInitialFee {
			vehicle, err := paymentVehicle(ctx, tx, p)
			if err != nil {
				return err
			}
			if _, err := e.post(ctx, tx, ledger.PnLEntry{
				VehicleID:  vehicle,
				CustomerID: &customer,
				EntryDate:  p.PaymentDate,
				Side:       ledger.SideRevenue,
				Category:   ledger.PnLInitialFees,
				Amount:     p.Amount,
				SourceRef:  PaymentRef(p.ID),
			}); err != nil {
				return err
			}
		}
		apps, err := tx.ListApplicationsByPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, a := range apps {
			charge, err := tx.GetEntry(ctx, a.ChargeEntryID)
			if err != nil {
				return err
			}
			if _, err := e.post(ctx, tx, ledger.PnLEntry{
				VehicleID:  charge.VehicleID,
				CustomerID: &customer,
				EntryDate:  p.PaymentDate,
				Side:       ledger.SideRevenue,
				Category:   RevenueCategory(charge.Category),
				Amount:     a.AmountApplied,
				SourceRef:  AllocationRef(p.ID, charge.ID),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func paymentVehicle(ctx context.Context, tx ledger.Tx, p ledger.Payment) (*int64, error) {
	if p.VehicleID != nil || p.RentalID == nil {
		return p.VehicleID, nil
	}
	rental, err := tx.GetRental(ctx, *p.RentalID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rental.VehicleID, nil
}

// PostFineCharged posts the full fine amount as a cost on its issue date.
// Fines that are not Charged or Paid are skipped.
func (e *Engine) PostFineCharged(ctx context.Context, fineID int64) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		fine, err := tx.GetFine(ctx, fineID)
		if err != nil {
			return err
		}
		if fine.Status != ledger.FineCharged && fine.Status != ledger.FinePaid {
			return nil
		}
		vehicle := fine.VehicleID
		_, err = e.post(ctx, tx, ledger.PnLEntry{
			VehicleID:  &vehicle,
			CustomerID: fine.CustomerID,
			EntryDate:  fine.IssueDate,
			Side:       ledger.SideCost,
			Category:   ledger.PnLFines,
			Amount:     fine.Amount,
			SourceRef:  ledger.FineReference(fine.ID),
		})
		return err
	})
}

// Reversal summarises the accounting undone by a waive.
type Reversal struct {
	CostRemoved bool
	Refunds     []ledger.PnLEntry
}

// ReverseFine removes a voided fine's cost posting and posts one negative
// revenue entry per payment that had been applied to the fine's charge.
func (e *Engine) ReverseFine(ctx context.Context, fineID int64) (Reversal, error) {
	var rev Reversal
	err := e.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		rev = Reversal{}
		fine, err := tx.GetFine(ctx, fineID)
		if err != nil {
			return err
		}
		if !fine.Status.Voided() {
			return fmt.Errorf("reverse fine %d in status %s: %w", fineID, fine.Status, ledger.ErrInvalidTransition)
		}
		ref := ledger.FineReference(fine.ID)
		if rev.CostRemoved, err = tx.DeletePnL(ctx, PostingKey(ref, ledger.SideCost, ledger.PnLFines)); err != nil {
			return err
		}
		charge, found, err := tx.FindChargeByReference(ctx, ref)
		if err != nil || !found {
			return err
		}
		apps, err := tx.ListApplicationsByCharge(ctx, charge.ID)
		if err != nil {
			return err
		}
		on := clock.Today(e.clock)
		if fine.WaivedAt != nil {
			on = clock.DateOf(*fine.WaivedAt)
		}
		vehicle := fine.VehicleID
		for _, a := range apps {
			refund := ledger.PnLEntry{
				VehicleID:  &vehicle,
				CustomerID: fine.CustomerID,
				EntryDate:  on,
				Side:       ledger.SideRevenue,
				Category:   ledger.PnLFines,
				Amount:     a.AmountApplied.Neg(),
				SourceRef:  RefundRef(fine.ID, a.PaymentID),
			}
			outcome, err := e.post(ctx, tx, refund)
			if err != nil {
				return err
			}
			if outcome == ledger.Created {
				rev.Refunds = append(rev.Refunds, refund)
			}
		}
		return nil
	})
	return rev, err
}

// BackfillReport counts the units re-derived by Backfill.
type BackfillReport struct {
	Payments  int
	Fines     int
	Reversals int
	Failed    int
}

// Backfill re-derives postings for payments dated or applied on or after
// since and for every charged, paid or voided fine. Postings that already exist are
// skipped; failures are collected and the run continues.
func (e *Engine) Backfill(ctx context.Context, since time.Time) (BackfillReport, error) {
	var (
		report     BackfillReport
		paymentIDs []int64
		charged    []ledger.Fine
		voided     []ledger.Fine
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		ps, err := tx.ListPaymentsActiveSince(ctx, since)
		if err != nil {
			return err
		}
		paymentIDs = paymentIDs[:0]
		for _, p := range ps {
			paymentIDs = append(paymentIDs, p.ID)
		}
		if charged, err = tx.ListFinesByStatus(ctx, ledger.FineCharged, ledger.FinePaid); err != nil {
			return err
		}
		voided, err = tx.ListFinesByStatus(ctx, ledger.FineWaived, ledger.FineAppealSuccessful)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("pnl backfill: load sources: %w", err)
	}

	var errs []error
	for _, id := range paymentIDs {
		if err := e.PostPayment(ctx, id); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("payment %d: %w", id, err))
			continue
		}
		report.Payments++
	}
	for _, f := range charged {
		if err := e.PostFineCharged(ctx, f.ID); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("fine %d: %w", f.ID, err))
			continue
		}
		report.Fines++
	}
	for _, f := range voided {
		if _, err := e.ReverseFine(ctx, f.ID); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("reverse fine %d: %w", f.ID, err))
			continue
		}
		report.Reversals++
	}
	if len(errs) > 0 {
		e.logger.Error("pnl backfill incomplete", slog.Int("failed", report.Failed))
	}
	return report, errors.Join(errs...)
}

// Summary totals postings for one vehicle.
type Summary struct {
	Revenue    decimal.Decimal
	Cost       decimal.Decimal
	ByCategory map[string]decimal.Decimal
}

// Net is revenue minus cost.
func (s Summary) Net() decimal.Decimal {
	return s.Revenue.Sub(s.Cost)
}

// Summarise totals entries by side and by "side/category".
func Summarise(entries []ledger.PnLEntry) Summary {
	sum := Summary{Revenue: decimal.Zero, Cost: decimal.Zero, ByCategory: make(map[string]decimal.Decimal)}
	for _, e := range entries {
		key := string(e.Side) + "/" + e.Category
		sum.ByCategory[key] = sum.ByCategory[key].Add(e.Amount)
		switch e.Side {
		case ledger.SideRevenue:
			sum.Revenue = sum.Revenue.Add(e.Amount)
		case ledger.SideCost:
			sum.Cost = sum.Cost.Add(e.Amount)
		}
	}
	return sum
}
