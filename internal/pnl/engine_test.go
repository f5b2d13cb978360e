package pnl_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/ledger/ledgertest"
	"github.com/fleetdesk/fleetdesk/internal/payments"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
	"github.com/fleetdesk/fleetdesk/internal/pnl"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEngine(store *ledgertest.Store) *pnl.Engine {
	return pnl.NewEngine(store, nil, nil, clock.Fixed(time.Date(2024, time.April, 2, 8, 0, 0, 0, time.UTC)))
}

// seedApplied records a payment of amount fully applied to a new charge.
func seedApplied(t *testing.T, store *ledgertest.Store, category ledger.Category, typ ledger.PaymentType, amount string) (ledger.Payment, ledger.LedgerEntry) {
	t.Helper()
	var (
		p ledger.Payment
		c ledger.LedgerEntry
	)
	vehicle := int64(9)
	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		var err error
		c, _, err = ledger.CreateCharge(ctx, tx, ledger.ChargeInput{
			CustomerID: 1,
			VehicleID:  &vehicle,
			Category:   category,
			Amount:     dec(amount),
			EntryDate:  clock.Date(2024, time.March, 1),
		})
		if err != nil {
			return err
		}
		p, _, err = payments.Create(ctx, tx, payments.CreateInput{
			CustomerID:  1,
			Amount:      dec(amount),
			PaymentDate: clock.Date(2024, time.March, 3),
			Type:        typ,
		})
		if err != nil {
			return err
		}
		_, err = tx.InsertApplication(ctx, ledger.PaymentApplication{PaymentID: p.ID, ChargeEntryID: c.ID, AmountApplied: dec(amount)})
		return err
	})
	require.NoError(t, err)
	return p, c
}

func TestPostingKeyIsDeterministic(t *testing.T) {
	a := pnl.PostingKey("alloc:1:2", ledger.SideRevenue, ledger.PnLRental)
	require.Equal(t, a, pnl.PostingKey("alloc:1:2", ledger.SideRevenue, ledger.PnLRental))
	require.NotEqual(t, a, pnl.PostingKey("alloc:1:2", ledger.SideCost, ledger.PnLRental))
	require.NotEqual(t, a, pnl.PostingKey("alloc:1:3", ledger.SideRevenue, ledger.PnLRental))
	require.Equal(t, "refund:FINE-4:7", pnl.RefundRef(4, 7))
	require.Equal(t, ledger.PnLFines, pnl.RevenueCategory(ledger.CategoryFine))
	require.Equal(t, ledger.PnLRental, pnl.RevenueCategory(ledger.CategoryRental))
}

func TestPostPaymentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.New()
	engine := newEngine(store)
	p, c := seedApplied(t, store, ledger.CategoryRental, ledger.PaymentRental, "250")

	require.NoError(t, engine.PostPayment(ctx, p.ID))
	require.NoError(t, engine.PostPayment(ctx, p.ID))

	rows := store.PnL()
	require.Len(t, rows, 1)
	require.Equal(t, ledger.SideRevenue, rows[0].Side)
	require.Equal(t, ledger.PnLRental, rows[0].Category)
	require.True(t, rows[0].Amount.Equal(dec("250")))
	require.Equal(t, pnl.AllocationRef(p.ID, c.ID), rows[0].SourceRef)
	require.Equal(t, clock.Date(2024, time.March, 3), rows[0].EntryDate)
	require.EqualValues(t, 9, *rows[0].VehicleID)
}

func TestInitialFeeUsesRentalVehicle(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.New()
	engine := newEngine(store)
	rental := store.AddRental(ledger.Rental{CustomerID: 1, VehicleID: 42, StartDate: clock.Date(2024, time.January, 1), MonthlyAmount: dec("900")})

	var p ledger.Payment
	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		p, _, err = payments.Create(ctx, tx, payments.CreateInput{
			CustomerID:  1,
			Amount:      dec("500"),
			PaymentDate: clock.Date(2024, time.January, 1),
			Type:        ledger.PaymentInitialFee,
			RentalID:    &rental.ID,
		})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, engine.PostPayment(ctx, p.ID))

	rows := store.PnL()
	require.Len(t, rows, 1)
	require.Equal(t, ledger.PnLInitialFees, rows[0].Category)
	require.Equal(t, pnl.PaymentRef(p.ID), rows[0].SourceRef)
	require.NotNil(t, rows[0].VehicleID)
	require.EqualValues(t, 42, *rows[0].VehicleID)
}

func TestFineCostRequiresChargedFine(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.New()
	engine := newEngine(store)
	cust := int64(1)
	fine := store.AddFine(ledger.Fine{CustomerID: &cust, VehicleID: 9, Amount: dec("60"), IssueDate: clock.Date(2024, time.March, 1), DueDate: clock.Date(2024, time.April, 1), Liability: ledger.LiabilityCustomer})

	require.NoError(t, engine.PostFineCharged(ctx, fine.ID))
	require.Empty(t, store.PnL())

	_, err := engine.ReverseFine(ctx, fine.ID)
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestBackfillRepairsMissingPostings(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.New()
	engine := newEngine(store)
	first, _ := seedApplied(t, store, ledger.CategoryRental, ledger.PaymentRental, "100")
	second, _ := seedApplied(t, store, ledger.CategoryRental, ledger.PaymentRental, "40")

	store.FailNext("InsertPnL", errors.New("timeout"))
	require.Error(t, engine.PostPayment(ctx, first.ID))
	require.NoError(t, engine.PostPayment(ctx, second.ID))
	require.Len(t, store.PnL(), 1)

	report, err := engine.Backfill(ctx, clock.Date(2024, time.January, 1))
	require.NoError(t, err)
	require.Equal(t, 2, report.Payments)
	require.Zero(t, report.Failed)
	require.Len(t, store.PnL(), 2)

	_, err = engine.Backfill(ctx, clock.Date(2024, time.January, 1))
	require.NoError(t, err)
	require.Len(t, store.PnL(), 2)
}

func TestBackfillRevisitsOldPaymentAppliedLater(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.New()
	engine := newEngine(store)

	var p ledger.Payment
	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		p, _, err = payments.Create(ctx, tx, payments.CreateInput{
			CustomerID:  1,
			Amount:      dec("100"),
			PaymentDate: clock.Date(2024, time.January, 2),
			Type:        ledger.PaymentRental,
		})
		return err
	})
	require.NoError(t, err)

	store.SetNow(time.Date(2024, time.April, 1, 0, 10, 0, 0, time.UTC))
	err = store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		c, _, err := ledger.CreateCharge(ctx, tx, ledger.ChargeInput{
			CustomerID: 1,
			Category:   ledger.CategoryRental,
			Amount:     dec("100"),
			EntryDate:  clock.Date(2024, time.April, 1),
		})
		if err != nil {
			return err
		}
		_, err = tx.InsertApplication(ctx, ledger.PaymentApplication{PaymentID: p.ID, ChargeEntryID: c.ID, AmountApplied: dec("100")})
		return err
	})
	require.NoError(t, err)

	store.FailNext("InsertPnL", errors.New("timeout"))
	require.Error(t, engine.PostPayment(ctx, p.ID))
	require.Empty(t, store.PnL())

	since := clock.Date(2024, time.April, 2).AddDate(0, 0, -35)
	report, err := engine.Backfill(ctx, since)
	require.NoError(t, err)
	require.Equal(t, 1, report.Payments)
	rows := store.PnL()
	require.Len(t, rows, 1)
	require.True(t, rows[0].Amount.Equal(dec("100")))
}

func TestBackfillCollectsFailures(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.New()
	engine := newEngine(store)
	p, _ := seedApplied(t, store, ledger.CategoryRental, ledger.PaymentRental, "100")

	store.FailNext("InsertPnL", errors.New("timeout"))
	report, err := engine.Backfill(ctx, clock.Date(2024, time.January, 1))
	require.Error(t, err)
	require.Equal(t, 1, report.Failed)
	require.Zero(t, report.Payments)
	require.Contains(t, err.Error(), "payment")

	require.NoError(t, engine.PostPayment(ctx, p.ID))
	require.Len(t, store.PnL(), 1)
}

func TestSummarise(t *testing.T) {
	sum := pnl.Summarise([]ledger.PnLEntry{
		{Side: ledger.SideRevenue, Category: ledger.PnLRental, Amount: dec("1000")},
		{Side: ledger.SideRevenue, Category: ledger.PnLFines, Amount: dec("60")},
		{Side: ledger.SideRevenue, Category: ledger.PnLFines, Amount: dec("-60")},
		{Side: ledger.SideCost, Category: ledger.PnLFines, Amount: dec("60")},
	})
	require.True(t, sum.Revenue.Equal(dec("1000")))
	require.True(t, sum.Cost.Equal(dec("60")))
	require.True(t, sum.Net().Equal(dec("940")))
	require.True(t, sum.ByCategory["Revenue/Fines"].IsZero())
	require.True(t, sum.ByCategory["Cost/Fines"].Equal(dec("60")))
}
