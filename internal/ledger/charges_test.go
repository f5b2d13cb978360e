package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/ledger/ledgertest"
)

func TestCreateChargeStartsWithFullRemaining(t *testing.T) {
	store := ledgertest.New()
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var entry ledger.LedgerEntry
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var outcome ledger.Outcome
		var err error
		entry, outcome, err = ledger.CreateCharge(ctx, tx, ledger.ChargeInput{
			CustomerID: 1,
			Category:   ledger.CategoryRental,
			Amount:     decimal.NewFromInt(1000),
			EntryDate:  due,
			DueDate:    &due,
			Reference:  "RENT-1-2024-01-01",
		})
		require.Equal(t, ledger.Created, outcome)
		return err
	}))

	require.Equal(t, ledger.EntryCharge, entry.Type)
	require.True(t, entry.RemainingAmount.Equal(decimal.NewFromInt(1000)))
	require.True(t, entry.Open())
}

func TestCreateChargeIsIdempotentOnReference(t *testing.T) {
	store := ledgertest.New()
	ctx := context.Background()
	in := ledger.ChargeInput{
		CustomerID: 1,
		Category:   ledger.CategoryFine,
		Amount:     decimal.NewFromInt(60),
		EntryDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Reference:  ledger.FineReference(7),
	}

	var first, second ledger.LedgerEntry
	var outcome ledger.Outcome
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		first, _, err = ledger.CreateCharge(ctx, tx, in)
		if err != nil {
			return err
		}
		second, outcome, err = ledger.CreateCharge(ctx, tx, in)
		return err
	}))
	require.Equal(t, ledger.AlreadySkipped, outcome)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, store.Entries(), 1)

	in.Strict = true
	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, _, err := ledger.CreateCharge(ctx, tx, in)
		return err
	})
	require.ErrorIs(t, err, ledger.ErrDuplicateReference)
}

func TestCreateChargeRejectsNonPositiveAmount(t *testing.T) {
	store := ledgertest.New()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		_, _, err := ledger.CreateCharge(ctx, tx, ledger.ChargeInput{CustomerID: 1, Amount: decimal.Zero})
		return err
	})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	require.True(t, ledger.IsIntegrity(err))
	require.Empty(t, store.Entries())
}

func TestPaymentMirrorIsNegativeAndUnique(t *testing.T) {
	store := ledgertest.New()
	payment := ledger.Payment{ID: 42, CustomerID: 3, Amount: decimal.NewFromInt(500), Type: ledger.PaymentInitialFee}

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		mirror, outcome, err := ledger.CreatePaymentMirrorEntry(ctx, tx, payment)
		require.NoError(t, err)
		require.Equal(t, ledger.Created, outcome)
		require.Equal(t, ledger.EntryPayment, mirror.Type)
		require.Equal(t, ledger.CategoryInitialFees, mirror.Category)
		require.True(t, mirror.Amount.Equal(decimal.NewFromInt(-500)))

		_, outcome, err = ledger.CreatePaymentMirrorEntry(ctx, tx, payment)
		require.Equal(t, ledger.AlreadySkipped, outcome)
		return err
	}))
	require.Len(t, store.Entries(), 1)
}

func TestReduceRemainingGuardsBalance(t *testing.T) {
	store := ledgertest.New()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		charge, _, err := ledger.CreateCharge(ctx, tx, ledger.ChargeInput{CustomerID: 1, Category: ledger.CategoryRental, Amount: decimal.NewFromInt(100)})
		if err != nil {
			return err
		}
		if err := ledger.ReduceRemaining(ctx, tx, &charge, decimal.NewFromInt(40)); err != nil {
			return err
		}
		require.True(t, charge.RemainingAmount.Equal(decimal.NewFromInt(60)))
		return ledger.ReduceRemaining(ctx, tx, &charge, decimal.NewFromInt(61))
	})
	require.True(t, errors.Is(err, ledger.ErrInsufficientRemaining))
	// The failed unit of work leaves nothing behind.
	require.Empty(t, store.Entries())
}

func TestFineReferenceRoundTrip(t *testing.T) {
	id, ok := ledger.FineIDFromReference(ledger.FineReference(42))
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	_, ok = ledger.FineIDFromReference("RENT-1-2024-01-01")
	require.False(t, ok)
	_, ok = ledger.FineIDFromReference("FINE-abc")
	require.False(t, ok)
}

func TestChargesOfWaivedFinesAreNotOpen(t *testing.T) {
	store := ledgertest.New()
	customer := int64(9)
	fine := store.AddFine(ledger.Fine{CustomerID: &customer, Amount: decimal.NewFromInt(60), Liability: ledger.LiabilityCustomer, Status: ledger.FineWaived})

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		_, _, err := ledger.CreateCharge(ctx, tx, ledger.ChargeInput{
			CustomerID: customer, Category: ledger.CategoryFine, Amount: fine.Amount, Reference: ledger.FineReference(fine.ID),
		})
		if err != nil {
			return err
		}
		open, err := tx.ListOpenCharges(ctx, customer)
		require.Empty(t, open)
		return err
	}))
}
