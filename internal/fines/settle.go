package fines

import (
	"context"
	"time"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
)

// Settle moves a Charged fine to Paid once its charge has no balance left.
// It is a no-op for non-fine charges, charges with a balance and fines in
// any other status.
func Settle(ctx context.Context, tx ledger.Tx, charge ledger.LedgerEntry, at time.Time) error {
	if charge.Category != ledger.CategoryFine || !charge.RemainingAmount.IsZero() {
		return nil
	}
	fineID, ok := ledger.FineIDFromReference(charge.Reference)
	if !ok {
		return nil
	}
	fine, err := tx.GetFine(ctx, fineID)
	if err != nil {
		return err
	}
	if fine.Status != ledger.FineCharged {
		return nil
	}
	next, err := Next(fine.Status, actionSettle)
	if err != nil {
		return err
	}
	fine.Status = next
	fine.ResolvedAt = &at
	return tx.UpdateFine(ctx, fine)
}
