package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome tags the result of an idempotent insert.
type Outcome int

const (
	Created Outcome = iota + 1
	AlreadySkipped
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadySkipped:
		return "already_skipped"
	}
	return "unknown"
}

const fineRefPrefix = "FINE-"

// FineReference is the charge reference for a fine.
func FineReference(fineID int64) string {
	return fineRefPrefix + strconv.FormatInt(fineID, 10)
}

// FineIDFromReference extracts the fine id from a FINE-{id} reference.
func FineIDFromReference(ref string) (int64, bool) {
	raw, ok := strings.CutPrefix(ref, fineRefPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// RentalReference is the charge reference for one monthly rental charge.
func RentalReference(rentalID int64, due time.Time) string {
	return fmt.Sprintf("RENT-%d-%s", rentalID, due.Format("2006-01-02"))
}

// ChargeInput describes a new charge.
type ChargeInput struct {
	CustomerID int64
	VehicleID  *int64
	RentalID   *int64
	Category   Category
	Amount     decimal.Decimal
	EntryDate  time.Time
	DueDate    *time.Time
	Reference  string
	// Strict makes an existing reference an error. Automated producers leave
	// it unset and get the existing charge back with AlreadySkipped.
	Strict bool
}

// CreateCharge inserts a charge with remaining_amount equal to amount. When a
// charge with the same reference exists it is returned unchanged.
func CreateCharge(ctx context.Context, tx Tx, in ChargeInput) (LedgerEntry, Outcome, error) {
	if !in.Amount.IsPositive() {
		return LedgerEntry{}, 0, fmt.Errorf("create charge %s: %w", in.Amount, ErrInvalidAmount)
	}
	if in.Reference != "" {
		existing, found, err := tx.FindChargeByReference(ctx, in.Reference)
		if err != nil {
			return LedgerEntry{}, 0, err
		}
		if found {
			if in.Strict {
				return existing, AlreadySkipped, fmt.Errorf("charge %q: %w", in.Reference, ErrDuplicateReference)
			}
			return existing, AlreadySkipped, nil
		}
	}
	entry, err := tx.InsertEntry(ctx, LedgerEntry{
		CustomerID:      in.CustomerID,
		VehicleID:       in.VehicleID,
		RentalID:        in.RentalID,
		EntryDate:       in.EntryDate,
		DueDate:         in.DueDate,
		Type:            EntryCharge,
		Category:        in.Category,
		Amount:          in.Amount,
		RemainingAmount: in.Amount,
		Reference:       in.Reference,
	})
	if err != nil {
		return LedgerEntry{}, 0, fmt.Errorf("insert charge: %w", err)
	}
	return entry, Created, nil
}

// CreatePaymentMirrorEntry records the received payment in the ledger as a
// negative Payment entry. One mirror exists per payment.
func CreatePaymentMirrorEntry(ctx context.Context, tx Tx, p Payment) (LedgerEntry, Outcome, error) {
	existing, found, err := tx.FindPaymentMirror(ctx, p.ID)
	if err != nil {
		return LedgerEntry{}, 0, err
	}
	if found {
		return existing, AlreadySkipped, nil
	}
	paymentID := p.ID
	entry, err := tx.InsertEntry(ctx, LedgerEntry{
		CustomerID:      p.CustomerID,
		VehicleID:       p.VehicleID,
		RentalID:        p.RentalID,
		PaymentID:       &paymentID,
		EntryDate:       p.PaymentDate,
		Type:            EntryPayment,
		Category:        p.Type.LedgerCategory(),
		Amount:          p.Amount.Neg(),
		RemainingAmount: decimal.Zero,
	})
	if err != nil {
		return LedgerEntry{}, 0, fmt.Errorf("insert payment mirror: %w", err)
	}
	return entry, Created, nil
}

// ReduceRemaining lowers a charge's balance by amount and persists it. The
// passed entry is updated in place.
func ReduceRemaining(ctx context.Context, tx Tx, charge *LedgerEntry, amount decimal.Decimal) error {
	if charge.Type != EntryCharge {
		return fmt.Errorf("reduce entry %d of type %s: %w", charge.ID, charge.Type, ErrInvalidAmount)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("reduce charge %d by %s: %w", charge.ID, amount, ErrInvalidAmount)
	}
	if amount.GreaterThan(charge.RemainingAmount) {
		return fmt.Errorf("reduce charge %d by %s with %s remaining: %w", charge.ID, amount, charge.RemainingAmount, ErrInsufficientRemaining)
	}
	next := charge.RemainingAmount.Sub(amount)
	if err := tx.UpdateEntryRemaining(ctx, charge.ID, next); err != nil {
		return fmt.Errorf("update charge %d: %w", charge.ID, err)
	}
	charge.RemainingAmount = next
	return nil
}
