// Package payments manages payment records and their unapplied credit.
package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
)

// CreateInput describes a received payment.
type CreateInput struct {
	CustomerID     int64
	Amount         decimal.Decimal
	PaymentDate    time.Time
	Type           ledger.PaymentType
	RentalID       *int64
	VehicleID      *int64
	Method         string
	IdempotencyKey string
}

// DeriveStatus computes a payment's status from its balances.
func DeriveStatus(amount, remaining decimal.Decimal) ledger.PaymentStatus {
	switch {
	case remaining.IsZero():
		return ledger.PaymentApplied
	case remaining.LessThan(amount):
		return ledger.PaymentPartial
	default:
		return ledger.PaymentCredit
	}
}

// Create records a payment with its full amount as unapplied credit. A
// repeated idempotency key returns the original payment with AlreadySkipped.
func Create(ctx context.Context, tx ledger.Tx, in CreateInput) (ledger.Payment, ledger.Outcome, error) {
	if !in.Amount.IsPositive() {
		return ledger.Payment{}, 0, fmt.Errorf("create payment %s: %w", in.Amount, ledger.ErrInvalidAmount)
	}
	if !in.Type.Valid() {
		return ledger.Payment{}, 0, fmt.Errorf("create payment: unknown type %q", in.Type)
	}
	if in.IdempotencyKey != "" {
		existing, found, err := tx.FindPaymentByKey(ctx, in.IdempotencyKey)
		if err != nil {
			return ledger.Payment{}, 0, err
		}
		if found {
			return existing, ledger.AlreadySkipped, nil
		}
	}
	method := strings.TrimSpace(in.Method)
	if method == "" {
		method = "Cash"
	}
	p, err := tx.InsertPayment(ctx, ledger.Payment{
		CustomerID:      in.CustomerID,
		RentalID:        in.RentalID,
		VehicleID:       in.VehicleID,
		Amount:          in.Amount,
		PaymentDate:     in.PaymentDate,
		Type:            in.Type,
		Method:          method,
		RemainingAmount: in.Amount,
		Status:          ledger.PaymentCredit,
		IdempotencyKey:  in.IdempotencyKey,
	})
	if err != nil {
		return ledger.Payment{}, 0, fmt.Errorf("insert payment: %w", err)
	}
	return p, ledger.Created, nil
}

// ReduceRemaining consumes amount of a payment's credit, recomputes its
// status and persists both. The passed payment is updated in place.
func ReduceRemaining(ctx context.Context, tx ledger.Tx, p *ledger.Payment, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("reduce payment %d by %s: %w", p.ID, amount, ledger.ErrInvalidAmount)
	}
	if amount.GreaterThan(p.RemainingAmount) {
		return fmt.Errorf("reduce payment %d by %s with %s remaining: %w", p.ID, amount, p.RemainingAmount, ledger.ErrInsufficientRemaining)
	}
	remaining := p.RemainingAmount.Sub(amount)
	status := DeriveStatus(p.Amount, remaining)
	if err := tx.UpdatePaymentBalance(ctx, p.ID, remaining, status); err != nil {
		return fmt.Errorf("update payment %d: %w", p.ID, err)
	}
	p.RemainingAmount = remaining
	p.Status = status
	return nil
}
