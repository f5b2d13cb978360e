package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store runs units of work against ledger state. fn either commits as a
// whole or leaves no trace; implementations may re-run fn on serialization
// conflicts, so fn must not have side effects outside the Tx.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// EntryRepository persists ledger entries.
type EntryRepository interface {
	InsertEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error)
	// GetEntry loads and locks an entry.
	GetEntry(ctx context.Context, id int64) (LedgerEntry, error)
	FindChargeByReference(ctx context.Context, reference string) (LedgerEntry, bool, error)
	FindPaymentMirror(ctx context.Context, paymentID int64) (LedgerEntry, bool, error)
	// ListOpenCharges returns collectable charges with a positive balance, unsorted.
	ListOpenCharges(ctx context.Context, customerID int64) ([]LedgerEntry, error)
	ListCustomerEntries(ctx context.Context, customerID int64) ([]LedgerEntry, error)
	UpdateEntryRemaining(ctx context.Context, id int64, remaining decimal.Decimal) error
}

// PaymentRepository persists payment records.
type PaymentRepository interface {
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	// GetPayment loads and locks a payment.
	GetPayment(ctx context.Context, id int64) (Payment, error)
	FindPaymentByKey(ctx context.Context, key string) (Payment, bool, error)
	// ListCreditPayments returns Credit/Partial payments with a positive balance, unsorted.
	ListCreditPayments(ctx context.Context, customerID int64) ([]Payment, error)
	ListCustomerPayments(ctx context.Context, customerID int64) ([]Payment, error)
	// ListPaymentsActiveSince returns payments dated on or after since, plus
	// older payments with an application created on or after since.
	ListPaymentsActiveSince(ctx context.Context, since time.Time) ([]Payment, error)
	UpdatePaymentBalance(ctx context.Context, id int64, remaining decimal.Decimal, status PaymentStatus) error
}

// ApplicationRepository persists payment applications.
type ApplicationRepository interface {
	FindApplication(ctx context.Context, paymentID, chargeID int64) (PaymentApplication, bool, error)
	InsertApplication(ctx context.Context, a PaymentApplication) (PaymentApplication, error)
	ListApplicationsByPayment(ctx context.Context, paymentID int64) ([]PaymentApplication, error)
	ListApplicationsByCharge(ctx context.Context, chargeID int64) ([]PaymentApplication, error)
}

// PnLRepository persists P&L postings keyed by idempotency key.
type PnLRepository interface {
	PnLExists(ctx context.Context, key uuid.UUID) (bool, error)
	InsertPnL(ctx context.Context, e PnLEntry) (PnLEntry, error)
	DeletePnL(ctx context.Context, key uuid.UUID) (bool, error)
	ListVehiclePnL(ctx context.Context, vehicleID int64) ([]PnLEntry, error)
}

// FineRepository persists fines and authority payments.
type FineRepository interface {
	// GetFine loads and locks a fine.
	GetFine(ctx context.Context, id int64) (Fine, error)
	UpdateFine(ctx context.Context, f Fine) error
	ListFinesByStatus(ctx context.Context, statuses ...FineStatus) ([]Fine, error)
	CountAuthorityPayments(ctx context.Context, fineID int64) (int, error)
}

// RentalRepository reads rental agreements.
type RentalRepository interface {
	GetRental(ctx context.Context, id int64) (Rental, error)
	ListActiveRentals(ctx context.Context) ([]Rental, error)
}

// Tx is the transactional view over all ledger relations.
type Tx interface {
	// LockCustomer serialises allocation runs for one customer until the
	// transaction ends.
	LockCustomer(ctx context.Context, customerID int64) error

	EntryRepository
	PaymentRepository
	ApplicationRepository
	PnLRepository
	FineRepository
	RentalRepository
}
