// Package ledger holds the customer ledger: charge and payment entries with
// running remaining balances, the payment records that fund them, the
// application audit trail between the two and the derived P&L postings.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType distinguishes charges from mirrored payments.
type EntryType string

const (
	EntryCharge  EntryType = "Charge"
	EntryPayment EntryType = "Payment"
)

// Category classifies a ledger entry. It is not used for FIFO matching.
type Category string

const (
	CategoryRental      Category = "Rental"
	CategoryInitialFees Category = "Initial Fees"
	CategoryFine        Category = "Fine"
)

// PaymentType records what the customer said a payment was for.
type PaymentType string

const (
	PaymentRental     PaymentType = "Rental"
	PaymentInitialFee PaymentType = "InitialFee"
	PaymentFine       PaymentType = "Fine"
)

// Valid reports whether t is a known payment type.
func (t PaymentType) Valid() bool {
	switch t {
	case PaymentRental, PaymentInitialFee, PaymentFine:
		return true
	}
	return false
}

// Allocatable reports whether payments of this type may settle charges.
// Initial fees are recorded as revenue and mirrored in the ledger but never
// enter the charge matching pool.
func (t PaymentType) Allocatable() bool {
	return t != PaymentInitialFee
}

// LedgerCategory maps a payment type onto the category of its mirror entry.
func (t PaymentType) LedgerCategory() Category {
	switch t {
	case PaymentInitialFee:
		return CategoryInitialFees
	case PaymentFine:
		return CategoryFine
	default:
		return CategoryRental
	}
}

// PaymentStatus is derived from amount and remaining_amount.
type PaymentStatus string

const (
	PaymentApplied PaymentStatus = "Applied"
	PaymentPartial PaymentStatus = "Partial"
	PaymentCredit  PaymentStatus = "Credit"
)

// FineStatus enumerates the fine lifecycle states.
type FineStatus string

const (
	FineOpen             FineStatus = "Open"
	FineAppealed         FineStatus = "Appealed"
	FineAppealSubmitted  FineStatus = "Appeal Submitted"
	FineAppealSuccessful FineStatus = "Appeal Successful"
	FineAppealRejected   FineStatus = "Appeal Rejected"
	FineCharged          FineStatus = "Charged"
	FinePaid             FineStatus = "Paid"
	FineWaived           FineStatus = "Waived"
)

// Voided reports whether a fine in this status no longer expects collection.
func (s FineStatus) Voided() bool {
	return s == FineWaived || s == FineAppealSuccessful
}

// Liability names who owes a fine.
type Liability string

const (
	LiabilityCustomer Liability = "Customer"
	LiabilityBusiness Liability = "Business"
)

// PnLSide is the side of a P&L posting.
type PnLSide string

const (
	SideRevenue PnLSide = "Revenue"
	SideCost    PnLSide = "Cost"
)

// P&L categories.
const (
	PnLInitialFees = "Initial Fees"
	PnLRental      = "Rental"
	PnLFines       = "Fines"
)

// RentalStatus of an agreement.
type RentalStatus string

const (
	RentalActive RentalStatus = "Active"
	RentalClosed RentalStatus = "Closed"
)

// VehicleStatus of a fleet asset.
type VehicleStatus string

const (
	VehicleAvailable   VehicleStatus = "Available"
	VehicleRented      VehicleStatus = "Rented"
	VehicleMaintenance VehicleStatus = "Maintenance"
	VehicleSold        VehicleStatus = "Sold"
)

// Customer owns rentals, payments, fines and ledger entries.
type Customer struct {
	ID     int64
	Name   string
	Email  string
	Phone  string
	Status string
}

// Vehicle is a fleet asset targeted by ledger and P&L entries.
type Vehicle struct {
	ID            int64
	Registration  string
	Status        VehicleStatus
	PurchasePrice decimal.Decimal
	AcquiredOn    *time.Time
}

// Rental links a customer to a vehicle for [StartDate, EndDate).
type Rental struct {
	ID            int64
	CustomerID    int64
	VehicleID     int64
	StartDate     time.Time
	EndDate       *time.Time
	MonthlyAmount decimal.Decimal
	Status        RentalStatus
}

// LedgerEntry is a charge, or the mirror of a received payment.
type LedgerEntry struct {
	ID              int64
	CustomerID      int64
	VehicleID       *int64
	RentalID        *int64
	PaymentID       *int64
	EntryDate       time.Time
	DueDate         *time.Time
	Type            EntryType
	Category        Category
	Amount          decimal.Decimal
	RemainingAmount decimal.Decimal
	Reference       string
	// Voided is set on reads when the charge belongs to a waived fine. Such
	// charges keep their balances as history but are never collected.
	Voided    bool
	CreatedAt time.Time
}

// Open reports whether the entry is a collectable charge with a balance.
func (e LedgerEntry) Open() bool {
	return e.Type == EntryCharge && !e.Voided && e.RemainingAmount.IsPositive()
}

// Payment is cash received from a customer.
type Payment struct {
	ID              int64
	CustomerID      int64
	RentalID        *int64
	VehicleID       *int64
	Amount          decimal.Decimal
	PaymentDate     time.Time
	Type            PaymentType
	Method          string
	RemainingAmount decimal.Decimal
	Status          PaymentStatus
	IdempotencyKey  string
	CreatedAt       time.Time
}

// PaymentApplication records value moved from a payment onto a charge.
type PaymentApplication struct {
	ID            int64
	PaymentID     int64
	ChargeEntryID int64
	AmountApplied decimal.Decimal
	CreatedAt     time.Time
}

// PnLEntry is a derived revenue or cost posting.
type PnLEntry struct {
	ID             int64
	VehicleID      *int64
	CustomerID     *int64
	EntryDate      time.Time
	Side           PnLSide
	Category       string
	Amount         decimal.Decimal
	SourceRef      string
	IdempotencyKey uuid.UUID
	CreatedAt      time.Time
}

// Fine is a penalty notice against a vehicle.
type Fine struct {
	ID         int64
	CustomerID *int64
	VehicleID  int64
	Type       string
	Amount     decimal.Decimal
	IssueDate  time.Time
	DueDate    time.Time
	Liability  Liability
	Status     FineStatus
	ChargedAt  *time.Time
	AppealedAt *time.Time
	WaivedAt   *time.Time
	ResolvedAt *time.Time
}

// AuthorityPayment is money paid to the issuing authority for a fine.
type AuthorityPayment struct {
	ID          int64
	FineID      int64
	Amount      decimal.Decimal
	PaymentDate time.Time
}
