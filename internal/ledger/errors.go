package ledger

import "errors"

var (
	// ErrNotFound indicates an unknown payment, fine, charge or rental id.
	ErrNotFound = errors.New("ledger: not found")
	// ErrAlreadyProcessed indicates the requested work has already happened.
	ErrAlreadyProcessed = errors.New("ledger: already processed")
	// ErrInvalidTransition rejects a fine action not allowed from its status.
	ErrInvalidTransition = errors.New("ledger: invalid transition")
	// ErrNotCustomerLiability rejects charging a business-liability fine.
	ErrNotCustomerLiability = errors.New("ledger: fine is not customer liability")
	// ErrNoCustomerAssigned rejects charging a fine with no customer.
	ErrNoCustomerAssigned = errors.New("ledger: fine has no customer assigned")
	// ErrAuthorityPaymentExists blocks waiving a fine already paid to the authority.
	ErrAuthorityPaymentExists = errors.New("ledger: authority payment exists, charge the customer instead")
	// ErrInsufficientRemaining means a reduction exceeded the balance. Indicates a bug.
	ErrInsufficientRemaining = errors.New("ledger: insufficient remaining amount")
	// ErrInvalidAmount rejects zero, negative or otherwise unusable amounts.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrDuplicateReference reports an existing charge with the same reference.
	ErrDuplicateReference = errors.New("ledger: duplicate reference")
)

// IsIntegrity reports whether err signals broken ledger invariants rather
// than a caller mistake.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrInsufficientRemaining) || errors.Is(err, ErrInvalidAmount)
}
