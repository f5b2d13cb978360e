package allocation

import "fmt"

// Scope decides which payments and charges may be matched. The same rule is
// applied in both allocation directions.
type Scope string

const (
	// ScopeCustomer matches any of a customer's charges and credit.
	ScopeCustomer Scope = "customer"
	// ScopeRental keeps a payment tied to a rental on that rental's charges.
	// A payment without a rental may settle any of the customer's charges.
	ScopeRental Scope = "rental"
)

// ParseScope validates a configured scope. Empty selects ScopeCustomer.
func ParseScope(raw string) (Scope, error) {
	switch Scope(raw) {
	case "", ScopeCustomer:
		return ScopeCustomer, nil
	case ScopeRental:
		return ScopeRental, nil
	}
	return "", fmt.Errorf("allocation: unknown scope %q", raw)
}

// Compatible reports whether a payment tied to paymentRental may settle a
// charge tied to chargeRental.
func (s Scope) Compatible(paymentRental, chargeRental *int64) bool {
	if s != ScopeRental {
		return true
	}
	if paymentRental == nil {
		return true
	}
	if chargeRental == nil {
		return false
	}
	return *paymentRental == *chargeRental
}
