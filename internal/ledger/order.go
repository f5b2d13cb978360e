package ledger

import (
	"slices"
	"time"
)

// FIFOKey is the total order used by both allocation directions. Entries sort
// by due date (missing due dates last), then entry date, then insertion
// sequence.
type FIFOKey struct {
	Due     *time.Time
	Entered time.Time
	Seq     int64
}

// Compare returns -1, 0 or +1.
func (k FIFOKey) Compare(o FIFOKey) int {
	switch {
	case k.Due != nil && o.Due == nil:
		return -1
	case k.Due == nil && o.Due != nil:
		return 1
	case k.Due != nil && o.Due != nil:
		if c := k.Due.Compare(*o.Due); c != 0 {
			return c
		}
	}
	if c := k.Entered.Compare(o.Entered); c != 0 {
		return c
	}
	switch {
	case k.Seq < o.Seq:
		return -1
	case k.Seq > o.Seq:
		return 1
	}
	return 0
}

// ChargeKey orders charges for payment-initiated allocation.
func ChargeKey(e LedgerEntry) FIFOKey {
	return FIFOKey{Due: e.DueDate, Entered: e.EntryDate, Seq: e.ID}
}

// CreditKey orders credit-bearing payments for charge-initiated allocation.
// Payments carry no due date so they order by payment date, then id.
func CreditKey(p Payment) FIFOKey {
	return FIFOKey{Entered: p.PaymentDate, Seq: p.ID}
}

// SortCharges orders charges oldest-due first.
func SortCharges(entries []LedgerEntry) {
	slices.SortStableFunc(entries, func(a, b LedgerEntry) int {
		return ChargeKey(a).Compare(ChargeKey(b))
	})
}

// SortCredits orders payments oldest first.
func SortCredits(payments []Payment) {
	slices.SortStableFunc(payments, func(a, b Payment) int {
		return CreditKey(a).Compare(CreditKey(b))
	})
}
