// Package allocation distributes payments across open charges, and standing
// credit across new charges, in FIFO order.
package allocation

import "github.com/shopspring/decimal"

// Candidate is one counter-party balance in FIFO order.
type Candidate struct {
	ID        int64
	Remaining decimal.Decimal
}

// Slice is the amount planned against one candidate.
type Slice struct {
	ID     int64
	Amount decimal.Decimal
	Before decimal.Decimal
	After  decimal.Decimal
}

// Plan walks candidates in the given order, taking min(candidate, left) from
// each until amount is exhausted. It returns the planned slices and whatever
// is left over. Candidates with no balance are skipped.
func Plan(amount decimal.Decimal, candidates []Candidate) ([]Slice, decimal.Decimal) {
	left := amount
	var out []Slice
	for _, c := range candidates {
		if !left.IsPositive() {
			break
		}
		if !c.Remaining.IsPositive() {
			continue
		}
		take := decimal.Min(c.Remaining, left)
		out = append(out, Slice{
			ID:     c.ID,
			Amount: take,
			Before: c.Remaining,
			After:  c.Remaining.Sub(take),
		})
		left = left.Sub(take)
	}
	if left.IsNegative() {
		left = decimal.Zero
	}
	return out, left
}
