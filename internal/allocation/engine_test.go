package allocation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPlanFillsInOrder(t *testing.T) {
	slices, left := Plan(d("1500"), []Candidate{
		{ID: 1, Remaining: d("1000")},
		{ID: 2, Remaining: d("1000")},
		{ID: 3, Remaining: d("1000")},
	})
	require.Len(t, slices, 2)
	require.EqualValues(t, 1, slices[0].ID)
	require.True(t, slices[0].Amount.Equal(d("1000")))
	require.True(t, slices[0].After.IsZero())
	require.EqualValues(t, 2, slices[1].ID)
	require.True(t, slices[1].Amount.Equal(d("500")))
	require.True(t, slices[1].After.Equal(d("500")))
	require.True(t, left.IsZero())
}

func TestPlanLeavesCredit(t *testing.T) {
	slices, left := Plan(d("250.50"), []Candidate{
		{ID: 1, Remaining: d("0")},
		{ID: 2, Remaining: d("100.25")},
	})
	require.Len(t, slices, 1)
	require.EqualValues(t, 2, slices[0].ID)
	require.True(t, left.Equal(d("150.25")))
}

func TestPlanNothingToAllocate(t *testing.T) {
	slices, left := Plan(d("0"), []Candidate{{ID: 1, Remaining: d("10")}})
	require.Empty(t, slices)
	require.True(t, left.IsZero())

	slices, left = Plan(d("10"), nil)
	require.Empty(t, slices)
	require.True(t, left.Equal(d("10")))
}

func TestScope(t *testing.T) {
	one, two := int64(1), int64(2)

	s, err := ParseScope("")
	require.NoError(t, err)
	require.Equal(t, ScopeCustomer, s)
	require.True(t, s.Compatible(&one, &two))
	require.True(t, s.Compatible(nil, &two))

	s, err = ParseScope("rental")
	require.NoError(t, err)
	require.True(t, s.Compatible(&one, &one))
	require.False(t, s.Compatible(&one, &two))
	require.True(t, s.Compatible(nil, &two))
	require.False(t, s.Compatible(&one, nil))
	require.True(t, s.Compatible(nil, nil))

	_, err = ParseScope("fleet")
	require.Error(t, err)
}
