package fines

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
)

func TestNextTable(t *testing.T) {
	cases := []struct {
		from   ledger.FineStatus
		action Action
		want   ledger.FineStatus
		err    error
	}{
		{ledger.FineOpen, ActionCharge, ledger.FineCharged, nil},
		{ledger.FineOpen, ActionWaive, ledger.FineWaived, nil},
		{ledger.FineOpen, ActionAppeal, ledger.FineAppealed, nil},
		{ledger.FineOpen, ActionSubmitAppeal, "", ledger.ErrInvalidTransition},
		{ledger.FineAppealed, ActionCharge, ledger.FineCharged, nil},
		{ledger.FineAppealed, ActionAppeal, "", ledger.ErrInvalidTransition},
		{ledger.FineAppealed, ActionSubmitAppeal, ledger.FineAppealSubmitted, nil},
		{ledger.FineAppealed, ActionAppealSuccessful, ledger.FineAppealSuccessful, nil},
		{ledger.FineAppealSubmitted, ActionAppealRejected, ledger.FineAppealRejected, nil},
		{ledger.FineAppealSubmitted, ActionCharge, "", ledger.ErrInvalidTransition},
		{ledger.FineAppealRejected, ActionCharge, "", ledger.ErrInvalidTransition},
		{ledger.FineAppealRejected, ActionWaive, ledger.FineWaived, nil},
		{ledger.FineCharged, ActionCharge, "", ledger.ErrAlreadyProcessed},
		{ledger.FineCharged, ActionAppeal, "", ledger.ErrInvalidTransition},
		{ledger.FineCharged, ActionWaive, ledger.FineWaived, nil},
		{ledger.FinePaid, ActionCharge, "", ledger.ErrAlreadyProcessed},
		{ledger.FinePaid, ActionWaive, ledger.FineWaived, nil},
		{ledger.FineWaived, ActionWaive, "", ledger.ErrAlreadyProcessed},
		{ledger.FineWaived, ActionCharge, "", ledger.ErrAlreadyProcessed},
		{ledger.FineAppealSuccessful, ActionWaive, "", ledger.ErrAlreadyProcessed},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.action)
		if tc.err != nil {
			require.Truef(t, errors.Is(err, tc.err), "%s %s: got %v", tc.from, tc.action, err)
			continue
		}
		require.NoErrorf(t, err, "%s %s", tc.from, tc.action)
		require.Equal(t, tc.want, got)
	}
}

func TestSettleIsInternal(t *testing.T) {
	_, err := ParseAction("settle")
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	to, err := Next(ledger.FineCharged, actionSettle)
	require.NoError(t, err)
	require.Equal(t, ledger.FinePaid, to)

	_, err = Next(ledger.FineOpen, actionSettle)
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestParseAction(t *testing.T) {
	for _, raw := range []string{"charge", "waive", "appeal", "submit_appeal", "appeal_successful", "appeal_rejected"} {
		a, err := ParseAction(raw)
		require.NoError(t, err)
		require.Equal(t, Action(raw), a)
	}
	_, err := ParseAction("delete")
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)
	require.True(t, ActionAppealSuccessful.Voids())
	require.False(t, ActionAppeal.Voids())
}
