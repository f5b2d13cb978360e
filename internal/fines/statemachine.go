// Package fines runs the fine lifecycle: charging customer-liability fines to
// the ledger, appeals, and waivers with their P&L reversals.
package fines

import (
	"fmt"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
)

// Action is a requested fine transition.
type Action string

const (
	ActionCharge           Action = "charge"
	ActionWaive            Action = "waive"
	ActionAppeal           Action = "appeal"
	ActionSubmitAppeal     Action = "submit_appeal"
	ActionAppealSuccessful Action = "appeal_successful"
	ActionAppealRejected   Action = "appeal_rejected"
	// actionSettle is taken by the allocation engine when a fine's charge is
	// paid off. It is not available to callers.
	actionSettle Action = "settle"
)

// ParseAction validates a caller-supplied action.
func ParseAction(raw string) (Action, error) {
	switch a := Action(raw); a {
	case ActionCharge, ActionWaive, ActionAppeal, ActionSubmitAppeal, ActionAppealSuccessful, ActionAppealRejected:
		return a, nil
	}
	return "", fmt.Errorf("fines: unknown action %q: %w", raw, ledger.ErrInvalidTransition)
}

// Voids reports whether the action performs waive accounting.
func (a Action) Voids() bool {
	return a == ActionWaive || a == ActionAppealSuccessful
}

var transitions = map[ledger.FineStatus]map[Action]ledger.FineStatus{
	ledger.FineOpen: {
		ActionCharge: ledger.FineCharged,
		ActionWaive:  ledger.FineWaived,
		ActionAppeal: ledger.FineAppealed,
	},
	ledger.FineAppealed: {
		ActionCharge:           ledger.FineCharged,
		ActionWaive:            ledger.FineWaived,
		ActionSubmitAppeal:     ledger.FineAppealSubmitted,
		ActionAppealSuccessful: ledger.FineAppealSuccessful,
	},
	ledger.FineAppealSubmitted: {
		ActionWaive:            ledger.FineWaived,
		ActionAppealSuccessful: ledger.FineAppealSuccessful,
		ActionAppealRejected:   ledger.FineAppealRejected,
	},
	ledger.FineAppealRejected: {
		ActionWaive: ledger.FineWaived,
	},
	ledger.FineCharged: {
		ActionWaive:  ledger.FineWaived,
		actionSettle: ledger.FinePaid,
	},
	ledger.FinePaid: {
		ActionWaive: ledger.FineWaived,
	},
}

// Next returns the status reached by applying action from status.
// Repeating finished work yields ErrAlreadyProcessed; anything else not in
// the table yields ErrInvalidTransition.
func Next(status ledger.FineStatus, action Action) (ledger.FineStatus, error) {
	if to, ok := transitions[status][action]; ok {
		return to, nil
	}
	if status.Voided() {
		return status, fmt.Errorf("fine is %s: %w", status, ledger.ErrAlreadyProcessed)
	}
	if action == ActionCharge && (status == ledger.FineCharged || status == ledger.FinePaid) {
		return status, fmt.Errorf("fine is %s: %w", status, ledger.ErrAlreadyProcessed)
	}
	return status, fmt.Errorf("cannot %s a fine that is %s: %w", action, status, ledger.ErrInvalidTransition)
}
