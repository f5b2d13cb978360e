package fines

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/fleetdesk/fleetdesk/internal/allocation"
	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/observability"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
	"github.com/fleetdesk/fleetdesk/internal/pnl"
	"github.com/fleetdesk/fleetdesk/internal/shared"
)

// CreditAllocator applies standing customer credit to a new charge.
type CreditAllocator interface {
	AllocateAvailableCredit(ctx context.Context, tx ledger.Tx, customerID, chargeID int64, amountNeeded decimal.Decimal) (allocation.Credit, error)
	AfterCredit(ctx context.Context, credit allocation.Credit)
}

// Poster derives fine postings after a transition committed.
type Poster interface {
	PostFineCharged(ctx context.Context, fineID int64) error
	ReverseFine(ctx context.Context, fineID int64) (pnl.Reversal, error)
}

// Invalidator drops cached reporting views.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Result reports a fine's state after an action.
type Result struct {
	FineID          int64
	Status          ledger.FineStatus
	ChargeID        int64
	ChargedAmount   decimal.Decimal
	RemainingAmount decimal.Decimal
}

// Deps groups Service collaborators.
type Deps struct {
	Store   ledger.Store
	Credit  CreditAllocator
	Poster  Poster
	Cache   Invalidator
	Audit   shared.AuditRecorder
	Metrics *observability.LedgerMetrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Service applies lifecycle actions to fines.
type Service struct {
	Deps
}

// NewService constructs Service.
func NewService(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.London()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{Deps: deps}
}

// Apply runs action against the fine.
func (s *Service) Apply(ctx context.Context, fineID int64, action Action) (Result, error) {
	var (
		res Result
		err error
	)
	switch {
	case action == ActionCharge:
		res, err = s.charge(ctx, fineID)
	case action.Voids():
		res, err = s.void(ctx, fineID, action)
	default:
		res, err = s.transition(ctx, fineID, action)
	}
	s.Metrics.ObserveFineAction(string(action), err)
	if err != nil {
		return Result{}, fmt.Errorf("fine %d %s: %w", fineID, action, err)
	}
	s.afterChange(ctx, fineID, action, res)
	return res, nil
}

func (s *Service) charge(ctx context.Context, fineID int64) (Result, error) {
	var (
		res    Result
		credit allocation.Credit
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		fine, err := tx.GetFine(ctx, fineID)
		if err != nil {
			return err
		}
		next, err := Next(fine.Status, ActionCharge)
		if err != nil {
			return err
		}
		if fine.Liability != ledger.LiabilityCustomer {
			return ledger.ErrNotCustomerLiability
		}
		if fine.CustomerID == nil {
			return ledger.ErrNoCustomerAssigned
		}
		customerID := *fine.CustomerID
		if err := tx.LockCustomer(ctx, customerID); err != nil {
			return err
		}

		now := s.Clock.Now()
		due := fine.DueDate
		vehicle := fine.VehicleID
		charge, _, err := ledger.CreateCharge(ctx, tx, ledger.ChargeInput{
			CustomerID: customerID,
			VehicleID:  &vehicle,
			Category:   ledger.CategoryFine,
			Amount:     fine.Amount,
			EntryDate:  clock.DateOf(now),
			DueDate:    &due,
			Reference:  ledger.FineReference(fine.ID),
		})
		if err != nil {
			return err
		}
		credit, err = s.Credit.AllocateAvailableCredit(ctx, tx, customerID, charge.ID, charge.RemainingAmount)
		if err != nil {
			return err
		}

		fine.Status = next
		fine.ChargedAt = &now
		if credit.ChargeRemaining.IsZero() {
			fine.Status = ledger.FinePaid
			fine.ResolvedAt = &now
		}
		if err := tx.UpdateFine(ctx, fine); err != nil {
			return err
		}
		res = Result{
			FineID:          fine.ID,
			Status:          fine.Status,
			ChargeID:        charge.ID,
			ChargedAmount:   charge.Amount,
			RemainingAmount: credit.ChargeRemaining,
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	// Posting failures are repaired by the backfill job.
	if s.Poster != nil {
		if err := s.Poster.PostFineCharged(ctx, fineID); err != nil {
			s.Logger.Error("post fine cost", slog.Int64("fine_id", fineID), slog.Any("error", err))
		}
	}
	s.Credit.AfterCredit(ctx, credit)
	return res, nil
}

func (s *Service) void(ctx context.Context, fineID int64, action Action) (Result, error) {
	var res Result
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		fine, err := tx.GetFine(ctx, fineID)
		if err != nil {
			return err
		}
		next, err := Next(fine.Status, action)
		if err != nil {
			return err
		}
		if action == ActionWaive {
			n, err := tx.CountAuthorityPayments(ctx, fine.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return ledger.ErrAuthorityPaymentExists
			}
		}
		now := s.Clock.Now()
		fine.Status = next
		fine.WaivedAt = &now
		fine.ResolvedAt = &now
		if err := tx.UpdateFine(ctx, fine); err != nil {
			return err
		}
		res, err = resultFor(ctx, tx, fine)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if s.Poster != nil {
		rev, err := s.Poster.ReverseFine(ctx, fineID)
		if err != nil {
			s.Logger.Error("reverse fine postings", slog.Int64("fine_id", fineID), slog.Any("error", err))
		} else if rev.CostRemoved || len(rev.Refunds) > 0 {
			s.Logger.Info("fine postings reversed", slog.Int64("fine_id", fineID),
				slog.Bool("cost_removed", rev.CostRemoved), slog.Int("refunds", len(rev.Refunds)))
		}
	}
	return res, nil
}

func (s *Service) transition(ctx context.Context, fineID int64, action Action) (Result, error) {
	var res Result
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		fine, err := tx.GetFine(ctx, fineID)
		if err != nil {
			return err
		}
		next, err := Next(fine.Status, action)
		if err != nil {
			return err
		}
		if action == ActionAppeal {
			now := s.Clock.Now()
			fine.AppealedAt = &now
		}
		fine.Status = next
		if err := tx.UpdateFine(ctx, fine); err != nil {
			return err
		}
		res, err = resultFor(ctx, tx, fine)
		return err
	})
	return res, err
}

func resultFor(ctx context.Context, tx ledger.Tx, fine ledger.Fine) (Result, error) {
	res := Result{FineID: fine.ID, Status: fine.Status, ChargedAmount: decimal.Zero, RemainingAmount: decimal.Zero}
	charge, found, err := tx.FindChargeByReference(ctx, ledger.FineReference(fine.ID))
	if err != nil {
		return Result{}, err
	}
	if found {
		res.ChargeID = charge.ID
		res.ChargedAmount = charge.Amount
		res.RemainingAmount = charge.RemainingAmount
	}
	return res, nil
}

func (s *Service) afterChange(ctx context.Context, fineID int64, action Action, res Result) {
	if s.Cache != nil {
		if err := s.Cache.Bump(ctx); err != nil {
			s.Logger.Warn("bump reporting cache", slog.Any("error", err))
		}
	}
	if s.Audit == nil {
		return
	}
	err := s.Audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.SystemActor,
		Action:   "fine." + string(action),
		Entity:   "fine",
		EntityID: strconv.FormatInt(fineID, 10),
		Meta: map[string]any{
			"status":    string(res.Status),
			"remaining": res.RemainingAmount.String(),
		},
		At: s.Clock.Now(),
	})
	if err != nil {
		s.Logger.Warn("record audit", slog.Int64("fine_id", fineID), slog.Any("error", err))
	}
}

// State reports a fine's status and the amounts on its charge, if any.
func (s *Service) State(ctx context.Context, fineID int64) (Result, error) {
	var res Result
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		fine, err := tx.GetFine(ctx, fineID)
		if err != nil {
			return err
		}
		res, err = resultFor(ctx, tx, fine)
		return err
	})
	return res, err
}

// Get loads a fine.
func (s *Service) Get(ctx context.Context, fineID int64) (ledger.Fine, error) {
	var fine ledger.Fine
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		fine, err = tx.GetFine(ctx, fineID)
		return err
	})
	return fine, err
}

