package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/observability"
	"github.com/fleetdesk/fleetdesk/internal/payments"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
	"github.com/fleetdesk/fleetdesk/internal/shared"
)

// Poster derives P&L postings for a payment after its allocation committed.
type Poster interface {
	PostPayment(ctx context.Context, paymentID int64) error
}

// Invalidator drops cached reporting views.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// SettleFunc is called inside the allocation transaction after a charge's
// balance changes. The fines lifecycle uses it to mark paid-off fines Paid.
type SettleFunc func(ctx context.Context, tx ledger.Tx, charge ledger.LedgerEntry, at time.Time) error

// Result is the outcome of one ApplyPayment run.
type Result struct {
	PaymentID       int64
	Applications    []ledger.PaymentApplication
	AppliedTotal    decimal.Decimal
	RemainingCredit decimal.Decimal
	Status          ledger.PaymentStatus
}

// Credit is the outcome of applying standing credit to one charge.
type Credit struct {
	ChargeID        int64
	Applications    []ledger.PaymentApplication
	Total           decimal.Decimal
	ChargeRemaining decimal.Decimal
}

// Service runs allocations against a ledger.Store.
type Service struct {
	store   ledger.Store
	scope   Scope
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
	poster  Poster
	cache   Invalidator
	audit   shared.AuditRecorder
	settle  SettleFunc
}

// Option configures Service.
type Option func(*Service)

// WithScope sets the matching scope. Defaults to ScopeCustomer.
func WithScope(scope Scope) Option { return func(s *Service) { s.scope = scope } }

// WithClock overrides the clock used for settlement timestamps.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.LedgerMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithPoster sets the P&L poster run after each committed allocation.
func WithPoster(p Poster) Option { return func(s *Service) { s.poster = p } }

// WithInvalidator sets the cache invalidated after each committed allocation.
func WithInvalidator(c Invalidator) Option { return func(s *Service) { s.cache = c } }

// WithAudit sets the audit recorder.
func WithAudit(a shared.AuditRecorder) Option { return func(s *Service) { s.audit = a } }

// WithSettlement sets the hook run when a charge's balance changes.
func WithSettlement(fn SettleFunc) Option { return func(s *Service) { s.settle = fn } }

// NewService constructs Service.
func NewService(store ledger.Store, opts ...Option) *Service {
	s := &Service{store: store, scope: ScopeCustomer, clock: clock.London()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// RecordPayment stores a new payment together with its ledger mirror entry.
func (s *Service) RecordPayment(ctx context.Context, in payments.CreateInput) (ledger.Payment, ledger.Outcome, error) {
	var (
		payment ledger.Payment
		outcome ledger.Outcome
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.LockCustomer(ctx, in.CustomerID); err != nil {
			return err
		}
		var err error
		payment, outcome, err = payments.Create(ctx, tx, in)
		if err != nil {
			return err
		}
		_, _, err = ledger.CreatePaymentMirrorEntry(ctx, tx, payment)
		return err
	})
	if err != nil {
		return ledger.Payment{}, 0, err
	}
	return payment, outcome, nil
}

// ApplyPayment distributes a payment's unapplied credit across the
// customer's open charges, oldest due first. Running it again for the same
// payment applies nothing further.
func (s *Service) ApplyPayment(ctx context.Context, paymentID int64) (Result, error) {
	var res Result
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		res, err = s.applyPayment(ctx, tx, paymentID)
		return err
	})
	s.metrics.ObserveAllocation(observability.DirectionPayment, res.AppliedTotal, err)
	if err != nil {
		if ledger.IsIntegrity(err) {
			s.logger.Error("apply payment integrity failure", slog.Int64("payment_id", paymentID), slog.Any("error", err))
		}
		return Result{}, fmt.Errorf("apply payment %d: %w", paymentID, err)
	}

	s.postPayments(ctx, res.PaymentID)
	s.afterChange(ctx, shared.AuditLog{
		ActorID:  shared.SystemActor,
		Action:   "payment.apply",
		Entity:   "payment",
		EntityID: strconv.FormatInt(paymentID, 10),
		Meta: map[string]any{
			"applied_total":    res.AppliedTotal.String(),
			"remaining_credit": res.RemainingCredit.String(),
			"applications":     len(res.Applications),
		},
	})
	return res, nil
}

func (s *Service) applyPayment(ctx context.Context, tx ledger.Tx, paymentID int64) (Result, error) {
	payment, err := tx.GetPayment(ctx, paymentID)
	if err != nil {
		return Result{}, err
	}
	if err := tx.LockCustomer(ctx, payment.CustomerID); err != nil {
		return Result{}, err
	}
	// Re-read under the customer lock.
	if payment, err = tx.GetPayment(ctx, paymentID); err != nil {
		return Result{}, err
	}
	if _, _, err := ledger.CreatePaymentMirrorEntry(ctx, tx, payment); err != nil {
		return Result{}, err
	}

	res := Result{
		PaymentID:       payment.ID,
		AppliedTotal:    decimal.Zero,
		RemainingCredit: payment.RemainingAmount,
		Status:          payment.Status,
	}
	if !payment.Type.Allocatable() {
		return res, nil
	}

	prior, err := tx.ListApplicationsByPayment(ctx, payment.ID)
	if err != nil {
		return Result{}, err
	}
	applied := decimal.Zero
	paired := make(map[int64]bool, len(prior))
	for _, a := range prior {
		applied = applied.Add(a.AmountApplied)
		paired[a.ChargeEntryID] = true
	}
	available := decimal.Min(payment.RemainingAmount, payment.Amount.Sub(applied))
	if !available.IsPositive() {
		return res, nil
	}

	open, err := tx.ListOpenCharges(ctx, payment.CustomerID)
	if err != nil {
		return Result{}, err
	}
	pool := make([]ledger.LedgerEntry, 0, len(open))
	for _, c := range open {
		if paired[c.ID] || !s.scope.Compatible(payment.RentalID, c.RentalID) {
			continue
		}
		pool = append(pool, c)
	}
	ledger.SortCharges(pool)

	candidates := make([]Candidate, len(pool))
	index := make(map[int64]int, len(pool))
	for i, c := range pool {
		candidates[i] = Candidate{ID: c.ID, Remaining: c.RemainingAmount}
		index[c.ID] = i
	}
	plan, _ := Plan(available, candidates)
	for _, slice := range plan {
		charge := &pool[index[slice.ID]]
		app, outcome, err := s.apply(ctx, tx, &payment, charge, slice.Amount)
		if err != nil {
			return Result{}, err
		}
		if outcome == ledger.Created {
			res.Applications = append(res.Applications, app)
			res.AppliedTotal = res.AppliedTotal.Add(app.AmountApplied)
		}
	}
	res.RemainingCredit = payment.RemainingAmount
	res.Status = payment.Status
	return res, nil
}

// AllocateAvailableCredit applies the customer's standing credit to one
// charge, oldest payment first, until amountNeeded or the credit runs out.
// It runs inside the caller's transaction; the caller must invoke AfterCredit
// once that transaction commits.
func (s *Service) AllocateAvailableCredit(ctx context.Context, tx ledger.Tx, customerID, chargeID int64, amountNeeded decimal.Decimal) (Credit, error) {
	if err := tx.LockCustomer(ctx, customerID); err != nil {
		return Credit{}, err
	}
	charge, err := tx.GetEntry(ctx, chargeID)
	if err != nil {
		return Credit{}, err
	}
	if charge.CustomerID != customerID {
		return Credit{}, fmt.Errorf("charge %d for customer %d: %w", chargeID, customerID, ledger.ErrNotFound)
	}
	credit := Credit{ChargeID: charge.ID, Total: decimal.Zero, ChargeRemaining: charge.RemainingAmount}
	need := decimal.Min(amountNeeded, charge.RemainingAmount)
	if !charge.Open() || !need.IsPositive() {
		return credit, nil
	}

	available, err := tx.ListCreditPayments(ctx, customerID)
	if err != nil {
		return Credit{}, err
	}
	prior, err := tx.ListApplicationsByCharge(ctx, charge.ID)
	if err != nil {
		return Credit{}, err
	}
	paired := make(map[int64]bool, len(prior))
	for _, a := range prior {
		paired[a.PaymentID] = true
	}
	pool := make([]ledger.Payment, 0, len(available))
	for _, p := range available {
		if !p.Type.Allocatable() || paired[p.ID] || !s.scope.Compatible(p.RentalID, charge.RentalID) {
			continue
		}
		pool = append(pool, p)
	}
	ledger.SortCredits(pool)

	candidates := make([]Candidate, len(pool))
	index := make(map[int64]int, len(pool))
	for i, p := range pool {
		candidates[i] = Candidate{ID: p.ID, Remaining: p.RemainingAmount}
		index[p.ID] = i
	}
	plan, _ := Plan(need, candidates)
	for _, slice := range plan {
		app, outcome, err := s.apply(ctx, tx, &pool[index[slice.ID]], &charge, slice.Amount)
		if err != nil {
			return Credit{}, err
		}
		if outcome == ledger.Created {
			credit.Applications = append(credit.Applications, app)
			credit.Total = credit.Total.Add(app.AmountApplied)
		}
	}
	credit.ChargeRemaining = charge.RemainingAmount
	return credit, nil
}

// AfterCredit runs the post-commit work for a committed credit allocation.
func (s *Service) AfterCredit(ctx context.Context, credit Credit) {
	s.metrics.ObserveAllocation(observability.DirectionCredit, credit.Total, nil)
	if len(credit.Applications) == 0 {
		return
	}
	ids := make([]int64, 0, len(credit.Applications))
	for _, a := range credit.Applications {
		ids = append(ids, a.PaymentID)
	}
	s.postPayments(ctx, ids...)
	s.afterChange(ctx, shared.AuditLog{
		ActorID:  shared.SystemActor,
		Action:   "charge.credit_applied",
		Entity:   "ledger_entry",
		EntityID: strconv.FormatInt(credit.ChargeID, 10),
		Meta: map[string]any{
			"applied_total":    credit.Total.String(),
			"charge_remaining": credit.ChargeRemaining.String(),
		},
	})
}

// SweepCredit applies standing credit to an existing charge in its own
// transaction.
func (s *Service) SweepCredit(ctx context.Context, chargeID int64) (Credit, error) {
	var credit Credit
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		charge, err := tx.GetEntry(ctx, chargeID)
		if err != nil {
			return err
		}
		if charge.Type != ledger.EntryCharge {
			return fmt.Errorf("entry %d is a %s: %w", chargeID, charge.Type, ledger.ErrNotFound)
		}
		credit, err = s.AllocateAvailableCredit(ctx, tx, charge.CustomerID, charge.ID, charge.RemainingAmount)
		return err
	})
	if err != nil {
		s.metrics.ObserveAllocation(observability.DirectionCredit, decimal.Zero, err)
		return Credit{}, fmt.Errorf("sweep credit for charge %d: %w", chargeID, err)
	}
	s.AfterCredit(ctx, credit)
	return credit, nil
}

// Applications lists the application rows recorded for a payment.
func (s *Service) Applications(ctx context.Context, paymentID int64) ([]ledger.PaymentApplication, error) {
	var apps []ledger.PaymentApplication
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.GetPayment(ctx, paymentID); err != nil {
			return err
		}
		var err error
		apps, err = tx.ListApplicationsByPayment(ctx, paymentID)
		return err
	})
	return apps, err
}

// apply moves amount from payment onto charge, skipping pairs that already
// have an application.
func (s *Service) apply(ctx context.Context, tx ledger.Tx, payment *ledger.Payment, charge *ledger.LedgerEntry, amount decimal.Decimal) (ledger.PaymentApplication, ledger.Outcome, error) {
	existing, found, err := tx.FindApplication(ctx, payment.ID, charge.ID)
	if err != nil {
		return ledger.PaymentApplication{}, 0, err
	}
	if found {
		return existing, ledger.AlreadySkipped, nil
	}
	app, err := tx.InsertApplication(ctx, ledger.PaymentApplication{
		PaymentID:     payment.ID,
		ChargeEntryID: charge.ID,
		AmountApplied: amount,
	})
	if err != nil {
		return ledger.PaymentApplication{}, 0, fmt.Errorf("insert application: %w", err)
	}
	if err := ledger.ReduceRemaining(ctx, tx, charge, amount); err != nil {
		return ledger.PaymentApplication{}, 0, err
	}
	if err := payments.ReduceRemaining(ctx, tx, payment, amount); err != nil {
		return ledger.PaymentApplication{}, 0, err
	}
	if s.settle != nil {
		if err := s.settle(ctx, tx, *charge, s.now()); err != nil {
			return ledger.PaymentApplication{}, 0, fmt.Errorf("settle charge %d: %w", charge.ID, err)
		}
	}
	return app, ledger.Created, nil
}

func (s *Service) postPayments(ctx context.Context, paymentIDs ...int64) {
	if s.poster == nil {
		return
	}
	seen := make(map[int64]bool, len(paymentIDs))
	for _, id := range paymentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := s.poster.PostPayment(ctx, id); err != nil {
			s.logger.Error("post payment pnl", slog.Int64("payment_id", id), slog.Any("error", err))
		}
	}
}

func (s *Service) afterChange(ctx context.Context, log shared.AuditLog) {
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("bump reporting cache", slog.Any("error", err))
		}
	}
	if s.audit != nil {
		log.At = s.now()
		if err := s.audit.Record(ctx, log); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("record audit", slog.String("action", log.Action), slog.Any("error", err))
		}
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now()
}
