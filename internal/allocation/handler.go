package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/payments"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
	"github.com/fleetdesk/fleetdesk/internal/platform/httpx"
)

// Enqueuer schedules an allocation run on the worker instead of running it
// in the request.
type Enqueuer interface {
	EnqueueApplyPayment(ctx context.Context, paymentID int64) error
}

// Handler wires HTTP endpoints for payments and credit sweeps.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	enqueuer  Enqueuer
	validator *validator.Validate
}

// NewHandler constructs a Handler. A nil enqueuer applies new payments
// synchronously.
func NewHandler(logger *slog.Logger, service *Service, enqueuer Enqueuer) *Handler {
	return &Handler{logger: logger, service: service, enqueuer: enqueuer, validator: validator.New()}
}

// MountPaymentRoutes registers payment routes on provided router.
func (h *Handler) MountPaymentRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Post("/{id}/apply", h.handleApply)
	r.Get("/{id}/applications", h.handleApplications)
}

// MountChargeRoutes registers charge routes on provided router.
func (h *Handler) MountChargeRoutes(r chi.Router) {
	r.Post("/{id}/sweep-credit", h.handleSweep)
}

type createRequest struct {
	CustomerID     int64           `json:"customerId" validate:"required,gt=0"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentDate    string          `json:"paymentDate" validate:"required,datetime=2006-01-02"`
	Type           string          `json:"type" validate:"required,oneof=Rental InitialFee Fine"`
	RentalID       *int64          `json:"rentalId" validate:"omitempty,gt=0"`
	VehicleID      *int64          `json:"vehicleId" validate:"omitempty,gt=0"`
	Method         string          `json:"method" validate:"max=50"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=128"`
}

type createResponse struct {
	PaymentID int64  `json:"paymentId"`
	Outcome   string `json:"outcome"`
	Queued    bool   `json:"queued"`
	applyResponse
}

type applyResponse struct {
	OK              bool        `json:"ok"`
	AppliedTotal    json.Number `json:"appliedTotal"`
	RemainingCredit json.Number `json:"remainingCredit"`
	Status          string      `json:"status,omitempty"`
	Error           string      `json:"error,omitempty"`
}

type applicationResponse struct {
	ID            int64       `json:"id"`
	PaymentID     int64       `json:"paymentId"`
	ChargeEntryID int64       `json:"chargeEntryId"`
	AmountApplied json.Number `json:"amountApplied"`
}

type sweepResponse struct {
	OK              bool        `json:"ok"`
	ChargeID        int64       `json:"chargeId"`
	AppliedTotal    json.Number `json:"appliedTotal"`
	ChargeRemaining json.Number `json:"chargeRemaining"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, errors.Join(httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, errors.Join(httpx.ErrValidation, err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if !req.Amount.IsPositive() {
		httpx.RespondError(w, fmt.Errorf("amount %s: %w", req.Amount, ledger.ErrInvalidAmount))
		return
	}
	paidOn, err := clock.ParseDate(req.PaymentDate)
	if err != nil {
		httpx.RespondError(w, errors.Join(httpx.ErrValidation, err))
		return
	}

	payment, outcome, err := h.service.RecordPayment(r.Context(), payments.CreateInput{
		CustomerID:     req.CustomerID,
		Amount:         req.Amount,
		PaymentDate:    paidOn,
		Type:           ledger.PaymentType(req.Type),
		RentalID:       req.RentalID,
		VehicleID:      req.VehicleID,
		Method:         req.Method,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.logger.Error("record payment", slog.Int64("customer_id", req.CustomerID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	resp := createResponse{PaymentID: payment.ID, Outcome: outcome.String()}
	status := http.StatusCreated
	if outcome == ledger.AlreadySkipped {
		status = http.StatusOK
	}
	if h.enqueuer != nil {
		err := h.enqueuer.EnqueueApplyPayment(r.Context(), payment.ID)
		if err == nil {
			resp.Queued = true
			resp.applyResponse = applyResponse{
				OK:              true,
				AppliedTotal:    httpx.Money(decimal.Zero),
				RemainingCredit: httpx.Money(payment.RemainingAmount),
				Status:          string(payment.Status),
			}
			httpx.JSON(w, status, resp)
			return
		}
		h.logger.Warn("enqueue apply payment, applying inline", slog.Int64("payment_id", payment.ID), slog.Any("error", err))
	}

	res, err := h.service.ApplyPayment(r.Context(), payment.ID)
	if err != nil {
		h.logFailure(r.Context(), payment.ID, err)
		resp.applyResponse = failedApply(err)
		httpx.JSON(w, httpx.StatusFor(err), resp)
		return
	}
	resp.applyResponse = toApplyResponse(res)
	httpx.JSON(w, status, resp)
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.JSON(w, http.StatusBadRequest, failedApply(err))
		return
	}
	res, err := h.service.ApplyPayment(r.Context(), id)
	if err != nil {
		h.logFailure(r.Context(), id, err)
		httpx.JSON(w, httpx.StatusFor(err), failedApply(err))
		return
	}
	httpx.JSON(w, http.StatusOK, toApplyResponse(res))
}

func (h *Handler) handleApplications(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	apps, err := h.service.Applications(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]applicationResponse, 0, len(apps))
	for _, a := range apps {
		out = append(out, applicationResponse{
			ID:            a.ID,
			PaymentID:     a.PaymentID,
			ChargeEntryID: a.ChargeEntryID,
			AmountApplied: httpx.Money(a.AmountApplied),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	credit, err := h.service.SweepCredit(r.Context(), id)
	if err != nil {
		h.logger.Error("sweep credit", slog.Int64("charge_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sweepResponse{
		OK:              true,
		ChargeID:        credit.ChargeID,
		AppliedTotal:    httpx.Money(credit.Total),
		ChargeRemaining: httpx.Money(credit.ChargeRemaining),
	})
}

func toApplyResponse(res Result) applyResponse {
	return applyResponse{
		OK:              true,
		AppliedTotal:    httpx.Money(res.AppliedTotal),
		RemainingCredit: httpx.Money(res.RemainingCredit),
		Status:          string(res.Status),
	}
}

func failedApply(err error) applyResponse {
	zero := httpx.Money(decimal.Zero)
	return applyResponse{AppliedTotal: zero, RemainingCredit: zero, Error: publicError(err)}
}

func publicError(err error) string {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		return http.StatusText(http.StatusInternalServerError)
	}
	return err.Error()
}

func (h *Handler) logFailure(ctx context.Context, paymentID int64, err error) {
	level := slog.LevelWarn
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "apply payment failed", slog.Int64("payment_id", paymentID), slog.Any("error", err))
}
