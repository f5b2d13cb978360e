package fines

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
	"github.com/fleetdesk/fleetdesk/internal/platform/httpx"
)

// Handler exposes fine lifecycle actions over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers fine routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/actions", h.handleAction)
}

type actionRequest struct {
	Action string `json:"action" validate:"required,oneof=charge waive appeal submit_appeal appeal_successful appeal_rejected"`
}

// actionResponse always carries status and amounts. On failure they describe
// the fine as it stands, or are empty and zero when it cannot be loaded.
type actionResponse struct {
	Success         bool        `json:"success"`
	FineID          int64       `json:"fineId,omitempty"`
	Status          string      `json:"status"`
	ChargedAmount   json.Number `json:"chargedAmount"`
	RemainingAmount json.Number `json:"remainingAmount"`
	Error           string      `json:"error,omitempty"`
}

type fineResponse struct {
	ID         int64       `json:"id"`
	CustomerID *int64      `json:"customerId"`
	VehicleID  int64       `json:"vehicleId"`
	Type       string      `json:"type"`
	Amount     json.Number `json:"amount"`
	IssueDate  string      `json:"issueDate"`
	DueDate    string      `json:"dueDate"`
	Liability  string      `json:"liability"`
	Status     string      `json:"status"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	fine, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.logFailure(r.Context(), "get fine", id, err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, fineResponse{
		ID:         fine.ID,
		CustomerID: fine.CustomerID,
		VehicleID:  fine.VehicleID,
		Type:       fine.Type,
		Amount:     httpx.Money(fine.Amount),
		IssueDate:  clock.FormatDate(fine.IssueDate),
		DueDate:    clock.FormatDate(fine.DueDate),
		Liability:  string(fine.Liability),
		Status:     string(fine.Status),
	})
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.respondFailure(r.Context(), w, 0, err)
		return
	}
	var req actionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondFailure(r.Context(), w, id, errors.Join(httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.respondFailure(r.Context(), w, id, errors.Join(httpx.ErrValidation, err))
		return
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		h.respondFailure(r.Context(), w, id, err)
		return
	}

	res, err := h.service.Apply(r.Context(), id, action)
	if err != nil {
		h.logFailure(r.Context(), "fine action "+req.Action, id, err)
		h.respondFailure(r.Context(), w, id, err)
		return
	}
	httpx.JSON(w, http.StatusOK, actionResponse{
		Success:         true,
		FineID:          res.FineID,
		Status:          string(res.Status),
		ChargedAmount:   httpx.Money(res.ChargedAmount),
		RemainingAmount: httpx.Money(res.RemainingAmount),
	})
}

func (h *Handler) respondFailure(ctx context.Context, w http.ResponseWriter, id int64, err error) {
	status := httpx.StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	zero := httpx.Money(decimal.Zero)
	resp := actionResponse{Success: false, ChargedAmount: zero, RemainingAmount: zero, Error: msg}
	if id > 0 {
		if current, err := h.service.State(ctx, id); err == nil {
			resp.FineID = current.FineID
			resp.Status = string(current.Status)
			resp.ChargedAmount = httpx.Money(current.ChargedAmount)
			resp.RemainingAmount = httpx.Money(current.RemainingAmount)
		}
	}
	httpx.JSON(w, status, resp)
}

func (h *Handler) logFailure(ctx context.Context, msg string, id int64, err error) {
	level := slog.LevelWarn
	switch {
	case ledger.IsIntegrity(err):
		level = slog.LevelError
	case httpx.StatusFor(err) == http.StatusInternalServerError:
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg, slog.Int64("fine_id", id), slog.Any("error", err))
}
