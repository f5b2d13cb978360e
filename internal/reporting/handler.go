package reporting

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
	"github.com/fleetdesk/fleetdesk/internal/platform/httpx"
)

// Handler exposes reporting views over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountCustomerRoutes registers customer views.
func (h *Handler) MountCustomerRoutes(r chi.Router) {
	r.Get("/{id}/balance", h.handleBalance)
}

// MountVehicleRoutes registers vehicle views.
func (h *Handler) MountVehicleRoutes(r chi.Router) {
	r.Get("/{id}/pnl", h.handlePnL)
}

type balanceResponse struct {
	CustomerBalance
	Display map[string]string `json:"display"`
}

type pnlResponse struct {
	VehiclePnL
	Display map[string]string `json:"display"`
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	b, err := h.service.CustomerBalance(r.Context(), id)
	if err != nil {
		h.logger.Error("customer balance", slog.Int64("customer_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{
		CustomerBalance: b,
		Display: display(map[string]decimal.Decimal{
			"totalCharged":     b.TotalCharged,
			"totalPaid":        b.TotalPaid,
			"outstanding":      b.Outstanding,
			"overdue":          b.Overdue,
			"unappliedCredit":  b.UnappliedCredit,
			"initialFeeCredit": b.InitialFeeCredit,
			"netPosition":      b.NetPosition,
		}),
	})
}

func (h *Handler) handlePnL(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, err := optionalDate(r, "from")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := optionalDate(r, "to")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.VehiclePnL(r.Context(), id, from, to)
	if err != nil {
		h.logger.Error("vehicle pnl", slog.Int64("vehicle_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pnlResponse{
		VehiclePnL: v,
		Display: display(map[string]decimal.Decimal{
			"revenue": v.Revenue,
			"cost":    v.Cost,
			"net":     v.Net,
		}),
	})
}

func optionalDate(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := clock.ParseDate(raw)
	if err != nil {
		return nil, errors.Join(httpx.ErrValidation, err)
	}
	return &t, nil
}

func display(amounts map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(amounts))
	for k, v := range amounts {
		out[k] = FormatGBP(v)
	}
	return out
}
