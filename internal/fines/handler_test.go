package fines_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleetdesk/internal/fines"
	"github.com/fleetdesk/fleetdesk/internal/ledger"
)

type actionBody struct {
	Success         bool        `json:"success"`
	Status          *string     `json:"status"`
	ChargedAmount   json.Number `json:"chargedAmount"`
	RemainingAmount json.Number `json:"remainingAmount"`
	Error           string      `json:"error"`
}

func newFinesServer(t *testing.T, h *harness) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	r.Route("/api/fines", fines.NewHandler(logger, h.fines).MountRoutes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postAction(t *testing.T, srv *httptest.Server, path, body string) (int, actionBody) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out actionBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHandlerChargeFine(t *testing.T) {
	h := newHarness(t)
	fine := h.addFine(t, ledger.LiabilityCustomer, true)
	srv := newFinesServer(t, h)
	path := "/api/fines/" + itoa(fine.ID) + "/actions"

	code, body := postAction(t, srv, path, `{"action":"charge"}`)
	require.Equal(t, http.StatusOK, code)
	require.True(t, body.Success)
	require.Equal(t, "Charged", *body.Status)
	require.Equal(t, json.Number("60.00"), body.ChargedAmount)
	require.Equal(t, json.Number("60.00"), body.RemainingAmount)

	code, body = postAction(t, srv, path, `{"action":"charge"}`)
	require.Equal(t, http.StatusConflict, code)
	require.False(t, body.Success)
	require.Contains(t, body.Error, "already processed")
	require.Equal(t, "Charged", *body.Status)
	require.Equal(t, json.Number("60.00"), body.ChargedAmount)
	require.Equal(t, json.Number("60.00"), body.RemainingAmount)

	code, body = postAction(t, srv, path, `{"action":"appeal"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.False(t, body.Success)
	require.Equal(t, "Charged", *body.Status)
}

func TestHandlerFailureKeepsResponseShape(t *testing.T) {
	h := newHarness(t)
	srv := newFinesServer(t, h)

	resp, err := http.Post(srv.URL+"/api/fines/4242/actions", "application/json", strings.NewReader(`{"action":"waive"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.JSONEq(t, `false`, string(raw["success"]))
	require.JSONEq(t, `""`, string(raw["status"]))
	require.JSONEq(t, `0.00`, string(raw["chargedAmount"]))
	require.JSONEq(t, `0.00`, string(raw["remainingAmount"]))
	require.NotEmpty(t, raw["error"])
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	fine := h.addFine(t, ledger.LiabilityBusiness, true)
	srv := newFinesServer(t, h)

	code, body := postAction(t, srv, "/api/fines/"+itoa(fine.ID)+"/actions", `{"action":"delete"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.False(t, body.Success)

	code, _ = postAction(t, srv, "/api/fines/abc/actions", `{"action":"charge"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = postAction(t, srv, "/api/fines/4242/actions", `{"action":"charge"}`)
	require.Equal(t, http.StatusNotFound, code)

	code, body = postAction(t, srv, "/api/fines/"+itoa(fine.ID)+"/actions", `{"action":"charge"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Contains(t, body.Error, "not customer liability")
}

func TestHandlerGetFine(t *testing.T) {
	h := newHarness(t)
	fine := h.addFine(t, ledger.LiabilityCustomer, true)
	srv := newFinesServer(t, h)

	resp, err := http.Get(srv.URL + "/api/fines/" + itoa(fine.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	require.NoError(t, decoder.Decode(&out))
	require.Equal(t, "Open", out["status"])
	require.Equal(t, json.Number("60.00"), out["amount"])
	require.Equal(t, "2024-03-10", out["dueDate"])
}
