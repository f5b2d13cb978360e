package allocation_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleetdesk/internal/allocation"
	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/platform/clock"
)

type fakeEnqueuer struct {
	ids []int64
	err error
}

func (f *fakeEnqueuer) EnqueueApplyPayment(ctx context.Context, paymentID int64) error {
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, paymentID)
	return nil
}

func newServer(t *testing.T, h *harness, enq allocation.Enqueuer) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := allocation.NewHandler(logger, h.svc, enq)
	r := chi.NewRouter()
	r.Route("/api/payments", handler.MountPaymentRoutes)
	r.Route("/api/charges", handler.MountChargeRoutes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	require.NoError(t, decoder.Decode(&out))
	return resp.StatusCode, out
}

func TestHandlerCreateAppliesInline(t *testing.T) {
	h := newHarness(t)
	h.charge(t, "1000", clock.Date(2024, time.January, 1), nil)
	srv := newServer(t, h, nil)

	body := `{"customerId":11,"amount":"1200.00","paymentDate":"2024-01-01","type":"Rental","idempotencyKey":"bank-1"}`
	code, out := doJSON(t, http.MethodPost, srv.URL+"/api/payments", body)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, true, out["ok"])
	require.Equal(t, "created", out["outcome"])
	require.Equal(t, json.Number("1000.00"), out["appliedTotal"])
	require.Equal(t, json.Number("200.00"), out["remainingCredit"])
	require.Equal(t, "Partial", out["status"])

	code, out = doJSON(t, http.MethodPost, srv.URL+"/api/payments", body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "already_skipped", out["outcome"])
	require.Equal(t, json.Number("0.00"), out["appliedTotal"])
	require.Len(t, h.store.Payments(), 1)

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/payments",
			strings.NewReader(`{"customerId":11,"amount":"10","paymentDate":"2024-01-02","type":"Rental"}`))
		require.NoError(t, err)
		req.Header.Set("Idempotency-Key", "bank-2")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	require.Len(t, h.store.Payments(), 2)
}

func TestHandlerCreateEnqueues(t *testing.T) {
	h := newHarness(t)
	h.charge(t, "100", clock.Date(2024, time.January, 1), nil)
	enq := &fakeEnqueuer{}
	srv := newServer(t, h, enq)

	code, out := doJSON(t, http.MethodPost, srv.URL+"/api/payments",
		`{"customerId":11,"amount":100,"paymentDate":"2024-01-01","type":"Rental"}`)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, true, out["queued"])
	require.Len(t, enq.ids, 1)
	require.Empty(t, h.store.Applications())

	enq.err = errors.New("redis down")
	code, out = doJSON(t, http.MethodPost, srv.URL+"/api/payments",
		`{"customerId":11,"amount":100,"paymentDate":"2024-01-02","type":"Rental"}`)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, false, out["queued"])
	require.Equal(t, json.Number("100.00"), out["appliedTotal"])
}

func TestHandlerCreateValidation(t *testing.T) {
	h := newHarness(t)
	srv := newServer(t, h, nil)

	for _, body := range []string{
		`{"customerId":11,"amount":"0","paymentDate":"2024-01-01","type":"Rental"}`,
		`{"customerId":11,"amount":"10","paymentDate":"01/02/2024","type":"Rental"}`,
		`{"customerId":11,"amount":"10","paymentDate":"2024-01-01","type":"Deposit"}`,
		`{"amount":"10","paymentDate":"2024-01-01","type":"Rental"}`,
		`not json`,
	} {
		code, _ := doJSON(t, http.MethodPost, srv.URL+"/api/payments", body)
		require.Equal(t, http.StatusBadRequest, code, body)
	}
	require.Empty(t, h.store.Payments())
}

func TestHandlerApplyAndApplications(t *testing.T) {
	h := newHarness(t)
	charge := h.charge(t, "300", clock.Date(2024, time.January, 1), nil)
	p := h.pay(t, "200", ledger.PaymentRental, clock.Date(2024, time.January, 1), nil)
	srv := newServer(t, h, nil)
	id := strconv.FormatInt(p.ID, 10)

	code, out := doJSON(t, http.MethodPost, srv.URL+"/api/payments/"+id+"/apply", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, out["ok"])
	require.Equal(t, json.Number("200.00"), out["appliedTotal"])
	require.Equal(t, json.Number("0.00"), out["remainingCredit"])

	resp, err := http.Get(srv.URL + "/api/payments/" + id + "/applications")
	require.NoError(t, err)
	defer resp.Body.Close()
	var apps []map[string]any
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	require.NoError(t, decoder.Decode(&apps))
	require.Len(t, apps, 1)
	require.Equal(t, json.Number(strconv.FormatInt(charge.ID, 10)), apps[0]["chargeEntryId"])
	require.Equal(t, json.Number("200.00"), apps[0]["amountApplied"])

	code, out = doJSON(t, http.MethodPost, srv.URL+"/api/payments/9999/apply", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, false, out["ok"])
	require.NotEmpty(t, out["error"])
	require.Equal(t, json.Number("0.00"), out["appliedTotal"])
	require.Equal(t, json.Number("0.00"), out["remainingCredit"])
}

func TestHandlerSweepCredit(t *testing.T) {
	h := newHarness(t)
	p := h.pay(t, "80", ledger.PaymentRental, clock.Date(2024, time.January, 1), nil)
	_, err := h.svc.ApplyPayment(context.Background(), p.ID)
	require.NoError(t, err)
	charge := h.charge(t, "50", clock.Date(2024, time.February, 1), nil)
	srv := newServer(t, h, nil)

	code, out := doJSON(t, http.MethodPost, srv.URL+"/api/charges/"+strconv.FormatInt(charge.ID, 10)+"/sweep-credit", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, json.Number("50.00"), out["appliedTotal"])
	require.Equal(t, json.Number("0.00"), out["chargeRemaining"])
}
