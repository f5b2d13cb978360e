package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func requestWithParam(name, value string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(name, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestPathID(t *testing.T) {
	id, err := PathID(requestWithParam("id", "42"), "id")
	require.NoError(t, err)
	require.EqualValues(t, 42, id)

	for _, raw := range []string{"", "abc", "0", "-3"} {
		_, err := PathID(requestWithParam("id", raw), "id")
		require.True(t, errors.Is(err, ErrValidation), raw)
	}
}

func TestMoney(t *testing.T) {
	require.Equal(t, json.Number("60.00"), Money(decimal.NewFromInt(60)))
	require.Equal(t, json.Number("-12.50"), Money(decimal.RequireFromString("-12.5")))

	rec := httptest.NewRecorder()
	JSON(rec, http.StatusOK, map[string]json.Number{"amount": Money(decimal.RequireFromString("1500.5"))})
	require.JSONEq(t, `{"amount":1500.50}`, rec.Body.String())
}
