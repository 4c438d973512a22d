/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the expected ledger state:
	- Periods are billed
	- Payments are distributed and stored
	- Credit balances replay from their history

These tests double as end-to-end checks of the billing service.
*/
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/generic"
	"go.uber.org/zap"
)

func setupScenarioHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	cfg := billing.DefaultClientConfig("demo-hoa")
	clock := generic.NewFixedClock(time.Date(2025, time.January, 10, 9, 0, 0, 0, time.UTC))
	h := NewHandler(newTestService(t, cfg, clock), zap.NewNop(), DefaultRetryPolicy())
	return h, NewRouter(h, RouterOptions{})
}

func TestScenario_OverpaymentCredit(t *testing.T) {
	// GIVEN: The overpayment scenario
	// WHEN: Loading it
	// THEN: The 297.69 overflow is consumed by the February billing run
	h, srv := setupScenarioHandler(t)
	ctx := context.Background()

	rr := doRequest(t, srv, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "overpayment-credit"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "loaded", decodeBody[LoadScenarioResponse](t, rr).Status)

	unit := scenarioUnit("overpayment-credit")
	acct, err := h.Service.CreditHistory(ctx, unit, billing.DefaultPool)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(0), acct.Balance)
	require.Len(t, acct.History, 2)
	assert.Equal(t, generic.Money(29769), acct.History[0].Delta)
	assert.Equal(t, generic.Money(-29769), acct.History[1].Delta)
	require.NoError(t, acct.Verify())

	st, err := h.Service.ComputeOutstanding(ctx, unit, generic.TrackHOADues, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, generic.Money(120231-29769), st.TotalBaseOwed)

	rr = doRequest(t, srv, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "overpayment-credit"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "already_loaded", decodeBody[LoadScenarioResponse](t, rr).Status)
}

func TestScenario_LatePenalty(t *testing.T) {
	h, srv := setupScenarioHandler(t)

	rr := doRequest(t, srv, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "late-penalty"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	unit := scenarioUnit("late-penalty")
	rec, err := h.Service.GetPayment(context.Background(), generic.TransactionID(string(unit)+"-pay-1"))
	require.NoError(t, err)
	require.NotEmpty(t, rec.Result.Lines)

	first := rec.Result.Lines[0]
	assert.Equal(t, 0, first.Period.FiscalMonth, "oldest period first")
	assert.True(t, first.PenaltyApplied.IsPositive(), "penalty collected before principal")
	assert.True(t, rec.Result.Conserves())
}

func TestScenario_PaymentDeletion(t *testing.T) {
	h, srv := setupScenarioHandler(t)
	ctx := context.Background()

	rr := doRequest(t, srv, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "payment-deletion"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	unit := scenarioUnit("payment-deletion")
	rec, err := h.Service.GetPayment(ctx, generic.TransactionID(string(unit)+"-pay-1"))
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	acct, err := h.Service.CreditHistory(ctx, unit, billing.DefaultPool)
	require.NoError(t, err)
	assert.Equal(t, generic.Money(0), acct.Balance)
	assert.Len(t, acct.History, 2, "overflow and its compensating entry both stay")

	st, err := h.Service.ComputeOutstanding(ctx, unit, generic.TrackHOADues, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, generic.Money(100000), st.TotalBaseOwed)
}

func TestScenario_ListAndUnknown(t *testing.T) {
	_, srv := setupScenarioHandler(t)

	rr := doRequest(t, srv, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rr), len(scenarioLoaders))

	rr = doRequest(t, srv, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
