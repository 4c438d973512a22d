/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that run realistic ledger histories through
	the billing service, for demos and as end-to-end checks. Every scenario
	bills and pays its own units (prefixed with the scenario id), so loading
	one never touches real units. Loading a scenario twice is reported as
	already loaded: its transaction ids are fixed.

AVAILABLE SCENARIOS:

	overpayment-credit:  Overpayment becomes credit, next billing run uses it
	late-penalty:        Late payment covers the oldest penalty first
	payment-deletion:    A deleted payment restores the period and the credit

SEE ALSO:
	- handlers.go: Error mapping
	- billing/service.go: Operations replayed here
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadScenarioResponse lists the units a scenario wrote.
type LoadScenarioResponse struct {
	Status   string           `json:"status"`
	Scenario string           `json:"scenario"`
	Units    []generic.UnitID `json:"units"`
}

type scenarioLoader func(ctx context.Context, svc *billing.Service, unit generic.UnitID) error

var scenarios = []ScenarioDTO{
	{
		ID:          "overpayment-credit",
		Name:        "Overpayment Credit",
		Description: "Pays 1500.00 on 1202.31 dues; the next month is billed against the 297.69 credit",
	},
	{
		ID:          "late-penalty",
		Name:        "Late Penalty",
		Description: "Two months billed, one paid 20 days after the second due date; penalty is collected first",
	},
	{
		ID:          "payment-deletion",
		Name:        "Payment Deletion",
		Description: "An overpayment is deleted; the period reopens and the credit is compensated",
	},
}

var scenarioLoaders = map[string]scenarioLoader{
	"overpayment-credit": loadOverpaymentCreditScenario,
	"late-penalty":       loadLatePenaltyScenario,
	"payment-deletion":   loadPaymentDeletionScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	unit := scenarioUnit(req.ScenarioID)
	err := load(r.Context(), h.Service, unit)
	if errors.Is(err, generic.ErrDuplicateTransaction) {
		writeJSON(w, http.StatusOK, LoadScenarioResponse{Status: "already_loaded", Scenario: req.ScenarioID, Units: []generic.UnitID{unit}})
		return
	}
	if err != nil {
		h.writeServiceError(w, r, "load_scenario", fmt.Errorf("scenario %s: %w", req.ScenarioID, err))
		return
	}
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Status: "loaded", Scenario: req.ScenarioID, Units: []generic.UnitID{unit}})
}

func scenarioUnit(id string) generic.UnitID {
	return generic.UnitID(id + "-U1")
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const scenarioFiscalYear = 2025

func loadOverpaymentCreditScenario(ctx context.Context, svc *billing.Service, unit generic.UnitID) error {
	if err := billScenarioMonth(ctx, svc, unit, 0, 120231); err != nil {
		return err
	}
	due, err := svc.Config().DueDate(generic.TrackHOADues, scenarioFiscalYear, 0)
	if err != nil {
		return err
	}
	if _, err := svc.ApplyPayment(ctx, billing.ApplyPaymentInput{
		Unit:          unit,
		Track:         generic.TrackHOADues,
		TransactionID: generic.TransactionID(string(unit) + "-pay-1"),
		Cash:          150000,
		AsOf:          due,
		Memo:          "check #1001",
		ActorID:       "scenario",
	}); err != nil {
		return err
	}
	return billScenarioMonth(ctx, svc, unit, 1, 120231)
}

func loadLatePenaltyScenario(ctx context.Context, svc *billing.Service, unit generic.UnitID) error {
	for fm := 0; fm < 2; fm++ {
		if err := billScenarioMonth(ctx, svc, unit, fm, 100000); err != nil {
			return err
		}
	}
	due, err := svc.Config().DueDate(generic.TrackHOADues, scenarioFiscalYear, 1)
	if err != nil {
		return err
	}
	_, err = svc.ApplyPayment(ctx, billing.ApplyPaymentInput{
		Unit:          unit,
		Track:         generic.TrackHOADues,
		TransactionID: generic.TransactionID(string(unit) + "-pay-1"),
		Cash:          100000,
		AsOf:          due.AddDate(0, 0, 20),
		Memo:          "late bank transfer",
		ActorID:       "scenario",
	})
	return err
}

func loadPaymentDeletionScenario(ctx context.Context, svc *billing.Service, unit generic.UnitID) error {
	if err := billScenarioMonth(ctx, svc, unit, 0, 100000); err != nil {
		return err
	}
	due, err := svc.Config().DueDate(generic.TrackHOADues, scenarioFiscalYear, 0)
	if err != nil {
		return err
	}
	txID := generic.TransactionID(string(unit) + "-pay-1")
	if _, err := svc.ApplyPayment(ctx, billing.ApplyPaymentInput{
		Unit:          unit,
		Track:         generic.TrackHOADues,
		TransactionID: txID,
		Cash:          120000,
		AsOf:          due.Add(-24 * time.Hour),
		Memo:          "entered against the wrong unit",
		ActorID:       "scenario",
	}); err != nil {
		return err
	}
	_, err = svc.DeletePayment(ctx, txID, "scenario")
	return err
}

func billScenarioMonth(ctx context.Context, svc *billing.Service, unit generic.UnitID, fm int, charge generic.Money) error {
	res, err := svc.RunBilling(ctx, billing.BillingRunInput{
		Track:       generic.TrackHOADues,
		FiscalYear:  scenarioFiscalYear,
		FiscalMonth: fm,
		Charges:     map[generic.UnitID]generic.Money{unit: charge},
		ActorID:     "scenario",
	})
	if err != nil {
		return err
	}
	if failed := res.Failed(); len(failed) > 0 {
		return errors.New(failed[0].Error)
	}
	return nil
}
