/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request types carry
  validator tags and are checked before anything reaches the billing
  service. Responses mostly reuse the billing types, which already carry
  their JSON contract.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers adding API-only fields

MONEY:
  Every amount on the wire is an integer in minor units (centavos), the
  same representation the ledger stores. 1202.31 is sent as 120231.

TYPES:
  Payments:
    ApplyPaymentRequest, PeriodRefRequest, PaymentResponse

  Reversals:
    ReversalRequest, ReversalResponse

  Credit:
    CreditAdjustmentRequest, CreditAccountResponse

  Billing runs:
    BillingRunRequest, BillingRunResponse

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types embedded in responses
*/
package api

import (
	"time"

	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/generic"
)

// =============================================================================
// PAYMENTS
// =============================================================================

// PeriodRefRequest targets one fiscal month of the path's track.
type PeriodRefRequest struct {
	FiscalYear  int `json:"fiscal_year" validate:"required,gte=1900,lte=9999"`
	FiscalMonth int `json:"fiscal_month" validate:"gte=0,lte=11"`
}

// ApplyPaymentRequest is the body of POST .../payments.
type ApplyPaymentRequest struct {
	TransactionID string             `json:"transaction_id" validate:"omitempty,max=128"`
	Amount        int64              `json:"amount" validate:"gte=0"`
	Targets       []PeriodRefRequest `json:"targets" validate:"omitempty,dive"`
	AsOf          string             `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
	Memo          string             `json:"memo" validate:"max=500"`
	ActorID       string             `json:"actor_id" validate:"max=128"`

	UseCreditToCoverShortfall bool `json:"use_credit_to_cover_shortfall"`
}

// PaymentResponse wraps a distribution with its conservation check.
type PaymentResponse struct {
	billing.DistributionResult
	TotalApplied generic.Money `json:"total_applied"`
}

// =============================================================================
// REVERSALS
// =============================================================================

// ReversalRequest is the body of POST .../reversals. Distribution may carry
// the stored result verbatim; when it is absent the stored payment record
// of TransactionID is replayed.
type ReversalRequest struct {
	TransactionID string                      `json:"transaction_id" validate:"required,max=128"`
	Distribution  *billing.DistributionResult `json:"distribution,omitempty"`
	ActorID       string                      `json:"actor_id" validate:"max=128"`
}

// ReversalResponse adds a warning when the transaction was already reversed.
type ReversalResponse struct {
	billing.ReversalResult
	Warning string `json:"warning,omitempty"`
}

// =============================================================================
// CREDIT
// =============================================================================

// CreditAdjustmentRequest is a signed administrative override.
type CreditAdjustmentRequest struct {
	Amount  int64  `json:"amount" validate:"ne=0"`
	Reason  string `json:"reason" validate:"required,max=500"`
	ActorID string `json:"actor_id" validate:"required,max=128"`
}

// CreditAccountResponse is a pool balance with its movement history.
type CreditAccountResponse struct {
	Unit      generic.UnitID           `json:"unit"`
	Pool      generic.PoolID           `json:"pool"`
	Balance   generic.Money            `json:"balance"`
	Movements []generic.CreditMovement `json:"movements"`
}

// =============================================================================
// BILLING RUNS
// =============================================================================

// BillingRunRequest bills one fiscal month. Charges per unit override the
// configured ones; omitted, every configured unit is billed.
type BillingRunRequest struct {
	Track       string           `json:"track" validate:"required,oneof=hoa_dues water_bills"`
	FiscalYear  int              `json:"fiscal_year" validate:"required,gte=1900,lte=9999"`
	FiscalMonth int              `json:"fiscal_month" validate:"gte=0,lte=11"`
	Charges     map[string]int64 `json:"charges" validate:"omitempty,dive,keys,required,endkeys,gte=0"`
	ActorID     string           `json:"actor_id" validate:"max=128"`

	UseCreditToCoverShortfall *bool `json:"use_credit_to_cover_shortfall"`
}

// BillingRunResponse summarizes a run.
type BillingRunResponse struct {
	billing.BillingRunResult
	Failed int `json:"failed"`
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string    `json:"status"`
	Client string    `json:"client"`
	Time   time.Time `json:"time"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPaymentResponse(r billing.DistributionResult) PaymentResponse {
	if r.Lines == nil {
		r.Lines = []billing.DistributionLine{}
	}
	return PaymentResponse{DistributionResult: r, TotalApplied: r.TotalApplied()}
}

func toCreditAccountResponse(a *generic.CreditAccount) CreditAccountResponse {
	movements := a.History
	if movements == nil {
		movements = []generic.CreditMovement{}
	}
	return CreditAccountResponse{Unit: a.Unit, Pool: a.Pool, Balance: a.Balance, Movements: movements}
}

func (r ApplyPaymentRequest) targets(track generic.Track) []generic.PeriodKey {
	if len(r.Targets) == 0 {
		return nil
	}
	keys := make([]generic.PeriodKey, 0, len(r.Targets))
	for _, t := range r.Targets {
		keys = append(keys, generic.PeriodKey{FiscalYear: t.FiscalYear, FiscalMonth: t.FiscalMonth, Track: track})
	}
	return keys
}

func (r BillingRunRequest) charges() map[generic.UnitID]generic.Money {
	if r.Charges == nil {
		return nil
	}
	out := make(map[generic.UnitID]generic.Money, len(r.Charges))
	for unit, amount := range r.Charges {
		out[generic.UnitID(unit)] = generic.Money(amount)
	}
	return out
}
