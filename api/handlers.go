/*
handlers.go - HTTP API handlers for the unit billing ledger

PURPOSE:
  Exposes the billing service via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to billing.Service.

ENDPOINTS:
  Statements:
    GET    /api/units/{unit}/tracks/{track}/outstanding?as_of=YYYY-MM-DD

  Payments:
    POST   /api/units/{unit}/tracks/{track}/payments     Apply a payment
    GET    /api/payments/{id}                            Stored payment record
    DELETE /api/payments/{id}                            Delete (reverse) a payment
    POST   /api/units/{unit}/tracks/{track}/reversals    Reverse a distribution

  Credit:
    POST   /api/units/{unit}/tracks/{track}/credit-adjustments
    GET    /api/units/{unit}/pools/{pool}/credit

  Admin:
    POST   /api/billing-runs                             Bill one fiscal month
    GET    /api/verify?unit=                             Replay and check ledgers

  Scenarios:
    GET    /api/scenarios                                List demo scenarios
    POST   /api/scenarios/load                           Load a demo scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator struct tags)
  3. Call the billing service, retrying stale-version and lock timeouts
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, insufficient credit
  - 404: Unit, period or transaction not found
  - 409: Duplicate transaction id
  - 500: Ledger corruption, over-application, internal errors
  - 503: Retries exhausted on a concurrent modification or lock timeout
  A second reversal of the same transaction is not an error: it returns
  200 with a warning and the ledger untouched.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
  - billing/service.go: Operations called here
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/generic"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Service  *billing.Service
	Log      *zap.Logger
	Validate *validator.Validate
	Retry    RetryPolicy
}

// NewHandler creates a handler over svc.
func NewHandler(svc *billing.Service, log *zap.Logger, retry RetryPolicy) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Service:  svc,
		Log:      log.Named("api"),
		Validate: validator.New(validator.WithRequiredStructEnabled()),
		Retry:    retry,
	}
}

// RetryPolicy bounds retries of retryable billing failures (stale document
// version, unit lock timeout). The delay doubles after every attempt.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy tries three times starting at 20ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 20 * time.Millisecond}
}

func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !generic.IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Client: h.Service.Config().ClientID,
		Time:   time.Now().UTC(),
	})
}

// =============================================================================
// STATEMENT ENDPOINTS
// =============================================================================

// StatementResponse is a statement with its net amount due.
type StatementResponse struct {
	billing.Statement
	NetDue generic.Money `json:"net_due"`
}

// GetOutstanding returns the unit's statement on a track.
func (h *Handler) GetOutstanding(w http.ResponseWriter, r *http.Request) {
	unit := generic.UnitID(chi.URLParam(r, "unit"))
	track := generic.Track(chi.URLParam(r, "track"))

	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := generic.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid as_of date", err)
			return
		}
		asOf = parsed
	}

	st, err := h.Service.ComputeOutstanding(r.Context(), unit, track, asOf)
	if err != nil {
		h.writeServiceError(w, r, "compute_outstanding", err)
		return
	}
	writeJSON(w, http.StatusOK, StatementResponse{Statement: st, NetDue: st.NetDue()})
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// ApplyPayment distributes a payment across the unit's track.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	unit := generic.UnitID(chi.URLParam(r, "unit"))
	track := generic.Track(chi.URLParam(r, "track"))

	var req ApplyPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := billing.ApplyPaymentInput{
		Unit:          unit,
		Track:         track,
		TransactionID: generic.TransactionID(req.TransactionID),
		Cash:          generic.Money(req.Amount),
		Targets:       req.targets(track),
		Policy:        billing.PaymentPolicy{UseCreditToCoverShortfall: req.UseCreditToCoverShortfall},
		Memo:          req.Memo,
		ActorID:       req.ActorID,
	}
	if req.AsOf != "" {
		asOf, err := generic.ParseDate(req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid as_of date", err)
			return
		}
		in.AsOf = asOf
	}

	var result billing.DistributionResult
	err := h.Retry.do(r.Context(), func() error {
		var err error
		result, err = h.Service.ApplyPayment(r.Context(), in)
		return err
	})
	if err != nil {
		h.writeServiceError(w, r, "apply_payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(result))
}

// GetPayment returns a stored payment record.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := generic.TransactionID(chi.URLParam(r, "id"))
	rec, err := h.Service.GetPayment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "get_payment", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeletePayment reverses a stored payment and marks it deleted.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id := generic.TransactionID(chi.URLParam(r, "id"))
	actorID := r.URL.Query().Get("actor_id")

	var result billing.ReversalResult
	err := h.Retry.do(r.Context(), func() error {
		var err error
		result, err = h.Service.DeletePayment(r.Context(), id, actorID)
		return err
	})
	h.writeReversal(w, r, result, err)
}

// ReversePayment reverses a distribution of the unit's track, either the
// one in the body or the stored one of the transaction.
func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	unit := generic.UnitID(chi.URLParam(r, "unit"))
	track := generic.Track(chi.URLParam(r, "track"))

	var req ReversalRequest
	if !h.decode(w, r, &req) {
		return
	}
	txID := generic.TransactionID(req.TransactionID)

	var (
		result billing.ReversalResult
		err    error
	)
	if req.Distribution != nil {
		if req.Distribution.TransactionID != txID {
			writeError(w, http.StatusBadRequest, "distribution does not belong to transaction_id", nil)
			return
		}
		err = h.Retry.do(r.Context(), func() error {
			var err error
			result, err = h.Service.ReversePayment(r.Context(), unit, track, *req.Distribution)
			return err
		})
	} else {
		rec, getErr := h.Service.GetPayment(r.Context(), txID)
		if getErr != nil {
			h.writeServiceError(w, r, "reverse_payment", getErr)
			return
		}
		if rec.Unit != unit || rec.Track != track {
			writeError(w, http.StatusNotFound, "not_found",
				fmt.Errorf("%s is not a %s payment of unit %s: %w", txID, track, unit, generic.ErrTransactionNotFound))
			return
		}
		err = h.Retry.do(r.Context(), func() error {
			var err error
			result, err = h.Service.DeletePayment(r.Context(), txID, req.ActorID)
			return err
		})
	}
	h.writeReversal(w, r, result, err)
}

func (h *Handler) writeReversal(w http.ResponseWriter, r *http.Request, result billing.ReversalResult, err error) {
	if errors.Is(err, generic.ErrDoubleReversal) {
		if result.Lines == nil {
			result.Lines = []billing.DistributionLine{}
		}
		writeJSON(w, http.StatusOK, ReversalResponse{ReversalResult: result, Warning: err.Error()})
		return
	}
	if err != nil {
		h.writeServiceError(w, r, "reverse_payment", err)
		return
	}
	if result.Lines == nil {
		result.Lines = []billing.DistributionLine{}
	}
	writeJSON(w, http.StatusOK, ReversalResponse{ReversalResult: result})
}

// =============================================================================
// CREDIT ENDPOINTS
// =============================================================================

// AdjustCredit applies an administrative credit override.
func (h *Handler) AdjustCredit(w http.ResponseWriter, r *http.Request) {
	unit := generic.UnitID(chi.URLParam(r, "unit"))
	track := generic.Track(chi.URLParam(r, "track"))

	var req CreditAdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	var mv generic.CreditMovement
	err := h.Retry.do(r.Context(), func() error {
		var err error
		mv, err = h.Service.AdjustCreditManually(r.Context(), unit, track, generic.Money(req.Amount), req.Reason, req.ActorID)
		return err
	})
	if err != nil {
		h.writeServiceError(w, r, "adjust_credit", err)
		return
	}
	writeJSON(w, http.StatusCreated, mv)
}

// GetCredit returns a pool's balance and movement history.
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	unit := generic.UnitID(chi.URLParam(r, "unit"))
	pool := generic.PoolID(chi.URLParam(r, "pool"))

	account, err := h.Service.CreditHistory(r.Context(), unit, pool)
	if err != nil {
		h.writeServiceError(w, r, "credit_history", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditAccountResponse(account))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// RunBilling bills one fiscal month of a track.
func (h *Handler) RunBilling(w http.ResponseWriter, r *http.Request) {
	var req BillingRunRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Service.RunBilling(r.Context(), billing.BillingRunInput{
		Track:                     generic.Track(req.Track),
		FiscalYear:                req.FiscalYear,
		FiscalMonth:               req.FiscalMonth,
		Charges:                   req.charges(),
		UseCreditToCoverShortfall: req.UseCreditToCoverShortfall,
		ActorID:                   req.ActorID,
	})
	if err != nil {
		h.writeServiceError(w, r, "run_billing", err)
		return
	}
	if result.Outcomes == nil {
		result.Outcomes = []billing.UnitBillingOutcome{}
	}
	writeJSON(w, http.StatusOK, BillingRunResponse{BillingRunResult: result, Failed: len(result.Failed())})
}

// VerifyResponse is a verification report with its verdict.
type VerifyResponse struct {
	billing.VerifyReport
	OK bool `json:"ok"`
}

// Verify replays credit accounts and checks period ledgers.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Verify(r.Context(), generic.UnitID(r.URL.Query().Get("unit")))
	if err != nil {
		h.writeServiceError(w, r, "verify", err)
		return
	}
	if report.Faults == nil {
		report.Faults = []string{}
	}
	writeJSON(w, http.StatusOK, VerifyResponse{VerifyReport: report, OK: report.OK()})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. It writes the 400
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := h.Validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Code: "invalid_request", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

// writeServiceError maps a billing error to its HTTP status.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, generic.ErrDuplicateTransaction):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "duplicate_transaction"})
	case generic.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
	case generic.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case generic.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		h.Log.Warn("billing operation gave up",
			zap.String("operation", op),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "busy"})
	case generic.IsFatal(err):
		h.Log.Error("ledger fault",
			zap.String("operation", op),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "ledger fault", Code: "ledger_fault"})
	default:
		h.Log.Error("billing operation failed",
			zap.String("operation", op),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
