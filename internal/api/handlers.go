package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"settlement-service/internal/model"
	"settlement-service/internal/payment"
	"settlement-service/internal/payout"
	"settlement-service/internal/reconcile"
)

type PaymentService interface {
	Get(ctx context.Context, id int64) (*model.Payment, error)
	AuditTrail(ctx context.Context, id int64) ([]*model.AuditEntry, error)
	Hold(ctx context.Context, id int64, by model.Action) (*model.Payment, error)
	Release(ctx context.Context, id int64, by model.Action) (*model.Payment, *model.Payout, error)
	Refund(ctx context.Context, id int64, req payment.RefundRequest) (*model.Payment, error)
}

type PayoutService interface {
	Get(ctx context.Context, id int64) (*model.Payout, error)
	Process(ctx context.Context, id int64, req payout.ProcessRequest) (*model.Payout, error)
	Retry(ctx context.Context, id int64, by model.Action) (*model.Payout, error)
}

type Reconciler interface {
	Run(ctx context.Context, opts reconcile.Options) (*reconcile.Report, error)
}

type Handler struct {
	payments   PaymentService
	payouts    PayoutService
	reconciler Reconciler
	logger     *slog.Logger
}

func NewHandler(payments PaymentService, payouts PayoutService, reconciler Reconciler, logger *slog.Logger) *Handler {
	return &Handler{payments: payments, payouts: payouts, reconciler: reconciler, logger: logger}
}

type actionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (a actionRequest) action() model.Action {
	return model.Action{Actor: a.Actor, Reason: a.Reason}
}

type refundRequest struct {
	actionRequest
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

type reconcileRequest struct {
	actionRequest
	DryRun bool `json:"dry_run"`
}

type releaseResponse struct {
	Payment *model.Payment `json:"payment"`
	Payout  *model.Payout  `json:"payout"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.payments.Get(r.Context(), id)
	h.respond(w, r, http.StatusOK, p, err)
}

func (h *Handler) GetPaymentAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	entries, err := h.payments.AuditTrail(r.Context(), id)
	h.respond(w, r, http.StatusOK, entries, err)
}

func (h *Handler) HoldPayment(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	id, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	p, err := h.payments.Hold(r.Context(), id, req.action())
	h.respond(w, r, http.StatusOK, p, err)
}

func (h *Handler) ReleasePayment(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	id, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	p, scheduled, err := h.payments.Release(r.Context(), id, req.action())
	h.respond(w, r, http.StatusOK, releaseResponse{Payment: p, Payout: scheduled}, err)
}

func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	id, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	p, err := h.payments.Refund(r.Context(), id, payment.RefundRequest{Action: req.action(), Amount: req.Amount})
	h.respond(w, r, http.StatusOK, p, err)
}

func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.payouts.Get(r.Context(), id)
	h.respond(w, r, http.StatusOK, p, err)
}

// ProcessPayout is the operator's force-process: it skips the auto-process
// wait but not the PENDING requirement.
func (h *Handler) ProcessPayout(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	id, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	p, err := h.payouts.Process(r.Context(), id, payout.ProcessRequest{Action: req.action(), Override: true})
	h.respond(w, r, http.StatusOK, p, err)
}

func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	id, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	p, err := h.payouts.Retry(r.Context(), id, req.action())
	h.respond(w, r, http.StatusOK, p, err)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !req.DryRun {
		if err := req.action().Validate(); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	h.logger.InfoContext(r.Context(), "Reconciliation requested", "actor", req.Actor, "reason", req.Reason,
		"dryRun", req.DryRun)
	report, err := h.reconciler.Run(r.Context(), reconcile.Options{DryRun: req.DryRun})
	h.respond(w, r, http.StatusOK, report, err)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, errors.Wrapf(model.ErrValidation, "invalid id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) (int64, bool) {
	id, ok := h.pathID(w, r)
	if !ok {
		return 0, false
	}
	if err := decodeBody(r, v); err != nil {
		h.writeError(w, r, err)
		return 0, false
	}
	return id, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(model.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, body any, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "Error handling admin request", "error", err, "path", r.URL.Path)
		msg = "internal error"
	} else {
		h.logger.WarnContext(r.Context(), "Admin request rejected", "error", err, "status", status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrConcurrentModification),
		errors.Is(err, model.ErrNotDue), errors.Is(err, model.ErrReconciliationAmbiguity):
		return http.StatusConflict
	case errors.Is(err, model.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
