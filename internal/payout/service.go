package payout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"settlement-service/internal/db"
	"settlement-service/internal/logging"
	"settlement-service/internal/model"
	"settlement-service/internal/transfer"
)

const StaleProcessingReason = "processing timed out; verify the transfer with the provider before retrying"

var (
	payoutScheduledCounter = metrics.GetOrCreateCounter(`payout_transitions_total{action="schedule"}`)
	payoutDuplicateCounter = metrics.GetOrCreateCounter(`payout_transitions_total{action="schedule_duplicate"}`)
	payoutCompletedCounter = metrics.GetOrCreateCounter(`payout_transitions_total{action="complete"}`)
	payoutFailedCounter    = metrics.GetOrCreateCounter(`payout_transitions_total{action="fail"}`)
	payoutCancelledCounter = metrics.GetOrCreateCounter(`payout_transitions_total{action="cancel"}`)
	payoutReclaimedCounter = metrics.GetOrCreateCounter(`payout_transitions_total{action="reclaim"}`)
	payoutClawbackCounter  = metrics.GetOrCreateCounter(`payout_clawback_required_total`)
)

type ProcessRequest struct {
	model.Action
	// Override lets an operator process a payout before auto_process_at.
	Override bool
}

type Service struct {
	store         *db.Store
	payouts       *db.PayoutRepository
	payments      *db.PaymentRepository
	audit         *db.AuditRepository
	provider      transfer.Provider
	holdingWindow time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store *db.Store, payouts *db.PayoutRepository, payments *db.PaymentRepository,
	audit *db.AuditRepository, provider transfer.Provider, holdingWindow time.Duration, logger *slog.Logger,
	opts ...Option) *Service {
	s := &Service{
		store:         store,
		payouts:       payouts,
		payments:      payments,
		audit:         audit,
		provider:      provider,
		holdingWindow: holdingWindow,
		logger:        logger,
		now:           model.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IdempotencyKey is stable per payout so a retried transfer is deduplicated
// by the provider instead of paying twice.
func IdempotencyKey(payoutID int64) string {
	return fmt.Sprintf("payout-%d", payoutID)
}

func (s *Service) Get(ctx context.Context, id int64) (*model.Payout, error) {
	return s.payouts.GetByID(ctx, s.store.Pool(), id)
}

// Schedule creates the payout for a RELEASED payment inside the caller's
// transaction. If one already exists it is returned with created=false.
func (s *Service) Schedule(ctx context.Context, q db.Querier, payment *model.Payment, by model.Action) (*model.Payout, bool, error) {
	if payment.Status != model.PaymentReleased || payment.ReleasedAt == nil {
		return nil, false, &model.InvalidStateError{Entity: "payment", ID: payment.ID, Action: "schedule payout for",
			Status: string(payment.Status)}
	}

	ctx = logging.AppendCtx(ctx, slog.Int64("paymentId", payment.ID))

	existing, err := s.payouts.GetByPaymentID(ctx, q, payment.ID)
	if err == nil {
		s.logger.WarnContext(ctx, "Payout already exists for payment, skipping", "payoutId", existing.ID)
		payoutDuplicateCounter.Inc()
		return existing, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, false, err
	}

	created, ok, err := s.payouts.Create(ctx, q, model.NewScheduledPayout(payment, s.holdingWindow))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		s.logger.WarnContext(ctx, "Payout was created concurrently for payment, skipping")
		payoutDuplicateCounter.Inc()
		existing, err := s.payouts.GetByPaymentID(ctx, q, payment.ID)
		return existing, false, err
	}

	entry := model.NewAuditEntry(model.EntityPayout, created.ID, model.ActionSchedule, "",
		string(model.PayoutPending), by, s.now())
	if err := s.audit.Append(ctx, q, entry); err != nil {
		return nil, false, err
	}

	s.logger.InfoContext(ctx, "Scheduled payout", "payoutId", created.ID, "amount", created.Amount.StringFixed(2),
		"autoProcessAt", created.AutoProcessAt)
	payoutScheduledCounter.Inc()
	return created, true, nil
}

// Process pays a PENDING payout out. The claim is committed before the
// provider is called, so a crash mid-transfer leaves the payout PROCESSING
// for ReclaimStale rather than PENDING for a second transfer.
func (s *Service) Process(ctx context.Context, id int64, req ProcessRequest) (*model.Payout, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx = logging.AppendCtx(ctx, slog.Int64("payoutId", id))

	p, err := s.payouts.GetByID(ctx, s.store.Pool(), id)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PayoutPending {
		return nil, &model.InvalidStateError{Entity: "payout", ID: id, Action: "process", Status: string(p.Status)}
	}

	now := s.now()
	if !req.Override && !p.Due(now) {
		return nil, errors.Wrapf(model.ErrNotDue, "payout %d auto_process_at %v", id, p.AutoProcessAt)
	}

	var claimed *model.Payout
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		claimed, err = s.payouts.Claim(ctx, tx, id, now)
		if err != nil {
			return err
		}
		entry := model.NewAuditEntry(model.EntityPayout, id, model.ActionClaim, string(model.PayoutPending),
			string(model.PayoutProcessing), req.Action, now)
		return s.audit.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Claimed payout, calling transfer provider", "actor", req.Actor)
	result, transferErr := s.provider.Transfer(ctx, transfer.Request{
		IdempotencyKey: IdempotencyKey(id),
		WorkerID:       claimed.WorkerID,
		Amount:         claimed.Amount,
		Currency:       claimed.Currency,
		Method:         claimed.PaymentMethod,
		Destination:    claimed.DestinationAccount,
	})

	final, err := s.finish(ctx, claimed, result, transferErr, req.Actor)
	if err != nil {
		return final, err
	}
	if transferErr != nil {
		return final, transferErr
	}
	return final, nil
}

func (s *Service) finish(ctx context.Context, claimed *model.Payout, result transfer.Result, transferErr error, actor string) (*model.Payout, error) {
	now := s.now()
	id := claimed.ID
	var final *model.Payout
	var cancelledInFlight, clawback bool

	err := s.store.InTx(ctx, func(tx pgx.Tx) error {
		// Payment before payout, the same lock order Refund uses.
		var payment *model.Payment
		if paymentID, ok := claimed.PaymentID(); ok {
			var err error
			payment, err = s.payments.SelectForUpdateByID(ctx, tx, paymentID)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return err
			}
		}

		p, err := s.payouts.SelectForUpdateByID(ctx, tx, id)
		if err != nil {
			return err
		}
		final = p

		if p.Status != model.PayoutProcessing {
			cancelledInFlight = true
			if transferErr != nil {
				return nil
			}
			if payment != nil && payment.Status == model.PaymentRefunded {
				clawback = true
				return s.flagClawback(ctx, tx, payment, p, result.Reference, actor, now)
			}
			return s.recordLateTransfer(ctx, tx, p, result.Reference, actor, now)
		}

		var entry *model.AuditEntry
		if transferErr != nil {
			if err := p.Fail(now, transferErr.Error()); err != nil {
				return err
			}
			entry = model.NewAuditEntry(model.EntityPayout, id, model.ActionFail, string(model.PayoutProcessing),
				string(model.PayoutFailed), model.Action{Actor: actor, Reason: transferErr.Error()}, now)
		} else {
			if err := p.Complete(now, result.Reference); err != nil {
				return err
			}
			entry = model.NewAuditEntry(model.EntityPayout, id, model.ActionComplete, string(model.PayoutProcessing),
				string(model.PayoutCompleted), model.Action{Actor: actor, Reason: "transfer " + result.Reference}, now)
		}

		if err := s.payouts.Update(ctx, tx, p); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, entry)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error recording transfer outcome, payout left in PROCESSING",
			"error", err, "transferError", transferErr, "reference", result.Reference)
		return nil, err
	}

	switch {
	case clawback:
		s.logger.ErrorContext(ctx, "Transfer completed for a cancelled payout, clawback required",
			"reference", result.Reference)
		return final, errors.Wrapf(model.ErrConcurrentModification,
			"payout %d was cancelled while transfer %s was in flight", id, result.Reference)
	case cancelledInFlight && transferErr == nil:
		s.logger.ErrorContext(ctx, "Transfer completed after payout left PROCESSING, verify with the provider",
			"reference", result.Reference, "status", final.Status)
		return final, errors.Wrapf(model.ErrConcurrentModification,
			"payout %d left PROCESSING while transfer %s was in flight", id, result.Reference)
	case cancelledInFlight:
		s.logger.WarnContext(ctx, "Payout was cancelled while its transfer failed", "error", transferErr)
	case transferErr != nil:
		s.logger.WarnContext(ctx, "Transfer failed, payout marked FAILED", "error", transferErr)
		payoutFailedCounter.Inc()
	default:
		s.logger.InfoContext(ctx, "Payout completed", "reference", result.Reference)
		payoutCompletedCounter.Inc()
	}
	return final, nil
}

func (s *Service) flagClawback(ctx context.Context, tx pgx.Tx, payment *model.Payment, p *model.Payout,
	reference, actor string, now time.Time) error {
	payment.ClawbackRequired = true
	if err := s.payments.Update(ctx, tx, payment); err != nil {
		return err
	}
	payoutClawbackCounter.Inc()
	entry := model.NewAuditEntry(model.EntityPayment, payment.ID, model.ActionClawbackRequired,
		string(payment.Status), string(payment.Status),
		model.Action{Actor: actor, Reason: fmt.Sprintf("transfer %s for payout %d completed after cancellation", reference, p.ID)},
		now)
	return s.audit.Append(ctx, tx, entry)
}

// recordLateTransfer keeps the reference of a transfer that succeeded after
// its payout stopped being PROCESSING, typically reclaimed as stale. The
// payment was not refunded, so nothing is owed back.
func (s *Service) recordLateTransfer(ctx context.Context, tx pgx.Tx, p *model.Payout, reference, actor string,
	now time.Time) error {
	if p.ExternalTransferID == nil {
		p.ExternalTransferID = &reference
		if err := s.payouts.Update(ctx, tx, p); err != nil {
			return err
		}
	}
	entry := model.NewAuditEntry(model.EntityPayout, p.ID, model.ActionLateTransfer, string(p.Status), string(p.Status),
		model.Action{Actor: actor, Reason: fmt.Sprintf("transfer %s completed after the payout left PROCESSING", reference)},
		now)
	return s.audit.Append(ctx, tx, entry)
}

// CancelForRefund fails the payout linked to a refunded payment. A payout
// that already completed is returned with clawback=true and left untouched.
func (s *Service) CancelForRefund(ctx context.Context, tx pgx.Tx, paymentID int64, by model.Action) (*model.Payout, bool, error) {
	p, err := s.payouts.SelectForUpdateByPaymentID(ctx, tx, paymentID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	switch p.Status {
	case model.PayoutCompleted:
		payoutClawbackCounter.Inc()
		return p, true, nil
	case model.PayoutFailed:
		return p, false, nil
	}

	now := s.now()
	from := p.Status
	if err := p.Cancel(now); err != nil {
		return nil, false, err
	}
	if err := s.payouts.Update(ctx, tx, p); err != nil {
		return nil, false, err
	}
	entry := model.NewAuditEntry(model.EntityPayout, p.ID, model.ActionCancel, string(from), string(p.Status),
		model.Action{Actor: by.Actor, Reason: model.RefundCancellationReason + ": " + by.Reason}, now)
	if err := s.audit.Append(ctx, tx, entry); err != nil {
		return nil, false, err
	}
	payoutCancelledCounter.Inc()
	return p, false, nil
}

// Retry puts a FAILED payout back in the queue. Only operators call this;
// nothing in the service retries a failed transfer by itself. A payout whose
// payment has been refunded stays FAILED.
func (s *Service) Retry(ctx context.Context, id int64, by model.Action) (*model.Payout, error) {
	if err := by.Validate(); err != nil {
		return nil, err
	}

	var retried *model.Payout
	err := s.store.InTx(ctx, func(tx pgx.Tx) error {
		current, err := s.payouts.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		// Payment before payout, the same lock order Refund uses.
		paymentID, linked := current.PaymentID()
		if linked {
			payment, err := s.payments.SelectForUpdateByID(ctx, tx, paymentID)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return err
			}
			if payment != nil && payment.Status == model.PaymentRefunded {
				return &model.InvalidStateError{Entity: "payment", ID: paymentID, Action: "retry payout for",
					Status: string(payment.Status)}
			}
		}

		p, err := s.payouts.SelectForUpdateByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if lockedID, ok := p.PaymentID(); ok != linked || lockedID != paymentID {
			return errors.Wrapf(model.ErrConcurrentModification, "payout %d was linked concurrently", id)
		}

		now := s.now()
		if err := p.Retry(now); err != nil {
			return err
		}
		if err := s.payouts.Update(ctx, tx, p); err != nil {
			return err
		}
		retried = p
		entry := model.NewAuditEntry(model.EntityPayout, id, model.ActionRetry, string(model.PayoutFailed),
			string(model.PayoutPending), by, now)
		return s.audit.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return retried, nil
}

// Link attaches an orphaned payout to payment inside the caller's
// transaction.
func (s *Service) Link(ctx context.Context, tx pgx.Tx, p *model.Payout, payment *model.Payment, by model.Action) error {
	if err := p.Link(payment); err != nil {
		return err
	}
	if err := s.payouts.Update(ctx, tx, p); err != nil {
		return err
	}
	entry := model.NewAuditEntry(model.EntityPayout, p.ID, model.ActionLink, string(p.Status), string(p.Status),
		model.Action{Actor: by.Actor, Reason: fmt.Sprintf("%s: linked to payment %d", by.Reason, payment.ID)}, s.now())
	return s.audit.Append(ctx, tx, entry)
}

// ReclaimStale fails PROCESSING payouts whose claim is older than staleAfter.
// They are not re-sent: the transfer may have gone through.
func (s *Service) ReclaimStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-staleAfter)
	stale, err := s.payouts.ListStaleProcessing(ctx, s.store.Pool(), cutoff, limit)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, candidate := range stale {
		itemCtx := logging.AppendCtx(ctx, slog.Int64("payoutId", candidate.ID))
		var failed bool
		err := s.store.InTx(itemCtx, func(tx pgx.Tx) error {
			p, err := s.payouts.SelectForUpdateByID(itemCtx, tx, candidate.ID)
			if err != nil {
				return err
			}
			if p.Status != model.PayoutProcessing || p.ProcessedAt == nil || !p.ProcessedAt.Before(cutoff) {
				return nil
			}
			now := s.now()
			if err := p.Fail(now, StaleProcessingReason); err != nil {
				return err
			}
			if err := s.payouts.Update(itemCtx, tx, p); err != nil {
				return err
			}
			failed = true
			entry := model.NewAuditEntry(model.EntityPayout, p.ID, model.ActionReclaim, string(model.PayoutProcessing),
				string(model.PayoutFailed), model.Action{Actor: model.ActorScheduler, Reason: StaleProcessingReason}, now)
			return s.audit.Append(itemCtx, tx, entry)
		})
		if err != nil {
			s.logger.ErrorContext(itemCtx, "Error reclaiming stale payout", "error", err)
			continue
		}
		if failed {
			reclaimed++
		}
	}

	if reclaimed > 0 {
		s.logger.WarnContext(ctx, "Reclaimed stale PROCESSING payouts", "count", reclaimed)
		payoutReclaimedCounter.Add(reclaimed)
	}
	return reclaimed, nil
}
