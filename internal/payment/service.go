package payment

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"settlement-service/internal/db"
	"settlement-service/internal/logging"
	"settlement-service/internal/model"
	"settlement-service/internal/payout"
)

var (
	paymentCreatedCounter   = metrics.GetOrCreateCounter(`payment_transitions_total{action="create"}`)
	paymentDuplicateCounter = metrics.GetOrCreateCounter(`payment_transitions_total{action="create_duplicate"}`)
	paymentHeldCounter      = metrics.GetOrCreateCounter(`payment_transitions_total{action="hold"}`)
	paymentReleasedCounter  = metrics.GetOrCreateCounter(`payment_transitions_total{action="release"}`)
	paymentRefundedCounter  = metrics.GetOrCreateCounter(`payment_transitions_total{action="refund"}`)
)

// CreateInput is what a completed booking carries. PlatformFee is derived
// from the configured rate when nil; Currency falls back to the default.
type CreateInput struct {
	BookingID         int64
	WorkerID          int64
	Amount            decimal.Decimal
	PlatformFee       *decimal.Decimal
	Currency          string
	JobTitle          string
	PayoutMethod      string
	PayoutDestination string
	ExternalReference *string
}

type RefundRequest struct {
	model.Action
	// Amount is the refunded amount; nil refunds in full.
	Amount *decimal.Decimal
}

type Service struct {
	store           *db.Store
	payments        *db.PaymentRepository
	payouts         *db.PayoutRepository
	audit           *db.AuditRepository
	payoutService   *payout.Service
	feeRate         decimal.Decimal
	defaultCurrency string
	logger          *slog.Logger
	now             func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store *db.Store, payments *db.PaymentRepository, payouts *db.PayoutRepository,
	audit *db.AuditRepository, payoutService *payout.Service, feeRate decimal.Decimal, defaultCurrency string,
	logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:           store,
		payments:        payments,
		payouts:         payouts,
		audit:           audit,
		payoutService:   payoutService,
		feeRate:         feeRate,
		defaultCurrency: defaultCurrency,
		logger:          logger,
		now:             model.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Get(ctx context.Context, id int64) (*model.Payment, error) {
	return s.payments.GetByID(ctx, s.store.Pool(), id)
}

// AuditTrail returns the payment's entries merged with those of its payout,
// oldest first.
func (s *Service) AuditTrail(ctx context.Context, id int64) ([]*model.AuditEntry, error) {
	pool := s.store.Pool()
	if _, err := s.payments.GetByID(ctx, pool, id); err != nil {
		return nil, err
	}

	entries, err := s.audit.ListByEntity(ctx, pool, model.EntityPayment, id)
	if err != nil {
		return nil, err
	}

	p, err := s.payouts.GetByPaymentID(ctx, pool, id)
	switch {
	case err == nil:
		payoutEntries, err := s.audit.ListByEntity(ctx, pool, model.EntityPayout, p.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, payoutEntries...)
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// CreateForBooking records the payment owed for a completed booking. A
// repeated booking returns the payment already on file.
func (s *Service) CreateForBooking(ctx context.Context, in CreateInput) (*model.Payment, error) {
	ctx = logging.AppendCtx(ctx, slog.Int64("bookingId", in.BookingID))

	fee := model.PlatformFeeFor(in.Amount, s.feeRate)
	if in.PlatformFee != nil {
		fee = *in.PlatformFee
	}
	currency := in.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	p, err := model.NewPayment(model.NewPaymentInput{
		BookingID:         in.BookingID,
		WorkerID:          in.WorkerID,
		Amount:            in.Amount,
		PlatformFee:       fee,
		Currency:          currency,
		JobTitle:          in.JobTitle,
		PayoutMethod:      in.PayoutMethod,
		PayoutDestination: in.PayoutDestination,
		ExternalReference: in.ExternalReference,
	})
	if err != nil {
		return nil, err
	}

	var result *model.Payment
	var created bool
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		result, created, err = s.payments.Create(ctx, tx, p)
		if err != nil || !created {
			return err
		}
		entry := model.NewAuditEntry(model.EntityPayment, result.ID, model.ActionCreate, "",
			string(model.PaymentPending),
			model.Action{Actor: model.ActorBookingEvents, Reason: "booking completed"}, s.now())
		return s.audit.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	if !created {
		s.logger.WarnContext(ctx, "Payment already exists for booking, skipping", "paymentId", result.ID)
		paymentDuplicateCounter.Inc()
		return result, nil
	}

	s.logger.InfoContext(ctx, "Created payment", "paymentId", result.ID, "amount", result.Amount.StringFixed(2),
		"workerAmount", result.WorkerAmount.StringFixed(2))
	paymentCreatedCounter.Inc()
	return result, nil
}

func (s *Service) Hold(ctx context.Context, id int64, by model.Action) (*model.Payment, error) {
	if err := by.Validate(); err != nil {
		return nil, err
	}
	p, err := s.transition(ctx, id, model.ActionHold, by, func(_ pgx.Tx, p *model.Payment, now time.Time) error {
		return p.Hold(now)
	})
	if err != nil {
		return nil, err
	}
	paymentHeldCounter.Inc()
	return p, nil
}

// HoldByBooking holds the payment of a booking whose funds were captured.
func (s *Service) HoldByBooking(ctx context.Context, bookingID int64, by model.Action) (*model.Payment, error) {
	p, err := s.payments.GetByBookingID(ctx, s.store.Pool(), bookingID)
	if err != nil {
		return nil, err
	}
	return s.Hold(ctx, p.ID, by)
}

// Release moves funds toward the worker. The payout is scheduled in the
// same transaction, so a released payment never exists without one.
func (s *Service) Release(ctx context.Context, id int64, by model.Action) (*model.Payment, *model.Payout, error) {
	if err := by.Validate(); err != nil {
		return nil, nil, err
	}

	var scheduled *model.Payout
	p, err := s.transition(ctx, id, model.ActionRelease, by, func(tx pgx.Tx, p *model.Payment, now time.Time) error {
		if err := p.Release(now); err != nil {
			return err
		}
		// Scheduling reads the released row, so persist it first.
		if err := s.payments.Update(ctx, tx, p); err != nil {
			return err
		}
		var err error
		scheduled, _, err = s.payoutService.Schedule(ctx, tx, p, by)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	paymentReleasedCounter.Inc()
	return p, scheduled, nil
}

// Refund returns funds to the customer. A payout not yet paid is cancelled;
// one already paid flags the payment for clawback and is left as is.
func (s *Service) Refund(ctx context.Context, id int64, req RefundRequest) (*model.Payment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p, err := s.transition(ctx, id, model.ActionRefund, req.Action, func(tx pgx.Tx, p *model.Payment, now time.Time) error {
		if err := p.Refund(now, req.Reason, req.Amount); err != nil {
			return err
		}
		linked, completed, err := s.payoutService.CancelForRefund(ctx, tx, p.ID, req.Action)
		if err != nil {
			return err
		}
		if !completed {
			return nil
		}
		p.ClawbackRequired = true
		s.logger.WarnContext(ctx, "Refunded payment was already paid out, clawback required", "payoutId", linked.ID)
		entry := model.NewAuditEntry(model.EntityPayment, p.ID, model.ActionClawbackRequired,
			string(p.Status), string(p.Status), req.Action, now)
		return s.audit.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	paymentRefundedCounter.Inc()
	return p, nil
}

// transition locks the payment, applies fn, saves the row with a version
// check and appends the audit entry, all in one transaction. fn may persist
// the payment itself; transition saves it only if fn left it unchanged.
func (s *Service) transition(ctx context.Context, id int64, action string, by model.Action,
	fn func(tx pgx.Tx, p *model.Payment, now time.Time) error) (*model.Payment, error) {
	ctx = logging.AppendCtx(ctx, slog.Int64("paymentId", id))

	var result *model.Payment
	err := s.store.InTx(ctx, func(tx pgx.Tx) error {
		p, err := s.payments.SelectForUpdateByID(ctx, tx, id)
		if err != nil {
			return err
		}
		from := p.Status
		version := p.Version
		now := s.now()

		if err := fn(tx, p, now); err != nil {
			return err
		}
		if p.Version == version {
			if err := s.payments.Update(ctx, tx, p); err != nil {
				return err
			}
		}
		result = p

		entry := model.NewAuditEntry(model.EntityPayment, id, action, string(from), string(p.Status), by, now)
		return s.audit.Append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Payment transitioned", "action", action, "status", result.Status, "actor", by.Actor)
	return result, nil
}
