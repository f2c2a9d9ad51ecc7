package event

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"settlement-service/internal/logging"
	"settlement-service/internal/message"
	"settlement-service/internal/model"
	"settlement-service/internal/payment"
)

type PaymentService interface {
	CreateForBooking(ctx context.Context, in payment.CreateInput) (*model.Payment, error)
	HoldByBooking(ctx context.Context, bookingID int64, by model.Action) (*model.Payment, error)
}

// Processor turns booking lifecycle events into payment transitions.
type Processor struct {
	payments PaymentService
	logger   *slog.Logger
}

func NewProcessor(payments PaymentService, logger *slog.Logger) *Processor {
	return &Processor{payments: payments, logger: logger}
}

func (p *Processor) Process(ctx context.Context, e message.BookingEvent) error {
	ctx = logging.AppendCtx(ctx, slog.String("eventId", e.ID.String()))
	ctx = logging.AppendCtx(ctx, slog.Int64("bookingId", e.Payload.BookingID))
	p.logger.InfoContext(ctx, "Processing booking event", "event", e.Event)

	switch e.Event {
	case message.EventBookingCompleted:
		created, err := p.payments.CreateForBooking(ctx, payment.CreateInput{
			BookingID:         e.Payload.BookingID,
			WorkerID:          e.Payload.WorkerID,
			Amount:            e.Payload.Amount,
			PlatformFee:       e.Payload.PlatformFee,
			Currency:          e.Payload.Currency,
			JobTitle:          e.Payload.JobTitle,
			PayoutMethod:      e.Payload.PayoutMethod,
			PayoutDestination: e.Payload.PayoutDestination,
			ExternalReference: e.Payload.ExternalReference,
		})
		if err != nil {
			return errors.Wrapf(err, "create payment for booking %d", e.Payload.BookingID)
		}
		p.logger.InfoContext(ctx, "Payment recorded for booking", "paymentId", created.ID)

	case message.EventPaymentCaptured:
		by := model.Action{Actor: model.ActorBookingEvents, Reason: "funds captured"}
		held, err := p.payments.HoldByBooking(ctx, e.Payload.BookingID, by)
		if errors.Is(err, model.ErrInvalidState) {
			// redelivered event; the payment has already moved on
			p.logger.WarnContext(ctx, "Payment is not pending, skipping capture", "error", err)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "hold payment for booking %d", e.Payload.BookingID)
		}
		p.logger.InfoContext(ctx, "Payment held for booking", "paymentId", held.ID)

	default:
		p.logger.WarnContext(ctx, "Unknown booking event type, skipping", "event", e.Event)
	}
	return nil
}
