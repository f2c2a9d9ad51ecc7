package model

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const moneyScale = 2

type Payment struct {
	ID                int64               `json:"id"`
	BookingID         int64               `json:"bookingId"`
	WorkerID          int64               `json:"workerId"`
	Amount            decimal.Decimal     `json:"amount"`
	PlatformFee       decimal.Decimal     `json:"platformFee"`
	WorkerAmount      decimal.Decimal     `json:"workerAmount"`
	Currency          string              `json:"currency"`
	Status            PaymentStatus       `json:"status"`
	JobTitle          string              `json:"jobTitle"`
	PayoutMethod      string              `json:"payoutMethod"`
	PayoutDestination string              `json:"-"`
	HeldAt            *time.Time          `json:"heldAt,omitempty"`
	ReleasedAt        *time.Time          `json:"releasedAt,omitempty"`
	RefundedAt        *time.Time          `json:"refundedAt,omitempty"`
	RefundReason      *string             `json:"refundReason,omitempty"`
	RefundAmount      decimal.NullDecimal `json:"refundAmount"`
	ExternalReference *string             `json:"externalReference,omitempty"`
	ClawbackRequired  bool                `json:"clawbackRequired"`
	Version           int                 `json:"version"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

type NewPaymentInput struct {
	BookingID         int64
	WorkerID          int64
	Amount            decimal.Decimal
	PlatformFee       decimal.Decimal
	Currency          string
	JobTitle          string
	PayoutMethod      string
	PayoutDestination string
	ExternalReference *string
}

// NewPayment builds a PENDING payment. WorkerAmount is fixed here and is
// never derived again from Amount and PlatformFee.
func NewPayment(in NewPaymentInput) (*Payment, error) {
	if in.BookingID <= 0 {
		return nil, errors.Wrap(ErrValidation, "booking id is required")
	}
	if in.WorkerID <= 0 {
		return nil, errors.Wrap(ErrValidation, "worker id is required")
	}
	if err := validateMoney("amount", in.Amount); err != nil {
		return nil, err
	}
	if !in.Amount.IsPositive() {
		return nil, errors.Wrapf(ErrInvalidAmount, "amount must be positive, got %s", in.Amount)
	}
	if err := validateMoney("platform fee", in.PlatformFee); err != nil {
		return nil, err
	}
	if in.PlatformFee.IsNegative() {
		return nil, errors.Wrapf(ErrInvalidAmount, "platform fee must not be negative, got %s", in.PlatformFee)
	}
	if in.PlatformFee.GreaterThan(in.Amount) {
		return nil, errors.Wrapf(ErrInvalidAmount, "platform fee %s exceeds amount %s", in.PlatformFee, in.Amount)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if len(currency) != 3 {
		return nil, errors.Wrapf(ErrValidation, "invalid currency %q", in.Currency)
	}

	return &Payment{
		BookingID:         in.BookingID,
		WorkerID:          in.WorkerID,
		Amount:            in.Amount,
		PlatformFee:       in.PlatformFee,
		WorkerAmount:      in.Amount.Sub(in.PlatformFee),
		Currency:          currency,
		Status:            PaymentPending,
		JobTitle:          in.JobTitle,
		PayoutMethod:      in.PayoutMethod,
		PayoutDestination: in.PayoutDestination,
		ExternalReference: in.ExternalReference,
	}, nil
}

// PlatformFeeFor applies rate to amount and rounds to cents.
func PlatformFeeFor(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(moneyScale)
}

func (p *Payment) Hold(now time.Time) error {
	if err := p.transition(PaymentHeld, "hold"); err != nil {
		return err
	}
	p.HeldAt = &now
	return nil
}

func (p *Payment) Release(now time.Time) error {
	if err := p.transition(PaymentReleased, "release"); err != nil {
		return err
	}
	p.ReleasedAt = &now
	return nil
}

// Refund moves the payment to REFUNDED. A nil amount refunds in full.
func (p *Payment) Refund(now time.Time, reason string, amount *decimal.Decimal) error {
	refund := p.Amount
	if amount != nil {
		if err := validateMoney("refund amount", *amount); err != nil {
			return err
		}
		if !amount.IsPositive() || amount.GreaterThan(p.Amount) {
			return errors.Wrapf(ErrInvalidAmount, "refund amount %s must be within (0, %s]", amount, p.Amount)
		}
		refund = *amount
	}
	if strings.TrimSpace(reason) == "" {
		return errors.Wrap(ErrValidation, "refund reason is required")
	}
	if err := p.transition(PaymentRefunded, "refund"); err != nil {
		return err
	}
	p.RefundedAt = &now
	p.RefundReason = &reason
	p.RefundAmount = decimal.NewNullDecimal(refund)
	return nil
}

func (p *Payment) transition(next PaymentStatus, action string) error {
	if !p.Status.CanTransitionTo(next) {
		return &InvalidStateError{Entity: "payment", ID: p.ID, Action: action, Status: string(p.Status)}
	}
	p.Status = next
	return nil
}

func validateMoney(field string, v decimal.Decimal) error {
	if !v.Equal(v.Round(moneyScale)) {
		return errors.Wrapf(ErrInvalidAmount, "%s %s has more than %d decimal places", field, v, moneyScale)
	}
	return nil
}
