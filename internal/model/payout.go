package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const RefundCancellationReason = "payment refunded after release"

type Payout struct {
	ID                 int64           `json:"id"`
	WorkerID           int64           `json:"workerId"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Status             PayoutStatus    `json:"status"`
	PaymentMethod      string          `json:"paymentMethod"`
	DestinationAccount string          `json:"-"`
	RequestedAt        time.Time       `json:"requestedAt"`
	AutoProcessAt      *time.Time      `json:"autoProcessAt,omitempty"`
	ProcessedAt        *time.Time      `json:"processedAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	FailureReason      *string         `json:"failureReason,omitempty"`
	ExternalTransferID *string         `json:"externalTransferId,omitempty"`
	Metadata           Metadata        `json:"metadata"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// NewScheduledPayout builds the PENDING payout owed for a released payment.
// The clock starts at the payment's release time, not at the call time, so
// a payout synthesized late keeps its original schedule.
func NewScheduledPayout(p *Payment, window time.Duration) *Payout {
	requestedAt := *p.ReleasedAt
	autoProcessAt := requestedAt.Add(window)
	return &Payout{
		WorkerID:           p.WorkerID,
		Amount:             p.WorkerAmount,
		Currency:           p.Currency,
		Status:             PayoutPending,
		PaymentMethod:      p.PayoutMethod,
		DestinationAccount: p.PayoutDestination,
		RequestedAt:        requestedAt,
		AutoProcessAt:      &autoProcessAt,
		Metadata:           NewPaymentMetadata(p),
	}
}

func (p *Payout) PaymentID() (int64, bool) {
	return p.Metadata.PaymentID()
}

func (p *Payout) Orphaned() bool {
	_, ok := p.PaymentID()
	return !ok
}

// Due reports whether the scheduler may pick the payout up. Payouts without
// AutoProcessAt are manual-only.
func (p *Payout) Due(now time.Time) bool {
	return p.Status == PayoutPending && p.AutoProcessAt != nil && !now.Before(*p.AutoProcessAt)
}

func (p *Payout) Complete(now time.Time, reference string) error {
	if err := p.transition(PayoutCompleted, "complete"); err != nil {
		return err
	}
	p.CompletedAt = &now
	p.ExternalTransferID = &reference
	p.FailureReason = nil
	return nil
}

func (p *Payout) Fail(now time.Time, reason string) error {
	if err := p.transition(PayoutFailed, "fail"); err != nil {
		return err
	}
	if p.ProcessedAt == nil {
		p.ProcessedAt = &now
	}
	p.FailureReason = &reason
	return nil
}

// Cancel fails a payout whose payment was refunded before the transfer
// completed.
func (p *Payout) Cancel(now time.Time) error {
	if err := p.transition(PayoutFailed, "cancel"); err != nil {
		return err
	}
	reason := RefundCancellationReason
	p.FailureReason = &reason
	return nil
}

// Retry returns a FAILED payout to the queue, due immediately.
func (p *Payout) Retry(now time.Time) error {
	if err := p.transition(PayoutPending, "retry"); err != nil {
		return err
	}
	p.AutoProcessAt = &now
	p.ProcessedAt = nil
	p.FailureReason = nil
	return nil
}

// Link attaches an orphaned payout to the payment it pays out.
func (p *Payout) Link(payment *Payment) error {
	if !p.Orphaned() {
		return &InvalidStateError{Entity: "payout", ID: p.ID, Action: "link", Status: string(p.Status)}
	}
	p.Metadata = p.Metadata.Merge(NewPaymentMetadata(payment))
	return nil
}

func (p *Payout) transition(next PayoutStatus, action string) error {
	if !p.Status.CanTransitionTo(next) {
		return &InvalidStateError{Entity: "payout", ID: p.ID, Action: action, Status: string(p.Status)}
	}
	p.Status = next
	return nil
}
