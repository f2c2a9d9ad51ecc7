package message

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventBookingCompleted = "booking.completed"
	EventPaymentCaptured  = "payment.captured"
)

// BookingEvent is consumed from the booking-events topic.
type BookingEvent struct {
	ID      uuid.UUID      `json:"id"`
	Event   string         `json:"event"`
	Payload BookingPayload `json:"payload"`
}

type BookingPayload struct {
	BookingID         int64            `json:"bookingId"`
	WorkerID          int64            `json:"workerId"`
	Amount            decimal.Decimal  `json:"amount"`
	PlatformFee       *decimal.Decimal `json:"platformFee,omitempty"`
	Currency          string           `json:"currency"`
	JobTitle          string           `json:"jobTitle"`
	PayoutMethod      string           `json:"payoutMethod"`
	PayoutDestination string           `json:"payoutDestination"`
	ExternalReference *string          `json:"externalReference,omitempty"`
}

// SettlementEvent is published to the settlement-events topic for every
// audited transition. Event is "<entity>.<action>", e.g. "payout.complete".
type SettlementEvent struct {
	ID         uuid.UUID `json:"id"`
	Event      string    `json:"event"`
	EntityType string    `json:"entityType"`
	EntityID   int64     `json:"entityId"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}
