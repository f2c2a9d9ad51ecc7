package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	EntityPayment = "payment"
	EntityPayout  = "payout"
)

const (
	ActorScheduler     = "system:scheduler"
	ActorReconciler    = "system:reconciler"
	ActorBookingEvents = "system:booking-events"
)

const (
	ActionCreate           = "create"
	ActionHold             = "hold"
	ActionRelease          = "release"
	ActionRefund           = "refund"
	ActionSchedule         = "schedule"
	ActionClaim            = "claim"
	ActionComplete         = "complete"
	ActionFail             = "fail"
	ActionCancel           = "cancel"
	ActionRetry            = "retry"
	ActionLink             = "link"
	ActionReclaim          = "reclaim"
	ActionClawbackRequired = "clawback_required"
	ActionLateTransfer     = "late_transfer"
)

// Action identifies who asked for a transition and why. Both are kept in
// the audit trail as dispute evidence.
type Action struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type AuditEntry struct {
	ID          uuid.UUID  `json:"id"`
	EntityType  string     `json:"entityType"`
	EntityID    int64      `json:"entityId"`
	Action      string     `json:"action"`
	FromStatus  string     `json:"fromStatus"`
	ToStatus    string     `json:"toStatus"`
	Actor       string     `json:"actor"`
	Reason      string     `json:"reason"`
	CreatedAt   time.Time  `json:"createdAt"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

func NewAuditEntry(entityType string, entityID int64, action, from, to string, by Action, now time.Time) *AuditEntry {
	return &AuditEntry{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Actor:      by.Actor,
		Reason:     by.Reason,
		CreatedAt:  now,
	}
}

// Now truncates to the database's timestamp precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (a Action) Validate() error {
	if strings.TrimSpace(a.Actor) == "" {
		return errors.Wrap(ErrValidation, "actor is required")
	}
	if strings.TrimSpace(a.Reason) == "" {
		return errors.Wrap(ErrValidation, "reason is required")
	}
	return nil
}
