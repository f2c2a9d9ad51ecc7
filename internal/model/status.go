package model

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentHeld     PaymentStatus = "HELD"
	PaymentReleased PaymentStatus = "RELEASED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:  {PaymentHeld},
	PaymentHeld:     {PaymentReleased, PaymentRefunded},
	PaymentReleased: {PaymentRefunded},
}

// ParsePaymentStatus accepts any casing and returns the canonical value.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	status := PaymentStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", errors.Wrapf(ErrValidation, "unknown payment status %q", s)
	}
	return status, nil
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentHeld, PaymentReleased, PaymentRefunded:
		return true
	}
	return false
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s PaymentStatus) String() string { return string(s) }

func (s *PaymentStatus) Scan(src any) error {
	raw, err := scanText(src)
	if err != nil {
		return err
	}
	parsed, err := ParsePaymentStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s PaymentStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, errors.Wrapf(ErrValidation, "unknown payment status %q", string(s))
	}
	return string(s), nil
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
)

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutProcessing, PayoutFailed},
	PayoutProcessing: {PayoutCompleted, PayoutFailed},
	PayoutFailed:     {PayoutPending},
}

func ParsePayoutStatus(s string) (PayoutStatus, error) {
	status := PayoutStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", errors.Wrapf(ErrValidation, "unknown payout status %q", s)
	}
	return status, nil
}

func (s PayoutStatus) Valid() bool {
	switch s {
	case PayoutPending, PayoutProcessing, PayoutCompleted, PayoutFailed:
		return true
	}
	return false
}

func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	for _, allowed := range payoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s PayoutStatus) String() string { return string(s) }

func (s *PayoutStatus) Scan(src any) error {
	raw, err := scanText(src)
	if err != nil {
		return err
	}
	parsed, err := ParsePayoutStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s PayoutStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, errors.Wrapf(ErrValidation, "unknown payout status %q", string(s))
	}
	return string(s), nil
}

func scanText(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", errors.Wrap(ErrValidation, "status is null")
	default:
		return "", errors.Wrap(ErrValidation, fmt.Sprintf("cannot scan status from %T", src))
	}
}
