package model

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrValidation              = errors.New("validation failed")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidState            = errors.New("invalid state transition")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrNotDue                  = errors.New("payout is not due yet")
	ErrProvider                = errors.New("transfer provider error")
	ErrReconciliationAmbiguity = errors.New("ambiguous reconciliation match")
)

// InvalidStateError is returned when an action is not legal from the
// record's current status. It matches ErrInvalidState with errors.Is.
type InvalidStateError struct {
	Entity string
	ID     int64
	Action string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %d in status %s", e.Action, e.Entity, e.ID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ProviderError carries the transfer provider's failure. It matches
// ErrProvider with errors.Is.
type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transfer provider returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transfer provider request failed: %s", e.Message)
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
