package model_test

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-service/internal/model"
)

func TestParsePaymentStatus(t *testing.T) {
	for _, raw := range []string{"held", "HELD", " Held "} {
		status, err := model.ParsePaymentStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, model.PaymentHeld, status)
	}

	_, err := model.ParsePaymentStatus("captured")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestPayoutStatus_Scan(t *testing.T) {
	var status model.PayoutStatus
	require.NoError(t, status.Scan([]byte("completed")))
	assert.Equal(t, model.PayoutCompleted, status)

	require.NoError(t, status.Scan("FAILED"))
	assert.Equal(t, model.PayoutFailed, status)

	assert.Error(t, status.Scan("paid"))
	assert.Error(t, status.Scan(nil))

	_, err := model.PayoutStatus("paid").Value()
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, model.PaymentHeld.CanTransitionTo(model.PaymentRefunded))
	assert.True(t, model.PaymentReleased.CanTransitionTo(model.PaymentRefunded))
	assert.False(t, model.PaymentPending.CanTransitionTo(model.PaymentReleased))
	assert.False(t, model.PaymentRefunded.CanTransitionTo(model.PaymentHeld))

	assert.True(t, model.PayoutFailed.CanTransitionTo(model.PayoutPending))
	assert.False(t, model.PayoutCompleted.CanTransitionTo(model.PayoutPending))
	assert.False(t, model.PayoutPending.CanTransitionTo(model.PayoutCompleted))
}

func TestMetadata_PaymentID(t *testing.T) {
	var decoded model.Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"payment_id": 7}`), &decoded))
	id, ok := decoded.PaymentID()
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	id, ok = model.Metadata{"payment_id": "12"}.PaymentID()
	assert.True(t, ok)
	assert.Equal(t, int64(12), id)

	for _, raw := range []any{7.5, "abc", "007", "+7", -1, 0, true} {
		_, ok = model.Metadata{"payment_id": raw}.PaymentID()
		assert.False(t, ok, "payment_id %v", raw)
	}

	_, ok = model.Metadata{"job_title": "x"}.PaymentID()
	assert.False(t, ok)

	_, ok = model.Metadata(nil).PaymentID()
	assert.False(t, ok)
}

func TestAction_Validate(t *testing.T) {
	assert.NoError(t, model.Action{Actor: "admin:ana", Reason: "dispute #4"}.Validate())
	assert.True(t, errors.Is(model.Action{Reason: "x"}.Validate(), model.ErrValidation))
	assert.True(t, errors.Is(model.Action{Actor: "x"}.Validate(), model.ErrValidation))
}
