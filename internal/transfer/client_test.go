package transfer_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"settlement-service/internal/config"
	"settlement-service/internal/model"
	"settlement-service/internal/transfer"
)

func TestClient_Transfer(t *testing.T) {
	tests := []struct {
		name           string
		mockResponse   func()
		expectedRef    string
		expectedStatus int
		expectedErrMsg string
	}{
		{
			name: "Success",
			mockResponse: func() {
				gock.New("http://provider.example.com").
					Post("/v1/transfers").
					MatchHeader("Idempotency-Key", "payout-3").
					MatchHeader("Authorization", "Bearer test-key").
					JSON(map[string]any{"workerId": 42, "amount": "90.00", "currency": "USD", "method": "bank", "destination": "DE89370400440532013000"}).
					Reply(201).
					JSON(map[string]string{"id": "tr_001"})
			},
			expectedRef: "tr_001",
		},
		{
			name: "Rejected",
			mockResponse: func() {
				gock.New("http://provider.example.com").
					Post("/v1/transfers").
					Reply(422).
					JSON(map[string]string{"error": "destination account closed"})
			},
			expectedStatus: 422,
			expectedErrMsg: "destination account closed",
		},
		{
			name: "Server error without body",
			mockResponse: func() {
				gock.New("http://provider.example.com").
					Post("/v1/transfers").
					Reply(500)
			},
			expectedStatus: 500,
			expectedErrMsg: "500",
		},
		{
			name: "Missing reference",
			mockResponse: func() {
				gock.New("http://provider.example.com").
					Post("/v1/transfers").
					Reply(200).
					JSON(map[string]string{"status": "ok"})
			},
			expectedStatus: 200,
			expectedErrMsg: "without transfer id",
		},
		{
			name: "Timeout",
			mockResponse: func() {
				gock.New("http://provider.example.com").
					Post("/v1/transfers").
					Reply(200).
					Delay(2 * time.Second).
					JSON(map[string]string{"id": "tr_late"})
			},
			expectedErrMsg: "Client.Timeout exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			tt.mockResponse()

			client := transfer.NewClient(config.Transfer{
				URL:       "http://provider.example.com/v1/",
				APIKey:    "test-key",
				TimeoutMs: 500,
			}, slog.New(slog.NewTextHandler(io.Discard, nil)))

			result, err := client.Transfer(context.Background(), transfer.Request{
				IdempotencyKey: "payout-3",
				WorkerID:       42,
				Amount:         decimal.RequireFromString("90.00"),
				Currency:       "USD",
				Method:         "bank",
				Destination:    "DE89370400440532013000",
			})

			if tt.expectedErrMsg != "" {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, model.ErrProvider))
				assert.Contains(t, err.Error(), tt.expectedErrMsg)

				var providerErr *model.ProviderError
				if assert.True(t, errors.As(err, &providerErr)) {
					assert.Equal(t, tt.expectedStatus, providerErr.StatusCode)
				}
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expectedRef, result.Reference)
			}
			assert.True(t, gock.IsDone())
		})
	}
}
