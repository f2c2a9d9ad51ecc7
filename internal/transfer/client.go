package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/shopspring/decimal"

	"settlement-service/internal/config"
	"settlement-service/internal/model"
)

const (
	defaultTimeoutMs = 10_000
	maxErrorBody     = 512
)

var (
	transferSuccessCounter   = metrics.GetOrCreateCounter(`transfer_requests_total{result="success"}`)
	transferRejectedCounter  = metrics.GetOrCreateCounter(`transfer_requests_total{result="rejected"}`)
	transferTransportCounter = metrics.GetOrCreateCounter(`transfer_requests_total{result="transport_error"}`)

	transferDurationHistogram = metrics.GetOrCreateHistogram(`transfer_request_duration_milliseconds`)
)

type Request struct {
	IdempotencyKey string
	WorkerID       int64
	Amount         decimal.Decimal
	Currency       string
	Method         string
	Destination    string
}

type Result struct {
	Reference string
}

// Provider moves money to a worker's external account. Implementations must
// treat IdempotencyKey as the deduplication key for the transfer.
type Provider interface {
	Transfer(ctx context.Context, req Request) (Result, error)
}

type transferBody struct {
	WorkerID    int64  `json:"workerId"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Method      string `json:"method,omitempty"`
	Destination string `json:"destination"`
}

type transferResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type Client struct {
	client  *http.Client
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

func NewClient(cfg config.Transfer, logger *slog.Logger) *Client {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	return &Client{
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

func (c *Client) Transfer(ctx context.Context, req Request) (Result, error) {
	startTime := time.Now()
	defer func() {
		transferDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	url := c.baseURL + "/transfers"
	c.logger.InfoContext(ctx, "Sending transfer", "url", url, "idempotencyKey", req.IdempotencyKey,
		"workerId", req.WorkerID, "amount", req.Amount.StringFixed(2), "currency", req.Currency)

	payload, err := json.Marshal(transferBody{
		WorkerID:    req.WorkerID,
		Amount:      req.Amount.StringFixed(2),
		Currency:    req.Currency,
		Method:      req.Method,
		Destination: req.Destination,
	})
	if err != nil {
		return Result{}, &model.ProviderError{Message: "encode request: " + err.Error(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, &model.ProviderError{Message: "build request: " + err.Error(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.ErrorContext(ctx, "Error sending transfer", "error", err)
		transferTransportCounter.Inc()
		return Result{}, &model.ProviderError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.ErrorContext(ctx, "Error reading transfer response", "error", err)
		transferTransportCounter.Inc()
		return Result{}, &model.ProviderError{StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
	}

	var decoded transferResponse
	_ = json.Unmarshal(respBody, &decoded)

	if resp.StatusCode >= 400 {
		message := decoded.Error
		if message == "" {
			message = truncate(string(respBody), maxErrorBody)
		}
		if message == "" {
			message = resp.Status
		}
		c.logger.WarnContext(ctx, "Transfer rejected", "status", resp.Status, "error", message)
		transferRejectedCounter.Inc()
		return Result{}, &model.ProviderError{StatusCode: resp.StatusCode, Message: message}
	}

	if decoded.ID == "" {
		transferRejectedCounter.Inc()
		return Result{}, &model.ProviderError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("response without transfer id: %s", truncate(string(respBody), maxErrorBody)),
		}
	}

	c.logger.InfoContext(ctx, "Transfer accepted", "reference", decoded.ID)
	transferSuccessCounter.Inc()
	return Result{Reference: decoded.ID}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
