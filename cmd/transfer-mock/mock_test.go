package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider() *provider {
	p := newProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.delay = func() time.Duration { return 0 }
	return p
}

func post(t *testing.T, h http.Handler, path, key string) (int, map[string]string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"workerId":1,"amount":"90.00"}`))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestIdempotentReplay(t *testing.T) {
	h := newTestProvider().routes()

	code, first := post(t, h, "/always-success/transfers", "payout-3")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, strings.HasPrefix(first["id"], "tr_"))

	code, second := post(t, h, "/success-delayed/transfers", "payout-3")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first["id"], second["id"])

	_, other := post(t, h, "/always-success/transfers", "payout-4")
	assert.NotEqual(t, first["id"], other["id"])
}

func TestFailureModes(t *testing.T) {
	p := newTestProvider()
	h := p.routes()

	code, body := post(t, h, "/always-fail/transfers", "payout-1")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NotEmpty(t, body["error"])

	code, _ = post(t, h, "/always-success/transfers", "")
	assert.Equal(t, http.StatusBadRequest, code)

	p.fail = func() bool { return true }
	code, _ = post(t, h, "/random-fail/transfers", "payout-2")
	assert.Equal(t, http.StatusInternalServerError, code)

	p.fail = func() bool { return false }
	code, _ = post(t, h, "/random-fail/transfers", "payout-2")
	assert.Equal(t, http.StatusOK, code)
}
