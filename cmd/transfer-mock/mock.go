package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	errorRate   = 0.5
	contentType = "application/json"
)

type transferResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// provider simulates a payout provider. Successful transfers are remembered
// by Idempotency-Key and replayed, so a retried payout is never paid twice.
type provider struct {
	mu        sync.Mutex
	transfers map[string]string
	calls     map[string]int
	delay     func() time.Duration
	fail      func() bool
	logger    *slog.Logger
}

func newProvider(logger *slog.Logger) *provider {
	return &provider{
		transfers: make(map[string]string),
		calls:     make(map[string]int),
		delay:     func() time.Duration { return time.Duration(3+rand.Intn(6)) * time.Second },
		fail:      func() bool { return rand.Float64() < errorRate },
		logger:    logger,
	}
}

func (p *provider) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(p.logRequests)
	r.Post("/always-success/transfers", p.alwaysSuccess)
	r.Post("/success-delayed/transfers", p.successDelayed)
	r.Post("/always-fail/transfers", p.alwaysFail)
	r.Post("/random-fail/transfers", p.randomFail)
	return r
}

func (p *provider) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		p.mu.Lock()
		p.calls[key]++
		count := p.calls[key]
		p.mu.Unlock()

		p.logger.Info("Transfer requested", "path", r.URL.Path, "idempotencyKey", key, "attempt", count)
		next.ServeHTTP(w, r)
	})
}

func (p *provider) alwaysSuccess(w http.ResponseWriter, r *http.Request) {
	p.succeed(w, r)
}

func (p *provider) successDelayed(w http.ResponseWriter, r *http.Request) {
	select {
	case <-time.After(p.delay()):
	case <-r.Context().Done():
		return
	}
	p.succeed(w, r)
}

func (p *provider) alwaysFail(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error"})
}

func (p *provider) randomFail(w http.ResponseWriter, r *http.Request) {
	if p.fail() {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error"})
		return
	}
	p.succeed(w, r)
}

func (p *provider) succeed(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Idempotency-Key header is required"})
		return
	}

	p.mu.Lock()
	id, replay := p.transfers[key]
	if !replay {
		id = "tr_" + uuid.NewString()
		p.transfers[key] = id
	}
	p.mu.Unlock()

	if replay {
		p.logger.Warn("Duplicate transfer request, replaying original", "idempotencyKey", key, "id", id)
	}
	writeJSON(w, http.StatusOK, transferResponse{ID: id})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
