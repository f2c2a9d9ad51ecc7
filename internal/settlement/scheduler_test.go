package settlement_test

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"settlement-service/internal/config"
	"settlement-service/internal/db"
	"settlement-service/internal/model"
	"settlement-service/internal/payment"
	"settlement-service/internal/payout"
	"settlement-service/internal/settlement"
	"settlement-service/internal/testhelpers"
)

var operator = model.Action{Actor: "ops:alice", Reason: "test"}

type SchedulerTestSuite struct {
	suite.Suite
	database  *testhelpers.Database
	store     *db.Store
	provider  *testhelpers.FakeProvider
	clock     *testhelpers.Clock
	payments  *payment.Service
	payouts   *payout.Service
	cfg       config.Settlement
	scheduler *settlement.Scheduler
	ctx       context.Context
}

func (s *SchedulerTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	database, err := testhelpers.StartDatabase(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.database = database
	s.store = db.NewStore(database.Pool)
}

func (s *SchedulerTestSuite) TearDownSuite() {
	if err := s.database.Close(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *SchedulerTestSuite) SetupTest() {
	if err := s.database.Reset(s.ctx); err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}

	s.cfg = config.Settlement{
		HoldingWindow:        14 * 24 * time.Hour,
		AutoRelease:          config.AutoRelease{Enabled: true, Window: 72 * time.Hour},
		ReleaseInterval:      time.Minute,
		PayoutInterval:       time.Hour,
		FetchSize:            10,
		StaleProcessingAfter: 30 * time.Minute,
	}
	s.scheduler = s.newScheduler(s.cfg)
}

func (s *SchedulerTestSuite) newScheduler(cfg config.Settlement) *settlement.Scheduler {
	logger := testhelpers.DiscardLogger()
	paymentRepo := db.NewPaymentRepository()
	payoutRepo := db.NewPayoutRepository()
	auditRepo := db.NewAuditRepository()

	s.provider = &testhelpers.FakeProvider{}
	s.clock = testhelpers.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s.payouts = payout.NewService(s.store, payoutRepo, paymentRepo, auditRepo, s.provider, cfg.HoldingWindow, logger,
		payout.WithClock(s.clock.Now))
	s.payments = payment.NewService(s.store, paymentRepo, payoutRepo, auditRepo, s.payouts,
		decimal.RequireFromString("0.10"), "USD", logger, payment.WithClock(s.clock.Now))

	scheduler, err := settlement.NewScheduler(cfg, s.store, paymentRepo, payoutRepo, s.payments, s.payouts, logger,
		settlement.WithClock(s.clock.Now))
	require.NoError(s.T(), err)
	return scheduler
}

func (s *SchedulerTestSuite) held(bookingID int64) *model.Payment {
	t := s.T()
	p, err := s.payments.CreateForBooking(s.ctx, payment.CreateInput{
		BookingID: bookingID, WorkerID: 42, Amount: decimal.RequireFromString("100.00"),
		PayoutDestination: "acct_42",
	})
	require.NoError(t, err)
	p, err = s.payments.Hold(s.ctx, p.ID, operator)
	require.NoError(t, err)
	return p
}

func (s *SchedulerTestSuite) TestReleaseDue() {
	t := s.T()
	old := s.held(1)
	s.clock.Advance(48 * time.Hour)
	recent := s.held(2)
	s.clock.Advance(25 * time.Hour)

	summary, err := s.scheduler.ReleaseDue(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, settlement.Summary{Scanned: 1, Succeeded: 1}, summary)

	released, err := s.payments.Get(s.ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentReleased, released.Status)

	stillHeld, err := s.payments.Get(s.ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentHeld, stillHeld.Status)

	trail, err := s.payments.AuditTrail(s.ctx, old.ID)
	require.NoError(t, err)
	var releaseActor string
	for _, e := range trail {
		if e.Action == model.ActionRelease {
			releaseActor = e.Actor
		}
	}
	assert.Equal(t, model.ActorScheduler, releaseActor)
}

func (s *SchedulerTestSuite) TestProcessDueFailureIsNotRetried() {
	t := s.T()

	_, err := s.database.Pool.Exec(s.ctx, "SELECT setval('worker_payouts_id_seq', 2)")
	require.NoError(t, err)

	p := s.held(1)
	_, scheduled, err := s.payments.Release(s.ctx, p.ID, operator)
	require.NoError(t, err)
	require.Equal(t, int64(3), scheduled.ID)

	summary, err := s.scheduler.ProcessDue(s.ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)

	s.clock.Advance(s.cfg.HoldingWindow)
	s.provider.SetErr(&model.ProviderError{StatusCode: 422, Message: "invalid account"})

	summary, err = s.scheduler.ProcessDue(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, settlement.Summary{Scanned: 1, Failed: 1}, summary)

	summary, err = s.scheduler.ProcessDue(s.ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)

	calls := s.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "payout-3", calls[0].IdempotencyKey)

	failed, err := s.payouts.Get(s.ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutFailed, failed.Status)
}

func (s *SchedulerTestSuite) TestProcessDueOldestFirst() {
	t := s.T()

	first := s.held(1)
	_, firstPayout, err := s.payments.Release(s.ctx, first.ID, operator)
	require.NoError(t, err)
	s.clock.Advance(time.Hour)
	second := s.held(2)
	_, secondPayout, err := s.payments.Release(s.ctx, second.ID, operator)
	require.NoError(t, err)

	s.clock.Advance(s.cfg.HoldingWindow)
	summary, err := s.scheduler.ProcessDue(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, settlement.Summary{Scanned: 2, Succeeded: 2}, summary)

	calls := s.provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, payout.IdempotencyKey(firstPayout.ID), calls[0].IdempotencyKey)
	assert.Equal(t, payout.IdempotencyKey(secondPayout.ID), calls[1].IdempotencyKey)
}

func (s *SchedulerTestSuite) TestProcessDueReclaimsStale() {
	t := s.T()
	p := s.held(1)
	_, scheduled, err := s.payments.Release(s.ctx, p.ID, operator)
	require.NoError(t, err)

	_, err = db.NewPayoutRepository().Claim(s.ctx, s.store.Pool(), scheduled.ID, s.clock.Now())
	require.NoError(t, err)

	s.clock.Advance(s.cfg.HoldingWindow)
	summary, err := s.scheduler.ProcessDue(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reclaimed)
	assert.Zero(t, summary.Scanned)
	assert.Empty(t, s.provider.Calls())
}

func (s *SchedulerTestSuite) TestStartRunsJobs() {
	t := s.T()
	cfg := s.cfg
	cfg.ReleaseInterval = time.Hour
	scheduler := s.newScheduler(cfg)

	p := s.held(1)
	s.clock.Advance(cfg.AutoRelease.Window + time.Minute)

	require.NoError(t, scheduler.Start(s.ctx))
	defer func() {
		assert.NoError(t, scheduler.Shutdown())
	}()

	assert.Eventually(t, func() bool {
		current, err := s.payments.Get(s.ctx, p.ID)
		return err == nil && current.Status == model.PaymentReleased
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}
