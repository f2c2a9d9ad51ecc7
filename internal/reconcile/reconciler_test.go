package reconcile_test

import (
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"settlement-service/internal/db"
	"settlement-service/internal/model"
	"settlement-service/internal/payout"
	"settlement-service/internal/reconcile"
	"settlement-service/internal/testhelpers"
)

const window = 14 * 24 * time.Hour

type ReconcilerTestSuite struct {
	suite.Suite
	database   *testhelpers.Database
	store      *db.Store
	payments   *db.PaymentRepository
	payouts    *db.PayoutRepository
	reconciler *reconcile.Reconciler
	now        time.Time
	ctx        context.Context
}

func (s *ReconcilerTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	database, err := testhelpers.StartDatabase(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.database = database
	s.store = db.NewStore(database.Pool)
	s.payments = db.NewPaymentRepository()
	s.payouts = db.NewPayoutRepository()

	logger := testhelpers.DiscardLogger()
	payoutService := payout.NewService(s.store, s.payouts, s.payments, db.NewAuditRepository(),
		&testhelpers.FakeProvider{}, window, logger)
	s.reconciler = reconcile.NewReconciler(s.store, s.payments, s.payouts, payoutService, window, logger)
}

func (s *ReconcilerTestSuite) TearDownSuite() {
	if err := s.database.Close(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *ReconcilerTestSuite) SetupTest() {
	if err := s.database.Reset(s.ctx); err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
	s.now = model.Now().Add(-time.Hour)
}

// releasedWithoutPayout bypasses the payment service so no payout is
// scheduled, which is the state reconciliation repairs.
func (s *ReconcilerTestSuite) releasedWithoutPayout(bookingID, workerID int64, amount string) *model.Payment {
	t := s.T()
	p, err := model.NewPayment(model.NewPaymentInput{
		BookingID:   bookingID,
		WorkerID:    workerID,
		Amount:      decimal.RequireFromString(amount),
		PlatformFee: decimal.Zero,
		Currency:    "USD",
	})
	require.NoError(t, err)
	p, _, err = s.payments.Create(s.ctx, s.store.Pool(), p)
	require.NoError(t, err)

	s.now = s.now.Add(time.Minute)
	require.NoError(t, p.Hold(s.now))
	require.NoError(t, s.payments.Update(s.ctx, s.store.Pool(), p))
	require.NoError(t, p.Release(s.now))
	require.NoError(t, s.payments.Update(s.ctx, s.store.Pool(), p))
	return p
}

func (s *ReconcilerTestSuite) orphan(workerID int64, amount string) *model.Payout {
	created, ok, err := s.payouts.Create(s.ctx, s.store.Pool(), &model.Payout{
		WorkerID:    workerID,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "USD",
		Status:      model.PayoutPending,
		RequestedAt: s.now,
		Metadata:    model.Metadata{"source": "legacy-import"},
	})
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	return created
}

func (s *ReconcilerTestSuite) TestRun() {
	t := s.T()

	gap := s.releasedWithoutPayout(1, 5, "100.00")
	ambiguousA := s.releasedWithoutPayout(2, 7, "120.00")
	ambiguousB := s.releasedWithoutPayout(3, 7, "120.00")
	matched := s.releasedWithoutPayout(4, 8, "50.00")

	ambiguousOrphan := s.orphan(7, "120.00")
	matchedOrphan := s.orphan(8, "50.00")
	unmatchedOrphan := s.orphan(9, "75.00")

	dry, err := s.reconciler.Run(s.ctx, reconcile.Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	require.Len(t, dry.GapsFilled, 1)
	assert.Equal(t, gap.ID, dry.GapsFilled[0].PaymentID)
	assert.Zero(t, dry.GapsFilled[0].PayoutID)
	assert.True(t, gap.ReleasedAt.Add(window).Equal(dry.GapsFilled[0].AutoProcessAt))

	orphans, err := s.payouts.ListOrphans(s.ctx, s.store.Pool())
	require.NoError(t, err)
	assert.Len(t, orphans, 3)

	report, err := s.reconciler.Run(s.ctx, reconcile.Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Errors)

	require.Len(t, report.GapsFilled, 1)
	assert.Equal(t, gap.ID, report.GapsFilled[0].PaymentID)
	assert.NotZero(t, report.GapsFilled[0].PayoutID)
	assert.Equal(t, dry.GapsFilled[0].PaymentID, report.GapsFilled[0].PaymentID)

	assert.Equal(t, []reconcile.OrphanResolution{{PayoutID: matchedOrphan.ID, PaymentID: matched.ID}},
		report.OrphansResolved)
	assert.Equal(t, dry.OrphansResolved, report.OrphansResolved)

	require.Len(t, report.OrphansUnresolved, 2)
	assert.Equal(t, ambiguousOrphan.ID, report.OrphansUnresolved[0].PayoutID)
	assert.Equal(t, []int64{ambiguousB.ID, ambiguousA.ID}, report.OrphansUnresolved[0].CandidatePaymentIDs)
	assert.Equal(t, unmatchedOrphan.ID, report.OrphansUnresolved[1].PayoutID)
	assert.Empty(t, report.OrphansUnresolved[1].CandidatePaymentIDs)

	assert.ElementsMatch(t, []reconcile.GapDeferral{
		{PaymentID: ambiguousA.ID, OrphanPayoutIDs: []int64{ambiguousOrphan.ID}},
		{PaymentID: ambiguousB.ID, OrphanPayoutIDs: []int64{ambiguousOrphan.ID}},
	}, report.GapsDeferred)

	linked, err := s.payouts.GetByPaymentID(s.ctx, s.store.Pool(), matched.ID)
	require.NoError(t, err)
	assert.Equal(t, matchedOrphan.ID, linked.ID)

	filled, err := s.payouts.GetByPaymentID(s.ctx, s.store.Pool(), gap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutPending, filled.Status)
	assert.True(t, gap.ReleasedAt.Equal(filled.RequestedAt))
	assert.True(t, decimal.RequireFromString("100").Equal(filled.Amount))

	again, err := s.reconciler.Run(s.ctx, reconcile.Options{})
	require.NoError(t, err)
	assert.Empty(t, again.GapsFilled)
	assert.Empty(t, again.OrphansResolved)
	assert.Len(t, again.GapsDeferred, 2)
	assert.Len(t, again.OrphansUnresolved, 2)
}

func (s *ReconcilerTestSuite) TestTwoOrphansOnePayment() {
	t := s.T()
	p := s.releasedWithoutPayout(1, 7, "80.00")
	first := s.orphan(7, "80.00")
	second := s.orphan(7, "80.00")

	report, err := s.reconciler.Run(s.ctx, reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, []reconcile.OrphanResolution{{PayoutID: first.ID, PaymentID: p.ID}}, report.OrphansResolved)
	require.Len(t, report.OrphansUnresolved, 1)
	assert.Equal(t, second.ID, report.OrphansUnresolved[0].PayoutID)
	assert.Empty(t, report.GapsFilled)
}

func (s *ReconcilerTestSuite) TestReportJSON() {
	t := s.T()

	report, err := s.reconciler.Run(s.ctx, reconcile.Options{DryRun: true})
	require.NoError(t, err)

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dry_run":true,"gaps_filled":[],"gaps_deferred":[],"orphans_resolved":[],
		"orphans_unresolved":[],"errors":[]}`, string(raw))
}

func TestReconcilerTestSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerTestSuite))
}
