package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"settlement-service/internal/db"
	"settlement-service/internal/logging"
	"settlement-service/internal/model"
	"settlement-service/internal/payout"
)

const (
	reasonGap       = "reconciliation: released payment had no payout"
	reasonOrphan    = "reconciliation: matched orphaned payout"
	reasonNoMatch   = "no matching payment"
	reasonAmbiguous = "ambiguous: more than one payment matches"
)

var (
	gapsFilledCounter        = metrics.GetOrCreateCounter(`reconcile_items_total{result="gap_filled"}`)
	gapsDeferredCounter      = metrics.GetOrCreateCounter(`reconcile_items_total{result="gap_deferred"}`)
	orphansResolvedCounter   = metrics.GetOrCreateCounter(`reconcile_items_total{result="orphan_resolved"}`)
	orphansUnresolvedCounter = metrics.GetOrCreateCounter(`reconcile_items_total{result="orphan_unresolved"}`)
	reconcileErrorsCounter   = metrics.GetOrCreateCounter(`reconcile_items_total{result="error"}`)
)

type Options struct {
	DryRun bool
}

type GapFill struct {
	PaymentID     int64           `json:"payment_id"`
	PayoutID      int64           `json:"payout_id,omitempty"`
	WorkerID      int64           `json:"worker_id"`
	Amount        decimal.Decimal `json:"amount"`
	AutoProcessAt time.Time       `json:"auto_process_at"`
}

type GapDeferral struct {
	PaymentID       int64   `json:"payment_id"`
	OrphanPayoutIDs []int64 `json:"orphan_payout_ids"`
}

type OrphanResolution struct {
	PayoutID  int64 `json:"payout_id"`
	PaymentID int64 `json:"payment_id"`
}

type OrphanIssue struct {
	PayoutID            int64   `json:"payout_id"`
	Reason              string  `json:"reason"`
	CandidatePaymentIDs []int64 `json:"candidate_payment_ids,omitempty"`
}

type Report struct {
	DryRun            bool               `json:"dry_run"`
	GapsFilled        []GapFill          `json:"gaps_filled"`
	GapsDeferred      []GapDeferral      `json:"gaps_deferred"`
	OrphansResolved   []OrphanResolution `json:"orphans_resolved"`
	OrphansUnresolved []OrphanIssue      `json:"orphans_unresolved"`
	Errors            []string           `json:"errors"`
}

func newReport(dryRun bool) *Report {
	return &Report{
		DryRun:            dryRun,
		GapsFilled:        []GapFill{},
		GapsDeferred:      []GapDeferral{},
		OrphansResolved:   []OrphanResolution{},
		OrphansUnresolved: []OrphanIssue{},
		Errors:            []string{},
	}
}

func (r *Report) addError(err error) {
	r.Errors = append(r.Errors, err.Error())
	reconcileErrorsCounter.Inc()
}

// Reconciler repairs the payment/payout linkage: orphaned payouts are
// attached to their payment and released payments without a payout get one.
type Reconciler struct {
	store         *db.Store
	payments      *db.PaymentRepository
	payouts       *db.PayoutRepository
	payoutService *payout.Service
	holdingWindow time.Duration
	logger        *slog.Logger
}

func NewReconciler(store *db.Store, payments *db.PaymentRepository, payouts *db.PayoutRepository,
	payoutService *payout.Service, holdingWindow time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:         store,
		payments:      payments,
		payouts:       payouts,
		payoutService: payoutService,
		holdingWindow: holdingWindow,
		logger:        logger,
	}
}

// Run resolves orphans before filling gaps: a payment an unresolved orphan
// may belong to is deferred, since synthesizing a payout for it could pay
// the worker twice.
func (r *Reconciler) Run(ctx context.Context, opts Options) (*Report, error) {
	ctx = logging.AppendCtx(ctx, slog.Bool("dryRun", opts.DryRun))
	report := newReport(opts.DryRun)
	pool := r.store.Pool()

	orphans, err := r.payouts.ListOrphans(ctx, pool)
	if err != nil {
		return nil, err
	}

	claimed := map[int64]bool{}
	deferred := map[int64][]int64{}

	for _, orphan := range orphans {
		candidates, err := r.payments.ListUnlinkedReleasedForWorker(ctx, pool, orphan.WorkerID, orphan.Amount,
			orphan.Currency)
		if err != nil {
			report.addError(errors.Wrapf(err, "payout %d", orphan.ID))
			continue
		}
		candidates = unclaimed(candidates, claimed)

		match, matched, err := MatchOrphan(orphan, candidates)
		switch {
		case errors.Is(err, model.ErrReconciliationAmbiguity):
			ids := paymentIDs(matched)
			report.OrphansUnresolved = append(report.OrphansUnresolved,
				OrphanIssue{PayoutID: orphan.ID, Reason: reasonAmbiguous, CandidatePaymentIDs: ids})
			for _, id := range ids {
				deferred[id] = append(deferred[id], orphan.ID)
			}
			orphansUnresolvedCounter.Inc()
			r.logger.WarnContext(ctx, "Orphaned payout matches several payments, operator review needed",
				"payoutId", orphan.ID, "candidates", ids)
			continue
		case errors.Is(err, model.ErrNotFound):
			report.OrphansUnresolved = append(report.OrphansUnresolved,
				OrphanIssue{PayoutID: orphan.ID, Reason: reasonNoMatch})
			orphansUnresolvedCounter.Inc()
			r.logger.WarnContext(ctx, "Orphaned payout matches no payment", "payoutId", orphan.ID)
			continue
		}

		if !opts.DryRun {
			if err := r.link(ctx, orphan.ID, match.ID); err != nil {
				report.addError(errors.Wrapf(err, "link payout %d to payment %d", orphan.ID, match.ID))
				continue
			}
		}
		claimed[match.ID] = true
		report.OrphansResolved = append(report.OrphansResolved, OrphanResolution{PayoutID: orphan.ID, PaymentID: match.ID})
		orphansResolvedCounter.Inc()
	}

	gaps, err := r.payments.ListReleasedWithoutPayout(ctx, pool)
	if err != nil {
		return nil, err
	}

	for _, p := range gaps {
		if claimed[p.ID] {
			continue
		}
		if orphanIDs, ok := deferred[p.ID]; ok {
			report.GapsDeferred = append(report.GapsDeferred, GapDeferral{PaymentID: p.ID, OrphanPayoutIDs: orphanIDs})
			gapsDeferredCounter.Inc()
			continue
		}

		if opts.DryRun {
			planned := model.NewScheduledPayout(p, r.holdingWindow)
			report.GapsFilled = append(report.GapsFilled, GapFill{PaymentID: p.ID, WorkerID: p.WorkerID,
				Amount: planned.Amount, AutoProcessAt: *planned.AutoProcessAt})
			continue
		}

		filled, err := r.fill(ctx, p.ID)
		if err != nil {
			report.addError(errors.Wrapf(err, "schedule payout for payment %d", p.ID))
			continue
		}
		if filled == nil {
			continue
		}
		report.GapsFilled = append(report.GapsFilled, GapFill{PaymentID: p.ID, PayoutID: filled.ID,
			WorkerID: filled.WorkerID, Amount: filled.Amount, AutoProcessAt: *filled.AutoProcessAt})
		gapsFilledCounter.Inc()
	}

	r.logger.InfoContext(ctx, "Reconciliation finished",
		"gapsFilled", len(report.GapsFilled), "gapsDeferred", len(report.GapsDeferred),
		"orphansResolved", len(report.OrphansResolved), "orphansUnresolved", len(report.OrphansUnresolved),
		"errors", len(report.Errors))
	return report, nil
}

func (r *Reconciler) link(ctx context.Context, payoutID, paymentID int64) error {
	by := model.Action{Actor: model.ActorReconciler, Reason: reasonOrphan}
	return r.store.InTx(ctx, func(tx pgx.Tx) error {
		p, err := r.payments.SelectForUpdateByID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != model.PaymentReleased {
			return &model.InvalidStateError{Entity: "payment", ID: p.ID, Action: "link payout to", Status: string(p.Status)}
		}
		o, err := r.payouts.SelectForUpdateByID(ctx, tx, payoutID)
		if err != nil {
			return err
		}
		return r.payoutService.Link(ctx, tx, o, p, by)
	})
}

// fill schedules the missing payout. It returns nil when a payout appeared
// concurrently.
func (r *Reconciler) fill(ctx context.Context, paymentID int64) (*model.Payout, error) {
	by := model.Action{Actor: model.ActorReconciler, Reason: reasonGap}
	var filled *model.Payout
	err := r.store.InTx(ctx, func(tx pgx.Tx) error {
		p, err := r.payments.SelectForUpdateByID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		scheduled, created, err := r.payoutService.Schedule(ctx, tx, p, by)
		if err != nil {
			return err
		}
		if created {
			filled = scheduled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if filled != nil {
		r.logger.InfoContext(ctx, "Synthesized missing payout", "paymentId", paymentID, "payoutId", filled.ID)
	}
	return filled, nil
}

func unclaimed(payments []*model.Payment, claimed map[int64]bool) []*model.Payment {
	if len(claimed) == 0 {
		return payments
	}
	out := payments[:0:0]
	for _, p := range payments {
		if !claimed[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

