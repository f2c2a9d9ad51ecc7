package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"

	"settlement-service/internal/config"
	"settlement-service/internal/db"
	"settlement-service/internal/logging"
	"settlement-service/internal/model"
	"settlement-service/internal/payment"
	"settlement-service/internal/payout"
)

const (
	JobAutoRelease      = "auto_release"
	JobPayoutProcessing = "payout_processing"
)

// Summary counts the outcome of one job run. Skipped items were picked up
// by someone else or stopped being eligible between listing and acting.
type Summary struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Reclaimed int `json:"reclaimed,omitempty"`
}

func (s *Summary) record(job string, err error) string {
	result := "success"
	switch {
	case err == nil:
		s.Succeeded++
	case errors.Is(err, model.ErrConcurrentModification), errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrNotDue):
		s.Skipped++
		result = "skipped"
	default:
		s.Failed++
		result = "failure"
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`settlement_job_items_total{job=%q,result=%q}`, job, result)).Inc()
	return result
}

type Scheduler struct {
	scheduler      gocron.Scheduler
	cfg            config.Settlement
	store          *db.Store
	payments       *db.PaymentRepository
	payouts        *db.PayoutRepository
	paymentService *payment.Service
	payoutService  *payout.Service
	logger         *slog.Logger
	now            func() time.Time
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(cfg config.Settlement, store *db.Store, payments *db.PaymentRepository,
	payouts *db.PayoutRepository, paymentService *payment.Service, payoutService *payout.Service,
	logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler")
	}

	s := &Scheduler{
		scheduler:      scheduler,
		cfg:            cfg,
		store:          store,
		payments:       payments,
		payouts:        payouts,
		paymentService: paymentService,
		payoutService:  payoutService,
		logger:         logger,
		now:            model.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start registers the jobs and starts the scheduler. Jobs run with ctx until
// Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.AutoRelease.Enabled {
		if err := s.register(ctx, JobAutoRelease, s.cfg.ReleaseInterval, s.ReleaseDue); err != nil {
			return err
		}
	} else {
		s.logger.InfoContext(ctx, "Auto-release is disabled, payments are released by operators only")
	}

	if err := s.register(ctx, JobPayoutProcessing, s.cfg.PayoutInterval, s.ProcessDue); err != nil {
		return err
	}

	s.scheduler.Start()
	s.logger.InfoContext(ctx, "Settlement scheduler started", "releaseInterval", s.cfg.ReleaseInterval,
		"payoutInterval", s.cfg.PayoutInterval)
	return nil
}

func (s *Scheduler) register(ctx context.Context, name string, interval time.Duration,
	run func(context.Context) (Summary, error)) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			jobCtx := logging.AppendCtx(ctx, slog.String("job", name))
			metrics.GetOrCreateCounter(fmt.Sprintf(`settlement_job_runs_total{job=%q}`, name)).Inc()
			started := time.Now()

			summary, err := run(jobCtx)
			metrics.GetOrCreateHistogram(fmt.Sprintf(`settlement_job_duration_seconds{job=%q}`, name)).
				UpdateDuration(started)
			if err != nil {
				s.logger.ErrorContext(jobCtx, "Job run failed", "error", err)
				return
			}
			s.logger.InfoContext(jobCtx, "Job run finished", "scanned", summary.Scanned,
				"succeeded", summary.Succeeded, "failed", summary.Failed, "skipped", summary.Skipped,
				"reclaimed", summary.Reclaimed)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	return errors.Wrapf(err, "register job %s", name)
}

func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

// ReleaseDue releases HELD payments whose hold is older than the
// auto-release window.
func (s *Scheduler) ReleaseDue(ctx context.Context) (Summary, error) {
	var summary Summary
	cutoff := s.now().Add(-s.cfg.AutoRelease.Window)

	held, err := s.payments.ListHeldBefore(ctx, s.store.Pool(), cutoff, s.cfg.FetchSize)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(held)

	by := model.Action{Actor: model.ActorScheduler, Reason: "auto-release window elapsed"}
	for _, p := range held {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		_, _, err := s.paymentService.Release(ctx, p.ID, by)
		if result := summary.record(JobAutoRelease, err); result != "success" {
			s.logger.WarnContext(ctx, "Error auto-releasing payment", "paymentId", p.ID, "result", result,
				"error", err)
		}
	}
	return summary, nil
}

// ProcessDue reclaims stale claims, then pays out due PENDING payouts one at
// a time, oldest first.
func (s *Scheduler) ProcessDue(ctx context.Context) (Summary, error) {
	var summary Summary

	reclaimed, err := s.payoutService.ReclaimStale(ctx, s.cfg.StaleProcessingAfter, s.cfg.FetchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error reclaiming stale payouts", "error", err)
	}
	summary.Reclaimed = reclaimed

	due, err := s.payouts.ListDue(ctx, s.store.Pool(), s.now(), s.cfg.FetchSize)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(due)

	req := payout.ProcessRequest{Action: model.Action{Actor: model.ActorScheduler, Reason: "auto_process_at reached"}}
	for _, p := range due {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		_, err := s.payoutService.Process(ctx, p.ID, req)
		if result := summary.record(JobPayoutProcessing, err); result != "success" {
			s.logger.WarnContext(ctx, "Error processing payout", "payoutId", p.ID, "result", result,
				"error", err)
		}
	}
	return summary, nil
}
