package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"settlement-service/internal/api"
	"settlement-service/internal/config"
	"settlement-service/internal/db"
	"settlement-service/internal/event"
	"settlement-service/internal/kafka"
	"settlement-service/internal/logging"
	"settlement-service/internal/metrics"
	"settlement-service/internal/outbox"
	"settlement-service/internal/payment"
	"settlement-service/internal/payout"
	"settlement-service/internal/reconcile"
	"settlement-service/internal/settlement"
	"settlement-service/internal/transfer"
)

const shutdownTimeout = 15 * time.Second

type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	pool       *pgxpool.Pool
	store      *db.Store
	paymentsDB *db.PaymentRepository
	payoutsDB  *db.PayoutRepository
	auditDB    *db.AuditRepository
	payouts    *payout.Service
	payments   *payment.Service
	reconciler *reconcile.Reconciler
}

// newApp loads config, migrates the database and wires the services.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.GetLogger(cfg.Logs)

	connStr := db.GetConnStr(cfg.Database)
	if err := db.RunMigrations(connStr); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}
	pool, err := db.GetPool(ctx, connStr)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		store:      db.NewStore(pool),
		paymentsDB: db.NewPaymentRepository(),
		payoutsDB:  db.NewPayoutRepository(),
		auditDB:    db.NewAuditRepository(),
	}
	provider := transfer.NewClient(cfg.Transfer, logger)
	a.payouts = payout.NewService(a.store, a.payoutsDB, a.paymentsDB, a.auditDB, provider,
		cfg.Settlement.HoldingWindow, logger)
	a.payments = payment.NewService(a.store, a.paymentsDB, a.payoutsDB, a.auditDB, a.payouts,
		cfg.Payment.FeeRate(), cfg.Payment.DefaultCurrency, logger)
	a.reconciler = reconcile.NewReconciler(a.store, a.paymentsDB, a.payoutsDB, a.payouts,
		cfg.Settlement.HoldingWindow, logger)
	return a, nil
}

func (a *app) close() {
	a.pool.Close()
}

func serve(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	metrics.Setup(cfg.Metrics, logger)
	if cfg.Server.AdminToken == "" {
		logger.WarnContext(ctx, "server.admin-token is empty, admin API is locked")
	}

	scheduler, err := settlement.NewScheduler(cfg.Settlement, a.store, a.paymentsDB, a.payoutsDB, a.payments,
		a.payouts, logger)
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			logger.Error("Error shutting down scheduler", "error", err)
		}
	}()

	eventsWriter := kafka.NewWriter(cfg.Kafka, cfg.Kafka.Topic.SettlementEvents)
	defer eventsWriter.Close()
	producerDone := outbox.NewProducer(a.store, a.auditDB, eventsWriter, cfg.Outbox, logger).Start(ctx)

	bookingReader := kafka.NewReader(cfg.Kafka)
	defer bookingReader.Close()
	readerDone := kafka.ReadBookingEvents(ctx, bookingReader, event.NewProcessor(a.payments, logger), logger)

	handler := api.NewHandler(a.payments, a.payouts, a.reconciler, logger)
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewRouter(handler, cfg.Server.AdminToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "Starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		stop()
		return errors.Wrap(err, "http server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", "error", err)
	}
	<-producerDone
	<-readerDone
	return nil
}

func migrate(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return db.RunMigrations(db.GetConnStr(cfg.Database))
}

func runReconcile(ctx context.Context, configPath string, dryRun bool, out io.Writer) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.reconciler.Run(ctx, reconcile.Options{DryRun: dryRun})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
