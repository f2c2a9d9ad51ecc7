package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"settlement-service/internal/config"
	"settlement-service/internal/db"
	"settlement-service/internal/logging"
	"settlement-service/internal/message"
	"settlement-service/internal/model"
)

var (
	// producer batch metrics
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`outbox_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`outbox_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`outbox_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`outbox_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`outbox_producer_duration_milliseconds`)

	producerMessagesPublishedCounter = metrics.GetOrCreateCounter(`outbox_producer_messages_total{result="published"}`)
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer publishes audit entries to the settlement-events topic. An entry
// is marked published in the transaction that locked it, so a failed write
// leaves the batch for the next tick.
type Producer struct {
	store           *db.Store
	audit           *db.AuditRepository
	writer          MessageWriter
	pollingInterval time.Duration
	fetchSize       int
	logger          *slog.Logger
}

func NewProducer(store *db.Store, audit *db.AuditRepository, writer MessageWriter, cfg config.Outbox,
	logger *slog.Logger) *Producer {
	return &Producer{
		store:           store,
		audit:           audit,
		writer:          writer,
		pollingInterval: time.Duration(cfg.PollingIntervalMs) * time.Millisecond,
		fetchSize:       cfg.FetchSize,
		logger:          logger,
	}
}

func (p *Producer) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := p.Publish(ctx); err != nil && ctx.Err() == nil {
					p.logger.ErrorContext(ctx, "Error publishing settlement events", "error", err)
				}
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping outbox producer")
				return
			}
		}
	}()
	return done
}

// Publish sends one batch and returns how many entries were published.
func (p *Producer) Publish(ctx context.Context) (int, error) {
	startTime := time.Now()
	defer func() {
		producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	// set runId as a correlation id for all logs in scope
	ctx = logging.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	var published int
	err := p.store.InTx(ctx, func(tx pgx.Tx) error {
		entries, err := p.audit.ListUnpublished(ctx, tx, p.fetchSize)
		if err != nil {
			producerErrorFetchingCounter.Inc()
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		msgs, err := toKafkaMessages(entries)
		if err != nil {
			return err
		}
		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			producerErrorKafkaCounter.Inc()
			return errors.Wrap(err, "write settlement events")
		}

		ids := make([]uuid.UUID, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
		if err := p.audit.MarkPublished(ctx, tx, ids, model.Now()); err != nil {
			producerErrorUpdateCounter.Inc()
			return err
		}
		published = len(entries)
		return nil
	})
	if err != nil {
		return 0, err
	}

	producerSuccessCounter.Inc()
	if published > 0 {
		producerMessagesPublishedCounter.Add(published)
		p.logger.DebugContext(ctx, "Published settlement events", "count", published)
	}
	return published, nil
}

func toKafkaMessages(entries []*model.AuditEntry) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		value, err := json.Marshal(message.SettlementEvent{
			ID:         e.ID,
			Event:      e.EntityType + "." + e.Action,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			Actor:      e.Actor,
			Reason:     e.Reason,
			OccurredAt: e.CreatedAt,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "marshal audit entry %s", e.ID)
		}
		msgs = append(msgs, kafka.Message{
			// entity as key keeps one entity's events ordered within a partition
			Key:   []byte(e.EntityType + ":" + strconv.FormatInt(e.EntityID, 10)),
			Value: value,
		})
	}
	return msgs, nil
}
