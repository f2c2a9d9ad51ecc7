package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"settlement-service/internal/config"
	"settlement-service/internal/message"
	"settlement-service/internal/model"
)

const (
	defaultRetryBackoff    = time.Second
	defaultMaxRetryBackoff = 30 * time.Second
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	RetryCounter          *metrics.Counter
	CommitErrorCounter    *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var bookingEventMetrics = Metrics{
	ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="booking_event"}`),
	UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="booking_event"}`),
	ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="booking_event"}`),
	RetryCounter:          metrics.GetOrCreateCounter(`kafka_reader_total{result="retry",type="booking_event"}`),
	CommitErrorCounter:    metrics.GetOrCreateCounter(`kafka_reader_total{result="commit_error",type="booking_event"}`),
	SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="booking_event"}`),
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type BookingEventProcessor interface {
	Process(ctx context.Context, e message.BookingEvent) error
}

type readerOptions struct {
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
}

type ReaderOption func(*readerOptions)

// WithRetryBackoff sets the wait before re-processing a message that failed
// with a transient error. The wait doubles up to maxBackoff.
func WithRetryBackoff(initial, maxBackoff time.Duration) ReaderOption {
	return func(o *readerOptions) {
		o.retryBackoff = initial
		o.maxRetryBackoff = maxBackoff
	}
}

func NewReader(cfg config.Kafka) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(cfg.Broker.URL, ","),
		GroupID: cfg.Reader.GroupID,
		Topic:   cfg.Topic.BookingEvents,
	})
}

// ReadBookingEvents consumes booking events until ctx is done. The offset is
// committed only once a message is processed or known to be unprocessable;
// transient failures are retried in place.
func ReadBookingEvents(ctx context.Context, reader MessageReader, processor BookingEventProcessor, logger *slog.Logger,
	opts ...ReaderOption) <-chan struct{} {
	return readMessages(ctx, reader, logger, func(ctx context.Context, value []byte) error {
		var e message.BookingEvent
		if err := json.Unmarshal(value, &e); err != nil {
			logger.ErrorContext(ctx, "Error unmarshalling booking event", "error", err)
			bookingEventMetrics.UnmarshalErrorCounter.Inc()
			return errors.Wrapf(model.ErrValidation, "decode booking event: %v", err)
		}
		return processor.Process(ctx, e)
	}, bookingEventMetrics, opts...)
}

// permanent errors will fail the same way on every attempt.
func permanent(err error) bool {
	return errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrInvalidAmount) ||
		errors.Is(err, model.ErrNotFound)
}

func readMessages(ctx context.Context, reader MessageReader, logger *slog.Logger,
	process func(context.Context, []byte) error, kafkaMetrics Metrics, opts ...ReaderOption) <-chan struct{} {
	o := readerOptions{retryBackoff: defaultRetryBackoff, maxRetryBackoff: defaultMaxRetryBackoff}
	for _, opt := range opts {
		opt(&o)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			m, err := reader.FetchMessage(ctx)
			if ctx.Err() != nil {
				logger.InfoContext(ctx, "Context done, stopping reader")
				return
			}
			if err != nil {
				logger.ErrorContext(ctx, "Error reading message", "error", err)
				kafkaMetrics.ReadErrorCounter.Inc()
				continue
			}
			logger.DebugContext(ctx, "Received message", "topic", m.Topic, "offset", m.Offset)

			if !processWithRetry(ctx, m, process, kafkaMetrics, o, logger) {
				logger.InfoContext(ctx, "Context done, stopping reader before commit", "offset", m.Offset)
				return
			}
			if err := reader.CommitMessages(ctx, m); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.ErrorContext(ctx, "Error committing message", "error", err, "offset", m.Offset)
				kafkaMetrics.CommitErrorCounter.Inc()
			}
		}
	}()
	return done
}

// processWithRetry returns false only when ctx ends before the message is
// settled.
func processWithRetry(ctx context.Context, m kafka.Message, process func(context.Context, []byte) error,
	kafkaMetrics Metrics, o readerOptions, logger *slog.Logger) bool {
	backoff := o.retryBackoff
	for {
		err := process(ctx, m.Value)
		if err == nil {
			kafkaMetrics.SuccessCounter.Inc()
			return true
		}
		if permanent(err) {
			logger.ErrorContext(ctx, "Error processing message, skipping", "error", err, "offset", m.Offset)
			kafkaMetrics.ProcessErrorCounter.Inc()
			return true
		}

		logger.WarnContext(ctx, "Error processing message, retrying", "error", err, "offset", m.Offset,
			"backoff", backoff)
		kafkaMetrics.RetryCounter.Inc()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, o.maxRetryBackoff)
	}
}
