package outbox_test

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"settlement-service/internal/config"
	"settlement-service/internal/db"
	"settlement-service/internal/message"
	"settlement-service/internal/model"
	"settlement-service/internal/outbox"
	"settlement-service/internal/testhelpers"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) written() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.messages...)
}

type ProducerTestSuite struct {
	suite.Suite
	database *testhelpers.Database
	store    *db.Store
	audit    *db.AuditRepository
	writer   *fakeWriter
	producer *outbox.Producer
	at       time.Time
	ctx      context.Context
}

func (s *ProducerTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	database, err := testhelpers.StartDatabase(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.database = database
	s.store = db.NewStore(database.Pool)
	s.audit = db.NewAuditRepository()
}

func (s *ProducerTestSuite) TearDownSuite() {
	if err := s.database.Close(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *ProducerTestSuite) SetupTest() {
	if err := s.database.Reset(s.ctx); err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
	s.at = model.Now().Add(-time.Hour)
	s.writer = &fakeWriter{}
	s.producer = outbox.NewProducer(s.store, s.audit, s.writer,
		config.Outbox{PollingIntervalMs: 20, FetchSize: 2}, testhelpers.DiscardLogger())
}

func (s *ProducerTestSuite) appendEntry(entityID int64, action string) *model.AuditEntry {
	e := model.NewAuditEntry(model.EntityPayout, entityID, action, "PENDING", "PROCESSING",
		model.Action{Actor: model.ActorScheduler, Reason: "due"}, s.at)
	s.at = s.at.Add(time.Second)
	require.NoError(s.T(), s.audit.Append(s.ctx, s.store.Pool(), e))
	return e
}

func (s *ProducerTestSuite) TestPublish() {
	t := s.T()
	first := s.appendEntry(3, model.ActionClaim)
	s.appendEntry(3, model.ActionComplete)
	s.appendEntry(4, model.ActionClaim)

	n, err := s.producer.Publish(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.producer.Publish(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.producer.Publish(s.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs := s.writer.written()
	require.Len(t, msgs, 3)
	assert.Equal(t, "payout:3", string(msgs[0].Key))

	var event message.SettlementEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &event))
	assert.Equal(t, first.ID, event.ID)
	assert.Equal(t, "payout.claim", event.Event)
	assert.Equal(t, int64(3), event.EntityID)
	assert.Equal(t, "PROCESSING", event.ToStatus)
	assert.Equal(t, model.ActorScheduler, event.Actor)
	assert.True(t, first.CreatedAt.Equal(event.OccurredAt))

	entries, err := s.audit.ListByEntity(s.ctx, s.store.Pool(), model.EntityPayout, 3)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotNil(t, e.PublishedAt)
	}
}

func (s *ProducerTestSuite) TestPublishWriteFailureKeepsEntries() {
	t := s.T()
	s.appendEntry(5, model.ActionClaim)
	s.writer.err = errors.New("broker unavailable")

	_, err := s.producer.Publish(s.ctx)
	require.Error(t, err)

	entries, err := s.audit.ListByEntity(s.ctx, s.store.Pool(), model.EntityPayout, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].PublishedAt)

	s.writer.err = nil
	n, err := s.producer.Publish(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func (s *ProducerTestSuite) TestStart() {
	t := s.T()
	s.appendEntry(6, model.ActionClaim)

	ctx, cancel := context.WithCancel(s.ctx)
	done := s.producer.Start(ctx)

	assert.Eventually(t, func() bool {
		return len(s.writer.written()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer did not stop after cancel")
	}
}

func TestProducerTestSuite(t *testing.T) {
	suite.Run(t, new(ProducerTestSuite))
}
