// Package outbox publishes committed ledger events to Kafka.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/MarkoPoloResearchLab/payledger/internal/store/gormstore"
	"go.uber.org/zap"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = time.Second
	defaultMaxAttempts  = 10
)

// Source is the outbox table the relay drains.
type Source interface {
	PendingOutbox(ctx context.Context, limit int) ([]gormstore.OutboxMessageView, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, cause error, maxAttempts int) error
}

// Config tunes relay polling. Zero values fall back to defaults.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
}

// Relay moves pending outbox rows to a Kafka producer.
// Delivery is at least once: a crash between send and MarkSent republishes the batch.
type Relay struct {
	source       Source
	producer     sarama.SyncProducer
	logger       *zap.Logger
	batchSize    int
	pollInterval time.Duration
	maxAttempts  int
}

// NewProducer builds a sync producer that waits for every in-sync replica.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Version = sarama.V2_1_0_0
	return sarama.NewSyncProducer(brokers, config)
}

// NewRelay builds a relay over source and producer.
func NewRelay(source Source, producer sarama.SyncProducer, logger *zap.Logger, config Config) (*Relay, error) {
	if source == nil {
		return nil, errors.New("outbox: source is required")
	}
	if producer == nil {
		return nil, errors.New("outbox: producer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	relay := &Relay{
		source:       source,
		producer:     producer,
		logger:       logger,
		batchSize:    config.BatchSize,
		pollInterval: config.PollInterval,
		maxAttempts:  config.MaxAttempts,
	}
	if relay.batchSize <= 0 {
		relay.batchSize = defaultBatchSize
	}
	if relay.pollInterval <= 0 {
		relay.pollInterval = defaultPollInterval
	}
	if relay.maxAttempts <= 0 {
		relay.maxAttempts = defaultMaxAttempts
	}
	return relay, nil
}

// Flush publishes one batch and returns how many messages were delivered.
// Messages are sent in order; the first failure stops the batch so later events never overtake it.
func (relay *Relay) Flush(ctx context.Context) (int, error) {
	messages, err := relay.source.PendingOutbox(ctx, relay.batchSize)
	if err != nil {
		return 0, err
	}
	sent := make([]int64, 0, len(messages))
	var sendErr error
	for _, message := range messages {
		_, _, err := relay.producer.SendMessage(&sarama.ProducerMessage{
			Topic: message.Event.Topic,
			Key:   sarama.StringEncoder(message.Event.Key),
			Value: sarama.ByteEncoder(message.Event.Payload),
		})
		if err != nil {
			relay.logger.Warn("outbox publish failed",
				zap.Int64("message_id", message.ID),
				zap.String("key", message.Event.Key),
				zap.Int("attempts", message.Attempts+1),
				zap.Error(err))
			if markErr := relay.source.MarkFailed(ctx, message.ID, err, relay.maxAttempts); markErr != nil {
				sendErr = errors.Join(err, markErr)
			} else {
				sendErr = err
			}
			break
		}
		sent = append(sent, message.ID)
	}
	if err := relay.source.MarkSent(ctx, sent); err != nil {
		return 0, errors.Join(sendErr, err)
	}
	return len(sent), sendErr
}

// Run flushes until ctx is cancelled. A full batch is followed immediately by another flush.
func (relay *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(relay.pollInterval)
	defer ticker.Stop()
	for {
		delivered, err := relay.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			relay.logger.Error("outbox flush failed", zap.Error(err))
		}
		if err == nil && delivered == relay.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases the producer.
func (relay *Relay) Close() error {
	return relay.producer.Close()
}
