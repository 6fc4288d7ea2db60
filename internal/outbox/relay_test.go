package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/MarkoPoloResearchLab/payledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"go.uber.org/zap/zaptest"
)

const (
	errorMismatchMessage = "expected %v, got %v"
	testTopic            = "ledger.events"
)

func newTestStore(test *testing.T) *gormstore.Store {
	test.Helper()
	ctx := context.Background()
	store, closeStore, err := gormstore.Open(ctx, filepath.Join(test.TempDir(), "ledger.db"))
	if err != nil {
		test.Fatalf("open failed: %v", err)
	}
	test.Cleanup(func() { _ = closeStore() })
	if err := store.Migrate(ctx); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	return store
}

func enqueue(test *testing.T, store *gormstore.Store, keys ...string) {
	test.Helper()
	for _, key := range keys {
		err := store.EnqueueEvent(context.Background(), ledger.OutboxEvent{Key: key, Topic: testTopic, Payload: []byte(`{"key":"` + key + `"}`)})
		if err != nil {
			test.Fatalf("enqueue failed: %v", err)
		}
	}
}

func keyChecker(want string) mocks.MessageChecker {
	return func(message *sarama.ProducerMessage) error {
		encoded, err := message.Key.Encode()
		if err != nil {
			return err
		}
		if string(encoded) != want || message.Topic != testTopic {
			return errors.New("unexpected message " + string(encoded))
		}
		return nil
	}
}

func TestFlushPublishesInOrder(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	enqueue(test, store, "txn_a", "txn_b")
	producer := mocks.NewSyncProducer(test, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(keyChecker("txn_a"))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(keyChecker("txn_b"))
	relay, err := NewRelay(store, producer, zaptest.NewLogger(test), Config{})
	if err != nil {
		test.Fatalf("relay init failed: %v", err)
	}
	delivered, err := relay.Flush(context.Background())
	if err != nil {
		test.Fatalf("flush failed: %v", err)
	}
	if delivered != 2 {
		test.Fatalf(errorMismatchMessage, 2, delivered)
	}
	pending, err := store.PendingOutbox(context.Background(), 10)
	if err != nil {
		test.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 0 {
		test.Fatalf(errorMismatchMessage, 0, len(pending))
	}
	if err := relay.Close(); err != nil {
		test.Fatalf("close failed: %v", err)
	}
}

func TestFlushStopsAtFirstFailure(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	enqueue(test, store, "txn_a", "txn_b", "txn_c")
	producer := mocks.NewSyncProducer(test, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	relay, err := NewRelay(store, producer, zaptest.NewLogger(test), Config{MaxAttempts: 5})
	if err != nil {
		test.Fatalf("relay init failed: %v", err)
	}
	delivered, err := relay.Flush(context.Background())
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		test.Fatalf(errorMismatchMessage, sarama.ErrOutOfBrokers, err)
	}
	if delivered != 1 {
		test.Fatalf(errorMismatchMessage, 1, delivered)
	}
	pending, err := store.PendingOutbox(context.Background(), 10)
	if err != nil {
		test.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 2 || pending[0].Event.Key != "txn_b" || pending[0].Attempts != 1 {
		test.Fatalf("unexpected pending state: %+v", pending)
	}
	_ = relay.Close()
}

func TestRunDrainsUntilCancelled(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	enqueue(test, store, "txn_a", "txn_b", "txn_c")
	producer := mocks.NewSyncProducer(test, nil)
	for index := 0; index < 3; index++ {
		producer.ExpectSendMessageAndSucceed()
	}
	relay, err := NewRelay(store, producer, zaptest.NewLogger(test), Config{BatchSize: 2, PollInterval: 5 * time.Millisecond})
	if err != nil {
		test.Fatalf("relay init failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := store.PendingOutbox(context.Background(), 10)
		if err == nil && len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			test.Fatalf("relay did not drain the outbox")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		test.Fatalf("run failed: %v", err)
	}
	_ = relay.Close()
}

func TestNewRelayValidatesInput(test *testing.T) {
	test.Parallel()
	if _, err := NewRelay(nil, mocks.NewSyncProducer(test, nil), nil, Config{}); err == nil {
		test.Fatalf("expected error for nil source")
	}
	if _, err := NewRelay(newTestStore(test), nil, nil, Config{}); err == nil {
		test.Fatalf("expected error for nil producer")
	}
}
