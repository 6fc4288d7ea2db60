package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	TransactionID TransactionID
	ExternalID    ExternalID
	Type          TransactionType
	AccountID     AccountID
	PayoutID      PayoutID
	Amount        Money
	Status        string
	Error         error
}

// TransactionObserver receives every transaction that becomes committed.
type TransactionObserver interface {
	ObserveCommitted(ctx context.Context, transaction Transaction)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithObserver registers a read-model that follows committed transactions.
func WithObserver(observer TransactionObserver) ServiceOption {
	return func(service *Service) {
		if observer != nil {
			service.observers = append(service.observers, observer)
		}
	}
}

// WithAccountLocker adds a cross-process lock taken after the in-process account locks.
// The balance cache is disabled because other processes may write the same accounts.
func WithAccountLocker(locker AccountLocker) ServiceOption {
	return func(service *Service) {
		service.locker = locker
	}
}

// WithEventTopic enables outbox events for committed state changes on topic.
func WithEventTopic(topic string) ServiceOption {
	return func(service *Service) {
		service.eventTopic = topic
	}
}

// WithRetryPolicy overrides how transient storage failures are retried.
func WithRetryPolicy(policy RetryPolicy) ServiceOption {
	return func(service *Service) {
		service.retry = policy
	}
}
