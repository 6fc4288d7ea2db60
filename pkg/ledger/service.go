package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.jetify.com/typeid/v2"
)

// RetryPolicy bounds the retries of transient storage failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// Service is the transaction engine: it validates, locks, persists and publishes transactions.
type Service struct {
	store      Store
	nowFn      func() time.Time
	logger     OperationLogger
	accounts   *AccountStore
	locker     AccountLocker
	observers  []TransactionObserver
	eventTopic string
	retry      RetryPolicy
}

// commitHooks run inside the store transaction that inserts a new ledger transaction.
type commitHooks struct {
	skipEligibility bool
	beforeInsert    func(ctx context.Context, txStore Store, transaction Transaction) error
	afterInsert     func(ctx context.Context, txStore Store, transaction Transaction) error
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store: store,
		nowFn: now,
		retry: RetryPolicy{Attempts: defaultRetryAttempts, BaseDelay: defaultRetryBaseDelay},
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.retry.Attempts < 1 {
		return nil, fmt.Errorf("%w: retry attempts must be positive", ErrInvalidServiceConfig)
	}
	service.accounts = NewAccountStore(store, service.locker == nil)
	return service, nil
}

// Post records a completed transaction. A repeated external id returns the stored transaction unchanged.
func (service *Service) Post(ctx context.Context, request PostRequest) (Transaction, error) {
	transaction, _, err := service.submit(ctx, request, StatusCompleted, commitHooks{})
	service.logOperation(ctx, OperationLog{
		Operation:     operationPost,
		TransactionID: transaction.ID,
		ExternalID:    request.ExternalID,
		Type:          request.Type,
		Error:         err,
	})
	return transaction, err
}

// Stage records a pending transaction whose entries count toward the pending balance until settled.
func (service *Service) Stage(ctx context.Context, request PostRequest) (Transaction, error) {
	transaction, _, err := service.submit(ctx, request, StatusPending, commitHooks{})
	service.logOperation(ctx, OperationLog{
		Operation:     operationStage,
		TransactionID: transaction.ID,
		ExternalID:    request.ExternalID,
		Type:          request.Type,
		Error:         err,
	})
	return transaction, err
}

// Process moves a pending transaction to processing.
func (service *Service) Process(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	transaction, err := service.transition(ctx, transactionID, StatusProcessing, "")
	service.logTransition(ctx, operationProcess, transactionID, transaction, err)
	return transaction, err
}

// Settle completes a pending or processing transaction.
func (service *Service) Settle(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	transaction, err := service.transition(ctx, transactionID, StatusCompleted, "")
	service.logTransition(ctx, operationSettle, transactionID, transaction, err)
	return transaction, err
}

// Fail marks an in-flight transaction failed; its entries stop counting.
func (service *Service) Fail(ctx context.Context, transactionID TransactionID, reason string) (Transaction, error) {
	transaction, err := service.transition(ctx, transactionID, StatusFailed, reason)
	service.logTransition(ctx, operationFail, transactionID, transaction, err)
	return transaction, err
}

// Cancel withdraws an in-flight transaction. Completed transactions are corrected by Refund instead.
func (service *Service) Cancel(ctx context.Context, transactionID TransactionID, reason string) (Transaction, error) {
	transaction, err := service.transition(ctx, transactionID, StatusCancelled, reason)
	service.logTransition(ctx, operationCancel, transactionID, transaction, err)
	return transaction, err
}

func (service *Service) submit(ctx context.Context, request PostRequest, status TransactionStatus, hooks commitHooks) (Transaction, bool, error) {
	if request.ExternalID.IsZero() {
		return Transaction{}, false, fmt.Errorf("%w: empty value", ErrInvalidExternalID)
	}
	existing, found, err := service.store.FindTransactionByExternalID(ctx, request.ExternalID)
	if err != nil {
		return Transaction{}, false, err
	}
	if found {
		return existing, false, nil
	}
	if err := validatePostRequest(request); err != nil {
		return Transaction{}, false, err
	}
	accounts, err := service.resolveAccounts(ctx, request.Entries)
	if err != nil {
		return Transaction{}, false, err
	}
	transaction, err := service.buildTransaction(request, accounts, status)
	if err != nil {
		return Transaction{}, false, err
	}
	unlock, err := service.lockAccounts(ctx, transaction.AccountIDs())
	if err != nil {
		return Transaction{}, false, err
	}
	defer unlock()

	var stored Transaction
	created := false
	err = service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			existing, found, err := txStore.FindTransactionByExternalID(ctx, transaction.ExternalID)
			if err != nil {
				return err
			}
			if found {
				stored, created = existing, false
				return nil
			}
			if !hooks.skipEligibility {
				if err := checkEligibility(ctx, txStore, transaction); err != nil {
					return err
				}
			}
			if hooks.beforeInsert != nil {
				if err := hooks.beforeInsert(ctx, txStore, transaction); err != nil {
					return err
				}
			}
			if err := txStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
			if hooks.afterInsert != nil {
				if err := hooks.afterInsert(ctx, txStore, transaction); err != nil {
					return err
				}
			}
			eventName := eventTransactionStaged
			if status.IsCommitted() {
				eventName = eventTransactionCommitted
			}
			if err := service.enqueueEvent(ctx, txStore, eventName, transaction); err != nil {
				return err
			}
			stored, created = transaction, true
			return nil
		})
	})
	if errors.Is(err, ErrDuplicateExternalID) {
		existing, found, lookupErr := service.store.FindTransactionByExternalID(ctx, transaction.ExternalID)
		if lookupErr == nil && found {
			return existing, false, nil
		}
	}
	if err != nil {
		if IsRetryable(err) {
			service.accounts.invalidate(transaction.AccountIDs())
			err = service.recordFailed(ctx, transaction, err)
		}
		return Transaction{}, false, err
	}
	if created {
		if status.IsCommitted() {
			service.accounts.applyEntries(stored.Entries, effectCommit)
			service.notifyCommitted(ctx, stored)
		} else {
			service.accounts.applyEntries(stored.Entries, effectStage)
		}
	}
	return stored, created, nil
}

// recordFailed keeps a transaction whose commit exhausted its retries as failed, so replays of the
// same external id observe the outcome instead of posting twice.
func (service *Service) recordFailed(ctx context.Context, transaction Transaction, cause error) error {
	transaction.Status = StatusFailed
	transaction.Reason = cause.Error()
	recordErr := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.InsertTransaction(ctx, transaction)
	})
	if recordErr != nil {
		return errors.Join(cause, recordErr)
	}
	return cause
}

func (service *Service) transition(ctx context.Context, transactionID TransactionID, to TransactionStatus, reason string) (Transaction, error) {
	current, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if to == StatusDisputed || !current.Status.CanTransitionTo(to) {
		return Transaction{}, fmt.Errorf("%w: %s to %s", ErrInvalidStateTransition, current.Status, to)
	}
	unlock, err := service.lockAccounts(ctx, current.AccountIDs())
	if err != nil {
		return Transaction{}, err
	}
	defer unlock()

	var updated Transaction
	err = service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			stored, err := txStore.GetTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			if !stored.Status.CanTransitionTo(to) {
				return fmt.Errorf("%w: %s to %s", ErrInvalidStateTransition, stored.Status, to)
			}
			if to == StatusCompleted {
				if err := checkEligibility(ctx, txStore, stored); err != nil {
					return err
				}
			}
			updatedAt := service.nowFn().UTC()
			if err := txStore.UpdateTransactionStatus(ctx, transactionID, stored.Status, to, reason, updatedAt); err != nil {
				return err
			}
			stored.Status = to
			stored.UpdatedAt = updatedAt
			if reason != "" {
				stored.Reason = reason
			}
			updated = stored
			eventName := eventTransactionStatusChanged
			if to == StatusCompleted {
				eventName = eventTransactionCommitted
			}
			return service.enqueueEvent(ctx, txStore, eventName, stored)
		})
	})
	if err != nil {
		if IsRetryable(err) {
			service.accounts.invalidate(current.AccountIDs())
		}
		return Transaction{}, err
	}
	switch to {
	case StatusCompleted:
		service.accounts.applyEntries(updated.Entries, effectSettleStaged)
		service.notifyCommitted(ctx, updated)
	case StatusFailed, StatusCancelled:
		service.accounts.applyEntries(updated.Entries, effectReleaseStaged)
	}
	return updated, nil
}

// resolveAccounts returns the account of every entry, creating keyed accounts on first use.
func (service *Service) resolveAccounts(ctx context.Context, entries []EntryInput) ([]Account, error) {
	accounts := make([]Account, len(entries))
	for index, entry := range entries {
		var account Account
		var err error
		if !entry.Account.id.IsZero() {
			account, err = service.store.GetAccount(ctx, entry.Account.id)
		} else {
			key := entry.Account.key
			if key.Currency.IsZero() {
				key.Currency = entry.Amount.Currency()
			}
			if _, roleErr := ParseOwnerRole(string(key.Role)); roleErr != nil {
				return nil, roleErr
			}
			account, err = service.store.GetOrCreateAccount(ctx, key)
		}
		if err != nil {
			return nil, err
		}
		if account.Currency != entry.Amount.Currency() {
			return nil, fmt.Errorf("%w: account %s holds %s, entry is %s", ErrCurrencyMismatch, account.ID, account.Currency, entry.Amount.Currency())
		}
		accounts[index] = account
	}
	return accounts, nil
}

func (service *Service) buildTransaction(request PostRequest, accounts []Account, status TransactionStatus) (Transaction, error) {
	generated, err := typeid.Generate(transactionIDPrefix)
	if err != nil {
		return Transaction{}, WrapError("service", "transaction", "id_generation", err)
	}
	transactionID := TransactionID{value: generated.String()}
	createdAt := service.nowFn().UTC()
	entries := make([]Entry, len(request.Entries))
	for index, input := range request.Entries {
		entries[index] = Entry{
			ID:            EntryID{value: uuid.NewString()},
			TransactionID: transactionID,
			AccountID:     accounts[index].ID,
			Direction:     input.Direction,
			Amount:        input.Amount,
			Description:   input.Description,
		}
	}
	return Transaction{
		ID:         transactionID,
		ExternalID: request.ExternalID,
		Type:       request.Type,
		Status:     status,
		Entries:    entries,
		Metadata:   request.Metadata,
		ReversalOf: request.ReversalOf,
		Reason:     request.Reason,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}, nil
}

// checkEligibility rejects entries on closed accounts and oversized debits on frozen ones.
func checkEligibility(ctx context.Context, txStore Store, transaction Transaction) error {
	debits := make(map[AccountID]int64)
	for _, entry := range transaction.Entries {
		if entry.Direction == Debit {
			debits[entry.AccountID] += entry.Amount.Amount()
		}
	}
	for _, accountID := range transaction.AccountIDs() {
		account, err := txStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		switch account.Status {
		case AccountStatusClosed:
			return fmt.Errorf("%w: account %s is closed", ErrAccountNotEligible, accountID)
		case AccountStatusFrozen:
			if debits[accountID] > account.DebitLimit {
				return fmt.Errorf("%w: account %s is frozen", ErrAccountNotEligible, accountID)
			}
		}
	}
	return nil
}

// lockAccounts takes the in-process locks and then, when configured, the cross-process ones.
func (service *Service) lockAccounts(ctx context.Context, accountIDs []AccountID) (func(), error) {
	ordered := sortedAccountIDs(accountIDs)
	unlockLocal, err := service.accounts.LockAccounts(ctx, ordered)
	if err != nil {
		return nil, err
	}
	if service.locker == nil {
		return unlockLocal, nil
	}
	unlockRemote, err := service.locker.LockAccounts(ctx, ordered)
	if err != nil {
		unlockLocal()
		return nil, err
	}
	return func() {
		unlockRemote()
		unlockLocal()
	}, nil
}

func (service *Service) withRetry(ctx context.Context, operation func() error) error {
	delay := service.retry.BaseDelay
	for attempt := 1; ; attempt++ {
		err := operation()
		if err == nil || !IsRetryable(err) || attempt >= service.retry.Attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (service *Service) notifyCommitted(ctx context.Context, transaction Transaction) {
	for _, observer := range service.observers {
		observer.ObserveCommitted(ctx, transaction)
	}
}

func (service *Service) logTransition(ctx context.Context, operation string, transactionID TransactionID, transaction Transaction, err error) {
	service.logOperation(ctx, OperationLog{
		Operation:     operation,
		TransactionID: transactionID,
		ExternalID:    transaction.ExternalID,
		Type:          transaction.Type,
		Error:         err,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
