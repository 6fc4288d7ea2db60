package ledger

import (
	"context"
	"fmt"
	"time"
)

// ReversalOption configures MarkDisputed and Refund.
type ReversalOption func(*reversalSettings)

type reversalSettings struct {
	externalID ExternalID
}

// WithReversalExternalID records the reversal under the processor's own event id instead of
// the id derived from the original.
func WithReversalExternalID(externalID ExternalID) ReversalOption {
	return func(settings *reversalSettings) {
		settings.externalID = externalID
	}
}

// MarkDisputed flags a completed transaction as disputed and posts the compensating chargeback.
// The original keeps its entries; the returned transaction is the chargeback. Disputing an
// already disputed transaction returns its chargeback. Refunded transactions cannot be disputed.
func (service *Service) MarkDisputed(ctx context.Context, transactionID TransactionID, reason string, options ...ReversalOption) (Transaction, error) {
	reversal, operationError := service.reverse(ctx, transactionID, TypeChargeback, externalIDSuffixDispute, reason, options,
		func(ctx context.Context, txStore Store, original Transaction) error {
			_, refunded, err := txStore.FindReversal(ctx, original.ID, TypeRefund)
			if err != nil {
				return err
			}
			if refunded {
				return fmt.Errorf("%w: transaction %s was refunded", ErrInvalidStateTransition, original.ID)
			}
			return txStore.UpdateTransactionStatus(ctx, original.ID, StatusCompleted, StatusDisputed, reason, service.nowFn().UTC())
		})
	service.logOperation(ctx, OperationLog{
		Operation:     operationDispute,
		TransactionID: transactionID,
		ExternalID:    reversal.ExternalID,
		Type:          TypeChargeback,
		Error:         operationError,
	})
	return reversal, operationError
}

// Refund posts a compensating refund for a completed sale. The original stays completed.
// Refunding twice returns the first refund.
func (service *Service) Refund(ctx context.Context, transactionID TransactionID, reason string, options ...ReversalOption) (Transaction, error) {
	reversal, operationError := service.reverse(ctx, transactionID, TypeRefund, externalIDSuffixRefund, reason, options,
		func(ctx context.Context, txStore Store, original Transaction) error {
			stored, err := txStore.GetTransaction(ctx, original.ID)
			if err != nil {
				return err
			}
			if stored.Status != StatusCompleted {
				return fmt.Errorf("%w: cannot refund %s transaction", ErrInvalidStateTransition, stored.Status)
			}
			_, refunded, err := txStore.FindReversal(ctx, original.ID, TypeRefund)
			if err != nil {
				return err
			}
			if refunded {
				return fmt.Errorf("%w: transaction %s was already refunded", ErrInvalidStateTransition, original.ID)
			}
			return nil
		})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		TransactionID: transactionID,
		ExternalID:    reversal.ExternalID,
		Type:          TypeRefund,
		Error:         operationError,
	})
	return reversal, operationError
}

// reverse posts the mirror of original once. A reversal of the same type that already exists is
// returned as is, so redelivered chargebacks and refunds resolve to the first one.
func (service *Service) reverse(ctx context.Context, transactionID TransactionID, transactionType TransactionType, suffix string, reason string, options []ReversalOption, guard func(ctx context.Context, txStore Store, original Transaction) error) (Transaction, error) {
	settings := reversalSettings{}
	for _, option := range options {
		option(&settings)
	}
	original, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	existing, found, err := service.store.FindReversal(ctx, original.ID, transactionType)
	if err != nil {
		return Transaction{}, err
	}
	if found {
		return existing, nil
	}
	request, err := reversalRequest(original, transactionType, suffix, reason)
	if err != nil {
		return Transaction{}, err
	}
	if !settings.externalID.IsZero() {
		_, taken, err := service.store.FindTransactionByExternalID(ctx, settings.externalID)
		if err != nil {
			return Transaction{}, err
		}
		if taken {
			return Transaction{}, fmt.Errorf("%w: %s", ErrDuplicateExternalID, settings.externalID)
		}
		request.ExternalID = settings.externalID
	}
	if original.Status != StatusCompleted {
		return Transaction{}, fmt.Errorf("%w: %s transaction cannot be reversed", ErrInvalidStateTransition, original.Status)
	}
	if original.Type.IsReversal() || original.Type == TypeWithdrawal {
		return Transaction{}, fmt.Errorf("%w: %s transactions cannot be reversed", ErrInvalidStateTransition, original.Type)
	}
	reversal, _, err := service.submit(ctx, request, StatusCompleted, commitHooks{
		skipEligibility: true,
		beforeInsert: func(ctx context.Context, txStore Store, _ Transaction) error {
			return guard(ctx, txStore, original)
		},
	})
	if err != nil {
		return Transaction{}, err
	}
	if reversal.ReversalOf != original.ID || reversal.Type != transactionType {
		return Transaction{}, fmt.Errorf("%w: %s", ErrDuplicateExternalID, request.ExternalID)
	}
	return reversal, nil
}

// FreezeAccount stops debits above debitLimit on the account; credits keep flowing.
func (service *Service) FreezeAccount(ctx context.Context, accountID AccountID, debitLimit int64) error {
	if debitLimit < 0 {
		return fmt.Errorf("%w: debit limit must not be negative", ErrInvalidAmount)
	}
	operationError := service.changeAccountStatus(ctx, accountID, AccountStatusFrozen, debitLimit)
	service.logOperation(ctx, OperationLog{Operation: operationFreeze, AccountID: accountID, Error: operationError})
	return operationError
}

// CloseAccount rejects every further entry on the account. Only empty accounts can be closed.
func (service *Service) CloseAccount(ctx context.Context, accountID AccountID) error {
	operationError := service.changeAccountStatus(ctx, accountID, AccountStatusClosed, 0)
	service.logOperation(ctx, OperationLog{Operation: operationClose, AccountID: accountID, Error: operationError})
	return operationError
}

// ReopenAccount returns a frozen or closed account to active.
func (service *Service) ReopenAccount(ctx context.Context, accountID AccountID) error {
	operationError := service.changeAccountStatus(ctx, accountID, AccountStatusActive, 0)
	service.logOperation(ctx, OperationLog{Operation: operationReopen, AccountID: accountID, Error: operationError})
	return operationError
}

func (service *Service) changeAccountStatus(ctx context.Context, accountID AccountID, status AccountStatus, debitLimit int64) error {
	unlock, err := service.lockAccounts(ctx, []AccountID{accountID})
	if err != nil {
		return err
	}
	defer unlock()
	return service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			account, err := txStore.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if status == AccountStatusFrozen && account.Status == AccountStatusClosed {
				return fmt.Errorf("%w: closed account cannot be frozen", ErrInvalidStateTransition)
			}
			if status == AccountStatusClosed {
				balance, err := service.accounts.balanceLocked(ctx, txStore, account)
				if err != nil {
					return err
				}
				if !balance.Available.IsZero() || !balance.Pending.IsZero() {
					return fmt.Errorf("%w: account %s still holds %s", ErrAccountNotEligible, accountID, balance.Available)
				}
			}
			return txStore.UpdateAccountStatus(ctx, accountID, status, debitLimit)
		})
	})
}

// ResolveAccount returns the account of key, creating it on first use.
func (service *Service) ResolveAccount(ctx context.Context, key AccountKey) (Account, error) {
	if _, err := ParseOwnerRole(string(key.Role)); err != nil {
		return Account{}, err
	}
	if key.OwnerID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	if key.Currency.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidCurrency)
	}
	return service.store.GetOrCreateAccount(ctx, key)
}

// GetAccount returns a stored account.
func (service *Service) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.GetAccount(ctx, accountID)
}

// GetBalance returns the available and pending balance of an account.
func (service *Service) GetBalance(ctx context.Context, accountID AccountID) (Balance, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return service.accounts.GetBalance(ctx, account)
}

// GetTransaction returns a stored transaction.
func (service *Service) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	return service.store.GetTransaction(ctx, transactionID)
}

// GetTransactionByExternalID returns the transaction recorded under an idempotency key.
func (service *Service) GetTransactionByExternalID(ctx context.Context, externalID ExternalID) (Transaction, error) {
	transaction, found, err := service.store.FindTransactionByExternalID(ctx, externalID)
	if err != nil {
		return Transaction{}, err
	}
	if !found {
		return Transaction{}, ErrUnknownTransaction
	}
	return transaction, nil
}

// ListEntries lists an account's ledger lines created before a cutoff, newest first.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, before time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidEntry)
	}
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, before, limit)
}
