package ledger

import (
	"context"
	"time"
)

// Store is the persistence port of the ledger.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateAccount(ctx context.Context, key AccountKey) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	UpdateAccountStatus(ctx context.Context, accountID AccountID, status AccountStatus, debitLimit int64) error

	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	FindTransactionByExternalID(ctx context.Context, externalID ExternalID) (Transaction, bool, error)
	// FindReversal returns the committed reversal of the given type posted against originalID.
	FindReversal(ctx context.Context, originalID TransactionID, transactionType TransactionType) (Transaction, bool, error)
	// UpdateTransactionStatus moves a transaction from one status to another and
	// fails with ErrInvalidStateTransition when the stored status is not from.
	UpdateTransactionStatus(ctx context.Context, transactionID TransactionID, from TransactionStatus, to TransactionStatus, reason string, at time.Time) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)

	SumBalance(ctx context.Context, accountID AccountID, statuses []TransactionStatus) (int64, error)
	ListEntries(ctx context.Context, accountID AccountID, before time.Time, limit int) ([]Entry, error)

	CreatePayout(ctx context.Context, payout PayoutRequest) error
	GetPayout(ctx context.Context, payoutID PayoutID) (PayoutRequest, error)
	FindPayoutByRequestKey(ctx context.Context, requestKey ExternalID) (PayoutRequest, bool, error)
	// UpdatePayout stores payout when the stored status is still from.
	UpdatePayout(ctx context.Context, payout PayoutRequest, from PayoutStatus) error
	ListPayouts(ctx context.Context, accountID AccountID) ([]PayoutRequest, error)

	EnqueueEvent(ctx context.Context, event OutboxEvent) error
}
