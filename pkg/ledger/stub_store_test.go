package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store. WithTx works on a copy of the state that replaces the
// shared state on commit, so a failing callback leaves nothing behind.
type stubStore struct {
	root  *stubRoot
	state *stubState
}

type stubRoot struct {
	txMutex    sync.Mutex
	stateMutex sync.RWMutex
	state      *stubState

	failureMutex       sync.Mutex
	transientFailures  int
	insertError        error
	sumBalanceError    error
	getAccountError    error
	sumBalanceCalls    int
	committedTxCounter int
}

type stubState struct {
	accounts     map[AccountID]Account
	accountKeys  map[AccountKey]AccountID
	transactions map[TransactionID]Transaction
	externalIDs  map[ExternalID]TransactionID
	order        []TransactionID
	payouts      map[PayoutID]PayoutRequest
	payoutKeys   map[ExternalID]PayoutID
	events       []OutboxEvent
	nextAccount  int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{root: &stubRoot{state: &stubState{
		accounts:     make(map[AccountID]Account),
		accountKeys:  make(map[AccountKey]AccountID),
		transactions: make(map[TransactionID]Transaction),
		externalIDs:  make(map[ExternalID]TransactionID),
		payouts:      make(map[PayoutID]PayoutRequest),
		payoutKeys:   make(map[ExternalID]PayoutID),
	}}}
}

func (state *stubState) clone() *stubState {
	cloned := &stubState{
		accounts:     make(map[AccountID]Account, len(state.accounts)),
		accountKeys:  make(map[AccountKey]AccountID, len(state.accountKeys)),
		transactions: make(map[TransactionID]Transaction, len(state.transactions)),
		externalIDs:  make(map[ExternalID]TransactionID, len(state.externalIDs)),
		order:        append([]TransactionID(nil), state.order...),
		payouts:      make(map[PayoutID]PayoutRequest, len(state.payouts)),
		payoutKeys:   make(map[ExternalID]PayoutID, len(state.payoutKeys)),
		events:       append([]OutboxEvent(nil), state.events...),
		nextAccount:  state.nextAccount,
	}
	for key, value := range state.accounts {
		cloned.accounts[key] = value
	}
	for key, value := range state.accountKeys {
		cloned.accountKeys[key] = value
	}
	for key, value := range state.transactions {
		cloned.transactions[key] = value
	}
	for key, value := range state.externalIDs {
		cloned.externalIDs[key] = value
	}
	for key, value := range state.payouts {
		cloned.payouts[key] = value
	}
	for key, value := range state.payoutKeys {
		cloned.payoutKeys[key] = value
	}
	return cloned
}

// read runs fn against the visible state.
func (store *stubStore) read(fn func(state *stubState) error) error {
	if store.state != nil {
		return fn(store.state)
	}
	store.root.stateMutex.RLock()
	defer store.root.stateMutex.RUnlock()
	return fn(store.root.state)
}

// write runs fn against the visible state; outside a transaction it serializes with transactions.
func (store *stubStore) write(fn func(state *stubState) error) error {
	if store.state != nil {
		return fn(store.state)
	}
	store.root.txMutex.Lock()
	defer store.root.txMutex.Unlock()
	working := store.snapshot()
	if err := fn(working); err != nil {
		return err
	}
	store.root.stateMutex.Lock()
	store.root.state = working
	store.root.stateMutex.Unlock()
	return nil
}

func (store *stubStore) snapshot() *stubState {
	store.root.stateMutex.RLock()
	defer store.root.stateMutex.RUnlock()
	return store.root.state.clone()
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.state != nil {
		return fn(ctx, store)
	}
	store.root.txMutex.Lock()
	defer store.root.txMutex.Unlock()
	if store.root.takeTransientFailure() {
		return fmt.Errorf("%w: injected", ErrStoreTransient)
	}
	working := store.snapshot()
	if err := fn(ctx, &stubStore{root: store.root, state: working}); err != nil {
		return err
	}
	store.root.stateMutex.Lock()
	store.root.state = working
	store.root.committedTxCounter++
	store.root.stateMutex.Unlock()
	return nil
}

func (root *stubRoot) takeTransientFailure() bool {
	root.failureMutex.Lock()
	defer root.failureMutex.Unlock()
	if root.transientFailures > 0 {
		root.transientFailures--
		return true
	}
	return false
}

func (root *stubRoot) setTransientFailures(count int) {
	root.failureMutex.Lock()
	defer root.failureMutex.Unlock()
	root.transientFailures = count
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, key AccountKey) (Account, error) {
	var account Account
	err := store.write(func(state *stubState) error {
		if accountID, ok := state.accountKeys[key]; ok {
			account = state.accounts[accountID]
			return nil
		}
		state.nextAccount++
		account = Account{
			ID:        AccountID{value: "acct-" + strconv.Itoa(state.nextAccount)},
			OwnerID:   key.OwnerID,
			Role:      key.Role,
			Currency:  key.Currency,
			Status:    AccountStatusActive,
			CreatedAt: time.Unix(0, 0).UTC(),
		}
		state.accounts[account.ID] = account
		state.accountKeys[key] = account.ID
		return nil
	})
	return account, err
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if store.root.getAccountError != nil {
		return Account{}, store.root.getAccountError
	}
	var account Account
	err := store.read(func(state *stubState) error {
		found, ok := state.accounts[accountID]
		if !ok {
			return ErrUnknownAccount
		}
		account = found
		return nil
	})
	return account, err
}

func (store *stubStore) ListAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := store.read(func(state *stubState) error {
		for _, account := range state.accounts {
			accounts = append(accounts, account)
		}
		return nil
	})
	sort.Slice(accounts, func(left, right int) bool { return accounts[left].ID.value < accounts[right].ID.value })
	return accounts, err
}

func (store *stubStore) UpdateAccountStatus(ctx context.Context, accountID AccountID, status AccountStatus, debitLimit int64) error {
	return store.write(func(state *stubState) error {
		account, ok := state.accounts[accountID]
		if !ok {
			return ErrUnknownAccount
		}
		account.Status = status
		account.DebitLimit = debitLimit
		state.accounts[accountID] = account
		return nil
	})
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	if store.root.insertError != nil {
		return store.root.insertError
	}
	return store.write(func(state *stubState) error {
		if _, exists := state.externalIDs[transaction.ExternalID]; exists {
			return ErrDuplicateExternalID
		}
		state.transactions[transaction.ID] = transaction
		state.externalIDs[transaction.ExternalID] = transaction.ID
		state.order = append(state.order, transaction.ID)
		return nil
	})
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	var transaction Transaction
	err := store.read(func(state *stubState) error {
		found, ok := state.transactions[transactionID]
		if !ok {
			return ErrUnknownTransaction
		}
		transaction = found
		return nil
	})
	return transaction, err
}

func (store *stubStore) FindTransactionByExternalID(ctx context.Context, externalID ExternalID) (Transaction, bool, error) {
	var transaction Transaction
	found := false
	err := store.read(func(state *stubState) error {
		transactionID, ok := state.externalIDs[externalID]
		if !ok {
			return nil
		}
		transaction, found = state.transactions[transactionID], true
		return nil
	})
	return transaction, found, err
}

func (store *stubStore) FindReversal(ctx context.Context, originalID TransactionID, transactionType TransactionType) (Transaction, bool, error) {
	var transaction Transaction
	found := false
	err := store.read(func(state *stubState) error {
		for _, transactionID := range state.order {
			candidate := state.transactions[transactionID]
			if candidate.ReversalOf == originalID && candidate.Type == transactionType && candidate.Status == StatusCompleted {
				transaction, found = candidate, true
				return nil
			}
		}
		return nil
	})
	return transaction, found, err
}

func (store *stubStore) UpdateTransactionStatus(ctx context.Context, transactionID TransactionID, from TransactionStatus, to TransactionStatus, reason string, at time.Time) error {
	return store.write(func(state *stubState) error {
		transaction, ok := state.transactions[transactionID]
		if !ok {
			return ErrUnknownTransaction
		}
		if transaction.Status != from {
			return fmt.Errorf("%w: stored status is %s", ErrInvalidStateTransition, transaction.Status)
		}
		transaction.Status = to
		transaction.UpdatedAt = at
		if reason != "" {
			transaction.Reason = reason
		}
		state.transactions[transactionID] = transaction
		return nil
	})
}

func (store *stubStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	var transactions []Transaction
	err := store.read(func(state *stubState) error {
		for _, transactionID := range state.order {
			transaction := state.transactions[transactionID]
			if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, transaction.Status) {
				continue
			}
			transactions = append(transactions, transaction)
		}
		return nil
	})
	return transactions, err
}

func (store *stubStore) SumBalance(ctx context.Context, accountID AccountID, statuses []TransactionStatus) (int64, error) {
	store.root.failureMutex.Lock()
	store.root.sumBalanceCalls++
	sumErr := store.root.sumBalanceError
	store.root.failureMutex.Unlock()
	if sumErr != nil {
		return 0, sumErr
	}
	var total int64
	err := store.read(func(state *stubState) error {
		for _, transaction := range state.transactions {
			if !containsStatus(statuses, transaction.Status) {
				continue
			}
			for _, entry := range transaction.Entries {
				if entry.AccountID == accountID {
					total += entry.Signed()
				}
			}
		}
		return nil
	})
	return total, err
}

func (store *stubStore) ListEntries(ctx context.Context, accountID AccountID, before time.Time, limit int) ([]Entry, error) {
	var entries []Entry
	err := store.read(func(state *stubState) error {
		for index := len(state.order) - 1; index >= 0 && len(entries) < limit; index-- {
			transaction := state.transactions[state.order[index]]
			if !transaction.CreatedAt.Before(before) {
				continue
			}
			for _, entry := range transaction.Entries {
				if entry.AccountID == accountID && len(entries) < limit {
					entries = append(entries, entry)
				}
			}
		}
		return nil
	})
	return entries, err
}

func (store *stubStore) CreatePayout(ctx context.Context, payout PayoutRequest) error {
	return store.write(func(state *stubState) error {
		if _, exists := state.payoutKeys[payout.RequestKey]; exists {
			return ErrDuplicateExternalID
		}
		state.payouts[payout.ID] = payout
		state.payoutKeys[payout.RequestKey] = payout.ID
		return nil
	})
}

func (store *stubStore) GetPayout(ctx context.Context, payoutID PayoutID) (PayoutRequest, error) {
	var payout PayoutRequest
	err := store.read(func(state *stubState) error {
		found, ok := state.payouts[payoutID]
		if !ok {
			return ErrUnknownPayout
		}
		payout = found
		return nil
	})
	return payout, err
}

func (store *stubStore) FindPayoutByRequestKey(ctx context.Context, requestKey ExternalID) (PayoutRequest, bool, error) {
	var payout PayoutRequest
	found := false
	err := store.read(func(state *stubState) error {
		payoutID, ok := state.payoutKeys[requestKey]
		if ok {
			payout, found = state.payouts[payoutID], true
		}
		return nil
	})
	return payout, found, err
}

func (store *stubStore) UpdatePayout(ctx context.Context, payout PayoutRequest, from PayoutStatus) error {
	return store.write(func(state *stubState) error {
		stored, ok := state.payouts[payout.ID]
		if !ok {
			return ErrUnknownPayout
		}
		if stored.Status != from {
			return fmt.Errorf("%w: payout is %s", ErrInvalidStateTransition, stored.Status)
		}
		state.payouts[payout.ID] = payout
		return nil
	})
}

func (store *stubStore) ListPayouts(ctx context.Context, accountID AccountID) ([]PayoutRequest, error) {
	var payouts []PayoutRequest
	err := store.read(func(state *stubState) error {
		for _, payout := range state.payouts {
			if payout.AccountID == accountID {
				payouts = append(payouts, payout)
			}
		}
		return nil
	})
	return payouts, err
}

func (store *stubStore) EnqueueEvent(ctx context.Context, event OutboxEvent) error {
	return store.write(func(state *stubState) error {
		state.events = append(state.events, event)
		return nil
	})
}

func (store *stubStore) events() []OutboxEvent {
	var events []OutboxEvent
	_ = store.read(func(state *stubState) error {
		events = append(events, state.events...)
		return nil
	})
	return events
}

func (store *stubStore) transactionCount() int {
	count := 0
	_ = store.read(func(state *stubState) error {
		count = len(state.transactions)
		return nil
	})
	return count
}

func containsStatus(statuses []TransactionStatus, status TransactionStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}
