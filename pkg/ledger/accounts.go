package ledger

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// AccountLocker serializes writers of the same accounts.
// Implementations must acquire the ids in the order given and release them all through the returned func.
type AccountLocker interface {
	LockAccounts(ctx context.Context, accountIDs []AccountID) (func(), error)
}

// AccountStore owns per-account mutexes and a cache of balances.
// Reads of a loaded balance are lock-free; writers update it only while holding the account lock.
type AccountStore struct {
	store        Store
	slots        sync.Map
	cacheEnabled bool
}

type accountSlot struct {
	mutex     sync.Mutex
	loaded    atomic.Bool
	available atomic.Int64
	pending   atomic.Int64
}

// balanceEffect says which balance figure a transaction moves.
type balanceEffect int

const (
	effectCommit balanceEffect = iota
	effectStage
	effectSettleStaged
	effectReleaseStaged
)

// NewAccountStore builds an account store over store. With cacheEnabled false every
// balance read goes to storage.
func NewAccountStore(store Store, cacheEnabled bool) *AccountStore {
	return &AccountStore{store: store, cacheEnabled: cacheEnabled}
}

func (accounts *AccountStore) slot(accountID AccountID) *accountSlot {
	existing, ok := accounts.slots.Load(accountID)
	if ok {
		return existing.(*accountSlot)
	}
	created, _ := accounts.slots.LoadOrStore(accountID, &accountSlot{})
	return created.(*accountSlot)
}

// LockAccounts acquires the in-process mutex of every account in ascending id order.
func (accounts *AccountStore) LockAccounts(ctx context.Context, accountIDs []AccountID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ordered := sortedAccountIDs(accountIDs)
	slots := make([]*accountSlot, 0, len(ordered))
	for _, accountID := range ordered {
		slot := accounts.slot(accountID)
		slot.mutex.Lock()
		slots = append(slots, slot)
	}
	return func() {
		for index := len(slots) - 1; index >= 0; index-- {
			slots[index].mutex.Unlock()
		}
	}, nil
}

// GetBalance returns the available and pending balance of account.
// Fan accounts stand for external payment sources and always report zero.
func (accounts *AccountStore) GetBalance(ctx context.Context, account Account) (Balance, error) {
	if account.Role.IsExternal() {
		return Balance{Available: Zero(account.Currency), Pending: Zero(account.Currency)}, nil
	}
	if balance, ok := accounts.snapshot(account); ok {
		return balance, nil
	}
	slot := accounts.slot(account.ID)
	slot.mutex.Lock()
	defer slot.mutex.Unlock()
	return accounts.balanceLocked(ctx, accounts.store, account)
}

// balanceLocked reads the balance while the caller holds the account lock, loading the cache on a miss.
func (accounts *AccountStore) balanceLocked(ctx context.Context, reader Store, account Account) (Balance, error) {
	if account.Role.IsExternal() {
		return Balance{Available: Zero(account.Currency), Pending: Zero(account.Currency)}, nil
	}
	if balance, ok := accounts.snapshot(account); ok {
		return balance, nil
	}
	available, err := reader.SumBalance(ctx, account.ID, CommittedStatuses)
	if err != nil {
		return Balance{}, err
	}
	pending, err := reader.SumBalance(ctx, account.ID, InFlightStatuses)
	if err != nil {
		return Balance{}, err
	}
	if accounts.cacheEnabled {
		slot := accounts.slot(account.ID)
		slot.available.Store(available)
		slot.pending.Store(pending)
		slot.loaded.Store(true)
	}
	return Balance{Available: NewMoney(available, account.Currency), Pending: NewMoney(pending, account.Currency)}, nil
}

func (accounts *AccountStore) snapshot(account Account) (Balance, bool) {
	if !accounts.cacheEnabled {
		return Balance{}, false
	}
	existing, ok := accounts.slots.Load(account.ID)
	if !ok {
		return Balance{}, false
	}
	slot := existing.(*accountSlot)
	if !slot.loaded.Load() {
		return Balance{}, false
	}
	return Balance{
		Available: NewMoney(slot.available.Load(), account.Currency),
		Pending:   NewMoney(slot.pending.Load(), account.Currency),
	}, true
}

// applyEntries folds committed entries into cached balances. Callers hold the locks of every touched account.
func (accounts *AccountStore) applyEntries(entries []Entry, effect balanceEffect) {
	if !accounts.cacheEnabled {
		return
	}
	net := make(map[AccountID]int64, len(entries))
	for _, entry := range entries {
		net[entry.AccountID] += entry.Signed()
	}
	for accountID, delta := range net {
		existing, ok := accounts.slots.Load(accountID)
		if !ok {
			continue
		}
		slot := existing.(*accountSlot)
		if !slot.loaded.Load() {
			continue
		}
		switch effect {
		case effectCommit:
			slot.available.Add(delta)
		case effectStage:
			slot.pending.Add(delta)
		case effectSettleStaged:
			slot.pending.Add(-delta)
			slot.available.Add(delta)
		case effectReleaseStaged:
			slot.pending.Add(-delta)
		}
	}
}

// invalidate drops cached balances so the next read reloads them from storage.
func (accounts *AccountStore) invalidate(accountIDs []AccountID) {
	for _, accountID := range accountIDs {
		if existing, ok := accounts.slots.Load(accountID); ok {
			existing.(*accountSlot).loaded.Store(false)
		}
	}
}

func sortedAccountIDs(accountIDs []AccountID) []AccountID {
	seen := make(map[AccountID]struct{}, len(accountIDs))
	ordered := make([]AccountID, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		if _, ok := seen[accountID]; ok {
			continue
		}
		seen[accountID] = struct{}{}
		ordered = append(ordered, accountID)
	}
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].value < ordered[right].value
	})
	return ordered
}
