// Package reporting keeps read-only financial projections of committed ledger transactions.
// Projections are never consulted for balance decisions.
package reporting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"go.uber.org/zap"
)

// AccountDirectory resolves the owner and role behind an account id.
type AccountDirectory interface {
	GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error)
}

// TransactionSource lists stored transactions for a rebuild.
type TransactionSource interface {
	ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error)
}

type posting struct {
	accountID ledger.AccountID
	owner     ledger.OwnerID
	role      ledger.OwnerRole
	currency  ledger.Currency
	signed    int64
}

func (posting posting) isSystem(account ledger.SystemAccount) bool {
	return posting.role == ledger.RolePlatform && posting.owner == account.OwnerID()
}

type record struct {
	id         ledger.TransactionID
	kind       ledger.TransactionType
	reversalOf ledger.TransactionID
	at         time.Time
	postings   []posting
}

// Projector folds committed transactions into report aggregates.
type Projector struct {
	directory AccountDirectory
	logger    *zap.Logger

	mutex    sync.RWMutex
	records  []*record
	byID     map[ledger.TransactionID]*record
	accounts map[ledger.AccountID]ledger.Account
}

var _ ledger.TransactionObserver = (*Projector)(nil)

// NewProjector builds an empty projector.
func NewProjector(directory AccountDirectory, logger *zap.Logger) (*Projector, error) {
	if directory == nil {
		return nil, fmt.Errorf("%w: projector needs an account directory", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{
		directory: directory,
		logger:    logger,
		byID:      make(map[ledger.TransactionID]*record),
		accounts:  make(map[ledger.AccountID]ledger.Account),
	}, nil
}

// Rebuild refolds every committed transaction in source. Transactions observed while the
// rebuild was listing are kept.
func (projector *Projector) Rebuild(ctx context.Context, source TransactionSource) error {
	transactions, err := source.ListTransactions(ctx, ledger.TransactionFilter{Statuses: ledger.CommittedStatuses})
	if err != nil {
		return fmt.Errorf("rebuild projection: %w", err)
	}
	records := make([]*record, 0, len(transactions))
	for _, transaction := range transactions {
		folded, err := projector.fold(ctx, transaction)
		if err != nil {
			return fmt.Errorf("rebuild projection: %w", err)
		}
		records = append(records, folded)
	}
	projector.mutex.Lock()
	defer projector.mutex.Unlock()
	previous := projector.records
	projector.records = make([]*record, 0, len(records)+len(previous))
	projector.byID = make(map[ledger.TransactionID]*record, len(records)+len(previous))
	for _, folded := range records {
		projector.insertLocked(folded)
	}
	for _, folded := range previous {
		if _, known := projector.byID[folded.id]; !known {
			projector.insertLocked(folded)
		}
	}
	return nil
}

// Refresh folds committed transactions in source that the projector has not observed yet, such
// as commits made by another process sharing the store. It returns how many were added.
func (projector *Projector) Refresh(ctx context.Context, source TransactionSource) (int, error) {
	transactions, err := source.ListTransactions(ctx, ledger.TransactionFilter{Statuses: ledger.CommittedStatuses})
	if err != nil {
		return 0, fmt.Errorf("refresh projection: %w", err)
	}
	projector.mutex.RLock()
	unseen := make([]ledger.Transaction, 0)
	for _, transaction := range transactions {
		if _, known := projector.byID[transaction.ID]; !known {
			unseen = append(unseen, transaction)
		}
	}
	projector.mutex.RUnlock()
	added := 0
	for _, transaction := range unseen {
		folded, err := projector.fold(ctx, transaction)
		if err != nil {
			return added, fmt.Errorf("refresh projection: %w", err)
		}
		projector.mutex.Lock()
		if _, known := projector.byID[transaction.ID]; !known {
			projector.insertLocked(folded)
			added++
		}
		projector.mutex.Unlock()
	}
	return added, nil
}

// Run refreshes the projection from source every interval until ctx is cancelled.
func (projector *Projector) Run(ctx context.Context, source TransactionSource, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: refresh interval must be positive", ledger.ErrInvalidServiceConfig)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		added, err := projector.Refresh(ctx, source)
		if err != nil && ctx.Err() == nil {
			projector.logger.Error("projection refresh failed", zap.Error(err))
			continue
		}
		if added > 0 {
			projector.logger.Debug("projection refreshed", zap.Int("added", added))
		}
	}
}

// ObserveCommitted folds one committed transaction. Replays of a known transaction are ignored.
func (projector *Projector) ObserveCommitted(ctx context.Context, transaction ledger.Transaction) {
	projector.mutex.RLock()
	_, known := projector.byID[transaction.ID]
	projector.mutex.RUnlock()
	if known {
		return
	}
	folded, err := projector.fold(ctx, transaction)
	if err != nil {
		projector.logger.Error("projection fold failed",
			zap.String("transaction_id", transaction.ID.String()),
			zap.Error(err))
		return
	}
	projector.mutex.Lock()
	defer projector.mutex.Unlock()
	if _, known := projector.byID[transaction.ID]; known {
		return
	}
	projector.insertLocked(folded)
}

// insertLocked keeps records ordered by commit time.
func (projector *Projector) insertLocked(folded *record) {
	index := sort.Search(len(projector.records), func(index int) bool {
		return projector.records[index].at.After(folded.at)
	})
	projector.records = append(projector.records, nil)
	copy(projector.records[index+1:], projector.records[index:])
	projector.records[index] = folded
	projector.byID[folded.id] = folded
}

func (projector *Projector) fold(ctx context.Context, transaction ledger.Transaction) (*record, error) {
	folded := &record{
		id:         transaction.ID,
		kind:       transaction.Type,
		reversalOf: transaction.ReversalOf,
		at:         transaction.CreatedAt.UTC(),
		postings:   make([]posting, 0, len(transaction.Entries)),
	}
	for _, entry := range transaction.Entries {
		account, err := projector.account(ctx, entry.AccountID)
		if err != nil {
			return nil, err
		}
		folded.postings = append(folded.postings, posting{
			accountID: entry.AccountID,
			owner:     account.OwnerID,
			role:      account.Role,
			currency:  entry.Amount.Currency(),
			signed:    entry.Signed(),
		})
	}
	return folded, nil
}

func (projector *Projector) account(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	projector.mutex.RLock()
	account, ok := projector.accounts[accountID]
	projector.mutex.RUnlock()
	if ok {
		return account, nil
	}
	account, err := projector.directory.GetAccount(ctx, accountID)
	if err != nil {
		return ledger.Account{}, err
	}
	projector.mutex.Lock()
	projector.accounts[accountID] = account
	projector.mutex.Unlock()
	return account, nil
}

// scan calls visit for every record committed within period, under the read lock.
func (projector *Projector) scan(period Period, visit func(*record)) {
	projector.mutex.RLock()
	defer projector.mutex.RUnlock()
	for _, folded := range projector.records {
		if period.Contains(folded.at) {
			visit(folded)
		}
	}
}

func (projector *Projector) kindOf(transactionID ledger.TransactionID) (ledger.TransactionType, bool) {
	folded, ok := projector.byID[transactionID]
	if !ok {
		return "", false
	}
	return folded.kind, true
}
