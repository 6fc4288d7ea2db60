package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON      = "{}"
	entryBatchSize           = 500
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectTransaction  = "transaction"
	errorSubjectPayout       = "payout"
	errorSubjectOutbox       = "outbox"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeSum             = "sum"
	errorCodeUpdateStatus    = "update_status"
	errorCodeStaleTransition = "stale_transition"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if err != nil && isTransient(err) && !ledger.IsRetryable(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, fmt.Errorf("%w: %w", ledger.ErrStoreTransient, err))
	}
	return err
}

func (store *Store) GetOrCreateAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where(Account{OwnerID: key.OwnerID.String(), Role: key.Role.String(), Currency: key.Currency.String()}).
		Attrs(Account{Status: ledger.AccountStatusActive.String()}).
		FirstOrCreate(&account).Error
	if isUniqueViolation(err) {
		err = store.db.WithContext(ctx).
			Where("owner_id = ? AND role = ? AND currency = ?", key.OwnerID.String(), key.Role.String(), key.Currency.String()).
			Take(&account).Error
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, classify(err))
	}
	return mapAccount(account)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, classify(err))
	}
	return mapAccount(account)
}

func (store *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	var rows []Account
	if err := store.db.WithContext(ctx).Order("account_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, classify(err))
	}
	accounts := make([]ledger.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (store *Store) UpdateAccountStatus(ctx context.Context, accountID ledger.AccountID, status ledger.AccountStatus, debitLimit int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{"status": status.String(), "debit_limit": debitLimit, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	var reversalOf *string
	if !transaction.ReversalOf.IsZero() {
		value := transaction.ReversalOf.String()
		reversalOf = &value
	}
	row := Transaction{
		TransactionID: transaction.ID.String(),
		ExternalID:    transaction.ExternalID.String(),
		Type:          transaction.Type.String(),
		Status:        transaction.Status.String(),
		Metadata:      datatypesJSON(transaction.Metadata.String()),
		ReversalOf:    reversalOf,
		Reason:        truncate(transaction.Reason, 512),
		CreatedAt:     transaction.CreatedAt.UTC(),
		UpdatedAt:     transaction.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateExternalID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, classify(err))
	}
	entries := make([]LedgerEntry, 0, len(transaction.Entries))
	for position, entry := range transaction.Entries {
		entries = append(entries, LedgerEntry{
			EntryID:       entry.ID.String(),
			TransactionID: transaction.ID.String(),
			AccountID:     entry.AccountID.String(),
			Position:      position,
			Direction:     entry.Direction.String(),
			AmountMinor:   entry.Amount.Amount(),
			Currency:      entry.Amount.Currency().String(),
			Description:   truncate(entry.Description, 255),
			CreatedAt:     row.CreatedAt,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	if err := store.db.WithContext(ctx).CreateInBatches(&entries, entryBatchSize).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, classify(err))
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	var row Transaction
	err := store.db.WithContext(ctx).Where("transaction_id = ?", transactionID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, classify(err))
	}
	transactions, err := store.hydrate(ctx, []Transaction{row})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return transactions[0], nil
}

func (store *Store) FindTransactionByExternalID(ctx context.Context, externalID ledger.ExternalID) (ledger.Transaction, bool, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).Where("external_id = ?", externalID.String()).Limit(1).Find(&rows).Error
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, classify(err))
	}
	if len(rows) == 0 {
		return ledger.Transaction{}, false, nil
	}
	transactions, err := store.hydrate(ctx, rows)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return transactions[0], true, nil
}

func (store *Store) FindReversal(ctx context.Context, originalID ledger.TransactionID, transactionType ledger.TransactionType) (ledger.Transaction, bool, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("reversal_of = ? AND type = ? AND status = ?", originalID.String(), transactionType.String(), ledger.StatusCompleted.String()).
		Order("created_at ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, classify(err))
	}
	if len(rows) == 0 {
		return ledger.Transaction{}, false, nil
	}
	transactions, err := store.hydrate(ctx, rows)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return transactions[0], true, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID ledger.TransactionID, from ledger.TransactionStatus, to ledger.TransactionStatus, reason string, at time.Time) error {
	updates := map[string]any{"status": to.String(), "updated_at": at.UTC()}
	if reason != "" {
		updates["reason"] = truncate(reason, 512)
	}
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ? AND status = ?", transactionID.String(), from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeStaleTransition, fmt.Errorf("%w: %s is no longer %s", ledger.ErrInvalidStateTransition, transactionID, from))
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Model(&Transaction{}).Order("created_at ASC").Order("transaction_id ASC")
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", statusStrings(filter.Statuses))
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at < ?", filter.Until.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Transaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classify(err))
	}
	return store.hydrate(ctx, rows)
}

func (store *Store) SumBalance(ctx context.Context, accountID ledger.AccountID, statuses []ledger.TransactionStatus) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Table("ledger_entries AS e").
		Select("coalesce(sum(case when e.direction = ? then e.amount_minor else -e.amount_minor end), 0) AS total", ledger.Credit.String()).
		Joins("JOIN ledger_transactions AS t ON t.transaction_id = e.transaction_id").
		Where("e.account_id = ? AND t.status IN ?", accountID.String(), statusStrings(statuses)).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, classify(err))
	}
	return sum.Total, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, before time.Time, limit int) ([]ledger.Entry, error) {
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before.UTC()).
		Order("created_at DESC").
		Order("position ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, classify(err))
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) EnqueueEvent(ctx context.Context, event ledger.OutboxEvent) error {
	now := time.Now().UTC()
	message := OutboxMessage{
		MessageKey: event.Key,
		Topic:      event.Topic,
		Payload:    event.Payload,
		Status:     outboxStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.db.WithContext(ctx).Create(&message).Error; err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeInsert, classify(err))
	}
	return nil
}

// hydrate loads the entries of rows and maps them to domain transactions, preserving row order.
func (store *Store) hydrate(ctx context.Context, rows []Transaction) ([]ledger.Transaction, error) {
	entriesByTransaction := make(map[string][]LedgerEntry, len(rows))
	for start := 0; start < len(rows); start += entryBatchSize {
		end := start + entryBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		transactionIDs := make([]string, 0, end-start)
		for _, row := range rows[start:end] {
			transactionIDs = append(transactionIDs, row.TransactionID)
		}
		var entryRows []LedgerEntry
		err := store.db.WithContext(ctx).
			Where("transaction_id IN ?", transactionIDs).
			Order("position ASC").
			Find(&entryRows).Error
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, classify(err))
		}
		for _, entryRow := range entryRows {
			entriesByTransaction[entryRow.TransactionID] = append(entriesByTransaction[entryRow.TransactionID], entryRow)
		}
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row, entriesByTransaction[row.TransactionID])
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func statusStrings(statuses []ledger.TransactionStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, status.String())
	}
	return values
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

// lockForUpdate adds SELECT ... FOR UPDATE where the dialect supports it.
func lockForUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == driverSQLite {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
