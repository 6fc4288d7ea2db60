package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID  string    `gorm:"size:64;primaryKey"`
	OwnerID    string    `gorm:"size:191;not null;index:idx_accounts_owner_role_currency,unique,priority:1"`
	Role       string    `gorm:"size:16;not null;index:idx_accounts_owner_role_currency,unique,priority:2"`
	Currency   string    `gorm:"size:3;not null;index:idx_accounts_owner_role_currency,unique,priority:3"`
	Status     string    `gorm:"size:16;not null;default:active"`
	DebitLimit int64     `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the ledger_transactions table.
type Transaction struct {
	TransactionID string         `gorm:"size:64;primaryKey"`
	ExternalID    string         `gorm:"size:191;not null;uniqueIndex:uniq_transactions_external_id"`
	Type          string         `gorm:"size:32;not null;index:idx_transactions_type_created,priority:1"`
	Status        string         `gorm:"size:16;not null;index:idx_transactions_status"`
	Metadata      datatypes.JSON `gorm:"not null"`
	ReversalOf    *string        `gorm:"size:64;index:idx_transactions_reversal_of"`
	Reason        string         `gorm:"size:512;not null;default:''"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_type_created,priority:2"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (Transaction) TableName() string { return "ledger_transactions" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID       string    `gorm:"size:64;primaryKey"`
	TransactionID string    `gorm:"size:64;not null;index:idx_ledger_entries_transaction"`
	AccountID     string    `gorm:"size:64;not null;index:idx_ledger_entries_account_created,priority:1"`
	Position      int       `gorm:"not null"`
	Direction     string    `gorm:"size:8;not null"`
	AmountMinor   int64     `gorm:"not null"`
	Currency      string    `gorm:"size:3;not null"`
	Description   string    `gorm:"size:255;not null;default:''"`
	CreatedAt     time.Time `gorm:"not null;index:idx_ledger_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PayoutRequest mirrors the payout_requests table.
type PayoutRequest struct {
	PayoutID      string     `gorm:"size:64;primaryKey"`
	RequestKey    string     `gorm:"size:191;not null;uniqueIndex:uniq_payout_requests_request_key"`
	AccountID     string     `gorm:"size:64;not null;index:idx_payout_requests_account"`
	AmountMinor   int64      `gorm:"not null"`
	Currency      string     `gorm:"size:3;not null"`
	Status        string     `gorm:"size:16;not null"`
	TransactionID string     `gorm:"size:64;not null"`
	FailureReason string     `gorm:"size:512;not null;default:''"`
	RequestedAt   time.Time  `gorm:"not null"`
	SettledAt     *time.Time `gorm:""`
}

func (PayoutRequest) TableName() string { return "payout_requests" }

// OutboxMessage mirrors the outbox_messages table.
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	MessageKey string    `gorm:"size:191;not null"`
	Topic      string    `gorm:"size:191;not null"`
	Payload    []byte    `gorm:"not null"`
	Status     string    `gorm:"size:16;not null;index:idx_outbox_messages_status_id,priority:1"`
	Attempts   int       `gorm:"not null;default:0"`
	LastError  string    `gorm:"size:512;not null;default:''"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (OutboxMessage) TableName() string { return "outbox_messages" }

// Models lists every table the store owns, in migration order.
func Models() []any {
	return []any{&Account{}, &Transaction{}, &LedgerEntry{}, &PayoutRequest{}, &OutboxMessage{}}
}
