package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AccountID identifies a ledger account.
type AccountID struct {
	value string
}

// OwnerID identifies the externally authenticated owner of an account.
type OwnerID struct {
	value string
}

// TransactionID identifies a stored transaction.
type TransactionID struct {
	value string
}

// EntryID identifies a single ledger line.
type EntryID struct {
	value string
}

// PayoutID identifies a payout request.
type PayoutID struct {
	value string
}

// ExternalID is the caller-supplied idempotency key of a transaction.
type ExternalID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewOwnerID validates and normalizes an owner id.
func NewOwnerID(raw string) (OwnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OwnerID{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	return OwnerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OwnerID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id OwnerID) IsZero() bool {
	return id.value == ""
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewPayoutID validates and normalizes a payout id.
func NewPayoutID(raw string) (PayoutID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PayoutID{}, fmt.Errorf("%w: empty value", ErrInvalidPayoutID)
	}
	return PayoutID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PayoutID) String() string {
	return id.value
}

// NewExternalID validates and normalizes an idempotency key.
func NewExternalID(raw string) (ExternalID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalID{}, fmt.Errorf("%w: empty value", ErrInvalidExternalID)
	}
	return ExternalID{value: trimmed}, nil
}

// String returns the normalized key.
func (key ExternalID) String() string {
	return key.value
}

// IsZero reports whether the key is unset.
func (key ExternalID) IsZero() bool {
	return key.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// OwnerRole classifies who an account belongs to.
type OwnerRole string

const (
	RoleCreator   OwnerRole = "creator"
	RoleAffiliate OwnerRole = "affiliate"
	RolePlatform  OwnerRole = "platform"
	RoleFan       OwnerRole = "fan"
)

// ParseOwnerRole validates a role string.
func ParseOwnerRole(raw string) (OwnerRole, error) {
	role := OwnerRole(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleCreator, RoleAffiliate, RolePlatform, RoleFan:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOwnerRole, raw)
	}
}

// String returns the role name.
func (role OwnerRole) String() string {
	return string(role)
}

// IsExternal reports whether accounts of this role stand for money outside the platform.
// Fan accounts are payment sources captured by the processor; they carry no spendable balance.
func (role OwnerRole) IsExternal() bool {
	return role == RoleFan
}

// AccountStatus is the soft lifecycle of an account.
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
	AccountStatusFrozen AccountStatus = "frozen"
	AccountStatusClosed AccountStatus = "closed"
)

// ParseAccountStatus validates an account status string.
func ParseAccountStatus(raw string) (AccountStatus, error) {
	status := AccountStatus(strings.TrimSpace(raw))
	switch status {
	case AccountStatusActive, AccountStatusFrozen, AccountStatusClosed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountStatus, raw)
	}
}

// String returns the status name.
func (status AccountStatus) String() string {
	return string(status)
}

// Direction is the side of a ledger line.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// ParseDirection validates a direction string.
func ParseDirection(raw string) (Direction, error) {
	direction := Direction(strings.ToLower(strings.TrimSpace(raw)))
	switch direction {
	case Debit, Credit:
		return direction, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

// String returns the direction name.
func (direction Direction) String() string {
	return string(direction)
}

// Opposite flips debit and credit.
func (direction Direction) Opposite() Direction {
	if direction == Debit {
		return Credit
	}
	return Debit
}

// TransactionType is the closed set of money movements the ledger records.
type TransactionType string

const (
	TypeTip                 TransactionType = "tip"
	TypeSubscription        TransactionType = "subscription"
	TypePPV                 TransactionType = "ppv"
	TypeMerchandise         TransactionType = "merchandise"
	TypeNFT                 TransactionType = "nft"
	TypeWithdrawal          TransactionType = "withdrawal"
	TypeRefund              TransactionType = "refund"
	TypeChargeback          TransactionType = "chargeback"
	TypeFee                 TransactionType = "fee"
	TypeAffiliateCommission TransactionType = "affiliate_commission"
)

// ParseTransactionType validates a transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.ToLower(strings.TrimSpace(raw)))
	switch transactionType {
	case TypeTip, TypeSubscription, TypePPV, TypeMerchandise, TypeNFT,
		TypeWithdrawal, TypeRefund, TypeChargeback, TypeFee, TypeAffiliateCommission:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the type name.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsSale reports whether the type is a fan purchase split between creator, platform and affiliate.
func (transactionType TransactionType) IsSale() bool {
	switch transactionType {
	case TypeTip, TypeSubscription, TypePPV, TypeMerchandise, TypeNFT:
		return true
	default:
		return false
	}
}

// IsReversal reports whether the type compensates an earlier transaction.
func (transactionType TransactionType) IsReversal() bool {
	return transactionType == TypeRefund || transactionType == TypeChargeback
}

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusCancelled  TransactionStatus = "cancelled"
	StatusDisputed   TransactionStatus = "disputed"
)

// CommittedStatuses are the statuses whose entries count toward spendable balance.
// A disputed transaction stays committed; its compensating reversal neutralizes it.
var CommittedStatuses = []TransactionStatus{StatusCompleted, StatusDisputed}

// InFlightStatuses are the statuses whose entries count toward the pending figure.
var InFlightStatuses = []TransactionStatus{StatusPending, StatusProcessing}

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusDisputed},
}

// ParseTransactionStatus validates a status string.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	status := TransactionStatus(strings.TrimSpace(raw))
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusDisputed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the status name.
func (status TransactionStatus) String() string {
	return string(status)
}

// CanTransitionTo reports whether the state machine allows moving to next.
func (status TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsCommitted reports whether entries in this status affect spendable balance.
func (status TransactionStatus) IsCommitted() bool {
	return status == StatusCompleted || status == StatusDisputed
}

// IsInFlight reports whether entries in this status affect the pending figure.
func (status TransactionStatus) IsInFlight() bool {
	return status == StatusPending || status == StatusProcessing
}

// PayoutStatus defines the payout lifecycle.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// ParsePayoutStatus validates a payout status string.
func ParsePayoutStatus(raw string) (PayoutStatus, error) {
	status := PayoutStatus(strings.TrimSpace(raw))
	switch status {
	case PayoutStatusPending, PayoutStatusProcessing, PayoutStatusCompleted, PayoutStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPayoutStatus, raw)
	}
}

// String returns the status name.
func (status PayoutStatus) String() string {
	return string(status)
}

// AccountKey is the natural key of an account: one account per owner, role and currency.
type AccountKey struct {
	OwnerID  OwnerID
	Role     OwnerRole
	Currency Currency
}

// Account is a stored ledger account.
type Account struct {
	ID       AccountID
	OwnerID  OwnerID
	Role     OwnerRole
	Currency Currency
	Status   AccountStatus
	// DebitLimit is the largest debit, in minor units, a frozen account may still take per transaction.
	DebitLimit int64
	CreatedAt  time.Time
}

// Key returns the natural key of the account.
func (account Account) Key() AccountKey {
	return AccountKey{OwnerID: account.OwnerID, Role: account.Role, Currency: account.Currency}
}

// Entry is a single immutable debit or credit line.
type Entry struct {
	ID            EntryID
	TransactionID TransactionID
	AccountID     AccountID
	Direction     Direction
	Amount        Money
	Description   string
}

// Signed returns the entry amount as it affects the account balance: credits add, debits subtract.
func (entry Entry) Signed() int64 {
	if entry.Direction == Debit {
		return -entry.Amount.Amount()
	}
	return entry.Amount.Amount()
}

// Transaction is an atomic balanced set of entries plus lifecycle state.
type Transaction struct {
	ID         TransactionID
	ExternalID ExternalID
	Type       TransactionType
	Status     TransactionStatus
	Entries    []Entry
	Metadata   MetadataJSON
	ReversalOf TransactionID
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AccountIDs returns the distinct accounts touched by the transaction.
func (transaction Transaction) AccountIDs() []AccountID {
	seen := make(map[AccountID]struct{}, len(transaction.Entries))
	accountIDs := make([]AccountID, 0, len(transaction.Entries))
	for _, entry := range transaction.Entries {
		if _, ok := seen[entry.AccountID]; ok {
			continue
		}
		seen[entry.AccountID] = struct{}{}
		accountIDs = append(accountIDs, entry.AccountID)
	}
	return accountIDs
}

// NetByAccount sums the signed entry amounts per account.
func (transaction Transaction) NetByAccount() map[AccountID]int64 {
	net := make(map[AccountID]int64, len(transaction.Entries))
	for _, entry := range transaction.Entries {
		net[entry.AccountID] += entry.Signed()
	}
	return net
}

// Balance view for an account.
type Balance struct {
	Available Money
	Pending   Money
}

// PayoutRequest drains an account balance through a withdrawal transaction.
type PayoutRequest struct {
	ID            PayoutID
	RequestKey    ExternalID
	AccountID     AccountID
	Amount        Money
	Status        PayoutStatus
	TransactionID TransactionID
	FailureReason string
	RequestedAt   time.Time
	SettledAt     time.Time
}

// OutboxEvent is a committed-state notification persisted alongside the transaction that caused it.
type OutboxEvent struct {
	Key     string
	Topic   string
	Payload []byte
}

// TransactionFilter narrows transaction scans.
type TransactionFilter struct {
	Statuses []TransactionStatus
	Since    time.Time
	Until    time.Time
	Limit    int
}
