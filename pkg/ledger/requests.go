package ledger

import "fmt"

// AccountRef points at an account either by id or by natural key.
type AccountRef struct {
	id  AccountID
	key AccountKey
}

// AccountByID references an existing account.
func AccountByID(accountID AccountID) AccountRef {
	return AccountRef{id: accountID}
}

// AccountFor references the account of key, creating it on first use.
func AccountFor(key AccountKey) AccountRef {
	return AccountRef{key: key}
}

// String describes the reference for error messages.
func (ref AccountRef) String() string {
	if !ref.id.IsZero() {
		return ref.id.String()
	}
	return fmt.Sprintf("%s/%s/%s", ref.key.OwnerID, ref.key.Role, ref.key.Currency)
}

func (ref AccountRef) isZero() bool {
	return ref.id.IsZero() && ref.key.OwnerID.IsZero()
}

// EntryInput is one requested ledger line.
type EntryInput struct {
	Account     AccountRef
	Direction   Direction
	Amount      Money
	Description string
}

// DebitEntry builds a debit line.
func DebitEntry(account AccountRef, amount Money, description string) EntryInput {
	return EntryInput{Account: account, Direction: Debit, Amount: amount, Description: description}
}

// CreditEntry builds a credit line.
func CreditEntry(account AccountRef, amount Money, description string) EntryInput {
	return EntryInput{Account: account, Direction: Credit, Amount: amount, Description: description}
}

// PostRequest asks the engine to record a transaction.
type PostRequest struct {
	ExternalID ExternalID
	Type       TransactionType
	Entries    []EntryInput
	Metadata   MetadataJSON
	ReversalOf TransactionID
	Reason     string
}

// validatePostRequest checks shape and the per-currency balance of the entries.
func validatePostRequest(request PostRequest) error {
	if request.ExternalID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidExternalID)
	}
	if _, err := ParseTransactionType(string(request.Type)); err != nil {
		return err
	}
	if len(request.Entries) == 0 {
		return ErrEmptyTransaction
	}
	debits := make(map[Currency]Money)
	credits := make(map[Currency]Money)
	for index, entry := range request.Entries {
		if entry.Account.isZero() {
			return fmt.Errorf("%w: entry %d has no account", ErrInvalidEntry, index)
		}
		if _, err := ParseDirection(string(entry.Direction)); err != nil {
			return err
		}
		if entry.Amount.Currency().IsZero() {
			return fmt.Errorf("%w: entry %d has no currency", ErrInvalidCurrency, index)
		}
		if !entry.Amount.IsPositive() {
			return fmt.Errorf("%w: entry %d amount must be positive", ErrInvalidAmount, index)
		}
		totals := credits
		if entry.Direction == Debit {
			totals = debits
		}
		current, ok := totals[entry.Amount.Currency()]
		if !ok {
			current = Zero(entry.Amount.Currency())
		}
		next, err := current.Add(entry.Amount)
		if err != nil {
			return err
		}
		totals[entry.Amount.Currency()] = next
	}
	for currency, debitTotal := range debits {
		if !debitTotal.Equal(creditTotalOf(credits, currency)) {
			return fmt.Errorf("%w: %s debits %s, credits %s", ErrUnbalancedTransaction, currency, debitTotal.FormatMajor(), creditTotalOf(credits, currency).FormatMajor())
		}
	}
	for currency, creditTotal := range credits {
		if _, ok := debits[currency]; !ok {
			return fmt.Errorf("%w: %s credits %s without debits", ErrUnbalancedTransaction, currency, creditTotal.FormatMajor())
		}
	}
	return nil
}

func creditTotalOf(credits map[Currency]Money, currency Currency) Money {
	if total, ok := credits[currency]; ok {
		return total
	}
	return Zero(currency)
}

// reversalRequest mirrors every entry of original with the opposite direction.
func reversalRequest(original Transaction, transactionType TransactionType, suffix string, reason string) (PostRequest, error) {
	externalID, err := deriveExternalID(original.ExternalID, suffix)
	if err != nil {
		return PostRequest{}, err
	}
	entries := make([]EntryInput, 0, len(original.Entries))
	for _, entry := range original.Entries {
		entries = append(entries, EntryInput{
			Account:     AccountByID(entry.AccountID),
			Direction:   entry.Direction.Opposite(),
			Amount:      entry.Amount,
			Description: "reversal: " + entry.Description,
		})
	}
	return PostRequest{
		ExternalID: externalID,
		Type:       transactionType,
		Entries:    entries,
		Metadata:   original.Metadata,
		ReversalOf: original.ID,
		Reason:     reason,
	}, nil
}

func deriveExternalID(base ExternalID, suffix string) (ExternalID, error) {
	return NewExternalID(base.String() + externalIDDelimiter + suffix)
}
