package gormstore

import (
	"time"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
)

func mapAccount(row Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	ownerID, err := ledger.NewOwnerID(row.OwnerID)
	if err != nil {
		return ledger.Account{}, err
	}
	role, err := ledger.ParseOwnerRole(row.Role)
	if err != nil {
		return ledger.Account{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.Account{}, err
	}
	status, err := ledger.ParseAccountStatus(row.Status)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		ID:         accountID,
		OwnerID:    ownerID,
		Role:       role,
		Currency:   currency,
		Status:     status,
		DebitLimit: row.DebitLimit,
		CreatedAt:  row.CreatedAt.UTC(),
	}, nil
}

func mapTransaction(row Transaction, entryRows []LedgerEntry) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	externalID, err := ledger.NewExternalID(row.ExternalID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	var reversalOf ledger.TransactionID
	if row.ReversalOf != nil && *row.ReversalOf != "" {
		reversalOf, err = ledger.NewTransactionID(*row.ReversalOf)
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	entries := make([]ledger.Entry, 0, len(entryRows))
	for _, entryRow := range entryRows {
		entry, err := mapLedgerEntry(entryRow)
		if err != nil {
			return ledger.Transaction{}, err
		}
		entries = append(entries, entry)
	}
	return ledger.Transaction{
		ID:         transactionID,
		ExternalID: externalID,
		Type:       transactionType,
		Status:     status,
		Entries:    entries,
		Metadata:   metadata,
		ReversalOf: reversalOf,
		Reason:     row.Reason,
		CreatedAt:  row.CreatedAt.UTC(),
		UpdatedAt:  row.UpdatedAt.UTC(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	direction, err := ledger.ParseDirection(row.Direction)
	if err != nil {
		return ledger.Entry{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		ID:            entryID,
		TransactionID: transactionID,
		AccountID:     accountID,
		Direction:     direction,
		Amount:        ledger.NewMoney(row.AmountMinor, currency),
		Description:   row.Description,
	}, nil
}

func mapPayout(row PayoutRequest) (ledger.PayoutRequest, error) {
	payoutID, err := ledger.NewPayoutID(row.PayoutID)
	if err != nil {
		return ledger.PayoutRequest{}, err
	}
	requestKey, err := ledger.NewExternalID(row.RequestKey)
	if err != nil {
		return ledger.PayoutRequest{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.PayoutRequest{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.PayoutRequest{}, err
	}
	status, err := ledger.ParsePayoutStatus(row.Status)
	if err != nil {
		return ledger.PayoutRequest{}, err
	}
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.PayoutRequest{}, err
	}
	var settledAt time.Time
	if row.SettledAt != nil {
		settledAt = row.SettledAt.UTC()
	}
	return ledger.PayoutRequest{
		ID:            payoutID,
		RequestKey:    requestKey,
		AccountID:     accountID,
		Amount:        ledger.NewMoney(row.AmountMinor, currency),
		Status:        status,
		TransactionID: transactionID,
		FailureReason: row.FailureReason,
		RequestedAt:   row.RequestedAt.UTC(),
		SettledAt:     settledAt,
	}, nil
}

func payoutRow(payout ledger.PayoutRequest) PayoutRequest {
	var settledAt *time.Time
	if !payout.SettledAt.IsZero() {
		value := payout.SettledAt.UTC()
		settledAt = &value
	}
	return PayoutRequest{
		PayoutID:      payout.ID.String(),
		RequestKey:    payout.RequestKey.String(),
		AccountID:     payout.AccountID.String(),
		AmountMinor:   payout.Amount.Amount(),
		Currency:      payout.Amount.Currency().String(),
		Status:        payout.Status.String(),
		TransactionID: payout.TransactionID.String(),
		FailureReason: truncate(payout.FailureReason, 512),
		RequestedAt:   payout.RequestedAt.UTC(),
		SettledAt:     settledAt,
	}
}
