package ledger

import (
	"context"
	"encoding/json"
	"time"
)

type transactionEvent struct {
	Event         string       `json:"event"`
	TransactionID string       `json:"transaction_id"`
	ExternalID    string       `json:"external_id"`
	Type          string       `json:"type"`
	Status        string       `json:"status"`
	ReversalOf    string       `json:"reversal_of,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Entries       []eventEntry `json:"entries"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

type eventEntry struct {
	AccountID string `json:"account_id"`
	Direction string `json:"direction"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// enqueueEvent writes the outbox row inside the caller's store transaction.
func (service *Service) enqueueEvent(ctx context.Context, txStore Store, eventName string, transaction Transaction) error {
	if service.eventTopic == "" {
		return nil
	}
	entries := make([]eventEntry, 0, len(transaction.Entries))
	for _, entry := range transaction.Entries {
		entries = append(entries, eventEntry{
			AccountID: entry.AccountID.String(),
			Direction: entry.Direction.String(),
			Amount:    entry.Amount.Amount(),
			Currency:  entry.Amount.Currency().String(),
		})
	}
	payload, err := json.Marshal(transactionEvent{
		Event:         eventName,
		TransactionID: transaction.ID.String(),
		ExternalID:    transaction.ExternalID.String(),
		Type:          transaction.Type.String(),
		Status:        transaction.Status.String(),
		ReversalOf:    transaction.ReversalOf.String(),
		Reason:        transaction.Reason,
		Entries:       entries,
		OccurredAt:    transaction.UpdatedAt,
	})
	if err != nil {
		return WrapError("service", "event", "marshal", err)
	}
	return txStore.EnqueueEvent(ctx, OutboxEvent{
		Key:     transaction.ID.String(),
		Topic:   service.eventTopic,
		Payload: payload,
	})
}
