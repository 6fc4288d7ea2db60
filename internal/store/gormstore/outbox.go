package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"gorm.io/gorm"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusDead    = "dead"
)

// OutboxMessageView is a pending outbox row handed to the relay.
type OutboxMessageView struct {
	ID       int64
	Event    ledger.OutboxEvent
	Attempts int
}

// PendingOutbox returns up to limit undelivered messages in insertion order.
func (store *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxMessageView, error) {
	var rows []OutboxMessage
	err := store.db.WithContext(ctx).
		Where("status = ?", outboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOutbox, errorCodeList, classify(err))
	}
	messages := make([]OutboxMessageView, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, OutboxMessageView{
			ID:       row.ID,
			Event:    ledger.OutboxEvent{Key: row.MessageKey, Topic: row.Topic, Payload: row.Payload},
			Attempts: row.Attempts,
		})
	}
	return messages, nil
}

// MarkSent flags the messages as delivered.
func (store *Store) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := store.db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"status": outboxStatusSent, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeUpdateStatus, classify(err))
	}
	return nil
}

// MarkFailed records a delivery failure. Messages reaching maxAttempts stop being retried.
func (store *Store) MarkFailed(ctx context.Context, id int64, cause error, maxAttempts int) error {
	message := ""
	if cause != nil {
		message = truncate(cause.Error(), 512)
	}
	now := time.Now().UTC()
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.Model(&OutboxMessage{}).
			Where("id = ? AND status = ?", id, outboxStatusPending).
			Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "last_error": message, "updated_at": now}).Error
		if err != nil {
			return err
		}
		return transaction.Model(&OutboxMessage{}).
			Where("id = ? AND status = ? AND attempts >= ?", id, outboxStatusPending, maxAttempts).
			Update("status", outboxStatusDead).Error
	})
	if err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeUpdateStatus, classify(err))
	}
	return nil
}
