package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"gorm.io/gorm"
)

func (store *Store) CreatePayout(ctx context.Context, payout ledger.PayoutRequest) error {
	row := payoutRow(payout)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPayout, errorCodeDuplicate, ledger.ErrDuplicateExternalID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeCreate, classify(err))
	}
	return nil
}

func (store *Store) GetPayout(ctx context.Context, payoutID ledger.PayoutID) (ledger.PayoutRequest, error) {
	var row PayoutRequest
	err := lockForUpdate(store.db.WithContext(ctx)).Where("payout_id = ?", payoutID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.PayoutRequest{}, wrapStoreError(errorSubjectPayout, errorCodeGet, ledger.ErrUnknownPayout)
	}
	if err != nil {
		return ledger.PayoutRequest{}, wrapStoreError(errorSubjectPayout, errorCodeGet, classify(err))
	}
	payout, err := mapPayout(row)
	if err != nil {
		return ledger.PayoutRequest{}, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
	}
	return payout, nil
}

func (store *Store) FindPayoutByRequestKey(ctx context.Context, requestKey ledger.ExternalID) (ledger.PayoutRequest, bool, error) {
	var rows []PayoutRequest
	err := store.db.WithContext(ctx).Where("request_key = ?", requestKey.String()).Limit(1).Find(&rows).Error
	if err != nil {
		return ledger.PayoutRequest{}, false, wrapStoreError(errorSubjectPayout, errorCodeLookup, classify(err))
	}
	if len(rows) == 0 {
		return ledger.PayoutRequest{}, false, nil
	}
	payout, err := mapPayout(rows[0])
	if err != nil {
		return ledger.PayoutRequest{}, false, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
	}
	return payout, true, nil
}

func (store *Store) UpdatePayout(ctx context.Context, payout ledger.PayoutRequest, from ledger.PayoutStatus) error {
	row := payoutRow(payout)
	result := store.db.WithContext(ctx).
		Model(&PayoutRequest{}).
		Where("payout_id = ? AND status = ?", row.PayoutID, from.String()).
		Updates(map[string]any{
			"status":         row.Status,
			"transaction_id": row.TransactionID,
			"failure_reason": row.FailureReason,
			"settled_at":     row.SettledAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeUpdateStatus, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayout, errorCodeStaleTransition, fmt.Errorf("%w: payout %s is no longer %s", ledger.ErrInvalidStateTransition, payout.ID, from))
	}
	return nil
}

func (store *Store) ListPayouts(ctx context.Context, accountID ledger.AccountID) ([]ledger.PayoutRequest, error) {
	var rows []PayoutRequest
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("requested_at DESC").
		Order("payout_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayout, errorCodeList, classify(err))
	}
	payouts := make([]ledger.PayoutRequest, 0, len(rows))
	for _, row := range rows {
		payout, err := mapPayout(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
		}
		payouts = append(payouts, payout)
	}
	return payouts, nil
}
