package ledger

import (
	"context"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// PayoutLimits bounds a single payout in minor units. A zero Maximum means no upper bound.
type PayoutLimits struct {
	Minimum int64
	Maximum int64
}

// PayoutProcessor drains creator and affiliate balances through withdrawal transactions.
type PayoutProcessor struct {
	service *Service
	limits  PayoutLimits
}

// NewPayoutProcessor wires a PayoutProcessor over the engine.
func NewPayoutProcessor(service *Service, limits PayoutLimits) (*PayoutProcessor, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if limits.Minimum < 0 || limits.Maximum < 0 || (limits.Maximum > 0 && limits.Maximum < limits.Minimum) {
		return nil, fmt.Errorf("%w: payout limits %d..%d", ErrInvalidServiceConfig, limits.Minimum, limits.Maximum)
	}
	return &PayoutProcessor{service: service, limits: limits}, nil
}

// RequestPayout checks the balance under the account lock and, in the same store transaction,
// posts the withdrawal into clearing and records the payout as processing.
// Repeating a request key returns the payout it created.
func (processor *PayoutProcessor) RequestPayout(ctx context.Context, accountID AccountID, amount Money, requestKey ExternalID) (PayoutRequest, error) {
	payout, operationError := processor.requestPayout(ctx, accountID, amount, requestKey)
	processor.service.logOperation(ctx, OperationLog{
		Operation:     operationPayoutRequest,
		TransactionID: payout.TransactionID,
		AccountID:     accountID,
		PayoutID:      payout.ID,
		Type:          TypeWithdrawal,
		Amount:        amount,
		Error:         operationError,
	})
	return payout, operationError
}

func (processor *PayoutProcessor) requestPayout(ctx context.Context, accountID AccountID, amount Money, requestKey ExternalID) (PayoutRequest, error) {
	if requestKey.IsZero() {
		return PayoutRequest{}, fmt.Errorf("%w: empty request key", ErrInvalidExternalID)
	}
	store := processor.service.store
	if existing, found, err := store.FindPayoutByRequestKey(ctx, requestKey); err != nil {
		return PayoutRequest{}, err
	} else if found {
		return existing, nil
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return PayoutRequest{}, err
	}
	if account.Role != RoleCreator && account.Role != RoleAffiliate {
		return PayoutRequest{}, fmt.Errorf("%w: %s accounts cannot be paid out", ErrAccountNotEligible, account.Role)
	}
	if amount.Currency() != account.Currency {
		return PayoutRequest{}, fmt.Errorf("%w: account holds %s, payout is %s", ErrCurrencyMismatch, account.Currency, amount.Currency())
	}
	if !amount.IsPositive() {
		return PayoutRequest{}, fmt.Errorf("%w: payout must be positive", ErrInvalidAmount)
	}
	if amount.Amount() < processor.limits.Minimum {
		return PayoutRequest{}, fmt.Errorf("%w: %s", ErrPayoutBelowMinimum, amount)
	}
	if processor.limits.Maximum > 0 && amount.Amount() > processor.limits.Maximum {
		return PayoutRequest{}, fmt.Errorf("%w: %s", ErrPayoutAboveMaximum, amount)
	}
	generated, err := typeid.Generate(payoutIDPrefix)
	if err != nil {
		return PayoutRequest{}, WrapError("payout", "payout", "id_generation", err)
	}
	externalID, err := NewExternalID(payoutExternalIDPrefix + externalIDDelimiter + requestKey.String())
	if err != nil {
		return PayoutRequest{}, err
	}
	payout := PayoutRequest{
		ID:          PayoutID{value: generated.String()},
		RequestKey:  requestKey,
		AccountID:   accountID,
		Amount:      amount,
		Status:      PayoutStatusProcessing,
		RequestedAt: processor.service.nowFn().UTC(),
	}
	withdrawal, created, err := processor.service.submit(ctx, withdrawalRequest(externalID, accountID, amount), StatusCompleted, commitHooks{
		beforeInsert: func(ctx context.Context, txStore Store, _ Transaction) error {
			current, err := txStore.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			balance, err := processor.service.accounts.balanceLocked(ctx, txStore, current)
			if err != nil {
				return err
			}
			if balance.Available.Amount() < amount.Amount() {
				return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientBalance, balance.Available, amount)
			}
			return nil
		},
		afterInsert: func(ctx context.Context, txStore Store, transaction Transaction) error {
			payout.TransactionID = transaction.ID
			return txStore.CreatePayout(ctx, payout)
		},
	})
	if err != nil {
		return PayoutRequest{}, err
	}
	if !created {
		existing, found, err := store.FindPayoutByRequestKey(ctx, requestKey)
		if err != nil {
			return PayoutRequest{}, err
		}
		if !found {
			return PayoutRequest{}, fmt.Errorf("%w: withdrawal %s is %s", ErrInvalidStateTransition, withdrawal.ID, withdrawal.Status)
		}
		return existing, nil
	}
	return payout, nil
}

// MarkSettled confirms the payout left the platform and releases clearing into cash.
func (processor *PayoutProcessor) MarkSettled(ctx context.Context, payoutID PayoutID) (PayoutRequest, error) {
	payout, operationError := processor.finish(ctx, payoutID, PayoutStatusCompleted, externalIDSuffixSettle, "")
	processor.service.logOperation(ctx, OperationLog{
		Operation: operationPayoutSettle,
		AccountID: payout.AccountID,
		PayoutID:  payoutID,
		Type:      TypeWithdrawal,
		Amount:    payout.Amount,
		Error:     operationError,
	})
	return payout, operationError
}

// MarkFailed records a processor rejection and credits the payout back to the account.
func (processor *PayoutProcessor) MarkFailed(ctx context.Context, payoutID PayoutID, reason string) (PayoutRequest, error) {
	payout, operationError := processor.finish(ctx, payoutID, PayoutStatusFailed, externalIDSuffixReversal, reason)
	processor.service.logOperation(ctx, OperationLog{
		Operation: operationPayoutFail,
		AccountID: payout.AccountID,
		PayoutID:  payoutID,
		Type:      TypeRefund,
		Amount:    payout.Amount,
		Error:     operationError,
	})
	return payout, operationError
}

func (processor *PayoutProcessor) finish(ctx context.Context, payoutID PayoutID, status PayoutStatus, suffix string, reason string) (PayoutRequest, error) {
	store := processor.service.store
	payout, err := store.GetPayout(ctx, payoutID)
	if err != nil {
		return PayoutRequest{}, err
	}
	if payout.Status != PayoutStatusProcessing {
		return payout, fmt.Errorf("%w: payout is %s", ErrInvalidStateTransition, payout.Status)
	}
	withdrawal, err := store.GetTransaction(ctx, payout.TransactionID)
	if err != nil {
		return payout, err
	}
	var request PostRequest
	if status == PayoutStatusCompleted {
		externalID, err := deriveExternalID(withdrawal.ExternalID, suffix)
		if err != nil {
			return payout, err
		}
		request = settlementRequest(externalID, payout.Amount)
	} else {
		request, err = reversalRequest(withdrawal, TypeRefund, suffix, reason)
		if err != nil {
			return payout, err
		}
	}
	updated := payout
	updated.Status = status
	updated.FailureReason = reason
	updated.SettledAt = processor.service.nowFn().UTC()
	_, _, err = processor.service.submit(ctx, request, StatusCompleted, commitHooks{
		skipEligibility: true,
		beforeInsert: func(ctx context.Context, txStore Store, _ Transaction) error {
			return txStore.UpdatePayout(ctx, updated, PayoutStatusProcessing)
		},
	})
	if err != nil {
		return payout, err
	}
	return store.GetPayout(ctx, payoutID)
}

// GetPayout returns a stored payout.
func (processor *PayoutProcessor) GetPayout(ctx context.Context, payoutID PayoutID) (PayoutRequest, error) {
	return processor.service.store.GetPayout(ctx, payoutID)
}

// ListPayouts returns the payouts of an account, newest first.
func (processor *PayoutProcessor) ListPayouts(ctx context.Context, accountID AccountID) ([]PayoutRequest, error) {
	return processor.service.store.ListPayouts(ctx, accountID)
}
