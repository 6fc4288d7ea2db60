package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrUnbalancedTransaction    = errors.New("unbalanced transaction")
	ErrCurrencyMismatch         = errors.New("currency mismatch")
	ErrAccountNotEligible       = errors.New("account not eligible")
	ErrInvalidStateTransition   = errors.New("invalid state transition")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrPayoutBelowMinimum       = errors.New("payout below minimum")
	ErrPayoutAboveMaximum       = errors.New("payout above maximum")
	ErrInvalidSignature         = errors.New("invalid signature")
	ErrUnknownIntegration       = errors.New("unknown integration")
	ErrNotFound                 = errors.New("not found")
	ErrUnknownAccount           = fmt.Errorf("unknown account: %w", ErrNotFound)
	ErrUnknownTransaction       = fmt.Errorf("unknown transaction: %w", ErrNotFound)
	ErrUnknownPayout            = fmt.Errorf("unknown payout: %w", ErrNotFound)
	ErrDuplicateExternalID      = errors.New("duplicate external id")
	ErrStoreTransient           = errors.New("transient storage failure")
	ErrEmptyTransaction         = errors.New("transaction has no entries")
	ErrAmountOverflow           = errors.New("amount overflow")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidRate              = errors.New("invalid rate")
	ErrInvalidCurrency          = errors.New("invalid currency")
	ErrInvalidAccountID         = errors.New("invalid account id")
	ErrInvalidOwnerID           = errors.New("invalid owner id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidEntryID           = errors.New("invalid entry id")
	ErrInvalidPayoutID          = errors.New("invalid payout id")
	ErrInvalidExternalID        = errors.New("invalid external id")
	ErrInvalidOwnerRole         = errors.New("invalid owner role")
	ErrInvalidAccountStatus     = errors.New("invalid account status")
	ErrInvalidDirection         = errors.New("invalid direction")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidPayoutStatus      = errors.New("invalid payout status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidEntry             = errors.New("invalid entry")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// ErrorClass groups domain errors by how callers should react to them.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassConflict   ErrorClass = "conflict"
	ClassPolicy     ErrorClass = "policy"
	ClassSecurity   ErrorClass = "security"
	ClassNotFound   ErrorClass = "not_found"
	ClassInternal   ErrorClass = "internal"
)

var validationErrors = []error{
	ErrUnbalancedTransaction,
	ErrCurrencyMismatch,
	ErrEmptyTransaction,
	ErrAmountOverflow,
	ErrInvalidAmount,
	ErrInvalidRate,
	ErrInvalidCurrency,
	ErrInvalidAccountID,
	ErrInvalidOwnerID,
	ErrInvalidTransactionID,
	ErrInvalidEntryID,
	ErrInvalidPayoutID,
	ErrInvalidExternalID,
	ErrInvalidOwnerRole,
	ErrInvalidAccountStatus,
	ErrInvalidDirection,
	ErrInvalidTransactionType,
	ErrInvalidTransactionStatus,
	ErrInvalidPayoutStatus,
	ErrInvalidMetadataJSON,
	ErrInvalidEntry,
}

var policyErrors = []error{
	ErrAccountNotEligible,
	ErrInsufficientBalance,
	ErrPayoutBelowMinimum,
	ErrPayoutAboveMaximum,
}

// Classify maps an error onto the class callers branch on.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	for _, candidate := range validationErrors {
		if errors.Is(err, candidate) {
			return ClassValidation
		}
	}
	for _, candidate := range policyErrors {
		if errors.Is(err, candidate) {
			return ClassPolicy
		}
	}
	switch {
	case errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrDuplicateExternalID):
		return ClassConflict
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrUnknownIntegration):
		return ClassSecurity
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	default:
		return ClassInternal
	}
}

// IsRetryable reports whether repeating the same call may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreTransient)
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
