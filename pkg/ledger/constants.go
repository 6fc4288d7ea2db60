package ledger

import "time"

const (
	operationPost          = "post"
	operationStage         = "stage"
	operationProcess       = "process"
	operationSettle        = "settle"
	operationFail          = "fail"
	operationCancel        = "cancel"
	operationDispute       = "dispute"
	operationRefund        = "refund"
	operationFreeze        = "freeze_account"
	operationClose         = "close_account"
	operationReopen        = "reopen_account"
	operationPayoutRequest = "payout_request"
	operationPayoutSettle  = "payout_settle"
	operationPayoutFail    = "payout_fail"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	externalIDDelimiter      = ":"
	externalIDSuffixDispute  = "dispute"
	externalIDSuffixRefund   = "refund"
	externalIDSuffixReversal = "reversal"
	externalIDSuffixSettle   = "settlement"
	payoutExternalIDPrefix   = "payout"

	transactionIDPrefix = "txn"
	payoutIDPrefix      = "payout"

	eventTransactionCommitted     = "transaction.committed"
	eventTransactionStaged        = "transaction.staged"
	eventTransactionStatusChanged = "transaction.status_changed"

	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 25 * time.Millisecond
)

// SystemAccount names the platform-owned accounts the posting rules use.
type SystemAccount string

const (
	SystemRevenue          SystemAccount = "platform:revenue"
	SystemClearing         SystemAccount = "platform:clearing"
	SystemRounding         SystemAccount = "platform:rounding"
	SystemAffiliateExpense SystemAccount = "platform:affiliate_expense"
	SystemCash             SystemAccount = "platform:cash"
)

// OwnerID returns the owner id under which the system account is stored.
func (systemAccount SystemAccount) OwnerID() OwnerID {
	return OwnerID{value: string(systemAccount)}
}

// Key returns the account key of the system account in currency.
func (systemAccount SystemAccount) Key(currency Currency) AccountKey {
	return AccountKey{OwnerID: systemAccount.OwnerID(), Role: RolePlatform, Currency: currency}
}
