package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/internal/reporting"
	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"github.com/gin-gonic/gin"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 500
)

type payoutRequest struct {
	RequestKey  string `json:"request_key"`
	Role        string `json:"role"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type freezeRequest struct {
	DebitLimit int64 `json:"debit_limit"`
}

type accountPayload struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	Role       string `json:"role"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
	DebitLimit int64  `json:"debit_limit"`
}

type entryPayload struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transaction_id"`
	AccountID     string       `json:"account_id"`
	Direction     string       `json:"direction"`
	Amount        ledger.Money `json:"amount"`
	Description   string       `json:"description,omitempty"`
}

type transactionPayload struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	ReversalOf string          `json:"reversal_of,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   json.RawMessage `json:"metadata"`
	Entries    []entryPayload  `json:"entries"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type payoutPayload struct {
	ID            string       `json:"id"`
	RequestKey    string       `json:"request_key"`
	AccountID     string       `json:"account_id"`
	Amount        ledger.Money `json:"amount"`
	Status        string       `json:"status"`
	TransactionID string       `json:"transaction_id"`
	FailureReason string       `json:"failure_reason,omitempty"`
	RequestedAt   time.Time    `json:"requested_at"`
	SettledAt     *time.Time   `json:"settled_at,omitempty"`
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	account, ok := handler.callerAccount(ctx, ctx.Param("role"), ctx.Param("currency"))
	if !ok {
		return
	}
	balance, err := handler.deps.Service.GetBalance(ctx.Request.Context(), account.ID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account":   newAccountPayload(account),
		"available": balance.Available,
		"pending":   balance.Pending,
	})
}

func (handler *httpHandler) handleEntries(ctx *gin.Context) {
	account, ok := handler.callerAccount(ctx, ctx.Param("role"), ctx.Param("currency"))
	if !ok {
		return
	}
	limit := defaultEntriesLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(string(ledger.ClassValidation), "limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxEntriesLimit)
	}
	var before time.Time
	if raw := ctx.Query("before"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(string(ledger.ClassValidation), "before must be unix seconds"))
			return
		}
		before = time.Unix(seconds, 0).UTC()
	}
	entries, err := handler.deps.Service.ListEntries(ctx.Request.Context(), account.ID, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account), "entries": payloads})
}

func (handler *httpHandler) handleRequestPayout(ctx *gin.Context) {
	var request payoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(string(ledger.ClassValidation), "expected JSON body"))
		return
	}
	role := request.Role
	if role == "" {
		role = ledger.RoleCreator.String()
	}
	account, ok := handler.callerAccount(ctx, role, request.Currency)
	if !ok {
		return
	}
	requestKey, err := ledger.NewExternalID(request.RequestKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payout, err := handler.deps.Payouts.RequestPayout(ctx.Request.Context(), account.ID, ledger.NewMoney(request.AmountMinor, account.Currency), requestKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payout": newPayoutPayload(payout)})
}

func (handler *httpHandler) handleGetPayout(ctx *gin.Context) {
	owner, ok := handler.callerOwner(ctx)
	if !ok {
		return
	}
	payoutID, err := ledger.NewPayoutID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payout, err := handler.deps.Payouts.GetPayout(ctx.Request.Context(), payoutID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.deps.Service.GetAccount(ctx.Request.Context(), payout.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if account.OwnerID != owner {
		handler.respondError(ctx, fmt.Errorf("%w: %s", ledger.ErrUnknownPayout, payoutID))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payout": newPayoutPayload(payout)})
}

func (handler *httpHandler) handleGetTransaction(ctx *gin.Context) {
	transactionID, ok := handler.transactionParam(ctx)
	if !ok {
		return
	}
	transaction, err := handler.deps.Service.GetTransaction(ctx.Request.Context(), transactionID)
	handler.respondTransaction(ctx, transaction, err)
}

func (handler *httpHandler) handleDispute(ctx *gin.Context) {
	transactionID, ok := handler.transactionParam(ctx)
	if !ok {
		return
	}
	transaction, err := handler.deps.Service.MarkDisputed(ctx.Request.Context(), transactionID, bindReason(ctx))
	handler.respondTransaction(ctx, transaction, err)
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	transactionID, ok := handler.transactionParam(ctx)
	if !ok {
		return
	}
	transaction, err := handler.deps.Service.Refund(ctx.Request.Context(), transactionID, bindReason(ctx))
	handler.respondTransaction(ctx, transaction, err)
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	transactionID, ok := handler.transactionParam(ctx)
	if !ok {
		return
	}
	transaction, err := handler.deps.Service.Cancel(ctx.Request.Context(), transactionID, bindReason(ctx))
	handler.respondTransaction(ctx, transaction, err)
}

func (handler *httpHandler) handleSettlePayout(ctx *gin.Context) {
	payoutID, err := ledger.NewPayoutID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payout, err := handler.deps.Payouts.MarkSettled(ctx.Request.Context(), payoutID)
	handler.respondPayout(ctx, payout, err)
}

func (handler *httpHandler) handleFailPayout(ctx *gin.Context) {
	payoutID, err := ledger.NewPayoutID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payout, err := handler.deps.Payouts.MarkFailed(ctx.Request.Context(), payoutID, bindReason(ctx))
	handler.respondPayout(ctx, payout, err)
}

func (handler *httpHandler) handleFreeze(ctx *gin.Context) {
	var request freezeRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(string(ledger.ClassValidation), "expected JSON body"))
			return
		}
	}
	handler.changeAccount(ctx, func(accountID ledger.AccountID) error {
		return handler.deps.Service.FreezeAccount(ctx.Request.Context(), accountID, request.DebitLimit)
	})
}

func (handler *httpHandler) handleClose(ctx *gin.Context) {
	handler.changeAccount(ctx, func(accountID ledger.AccountID) error {
		return handler.deps.Service.CloseAccount(ctx.Request.Context(), accountID)
	})
}

func (handler *httpHandler) handleReopen(ctx *gin.Context) {
	handler.changeAccount(ctx, func(accountID ledger.AccountID) error {
		return handler.deps.Service.ReopenAccount(ctx.Request.Context(), accountID)
	})
}

func (handler *httpHandler) changeAccount(ctx *gin.Context, change func(ledger.AccountID) error) {
	accountID, err := ledger.NewAccountID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := change(accountID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.deps.Service.GetAccount(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleProfitAndLoss(ctx *gin.Context) {
	currency, period, ok := reportQuery(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": handler.deps.Reports.ProfitAndLoss(currency, period)})
}

func (handler *httpHandler) handleBalanceSheet(ctx *gin.Context) {
	currency, period, ok := reportQuery(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": handler.deps.Reports.BalanceSheet(currency, period.To)})
}

func (handler *httpHandler) handleCashFlow(ctx *gin.Context) {
	currency, period, ok := reportQuery(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": handler.deps.Reports.CashFlow(currency, period)})
}

func (handler *httpHandler) handleDashboard(ctx *gin.Context) {
	currency, period, ok := reportQuery(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": handler.deps.Reports.ExecutiveDashboard(currency, period)})
}

func (handler *httpHandler) handleRevenue(ctx *gin.Context) {
	currency, period, ok := reportQuery(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"revenue": handler.deps.Reports.PlatformRevenue(currency, period)})
}

func (handler *httpHandler) handleMRR(ctx *gin.Context) {
	currency, period, ok := reportQuery(ctx)
	if !ok {
		return
	}
	asOf := period.To
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	ctx.JSON(http.StatusOK, gin.H{"mrr": handler.deps.Reports.MRR(currency, asOf), "as_of": asOf})
}

// reportQuery reads currency plus optional RFC 3339 from/to bounds.
func reportQuery(ctx *gin.Context) (ledger.Currency, reporting.Period, bool) {
	currency, err := ledger.NewCurrency(ctx.Query("currency"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(string(ledger.ClassValidation), "currency is required"))
		return ledger.Currency{}, reporting.Period{}, false
	}
	var period reporting.Period
	for name, target := range map[string]*time.Time{"from": &period.From, "to": &period.To} {
		raw := ctx.Query(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(string(ledger.ClassValidation), name+" must be RFC 3339"))
			return ledger.Currency{}, reporting.Period{}, false
		}
		*target = parsed.UTC()
	}
	return currency, period, true
}

func (handler *httpHandler) callerOwner(ctx *gin.Context) (ledger.OwnerID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.OwnerID{}, false
	}
	owner, err := ledger.NewOwnerID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user id"))
		return ledger.OwnerID{}, false
	}
	return owner, true
}

// callerAccount resolves the session owner's account for role and currency. Platform accounts are never owned by a session.
func (handler *httpHandler) callerAccount(ctx *gin.Context, rawRole string, rawCurrency string) (ledger.Account, bool) {
	owner, ok := handler.callerOwner(ctx)
	if !ok {
		return ledger.Account{}, false
	}
	role, err := ledger.ParseOwnerRole(rawRole)
	if err == nil && role == ledger.RolePlatform {
		err = fmt.Errorf("%w: %s", ledger.ErrInvalidOwnerRole, rawRole)
	}
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.Account{}, false
	}
	currency, err := ledger.NewCurrency(rawCurrency)
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.Account{}, false
	}
	account, err := handler.deps.Service.ResolveAccount(ctx.Request.Context(), ledger.AccountKey{OwnerID: owner, Role: role, Currency: currency})
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.Account{}, false
	}
	return account, true
}

func (handler *httpHandler) transactionParam(ctx *gin.Context) (ledger.TransactionID, bool) {
	transactionID, err := ledger.NewTransactionID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.TransactionID{}, false
	}
	return transactionID, true
}

func (handler *httpHandler) respondTransaction(ctx *gin.Context, transaction ledger.Transaction, err error) {
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(transaction)})
}

func (handler *httpHandler) respondPayout(ctx *gin.Context, payout ledger.PayoutRequest, err error) {
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payout": newPayoutPayload(payout)})
}

// bindReason reads an optional {"reason": "..."} body.
func bindReason(ctx *gin.Context) string {
	var request reasonRequest
	if ctx.Request.ContentLength == 0 {
		return ""
	}
	if err := ctx.ShouldBindJSON(&request); err != nil {
		return ""
	}
	return request.Reason
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		ID:         account.ID.String(),
		OwnerID:    account.OwnerID.String(),
		Role:       account.Role.String(),
		Currency:   account.Currency.String(),
		Status:     account.Status.String(),
		DebitLimit: account.DebitLimit,
	}
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		ID:            entry.ID.String(),
		TransactionID: entry.TransactionID.String(),
		AccountID:     entry.AccountID.String(),
		Direction:     entry.Direction.String(),
		Amount:        entry.Amount,
		Description:   entry.Description,
	}
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	entries := make([]entryPayload, 0, len(transaction.Entries))
	for _, entry := range transaction.Entries {
		entries = append(entries, newEntryPayload(entry))
	}
	payload := transactionPayload{
		ID:         transaction.ID.String(),
		ExternalID: transaction.ExternalID.String(),
		Type:       transaction.Type.String(),
		Status:     transaction.Status.String(),
		Reason:     transaction.Reason,
		Metadata:   json.RawMessage(transaction.Metadata.String()),
		Entries:    entries,
		CreatedAt:  transaction.CreatedAt,
		UpdatedAt:  transaction.UpdatedAt,
	}
	if !transaction.ReversalOf.IsZero() {
		payload.ReversalOf = transaction.ReversalOf.String()
	}
	return payload
}

func newPayoutPayload(payout ledger.PayoutRequest) payoutPayload {
	payload := payoutPayload{
		ID:            payout.ID.String(),
		RequestKey:    payout.RequestKey.String(),
		AccountID:     payout.AccountID.String(),
		Amount:        payout.Amount,
		Status:        payout.Status.String(),
		TransactionID: payout.TransactionID.String(),
		FailureReason: payout.FailureReason,
		RequestedAt:   payout.RequestedAt,
	}
	if !payout.SettledAt.IsZero() {
		settledAt := payout.SettledAt
		payload.SettledAt = &settledAt
	}
	return payload
}
