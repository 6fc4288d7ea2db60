package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/internal/inbound"
	"github.com/MarkoPoloResearchLab/payledger/internal/reporting"
	"github.com/MarkoPoloResearchLab/payledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	errorMismatchMessage = "expected %v, got %v"
	testIntegration      = "processor"
	testSecret           = "whsec-test"
	testAdmin            = "ops-admin"
)

var testSettings = Settings{
	ListenAddr:        ":0",
	AllowedOrigins:    []string{"http://localhost:8000"},
	AdminUserIDs:      []string{testAdmin},
	SessionSigningKey: "secret-key",
	SessionIssuer:     "tauth",
	SessionCookieName: "app_session",
}

type moneyJSON struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type balanceEnvelope struct {
	Account   accountPayload `json:"account"`
	Available moneyJSON      `json:"available"`
	Pending   moneyJSON      `json:"pending"`
}

type entriesEnvelope struct {
	Entries []struct {
		TransactionID string    `json:"transaction_id"`
		Direction     string    `json:"direction"`
		Amount        moneyJSON `json:"amount"`
	} `json:"entries"`
}

type transactionEnvelope struct {
	Transaction struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Status     string `json:"status"`
		ReversalOf string `json:"reversal_of"`
		Reason     string `json:"reason"`
	} `json:"transaction"`
}

type payoutEnvelope struct {
	Payout struct {
		ID     string    `json:"id"`
		Status string    `json:"status"`
		Amount moneyJSON `json:"amount"`
	} `json:"payout"`
}

type webhookEnvelope struct {
	Kind          string `json:"kind"`
	TransactionID string `json:"transaction_id"`
	FirstDelivery bool   `json:"first_delivery"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type apiFixture struct {
	server *httptest.Server
}

func newAPIFixture(test *testing.T) apiFixture {
	test.Helper()
	ctx := context.Background()
	store, closeStore, err := gormstore.Open(ctx, filepath.Join(test.TempDir(), "ledger.db"))
	if err != nil {
		test.Fatalf("open failed: %v", err)
	}
	test.Cleanup(func() { _ = closeStore() })
	if err := store.Migrate(ctx); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	projector, err := reporting.NewProjector(store, zap.NewNop())
	if err != nil {
		test.Fatalf("projector init failed: %v", err)
	}
	service, err := ledger.NewService(store, time.Now, ledger.WithObserver(projector))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	rules, err := ledger.NewPostingRules(ledger.FeeSchedule{DefaultPlatformFee: ledger.MustRate("0.2")})
	if err != nil {
		test.Fatalf("rules init failed: %v", err)
	}
	payouts, err := ledger.NewPayoutProcessor(service, ledger.PayoutLimits{Minimum: 100})
	if err != nil {
		test.Fatalf("payout init failed: %v", err)
	}
	intake, err := inbound.NewIntake(service, rules, map[string][]byte{testIntegration: []byte(testSecret)})
	if err != nil {
		test.Fatalf("intake init failed: %v", err)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(testSettings.SessionSigningKey),
		Issuer:     testSettings.SessionIssuer,
		CookieName: testSettings.SessionCookieName,
	})
	if err != nil {
		test.Fatalf("validator init failed: %v", err)
	}
	router, err := NewRouter(testSettings, Dependencies{
		Service:  service,
		Payouts:  payouts,
		Webhooks: intake,
		Reports:  projector,
		Logger:   zap.NewNop(),
	}, validator)
	if err != nil {
		test.Fatalf("router init failed: %v", err)
	}
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)
	return apiFixture{server: server}
}

func buildSessionCookie(test *testing.T, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSettings.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSettings.SessionSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: testSettings.SessionCookieName, Value: signed}
}

func (fixture apiFixture) do(test *testing.T, method string, path string, cookie *http.Cookie, body any, target any) int {
	test.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	request, err := http.NewRequest(method, fixture.server.URL+path, reader)
	if err != nil {
		test.Fatalf("request build failed: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	return fixture.send(test, request, target)
}

func (fixture apiFixture) webhook(test *testing.T, payload map[string]any, secret string, target any) int {
	test.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		test.Fatalf("marshal failed: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, fixture.server.URL+"/webhooks/"+testIntegration, bytes.NewReader(raw))
	if err != nil {
		test.Fatalf("request build failed: %v", err)
	}
	request.Header.Set(inbound.SignatureHeader, inbound.Sign(raw, []byte(secret)))
	return fixture.send(test, request, target)
}

func (fixture apiFixture) send(test *testing.T, request *http.Request, target any) int {
	test.Helper()
	response, err := fixture.server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			test.Fatalf("decode failed: %v", err)
		}
	}
	return response.StatusCode
}

func (fixture apiFixture) tipWebhook(test *testing.T, externalID string, cents int64) webhookEnvelope {
	test.Helper()
	var envelope webhookEnvelope
	status := fixture.webhook(test, map[string]any{
		"ext_txn_id":  externalID,
		"type":        "tip",
		"value_cents": cents,
		"currency":    "USD",
		"fan_id":      "fan-a",
		"creator_id":  "creator-b",
	}, testSecret, &envelope)
	if status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	return envelope
}

func TestWebhookRejectsTamperedSignature(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	var envelope errorEnvelope
	status := fixture.webhook(test, map[string]any{"ext_txn_id": "tip-1", "type": "tip", "value_cents": 100, "currency": "USD"}, "wrong-secret", &envelope)
	if status != http.StatusUnauthorized || envelope.Error.Code != string(ledger.ClassSecurity) {
		test.Fatalf("unexpected rejection: %d %+v", status, envelope)
	}
}

func TestOwnerBalanceEntriesAndPayouts(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	creator := buildSessionCookie(test, "creator-b")

	first := fixture.tipWebhook(test, "tip-1", 1000)
	replay := fixture.tipWebhook(test, "tip-1", 1000)
	if !first.FirstDelivery || replay.TransactionID != first.TransactionID {
		test.Fatalf("unexpected deliveries: %+v %+v", first, replay)
	}

	var balance balanceEnvelope
	if status := fixture.do(test, http.MethodGet, "/api/accounts/creator/USD/balance", creator, nil, &balance); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	if balance.Available.Amount != 800 || balance.Account.OwnerID != "creator-b" {
		test.Fatalf("unexpected balance: %+v", balance)
	}

	var entries entriesEnvelope
	fixture.do(test, http.MethodGet, "/api/accounts/creator/USD/entries?limit=10", creator, nil, &entries)
	if len(entries.Entries) != 1 || entries.Entries[0].TransactionID != first.TransactionID || entries.Entries[0].Direction != "credit" {
		test.Fatalf("unexpected entries: %+v", entries)
	}

	var payout payoutEnvelope
	status := fixture.do(test, http.MethodPost, "/api/payouts", creator, map[string]any{"request_key": "weekly-1", "amount_minor": 300, "currency": "USD"}, &payout)
	if status != http.StatusOK || payout.Payout.Status != ledger.PayoutStatusProcessing.String() {
		test.Fatalf("unexpected payout: %d %+v", status, payout)
	}
	var fetched payoutEnvelope
	if status := fixture.do(test, http.MethodGet, "/api/payouts/"+payout.Payout.ID, creator, nil, &fetched); status != http.StatusOK || fetched.Payout.ID != payout.Payout.ID {
		test.Fatalf("unexpected fetch: %d %+v", status, fetched)
	}
	if status := fixture.do(test, http.MethodGet, "/api/payouts/"+payout.Payout.ID, buildSessionCookie(test, "fan-a"), nil, nil); status != http.StatusNotFound {
		test.Fatalf(errorMismatchMessage, http.StatusNotFound, status)
	}

	var rejected errorEnvelope
	status = fixture.do(test, http.MethodPost, "/api/payouts", creator, map[string]any{"request_key": "weekly-2", "amount_minor": 5000, "currency": "USD"}, &rejected)
	if status != http.StatusUnprocessableEntity || rejected.Error.Code != string(ledger.ClassPolicy) {
		test.Fatalf("unexpected overdraw response: %d %+v", status, rejected)
	}
}

func TestSessionIsRequired(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	if status := fixture.do(test, http.MethodGet, "/api/accounts/creator/USD/balance", nil, nil, nil); status != http.StatusUnauthorized {
		test.Fatalf(errorMismatchMessage, http.StatusUnauthorized, status)
	}
	var rejected errorEnvelope
	status := fixture.do(test, http.MethodGet, "/api/accounts/platform/USD/balance", buildSessionCookie(test, "creator-b"), nil, &rejected)
	if status != http.StatusBadRequest {
		test.Fatalf(errorMismatchMessage, http.StatusBadRequest, status)
	}
}

func TestSessionCannotBookSales(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	owner := buildSessionCookie(test, "creator-m")
	purchase := map[string]any{
		"external_id":  "order-1",
		"type":         "tip",
		"creator_id":   "creator-m",
		"amount_minor": 100000000,
		"currency":     "USD",
	}
	if status := fixture.do(test, http.MethodPost, "/api/transactions", owner, purchase, nil); status != http.StatusNotFound {
		test.Fatalf(errorMismatchMessage, http.StatusNotFound, status)
	}

	var balance balanceEnvelope
	if status := fixture.do(test, http.MethodGet, "/api/accounts/creator/USD/balance", owner, nil, &balance); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	if balance.Available.Amount != 0 || balance.Pending.Amount != 0 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
	var rejected errorEnvelope
	status := fixture.do(test, http.MethodPost, "/api/payouts", owner, map[string]any{"request_key": "cash-out", "amount_minor": 80000000, "currency": "USD"}, &rejected)
	if status != http.StatusUnprocessableEntity || rejected.Error.Code != string(ledger.ClassPolicy) {
		test.Fatalf("unexpected payout response: %d %+v", status, rejected)
	}

	var selfDealt errorEnvelope
	status = fixture.webhook(test, map[string]any{
		"ext_txn_id":  "tip-self",
		"type":        "tip",
		"fan_id":      "creator-m",
		"creator_id":  "creator-m",
		"value_cents": 1000,
		"currency":    "USD",
	}, testSecret, &selfDealt)
	if status != http.StatusBadRequest || selfDealt.Error.Code != string(ledger.ClassValidation) {
		test.Fatalf("unexpected self-dealt sale response: %d %+v", status, selfDealt)
	}
}

func TestAdminRoutes(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	admin := buildSessionCookie(test, testAdmin)
	creator := buildSessionCookie(test, "creator-b")
	tip := fixture.tipWebhook(test, "tip-1", 1000)

	if status := fixture.do(test, http.MethodGet, "/api/admin/reports/pnl?currency=USD", creator, nil, nil); status != http.StatusForbidden {
		test.Fatalf(errorMismatchMessage, http.StatusForbidden, status)
	}

	var pnl struct {
		Report struct {
			FeeRevenue moneyJSON
			NetIncome  moneyJSON
		} `json:"report"`
	}
	if status := fixture.do(test, http.MethodGet, "/api/admin/reports/pnl?currency=USD", admin, nil, &pnl); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	if pnl.Report.FeeRevenue.Amount != 200 || pnl.Report.NetIncome.Amount != 200 {
		test.Fatalf("unexpected profit and loss: %+v", pnl)
	}
	if status := fixture.do(test, http.MethodGet, "/api/admin/reports/dashboard", admin, nil, nil); status != http.StatusBadRequest {
		test.Fatalf(errorMismatchMessage, http.StatusBadRequest, status)
	}
	for _, report := range []string{"balance-sheet", "cash-flow", "dashboard", "revenue", "mrr"} {
		if status := fixture.do(test, http.MethodGet, "/api/admin/reports/"+report+"?currency=USD&from=2020-01-01T00:00:00Z", admin, nil, nil); status != http.StatusOK {
			test.Fatalf("%s: "+errorMismatchMessage, report, http.StatusOK, status)
		}
	}

	var chargeback transactionEnvelope
	status := fixture.do(test, http.MethodPost, "/api/admin/transactions/"+tip.TransactionID+"/dispute", admin, map[string]any{"reason": "fraud"}, &chargeback)
	if status != http.StatusOK || chargeback.Transaction.Type != ledger.TypeChargeback.String() || chargeback.Transaction.ReversalOf != tip.TransactionID {
		test.Fatalf("unexpected chargeback: %d %+v", status, chargeback)
	}
	var again transactionEnvelope
	status = fixture.do(test, http.MethodPost, "/api/admin/transactions/"+tip.TransactionID+"/dispute", admin, nil, &again)
	if status != http.StatusOK || again.Transaction.ID != chargeback.Transaction.ID {
		test.Fatalf("unexpected re-dispute: %d %+v", status, again)
	}
	var conflict errorEnvelope
	status = fixture.do(test, http.MethodPost, "/api/admin/transactions/"+tip.TransactionID+"/refund", admin, nil, &conflict)
	if status != http.StatusConflict || conflict.Error.Code != string(ledger.ClassConflict) {
		test.Fatalf("unexpected refund of disputed sale: %d %+v", status, conflict)
	}
	var original transactionEnvelope
	fixture.do(test, http.MethodGet, "/api/admin/transactions/"+tip.TransactionID, admin, nil, &original)
	if original.Transaction.Status != ledger.StatusDisputed.String() {
		test.Fatalf(errorMismatchMessage, ledger.StatusDisputed, original.Transaction.Status)
	}
	if status := fixture.do(test, http.MethodPost, "/api/admin/transactions/txn_missing/refund", admin, nil, nil); status != http.StatusNotFound && status != http.StatusBadRequest {
		test.Fatalf("unexpected status for unknown transaction: %d", status)
	}
}

func TestAdminPayoutSettlement(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	admin := buildSessionCookie(test, testAdmin)
	creator := buildSessionCookie(test, "creator-b")
	fixture.tipWebhook(test, "tip-1", 1000)

	var payout payoutEnvelope
	fixture.do(test, http.MethodPost, "/api/payouts", creator, map[string]any{"request_key": "weekly-1", "amount_minor": 300, "currency": "USD"}, &payout)
	var settled payoutEnvelope
	if status := fixture.do(test, http.MethodPost, "/api/admin/payouts/"+payout.Payout.ID+"/settle", admin, nil, &settled); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	if settled.Payout.Status != ledger.PayoutStatusCompleted.String() {
		test.Fatalf(errorMismatchMessage, ledger.PayoutStatusCompleted, settled.Payout.Status)
	}
	if status := fixture.do(test, http.MethodPost, "/api/admin/payouts/"+payout.Payout.ID+"/fail", admin, map[string]any{"reason": "bank"}, nil); status != http.StatusConflict {
		test.Fatalf(errorMismatchMessage, http.StatusConflict, status)
	}

	var second payoutEnvelope
	fixture.do(test, http.MethodPost, "/api/payouts", creator, map[string]any{"request_key": "weekly-2", "amount_minor": 200, "currency": "USD"}, &second)
	var failed payoutEnvelope
	fixture.do(test, http.MethodPost, "/api/admin/payouts/"+second.Payout.ID+"/fail", admin, map[string]any{"reason": "bank"}, &failed)
	if failed.Payout.Status != ledger.PayoutStatusFailed.String() {
		test.Fatalf(errorMismatchMessage, ledger.PayoutStatusFailed, failed.Payout.Status)
	}
	var balance balanceEnvelope
	fixture.do(test, http.MethodGet, "/api/accounts/creator/USD/balance", creator, nil, &balance)
	if balance.Available.Amount != 500 {
		test.Fatalf(errorMismatchMessage, 500, balance.Available.Amount)
	}

	var frozen struct {
		Account accountPayload `json:"account"`
	}
	status := fixture.do(test, http.MethodPost, "/api/admin/accounts/"+balance.Account.ID+"/freeze", admin, map[string]any{"debit_limit": 0}, &frozen)
	if status != http.StatusOK || frozen.Account.Status != ledger.AccountStatusFrozen.String() {
		test.Fatalf("unexpected freeze: %d %+v", status, frozen)
	}
	var blocked errorEnvelope
	status = fixture.do(test, http.MethodPost, "/api/payouts", creator, map[string]any{"request_key": "weekly-3", "amount_minor": 200, "currency": "USD"}, &blocked)
	if status != http.StatusUnprocessableEntity {
		test.Fatalf("unexpected frozen payout: %d %+v", status, blocked)
	}
	if status := fixture.do(test, http.MethodPost, "/api/admin/accounts/"+balance.Account.ID+"/reopen", admin, nil, nil); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
}

func TestStatusForClass(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		err  error
		want int
	}{
		{err: ledger.ErrUnbalancedTransaction, want: http.StatusBadRequest},
		{err: ledger.ErrInvalidStateTransition, want: http.StatusConflict},
		{err: ledger.ErrInsufficientBalance, want: http.StatusUnprocessableEntity},
		{err: ledger.ErrInvalidSignature, want: http.StatusUnauthorized},
		{err: ledger.ErrUnknownPayout, want: http.StatusNotFound},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.err.Error(), func(test *testing.T) {
			test.Parallel()
			if got := statusForClass(ledger.Classify(testCase.err)); got != testCase.want {
				test.Fatalf(errorMismatchMessage, testCase.want, got)
			}
		})
	}
}

func TestNewRouterValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewRouter(testSettings, Dependencies{}, nil); err == nil {
		test.Fatalf("expected dependency error")
	}
}
