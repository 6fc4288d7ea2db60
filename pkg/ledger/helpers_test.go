package ledger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

const errorMismatchMessage = "expected %v, got %v"

var (
	usd = MustCurrency("USD")
	eur = MustCurrency("EUR")
)

func testClock() func() time.Time {
	var ticks atomic.Int64
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Second)
	}
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithRetryPolicy(RetryPolicy{Attempts: 3})}, options...)
	service, err := NewService(store, testClock(), options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustExternalID(test *testing.T, raw string) ExternalID {
	test.Helper()
	externalID, err := NewExternalID(raw)
	if err != nil {
		test.Fatalf("external id %q: %v", raw, err)
	}
	return externalID
}

func mustOwnerID(test *testing.T, raw string) OwnerID {
	test.Helper()
	ownerID, err := NewOwnerID(raw)
	if err != nil {
		test.Fatalf("owner id %q: %v", raw, err)
	}
	return ownerID
}

func usdCents(amount int64) Money {
	return NewMoney(amount, usd)
}

func keyOf(test *testing.T, owner string, role OwnerRole, currency Currency) AccountKey {
	test.Helper()
	return AccountKey{OwnerID: mustOwnerID(test, owner), Role: role, Currency: currency}
}

// tipRequest moves cents from a fan straight to a creator without fees.
func tipRequest(test *testing.T, externalID string, fan string, creator string, cents int64) PostRequest {
	test.Helper()
	return PostRequest{
		ExternalID: mustExternalID(test, externalID),
		Type:       TypeTip,
		Entries: []EntryInput{
			DebitEntry(AccountFor(keyOf(test, fan, RoleFan, usd)), usdCents(cents), "tip"),
			CreditEntry(AccountFor(keyOf(test, creator, RoleCreator, usd)), usdCents(cents), "tip"),
		},
	}
}

func mustPost(test *testing.T, service *Service, request PostRequest) Transaction {
	test.Helper()
	transaction, err := service.Post(context.Background(), request)
	if err != nil {
		test.Fatalf("post %s failed: %v", request.ExternalID, err)
	}
	return transaction
}

func mustResolve(test *testing.T, service *Service, owner string, role OwnerRole) Account {
	test.Helper()
	account, err := service.ResolveAccount(context.Background(), keyOf(test, owner, role, usd))
	if err != nil {
		test.Fatalf("resolve %s/%s failed: %v", owner, role, err)
	}
	return account
}

func mustAvailable(test *testing.T, service *Service, accountID AccountID) int64 {
	test.Helper()
	balance, err := service.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance of %s failed: %v", accountID, err)
	}
	return balance.Available.Amount()
}
