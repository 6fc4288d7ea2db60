package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

func TestRandomTransactionsKeepEveryCurrencyBalanced(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := newStubStore(test)
	service := mustNewService(test, store)
	random := rand.New(rand.NewSource(7))
	currencies := []Currency{usd, eur}
	roles := []OwnerRole{RoleCreator, RoleAffiliate, RolePlatform, RoleFan}

	for index := 0; index < 200; index++ {
		currency := currencies[random.Intn(len(currencies))]
		legs := 1 + random.Intn(3)
		var entries []EntryInput
		var total int64
		for leg := 0; leg < legs; leg++ {
			amount := int64(1 + random.Intn(10000))
			total += amount
			owner := fmt.Sprintf("owner-%d", random.Intn(6))
			entries = append(entries, DebitEntry(AccountFor(keyOf(test, owner, roles[random.Intn(len(roles))], currency)), NewMoney(amount, currency), "debit"))
		}
		for remaining := total; remaining > 0; {
			amount := 1 + random.Int63n(remaining)
			remaining -= amount
			owner := fmt.Sprintf("owner-%d", random.Intn(6))
			entries = append(entries, CreditEntry(AccountFor(keyOf(test, owner, roles[random.Intn(len(roles))], currency)), NewMoney(amount, currency), "credit"))
		}
		mustPost(test, service, PostRequest{
			ExternalID: mustExternalID(test, fmt.Sprintf("random-%d", index)),
			Type:       TypeMerchandise,
			Entries:    entries,
		})
	}

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		test.Fatalf("list accounts failed: %v", err)
	}
	totals := make(map[Currency]int64)
	for _, account := range accounts {
		balance, err := store.SumBalance(ctx, account.ID, CommittedStatuses)
		if err != nil {
			test.Fatalf("sum failed: %v", err)
		}
		totals[account.Currency] += balance
	}
	for currency, total := range totals {
		if total != 0 {
			test.Fatalf("currency %s sums to %d across accounts", currency, total)
		}
	}
}

func TestInternalTransfersConserveCreatorFunds(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	random := rand.New(rand.NewSource(11))
	creators := []string{"creator-1", "creator-2", "creator-3", "creator-4"}
	for index, creator := range creators {
		mustPost(test, service, tipRequest(test, fmt.Sprintf("seed-%d", index), "fan-a", creator, 10000))
	}
	creatorTotal := func() int64 {
		var total int64
		for _, creator := range creators {
			total += mustAvailable(test, service, mustResolve(test, service, creator, RoleCreator).ID)
		}
		return total
	}
	before := creatorTotal()

	for index := 0; index < 100; index++ {
		from := creators[random.Intn(len(creators))]
		to := creators[random.Intn(len(creators))]
		amount := usdCents(1 + random.Int63n(500))
		mustPost(test, service, PostRequest{
			ExternalID: mustExternalID(test, fmt.Sprintf("transfer-%d", index)),
			Type:       TypeMerchandise,
			Entries: []EntryInput{
				DebitEntry(AccountFor(keyOf(test, from, RoleCreator, usd)), amount, "transfer out"),
				CreditEntry(AccountFor(keyOf(test, to, RoleCreator, usd)), amount, "transfer in"),
			},
		})
	}
	if after := creatorTotal(); after != before {
		test.Fatalf(errorMismatchMessage, before, after)
	}
}

func TestConcurrentPostsMatchSerialTotals(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	creators := []string{"creator-1", "creator-2", "creator-3"}
	const workers = 8
	const postsPerWorker = 40

	var expectedMutex sync.Mutex
	expected := make(map[string]int64)
	var group sync.WaitGroup
	errs := make(chan error, workers*postsPerWorker)
	for worker := 0; worker < workers; worker++ {
		group.Add(1)
		go func(worker int) {
			defer group.Done()
			random := rand.New(rand.NewSource(int64(worker)))
			for index := 0; index < postsPerWorker; index++ {
				creator := creators[random.Intn(len(creators))]
				cents := 1 + random.Int63n(1000)
				request := tipRequest(test, fmt.Sprintf("tip-%d-%d", worker, index), fmt.Sprintf("fan-%d", worker), creator, cents)
				if _, err := service.Post(context.Background(), request); err != nil {
					errs <- err
					continue
				}
				expectedMutex.Lock()
				expected[creator] += cents
				expectedMutex.Unlock()
				if account, err := service.ResolveAccount(context.Background(), keyOf(test, creator, RoleCreator, usd)); err == nil {
					if _, err := service.GetBalance(context.Background(), account.ID); err != nil {
						errs <- err
					}
				}
			}
		}(worker)
	}
	group.Wait()
	close(errs)
	for err := range errs {
		test.Fatalf("concurrent post failed: %v", err)
	}
	for _, creator := range creators {
		account := mustResolve(test, service, creator, RoleCreator)
		if got := mustAvailable(test, service, account.ID); got != expected[creator] {
			test.Fatalf("%s: "+errorMismatchMessage, creator, expected[creator], got)
		}
	}
}

func TestConcurrentPayoutsNeverOverdraw(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	processor := mustPayoutProcessor(test, service, PayoutLimits{})
	mustPost(test, service, tipRequest(test, "tip-1", "fan-a", "creator-b", 1000))
	creator := mustResolve(test, service, "creator-b", RoleCreator)

	const requests = 20
	var group sync.WaitGroup
	results := make(chan error, requests)
	for index := 0; index < requests; index++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			_, err := processor.RequestPayout(context.Background(), creator.ID, usdCents(100), mustExternalID(test, fmt.Sprintf("payout-%d", index)))
			results <- err
		}(index)
	}
	group.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
		default:
			test.Fatalf("unexpected payout error: %v", err)
		}
	}
	if succeeded != 10 {
		test.Fatalf(errorMismatchMessage, 10, succeeded)
	}
	if got := mustAvailable(test, service, creator.ID); got != 0 {
		test.Fatalf(errorMismatchMessage, 0, got)
	}
}
