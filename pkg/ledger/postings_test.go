package ledger

import (
	"context"
	"errors"
	"testing"
)

func mustPostingRules(test *testing.T, schedule FeeSchedule) *PostingRules {
	test.Helper()
	rules, err := NewPostingRules(schedule)
	if err != nil {
		test.Fatalf("posting rules init failed: %v", err)
	}
	return rules
}

func creditsTo(transaction Transaction, accountID AccountID) int64 {
	var total int64
	for _, entry := range transaction.Entries {
		if entry.AccountID == accountID {
			total += entry.Signed()
		}
	}
	return total
}

func TestSaleSplitsBetweenCreatorPlatformAndAffiliate(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	service := mustNewService(test, newStubStore(test))
	rules := mustPostingRules(test, FeeSchedule{DefaultPlatformFee: MustRate("0.2"), AffiliateCommission: MustRate("0.1")})
	request, err := rules.SaleRequest(Sale{
		ExternalID: mustExternalID(test, "sub-1"),
		Type:       TypeSubscription,
		Gross:      usdCents(1000),
		Fan:        mustOwnerID(test, "fan-a"),
		Creator:    mustOwnerID(test, "creator-b"),
		Affiliate:  mustOwnerID(test, "affiliate-c"),
	})
	if err != nil {
		test.Fatalf("sale request failed: %v", err)
	}
	transaction := mustPost(test, service, request)

	creator := mustResolve(test, service, "creator-b", RoleCreator)
	affiliate := mustResolve(test, service, "affiliate-c", RoleAffiliate)
	revenue, err := service.ResolveAccount(ctx, SystemRevenue.Key(usd))
	if err != nil {
		test.Fatalf("resolve revenue failed: %v", err)
	}
	expected := map[AccountID]int64{creator.ID: 700, affiliate.ID: 100, revenue.ID: 200}
	for accountID, want := range expected {
		if got := creditsTo(transaction, accountID); got != want {
			test.Fatalf("account %s: "+errorMismatchMessage, accountID, want, got)
		}
	}
	if len(transaction.Entries) != 4 {
		test.Fatalf("expected no rounding entry, got %d entries", len(transaction.Entries))
	}
}

func TestSaleRoundingResidualGoesToRoundingAccount(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		gross        int64
		fee          string
		commission   string
		affiliate    string
		wantCreator  int64
		wantRevenue  int64
		wantRounding int64
	}{
		{name: "positive residual", gross: 1, fee: "0.5", commission: "0.25", affiliate: "affiliate-c", wantCreator: 0, wantRevenue: 0, wantRounding: 1},
		{name: "negative residual", gross: 5, fee: "0.3", commission: "0", wantCreator: 4, wantRevenue: 2, wantRounding: -1},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			ctx := context.Background()
			service := mustNewService(test, newStubStore(test))
			rules := mustPostingRules(test, FeeSchedule{DefaultPlatformFee: MustRate(testCase.fee), AffiliateCommission: MustRate(testCase.commission)})
			sale := Sale{
				ExternalID: mustExternalID(test, "sale"),
				Type:       TypeTip,
				Gross:      usdCents(testCase.gross),
				Fan:        mustOwnerID(test, "fan-a"),
				Creator:    mustOwnerID(test, "creator-b"),
			}
			if testCase.affiliate != "" {
				sale.Affiliate = mustOwnerID(test, testCase.affiliate)
			}
			request, err := rules.SaleRequest(sale)
			if err != nil {
				test.Fatalf("sale request failed: %v", err)
			}
			transaction := mustPost(test, service, request)
			creator := mustResolve(test, service, "creator-b", RoleCreator)
			revenue, _ := service.ResolveAccount(ctx, SystemRevenue.Key(usd))
			rounding, _ := service.ResolveAccount(ctx, SystemRounding.Key(usd))
			if got := creditsTo(transaction, creator.ID); got != testCase.wantCreator {
				test.Fatalf("creator: "+errorMismatchMessage, testCase.wantCreator, got)
			}
			if got := creditsTo(transaction, revenue.ID); got != testCase.wantRevenue {
				test.Fatalf("revenue: "+errorMismatchMessage, testCase.wantRevenue, got)
			}
			if got := creditsTo(transaction, rounding.ID); got != testCase.wantRounding {
				test.Fatalf("rounding: "+errorMismatchMessage, testCase.wantRounding, got)
			}
		})
	}
}

func TestSaleUsesPerTypeFee(test *testing.T) {
	test.Parallel()
	rules := mustPostingRules(test, FeeSchedule{
		DefaultPlatformFee: MustRate("0.2"),
		PlatformFees:       map[TransactionType]Rate{TypeTip: MustRate("0.05")},
	})
	if got := rules.PlatformFee(TypeTip); got.String() != "0.05" {
		test.Fatalf(errorMismatchMessage, "0.05", got)
	}
	if got := rules.PlatformFee(TypeNFT); got.String() != "0.2" {
		test.Fatalf(errorMismatchMessage, "0.2", got)
	}
}

func TestPostingRulesRejectInvalidInput(test *testing.T) {
	test.Parallel()
	if _, err := NewPostingRules(FeeSchedule{DefaultPlatformFee: MustRate("0.8"), AffiliateCommission: MustRate("0.3")}); !errors.Is(err, ErrInvalidRate) {
		test.Fatalf(errorMismatchMessage, ErrInvalidRate, err)
	}
	if _, err := NewPostingRules(FeeSchedule{PlatformFees: map[TransactionType]Rate{TypeFee: MustRate("0.1")}}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	rules := mustPostingRules(test, FeeSchedule{DefaultPlatformFee: MustRate("0.2")})
	if _, err := rules.SaleRequest(Sale{ExternalID: mustExternalID(test, "x"), Type: TypeFee, Gross: usdCents(10)}); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf(errorMismatchMessage, ErrInvalidTransactionType, err)
	}
	if _, err := rules.ConversionRequest(Conversion{ExternalID: mustExternalID(test, "x"), Commission: usdCents(0)}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf(errorMismatchMessage, ErrInvalidAmount, err)
	}
}

func TestSaleRejectsSelfDealing(test *testing.T) {
	test.Parallel()
	rules := mustPostingRules(test, FeeSchedule{DefaultPlatformFee: MustRate("0.2"), AffiliateCommission: MustRate("0.1")})
	testCases := []struct {
		name      string
		fan       string
		creator   string
		affiliate string
	}{
		{name: "fan is creator", fan: "creator-m", creator: "creator-m"},
		{name: "affiliate is fan", fan: "fan-a", creator: "creator-b", affiliate: "fan-a"},
		{name: "affiliate is creator", fan: "fan-a", creator: "creator-b", affiliate: "creator-b"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			sale := Sale{
				ExternalID: mustExternalID(test, "tip-self"),
				Type:       TypeTip,
				Gross:      usdCents(1000),
				Fan:        mustOwnerID(test, testCase.fan),
				Creator:    mustOwnerID(test, testCase.creator),
			}
			if testCase.affiliate != "" {
				sale.Affiliate = mustOwnerID(test, testCase.affiliate)
			}
			if _, err := rules.SaleRequest(sale); !errors.Is(err, ErrInvalidOwnerID) {
				test.Fatalf(errorMismatchMessage, ErrInvalidOwnerID, err)
			}
		})
	}
}

func TestConversionAndFeeRequestsPost(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	rules := mustPostingRules(test, FeeSchedule{DefaultPlatformFee: MustRate("0.2")})
	conversion, err := rules.ConversionRequest(Conversion{
		ExternalID: mustExternalID(test, "postback-1"),
		Affiliate:  mustOwnerID(test, "affiliate-c"),
		Commission: usdCents(250),
	})
	if err != nil {
		test.Fatalf("conversion request failed: %v", err)
	}
	mustPost(test, service, conversion)
	mustPost(test, service, tipRequest(test, "tip-1", "fan-a", "creator-b", 1000))
	fee, err := rules.FeeRequest(FeeCharge{
		ExternalID: mustExternalID(test, "fee-1"),
		Creator:    mustOwnerID(test, "creator-b"),
		Amount:     usdCents(99),
	})
	if err != nil {
		test.Fatalf("fee request failed: %v", err)
	}
	mustPost(test, service, fee)

	affiliate := mustResolve(test, service, "affiliate-c", RoleAffiliate)
	creator := mustResolve(test, service, "creator-b", RoleCreator)
	if got := mustAvailable(test, service, affiliate.ID); got != 250 {
		test.Fatalf(errorMismatchMessage, 250, got)
	}
	if got := mustAvailable(test, service, creator.ID); got != 901 {
		test.Fatalf(errorMismatchMessage, 901, got)
	}
}
