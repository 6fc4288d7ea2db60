package reporting

import (
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	mrrWindow        = 30 * 24 * time.Hour
	topCreatorsLimit = 5
)

// Period is a half-open time range [From, To). Zero bounds are open.
type Period struct {
	From time.Time
	To   time.Time
}

// Contains reports whether at falls inside the period.
func (period Period) Contains(at time.Time) bool {
	if !period.From.IsZero() && at.Before(period.From) {
		return false
	}
	if !period.To.IsZero() && !at.Before(period.To) {
		return false
	}
	return true
}

// EarningsSummary breaks down what moved through one owner account.
type EarningsSummary struct {
	AccountID ledger.AccountID
	Currency  ledger.Currency
	Period    Period
	Gross     ledger.Money
	Reversed  ledger.Money
	Fees      ledger.Money
	Withdrawn ledger.Money
	Net       ledger.Money
	ByType    map[ledger.TransactionType]ledger.Money
}

// ProfitAndLoss is the platform income statement for a period.
type ProfitAndLoss struct {
	Currency         ledger.Currency
	Period           Period
	FeeRevenue       ledger.Money
	AffiliateExpense ledger.Money
	RoundingResult   ledger.Money
	NetIncome        ledger.Money
}

// BalanceSheet states who holds the money fans paid in, as of a point in time.
// FanFunding always equals the sum of the other lines.
type BalanceSheet struct {
	Currency             ledger.Currency
	AsOf                 time.Time
	FanFunding           ledger.Money
	CreatorLiabilities   ledger.Money
	AffiliateLiabilities ledger.Money
	PayoutsInTransit     ledger.Money
	PaidOut              ledger.Money
	PlatformEquity       ledger.Money
}

// Balanced reports whether the sheet satisfies the funding identity.
func (sheet BalanceSheet) Balanced() bool {
	total := sheet.CreatorLiabilities.Amount() + sheet.AffiliateLiabilities.Amount() +
		sheet.PayoutsInTransit.Amount() + sheet.PaidOut.Amount() + sheet.PlatformEquity.Amount()
	return total == sheet.FanFunding.Amount()
}

// CashFlow tracks money entering from fans and leaving to owners during a period.
type CashFlow struct {
	Currency         ledger.Currency
	Period           Period
	Collected        ledger.Money
	ReturnedToFans   ledger.Money
	PayoutsInitiated ledger.Money
	PayoutsReturned  ledger.Money
	PayoutsSettled   ledger.Money
	NetCash          ledger.Money
}

// CreatorEarning ranks creators on the dashboard.
type CreatorEarning struct {
	Creator ledger.OwnerID
	Gross   ledger.Money
}

// ExecutiveDashboard summarizes platform health for a period.
type ExecutiveDashboard struct {
	Currency        ledger.Currency
	Period          Period
	GrossVolume     ledger.Money
	PlatformRevenue ledger.Money
	NetIncome       ledger.Money
	MRR             ledger.Money
	PayoutsSettled  ledger.Money
	Sales           int
	Chargebacks     int
	ChargebackRate  decimal.Decimal
	ActiveCreators  int
	TopCreators     []CreatorEarning
}

// EarningsSummary reports the movements of one creator or affiliate account.
func (projector *Projector) EarningsSummary(account ledger.Account, period Period) EarningsSummary {
	currency := account.Currency
	var gross, reversed, fees, withdrawn, net int64
	byType := make(map[ledger.TransactionType]int64)
	projector.scan(period, func(folded *record) {
		for _, posting := range folded.postings {
			if posting.accountID != account.ID {
				continue
			}
			net += posting.signed
			byType[folded.kind] += posting.signed
			switch {
			case folded.kind == ledger.TypeWithdrawal:
				withdrawn -= posting.signed
			case folded.kind == ledger.TypeFee:
				fees -= posting.signed
			case folded.kind.IsReversal() && projector.reversesWithdrawal(folded):
				withdrawn -= posting.signed
			case folded.kind.IsReversal():
				reversed -= posting.signed
			default:
				gross += posting.signed
			}
		}
	})
	summary := EarningsSummary{
		AccountID: account.ID,
		Currency:  currency,
		Period:    period,
		Gross:     ledger.NewMoney(gross, currency),
		Reversed:  ledger.NewMoney(reversed, currency),
		Fees:      ledger.NewMoney(fees, currency),
		Withdrawn: ledger.NewMoney(withdrawn, currency),
		Net:       ledger.NewMoney(net, currency),
		ByType:    make(map[ledger.TransactionType]ledger.Money, len(byType)),
	}
	for transactionType, amount := range byType {
		summary.ByType[transactionType] = ledger.NewMoney(amount, currency)
	}
	return summary
}

// PlatformRevenue is the net fee income booked to the revenue account in a period.
func (projector *Projector) PlatformRevenue(currency ledger.Currency, period Period) ledger.Money {
	return ledger.NewMoney(projector.systemNet(ledger.SystemRevenue, currency, period), currency)
}

// MRR is the subscription gross of the thirty days before asOf, net of subscription reversals.
func (projector *Projector) MRR(currency ledger.Currency, asOf time.Time) ledger.Money {
	window := Period{From: asOf.Add(-mrrWindow), To: asOf}
	var total int64
	projector.scan(window, func(folded *record) {
		subscription := folded.kind == ledger.TypeSubscription
		if folded.kind.IsReversal() {
			originalKind, ok := projector.kindOf(folded.reversalOf)
			subscription = ok && originalKind == ledger.TypeSubscription
		}
		if !subscription {
			return
		}
		for _, posting := range folded.postings {
			if posting.role == ledger.RoleFan && posting.currency == currency {
				total -= posting.signed
			}
		}
	})
	return ledger.NewMoney(total, currency)
}

// ProfitAndLoss reports platform income for a period.
func (projector *Projector) ProfitAndLoss(currency ledger.Currency, period Period) ProfitAndLoss {
	revenue := projector.systemNet(ledger.SystemRevenue, currency, period)
	expense := -projector.systemNet(ledger.SystemAffiliateExpense, currency, period)
	rounding := projector.systemNet(ledger.SystemRounding, currency, period)
	return ProfitAndLoss{
		Currency:         currency,
		Period:           period,
		FeeRevenue:       ledger.NewMoney(revenue, currency),
		AffiliateExpense: ledger.NewMoney(expense, currency),
		RoundingResult:   ledger.NewMoney(rounding, currency),
		NetIncome:        ledger.NewMoney(revenue-expense+rounding, currency),
	}
}

// BalanceSheet reports positions from every transaction committed before asOf. A zero asOf covers everything.
func (projector *Projector) BalanceSheet(currency ledger.Currency, asOf time.Time) BalanceSheet {
	var fans, creators, affiliates, clearing, cash, equity int64
	projector.scan(Period{To: asOf}, func(folded *record) {
		for _, posting := range folded.postings {
			if posting.currency != currency {
				continue
			}
			switch {
			case posting.role == ledger.RoleFan:
				fans += posting.signed
			case posting.role == ledger.RoleCreator:
				creators += posting.signed
			case posting.role == ledger.RoleAffiliate:
				affiliates += posting.signed
			case posting.isSystem(ledger.SystemClearing):
				clearing += posting.signed
			case posting.isSystem(ledger.SystemCash):
				cash += posting.signed
			default:
				equity += posting.signed
			}
		}
	})
	return BalanceSheet{
		Currency:             currency,
		AsOf:                 asOf,
		FanFunding:           ledger.NewMoney(-fans, currency),
		CreatorLiabilities:   ledger.NewMoney(creators, currency),
		AffiliateLiabilities: ledger.NewMoney(affiliates, currency),
		PayoutsInTransit:     ledger.NewMoney(clearing, currency),
		PaidOut:              ledger.NewMoney(cash, currency),
		PlatformEquity:       ledger.NewMoney(equity, currency),
	}
}

// CashFlow reports collections and disbursements in a period.
func (projector *Projector) CashFlow(currency ledger.Currency, period Period) CashFlow {
	var collected, returned, initiated, payoutReturned, settled int64
	projector.scan(period, func(folded *record) {
		for _, posting := range folded.postings {
			if posting.currency != currency {
				continue
			}
			owner := posting.role == ledger.RoleCreator || posting.role == ledger.RoleAffiliate
			switch {
			case posting.role == ledger.RoleFan && posting.signed < 0:
				collected -= posting.signed
			case posting.role == ledger.RoleFan && posting.signed > 0:
				returned += posting.signed
			case owner && folded.kind == ledger.TypeWithdrawal:
				initiated -= posting.signed
			case owner && folded.kind == ledger.TypeRefund && projector.reversesWithdrawal(folded):
				payoutReturned += posting.signed
			case posting.isSystem(ledger.SystemCash):
				settled += posting.signed
			}
		}
	})
	return CashFlow{
		Currency:         currency,
		Period:           period,
		Collected:        ledger.NewMoney(collected, currency),
		ReturnedToFans:   ledger.NewMoney(returned, currency),
		PayoutsInitiated: ledger.NewMoney(initiated, currency),
		PayoutsReturned:  ledger.NewMoney(payoutReturned, currency),
		PayoutsSettled:   ledger.NewMoney(settled, currency),
		NetCash:          ledger.NewMoney(collected-returned-settled, currency),
	}
}

// ExecutiveDashboard combines the headline figures for a period. MRR is taken at period.To, or now when open.
func (projector *Projector) ExecutiveDashboard(currency ledger.Currency, period Period) ExecutiveDashboard {
	asOf := period.To
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	flow := projector.CashFlow(currency, period)
	pnl := projector.ProfitAndLoss(currency, period)
	sales, chargebacks := 0, 0
	creatorGross := make(map[ledger.OwnerID]int64)
	projector.scan(period, func(folded *record) {
		if !folded.kind.IsSale() && folded.kind != ledger.TypeChargeback {
			return
		}
		touchesCurrency := false
		for _, posting := range folded.postings {
			if posting.currency != currency {
				continue
			}
			touchesCurrency = true
			if folded.kind.IsSale() && posting.role == ledger.RoleCreator {
				creatorGross[posting.owner] += posting.signed
			}
		}
		if !touchesCurrency {
			return
		}
		if folded.kind.IsSale() {
			sales++
		} else {
			chargebacks++
		}
	})
	rate := decimal.Zero
	if sales > 0 {
		rate = decimal.NewFromInt(int64(chargebacks)).Div(decimal.NewFromInt(int64(sales))).Round(4)
	}
	top := make([]CreatorEarning, 0, len(creatorGross))
	for creator, gross := range creatorGross {
		top = append(top, CreatorEarning{Creator: creator, Gross: ledger.NewMoney(gross, currency)})
	}
	sort.Slice(top, func(left, right int) bool {
		if top[left].Gross.Amount() != top[right].Gross.Amount() {
			return top[left].Gross.Amount() > top[right].Gross.Amount()
		}
		return top[left].Creator.String() < top[right].Creator.String()
	})
	if len(top) > topCreatorsLimit {
		top = top[:topCreatorsLimit]
	}
	return ExecutiveDashboard{
		Currency:        currency,
		Period:          period,
		GrossVolume:     flow.Collected,
		PlatformRevenue: pnl.FeeRevenue,
		NetIncome:       pnl.NetIncome,
		MRR:             projector.MRR(currency, asOf),
		PayoutsSettled:  flow.PayoutsSettled,
		Sales:           sales,
		Chargebacks:     chargebacks,
		ChargebackRate:  rate,
		ActiveCreators:  len(creatorGross),
		TopCreators:     top,
	}
}

func (projector *Projector) systemNet(account ledger.SystemAccount, currency ledger.Currency, period Period) int64 {
	var total int64
	projector.scan(period, func(folded *record) {
		for _, posting := range folded.postings {
			if posting.currency == currency && posting.isSystem(account) {
				total += posting.signed
			}
		}
	})
	return total
}

func (projector *Projector) reversesWithdrawal(folded *record) bool {
	kind, ok := projector.kindOf(folded.reversalOf)
	return ok && kind == ledger.TypeWithdrawal
}
