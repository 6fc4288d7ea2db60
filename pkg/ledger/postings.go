package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeeSchedule holds the platform fee per sale type and the affiliate commission rate.
type FeeSchedule struct {
	DefaultPlatformFee  Rate
	PlatformFees        map[TransactionType]Rate
	AffiliateCommission Rate
}

// PostingRules turns business events into balanced PostRequests.
type PostingRules struct {
	schedule FeeSchedule
}

// Sale is a fan purchase: tip, subscription, pay-per-view, merchandise or NFT.
type Sale struct {
	ExternalID ExternalID
	Type       TransactionType
	Gross      Money
	Fan        OwnerID
	Creator    OwnerID
	Affiliate  OwnerID
	Metadata   MetadataJSON
}

// Conversion is an affiliate commission reported outside a sale, e.g. by a server-to-server postback.
type Conversion struct {
	ExternalID ExternalID
	Affiliate  OwnerID
	Commission Money
	Metadata   MetadataJSON
}

// FeeCharge is a platform fee charged against a creator balance.
type FeeCharge struct {
	ExternalID ExternalID
	Creator    OwnerID
	Amount     Money
	Metadata   MetadataJSON
}

// NewPostingRules validates that no sale can allocate more than its gross.
func NewPostingRules(schedule FeeSchedule) (*PostingRules, error) {
	rates := []Rate{schedule.DefaultPlatformFee}
	for transactionType, rate := range schedule.PlatformFees {
		if !transactionType.IsSale() {
			return nil, fmt.Errorf("%w: fee configured for non-sale type %s", ErrInvalidServiceConfig, transactionType)
		}
		rates = append(rates, rate)
	}
	for _, rate := range rates {
		if rate.Decimal().Add(schedule.AffiliateCommission.Decimal()).GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: fee %s plus commission %s exceeds 1", ErrInvalidRate, rate, schedule.AffiliateCommission)
		}
	}
	return &PostingRules{schedule: schedule}, nil
}

// PlatformFee returns the fee rate applied to a sale type.
func (rules *PostingRules) PlatformFee(transactionType TransactionType) Rate {
	if rate, ok := rules.schedule.PlatformFees[transactionType]; ok {
		return rate
	}
	return rules.schedule.DefaultPlatformFee
}

// SaleRequest debits the fan for the gross and splits it between creator, platform and affiliate.
// Whatever banker's rounding leaves over is posted to the rounding account.
func (rules *PostingRules) SaleRequest(sale Sale) (PostRequest, error) {
	if !sale.Type.IsSale() {
		return PostRequest{}, fmt.Errorf("%w: %s is not a sale", ErrInvalidTransactionType, sale.Type)
	}
	if !sale.Gross.IsPositive() {
		return PostRequest{}, fmt.Errorf("%w: gross must be positive", ErrInvalidAmount)
	}
	if sale.Fan.IsZero() || sale.Creator.IsZero() {
		return PostRequest{}, fmt.Errorf("%w: sale needs a fan and a creator", ErrInvalidOwnerID)
	}
	if sale.Fan == sale.Creator {
		return PostRequest{}, fmt.Errorf("%w: %s cannot buy from themselves", ErrInvalidOwnerID, sale.Fan)
	}
	if !sale.Affiliate.IsZero() && (sale.Affiliate == sale.Fan || sale.Affiliate == sale.Creator) {
		return PostRequest{}, fmt.Errorf("%w: affiliate %s is a party to the sale", ErrInvalidOwnerID, sale.Affiliate)
	}
	currency := sale.Gross.Currency()
	feeRate := rules.PlatformFee(sale.Type)
	commissionRate := Rate{value: decimal.Zero}
	if !sale.Affiliate.IsZero() {
		commissionRate = rules.schedule.AffiliateCommission
	}
	creatorRate, err := RateFromDecimal(decimal.NewFromInt(1).Sub(feeRate.value).Sub(commissionRate.value))
	if err != nil {
		return PostRequest{}, err
	}
	shares, residual, err := Allocate(sale.Gross, creatorRate, feeRate, commissionRate)
	if err != nil {
		return PostRequest{}, err
	}
	creatorShare, feeShare, commissionShare := shares[0], shares[1], shares[2]

	entries := []EntryInput{
		DebitEntry(AccountFor(AccountKey{OwnerID: sale.Fan, Role: RoleFan, Currency: currency}), sale.Gross, sale.Type.String()),
	}
	if creatorShare.IsPositive() {
		entries = append(entries, CreditEntry(AccountFor(AccountKey{OwnerID: sale.Creator, Role: RoleCreator, Currency: currency}), creatorShare, "creator share"))
	}
	if feeShare.IsPositive() {
		entries = append(entries, CreditEntry(AccountFor(SystemRevenue.Key(currency)), feeShare, "platform fee"))
	}
	if commissionShare.IsPositive() {
		entries = append(entries, CreditEntry(AccountFor(AccountKey{OwnerID: sale.Affiliate, Role: RoleAffiliate, Currency: currency}), commissionShare, "affiliate commission"))
	}
	entries = append(entries, roundingEntry(residual)...)
	return PostRequest{
		ExternalID: sale.ExternalID,
		Type:       sale.Type,
		Entries:    entries,
		Metadata:   sale.Metadata,
	}, nil
}

// ConversionRequest credits an affiliate from the platform's affiliate expense account.
func (rules *PostingRules) ConversionRequest(conversion Conversion) (PostRequest, error) {
	if !conversion.Commission.IsPositive() {
		return PostRequest{}, fmt.Errorf("%w: commission must be positive", ErrInvalidAmount)
	}
	if conversion.Affiliate.IsZero() {
		return PostRequest{}, fmt.Errorf("%w: conversion needs an affiliate", ErrInvalidOwnerID)
	}
	currency := conversion.Commission.Currency()
	return PostRequest{
		ExternalID: conversion.ExternalID,
		Type:       TypeAffiliateCommission,
		Entries: []EntryInput{
			DebitEntry(AccountFor(SystemAffiliateExpense.Key(currency)), conversion.Commission, "affiliate expense"),
			CreditEntry(AccountFor(AccountKey{OwnerID: conversion.Affiliate, Role: RoleAffiliate, Currency: currency}), conversion.Commission, "affiliate commission"),
		},
		Metadata: conversion.Metadata,
	}, nil
}

// FeeRequest moves a fee from a creator balance to platform revenue.
func (rules *PostingRules) FeeRequest(charge FeeCharge) (PostRequest, error) {
	if !charge.Amount.IsPositive() {
		return PostRequest{}, fmt.Errorf("%w: fee must be positive", ErrInvalidAmount)
	}
	if charge.Creator.IsZero() {
		return PostRequest{}, fmt.Errorf("%w: fee needs a creator", ErrInvalidOwnerID)
	}
	currency := charge.Amount.Currency()
	return PostRequest{
		ExternalID: charge.ExternalID,
		Type:       TypeFee,
		Entries: []EntryInput{
			DebitEntry(AccountFor(AccountKey{OwnerID: charge.Creator, Role: RoleCreator, Currency: currency}), charge.Amount, "platform fee"),
			CreditEntry(AccountFor(SystemRevenue.Key(currency)), charge.Amount, "platform fee"),
		},
		Metadata: charge.Metadata,
	}, nil
}

// withdrawalRequest moves a payout amount from the owner account into clearing.
func withdrawalRequest(externalID ExternalID, accountID AccountID, amount Money) PostRequest {
	return PostRequest{
		ExternalID: externalID,
		Type:       TypeWithdrawal,
		Entries: []EntryInput{
			DebitEntry(AccountByID(accountID), amount, "payout"),
			CreditEntry(AccountFor(SystemClearing.Key(amount.Currency())), amount, "payout in clearing"),
		},
	}
}

// settlementRequest releases clearing once the processor confirms the payout left the platform.
func settlementRequest(externalID ExternalID, amount Money) PostRequest {
	currency := amount.Currency()
	return PostRequest{
		ExternalID: externalID,
		Type:       TypeWithdrawal,
		Entries: []EntryInput{
			DebitEntry(AccountFor(SystemClearing.Key(currency)), amount, "payout settled"),
			CreditEntry(AccountFor(SystemCash.Key(currency)), amount, "payout settled"),
		},
	}
}

func roundingEntry(residual Money) []EntryInput {
	rounding := AccountFor(SystemRounding.Key(residual.Currency()))
	switch {
	case residual.IsPositive():
		return []EntryInput{CreditEntry(rounding, residual, "rounding")}
	case residual.IsNegative():
		return []EntryInput{DebitEntry(rounding, residual.Negate(), "rounding")}
	default:
		return nil
	}
}
