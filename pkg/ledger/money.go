package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 alphabetic code, stored upper case.
type Currency struct {
	code string
}

// NewCurrency validates a three letter currency code.
func NewCurrency(raw string) (Currency, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != 3 {
		return Currency{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
	for _, letter := range code {
		if letter < 'A' || letter > 'Z' {
			return Currency{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
		}
	}
	return Currency{code: code}, nil
}

// MustCurrency is NewCurrency for package-level constants and tests.
func MustCurrency(raw string) Currency {
	currency, err := NewCurrency(raw)
	if err != nil {
		panic(err)
	}
	return currency
}

// String returns the currency code.
func (currency Currency) String() string {
	return currency.code
}

// IsZero reports whether the currency is unset.
func (currency Currency) IsZero() bool {
	return currency.code == ""
}

// Decimals returns the number of minor-unit digits of the currency.
func (currency Currency) Decimals() int32 {
	switch currency.code {
	case "JPY", "KRW", "VND", "CLP", "PYG", "IDR":
		return 0
	case "BHD", "KWD", "OMR", "JOD", "TND":
		return 3
	default:
		return 2
	}
}

// Money is a signed integer amount of minor units in one currency.
type Money struct {
	amount   int64
	currency Currency
}

// NewMoney builds a money value from minor units.
func NewMoney(amount int64, currency Currency) Money {
	return Money{amount: amount, currency: currency}
}

// Zero returns a zero amount in currency.
func Zero(currency Currency) Money {
	return Money{currency: currency}
}

// Amount returns the minor-unit amount.
func (money Money) Amount() int64 {
	return money.amount
}

// Currency returns the money currency.
func (money Money) Currency() Currency {
	return money.currency
}

// Add sums two amounts of the same currency.
func (money Money) Add(other Money) (Money, error) {
	if money.currency != other.currency {
		return Money{}, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, money.currency, other.currency)
	}
	if (other.amount > 0 && money.amount > math.MaxInt64-other.amount) ||
		(other.amount < 0 && money.amount < math.MinInt64-other.amount) {
		return Money{}, fmt.Errorf("%w: %d + %d", ErrAmountOverflow, money.amount, other.amount)
	}
	return Money{amount: money.amount + other.amount, currency: money.currency}, nil
}

// Subtract takes other away from money.
func (money Money) Subtract(other Money) (Money, error) {
	if other.amount == math.MinInt64 {
		return Money{}, fmt.Errorf("%w: cannot negate %d", ErrAmountOverflow, other.amount)
	}
	return money.Add(other.Negate())
}

// Negate flips the sign.
func (money Money) Negate() Money {
	return Money{amount: -money.amount, currency: money.currency}
}

// IsZero reports whether the amount is zero.
func (money Money) IsZero() bool {
	return money.amount == 0
}

// IsPositive reports whether the amount is above zero.
func (money Money) IsPositive() bool {
	return money.amount > 0
}

// IsNegative reports whether the amount is below zero.
func (money Money) IsNegative() bool {
	return money.amount < 0
}

// Compare returns -1, 0 or 1 as money is less than, equal to or greater than other.
func (money Money) Compare(other Money) (int, error) {
	if money.currency != other.currency {
		return 0, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, money.currency, other.currency)
	}
	switch {
	case money.amount < other.amount:
		return -1, nil
	case money.amount > other.amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// Equal reports whether both values carry the same amount and currency.
func (money Money) Equal(other Money) bool {
	return money.amount == other.amount && money.currency == other.currency
}

// MultiplyByRate applies rate with banker's rounding and returns the rounded amount
// together with the fractional remainder, in minor units, that rounding dropped.
func (money Money) MultiplyByRate(rate Rate) (Money, decimal.Decimal) {
	exact := decimal.NewFromInt(money.amount).Mul(rate.value)
	rounded := exact.RoundBank(0)
	return Money{amount: rounded.IntPart(), currency: money.currency}, exact.Sub(rounded)
}

// FormatMajor renders the amount in major units, e.g. "10.00" for 1000 USD cents.
func (money Money) FormatMajor() string {
	decimals := money.currency.Decimals()
	return decimal.New(money.amount, -decimals).StringFixed(decimals)
}

// String renders the amount with its currency code.
func (money Money) String() string {
	return money.FormatMajor() + " " + money.currency.String()
}

// MarshalJSON implements json.Marshaler.
func (money Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   money.amount,
		Currency: money.currency.String(),
		Display:  money.FormatMajor(),
	})
}

// Sum adds values that all share currency.
func Sum(currency Currency, values ...Money) (Money, error) {
	total := Zero(currency)
	for _, value := range values {
		next, err := total.Add(value)
		if err != nil {
			return Money{}, err
		}
		total = next
	}
	return total, nil
}

// Rate is a fraction in [0, 1] such as a fee or commission percentage.
type Rate struct {
	value decimal.Decimal
}

// NewRate parses a decimal string such as "0.2" into a rate.
func NewRate(raw string) (Rate, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
	}
	return RateFromDecimal(value)
}

// RateFromDecimal validates the bounds of a decimal rate.
func RateFromDecimal(value decimal.Decimal) (Rate, error) {
	if value.IsNegative() || value.GreaterThan(decimal.NewFromInt(1)) {
		return Rate{}, fmt.Errorf("%w: %s outside [0, 1]", ErrInvalidRate, value.String())
	}
	return Rate{value: value}, nil
}

// MustRate is NewRate for configuration defaults and tests.
func MustRate(raw string) Rate {
	rate, err := NewRate(raw)
	if err != nil {
		panic(err)
	}
	return rate
}

// Decimal returns the underlying value.
func (rate Rate) Decimal() decimal.Decimal {
	return rate.value
}

// IsZero reports whether the rate is zero.
func (rate Rate) IsZero() bool {
	return rate.value.IsZero()
}

// String renders the rate.
func (rate Rate) String() string {
	return rate.value.String()
}

// Allocate splits gross into one banker's-rounded share per rate. The residual is
// gross minus the sum of shares and may be negative; it belongs on the rounding account.
func Allocate(gross Money, rates ...Rate) ([]Money, Money, error) {
	total := decimal.Zero
	for _, rate := range rates {
		total = total.Add(rate.value)
	}
	if total.GreaterThan(decimal.NewFromInt(1)) {
		return nil, Money{}, fmt.Errorf("%w: rates sum to %s", ErrInvalidRate, total.String())
	}
	shares := make([]Money, len(rates))
	residual := gross
	for index, rate := range rates {
		share, _ := gross.MultiplyByRate(rate)
		shares[index] = share
		next, err := residual.Subtract(share)
		if err != nil {
			return nil, Money{}, err
		}
		residual = next
	}
	return shares, residual, nil
}
