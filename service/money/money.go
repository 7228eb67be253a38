package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// currencyExponents maps supported ISO 4217 currency codes (lowercase) to the
// number of minor-unit digits. Amounts are always stored as integer minor
// units, so an exponent of 2 means "50.00" is stored as 5000.
var currencyExponents = map[string]int32{
	"usd": 2,
	"eur": 2,
	"gbp": 2,
	"cad": 2,
	"aud": 2,
	"tzs": 2,
	"kes": 2,
	"jpy": 0,
}

// Amount is a monetary value expressed in integer minor units of a currency.
// Using integers end to end removes floating-point rounding from the ledger.
type Amount struct {
	MinorUnits int64
	Currency   string
}

// ErrUnknownCurrency is returned for currency codes outside the supported set.
var ErrUnknownCurrency = fmt.Errorf("unknown currency code")

// ErrInvalidAmount is returned for amounts that are not positive or carry
// more precision than the currency's minor unit allows.
var ErrInvalidAmount = fmt.Errorf("invalid amount")

// NormalizeCurrency lowercases and trims a currency code.
// Codes are stored lowercase ("usd", not "USD").
func NormalizeCurrency(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ValidCurrency reports whether the code is a supported currency.
func ValidCurrency(code string) bool {
	_, ok := currencyExponents[NormalizeCurrency(code)]
	return ok
}

// Exponent returns the minor-unit exponent for a currency code.
func Exponent(code string) (int32, error) {
	exp, ok := currencyExponents[NormalizeCurrency(code)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return exp, nil
}

// Parse converts a decimal amount string (e.g. "50.00") into an Amount in
// minor units. The conversion is exact: sub-minor-unit precision is rejected
// rather than rounded, so the stored value always converts losslessly back to
// the submitted decimal.
func Parse(value string, currency string) (Amount, error) {
	cur := NormalizeCurrency(currency)
	exp, ok := currencyExponents[cur]
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}

	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, value)
	}

	if d.Sign() <= 0 {
		return Amount{}, fmt.Errorf("%w: amount must be positive, got %q", ErrInvalidAmount, value)
	}

	shifted := d.Shift(exp)
	if !shifted.IsInteger() {
		return Amount{}, fmt.Errorf("%w: %q has more precision than %s allows", ErrInvalidAmount, value, cur)
	}

	return Amount{MinorUnits: shifted.IntPart(), Currency: cur}, nil
}

// FromMinorUnits builds an Amount from a raw minor-unit integer.
// The amount must be positive and the currency supported.
func FromMinorUnits(minorUnits int64, currency string) (Amount, error) {
	cur := NormalizeCurrency(currency)
	if _, ok := currencyExponents[cur]; !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	if minorUnits <= 0 {
		return Amount{}, fmt.Errorf("%w: minor units must be positive, got %d", ErrInvalidAmount, minorUnits)
	}
	return Amount{MinorUnits: minorUnits, Currency: cur}, nil
}

// Decimal renders the amount as a decimal string in major units, e.g.
// Amount{5000, "usd"} -> "50.00". This is the inverse of Parse.
func (a Amount) Decimal() string {
	exp := currencyExponents[a.Currency]
	return decimal.New(a.MinorUnits, -exp).StringFixed(exp)
}

// String implements fmt.Stringer, e.g. "50.00 usd".
func (a Amount) String() string {
	return a.Decimal() + " " + a.Currency
}
