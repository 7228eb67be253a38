package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		currency string
		want     int64
		wantCur  string
		wantErr  error
	}{
		{name: "fifty dollars", value: "50.00", currency: "usd", want: 5000, wantCur: "usd"},
		{name: "uppercase currency normalized", value: "50.00", currency: "USD", want: 5000, wantCur: "usd"},
		{name: "no fractional part", value: "50", currency: "usd", want: 5000, wantCur: "usd"},
		{name: "single fractional digit", value: "0.5", currency: "usd", want: 50, wantCur: "usd"},
		{name: "smallest unit", value: "0.01", currency: "usd", want: 1, wantCur: "usd"},
		{name: "zero-exponent currency", value: "1200", currency: "jpy", want: 1200, wantCur: "jpy"},
		{name: "sub-minor-unit precision rejected", value: "0.005", currency: "usd", wantErr: ErrInvalidAmount},
		{name: "fractional yen rejected", value: "10.5", currency: "jpy", wantErr: ErrInvalidAmount},
		{name: "zero rejected", value: "0", currency: "usd", wantErr: ErrInvalidAmount},
		{name: "negative rejected", value: "-5.00", currency: "usd", wantErr: ErrInvalidAmount},
		{name: "not a number", value: "fifty", currency: "usd", wantErr: ErrInvalidAmount},
		{name: "empty value", value: "", currency: "usd", wantErr: ErrInvalidAmount},
		{name: "unknown currency", value: "50.00", currency: "xyz", wantErr: ErrUnknownCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.value, tt.currency)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.MinorUnits)
			assert.Equal(t, tt.wantCur, got.Currency)
		})
	}
}

func TestDecimalRoundTrip(t *testing.T) {
	// Parse then Decimal must return the originally submitted amount.
	tests := []struct {
		value    string
		currency string
		want     string
	}{
		{value: "50.00", currency: "usd", want: "50.00"},
		{value: "0.01", currency: "usd", want: "0.01"},
		{value: "1234.56", currency: "eur", want: "1234.56"},
		{value: "1200", currency: "jpy", want: "1200"},
	}

	for _, tt := range tests {
		t.Run(tt.value+" "+tt.currency, func(t *testing.T) {
			amt, err := Parse(tt.value, tt.currency)
			require.NoError(t, err)

			back, err := FromMinorUnits(amt.MinorUnits, amt.Currency)
			require.NoError(t, err)
			assert.Equal(t, tt.want, back.Decimal())
		})
	}
}

func TestFromMinorUnits(t *testing.T) {
	amt, err := FromMinorUnits(5000, "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), amt.MinorUnits)
	assert.Equal(t, "usd", amt.Currency)
	assert.Equal(t, "50.00 usd", amt.String())

	_, err = FromMinorUnits(0, "usd")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = FromMinorUnits(-100, "usd")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = FromMinorUnits(100, "zzz")
	require.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestValidCurrency(t *testing.T) {
	assert.True(t, ValidCurrency("usd"))
	assert.True(t, ValidCurrency("USD"))
	assert.True(t, ValidCurrency(" eur "))
	assert.False(t, ValidCurrency("xyz"))
	assert.False(t, ValidCurrency(""))
}
