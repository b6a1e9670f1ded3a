package converters

import (
	"testing"

	"github.com/ecom-labs/fulfillment/internal/service/models/currency"
	"github.com/ecom-labs/fulfillment/internal/service/models/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{in: "10.00", want: 1000},
		{in: "10", want: 1000},
		{in: "0.01", want: 1},
		{in: "999.99", want: 99999},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		require.NoError(t, err, "amount=%q", tc.in)
		assert.Equal(t, tc.want, got, "amount=%q", tc.in)
	}
}

func TestParseAmountRejectsSubCent(t *testing.T) {
	for _, in := range []string{"10.005", "0.001"} {
		_, err := ParseAmount(in)
		assert.ErrorIs(t, err, order.ErrBusinessRuleViolation, "amount=%q", in)
	}
}

func TestParseAmountRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "10,00"} {
		_, err := ParseAmount(in)
		assert.ErrorIs(t, err, order.ErrBusinessRuleViolation, "amount=%q", in)
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "20.00", FormatAmount(2000))
	assert.Equal(t, "0.01", FormatAmount(1))
	assert.Equal(t, "999.99", FormatAmount(99999))
}

func TestItemsFromDTO(t *testing.T) {
	items, err := ItemsFromDTO(currency.CurrencyUSD, []OrderItemDTO{
		{ProductID: "prod-1", Quantity: 2, UnitPrice: "10.00"},
		{ProductID: "prod-2", Quantity: 1, UnitPrice: "5.50"},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, int64(1000), items[0].UnitPriceCents)
	assert.Equal(t, int64(550), items[1].UnitPriceCents)
	assert.Equal(t, currency.CurrencyUSD, items[0].PriceCurrency)

	_, err = ItemsFromDTO(currency.CurrencyUSD, []OrderItemDTO{
		{ProductID: "prod-1", Quantity: 1, UnitPrice: "bad"},
	})
	assert.ErrorIs(t, err, order.ErrBusinessRuleViolation)
}
