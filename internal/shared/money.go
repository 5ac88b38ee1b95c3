package shared

import "github.com/shopspring/decimal"

const (
	// AmountScale is the number of fractional digits carried by money amounts.
	AmountScale int32 = 2
	// QuantityScale is the number of fractional digits carried by stock quantities.
	QuantityScale int32 = 4
)

// HasMaxScale reports whether d has no more than scale fractional digits.
func HasMaxScale(d decimal.Decimal, scale int32) bool {
	return d.Equal(d.Truncate(scale))
}

// SumDecimals adds up values.
func SumDecimals(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
