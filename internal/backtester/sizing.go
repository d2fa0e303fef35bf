package backtester

import (
	"github.com/shopspring/decimal"
)

// FixedFractionalSize sizes a position so that its notional equals
// capital*riskPerTrade at the fill price.
func FixedFractionalSize(capital, riskPerTrade, price float64) float64 {
	if price <= 0 || capital <= 0 {
		return 0
	}
	return capital * riskPerTrade / price
}

// FixedFractionalSizeDecimal is FixedFractionalSize on the decimal ledger
func FixedFractionalSizeDecimal(capital decimal.Decimal, riskPerTrade float64, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !capital.IsPositive() {
		return decimal.Zero
	}
	return capital.Mul(decimal.NewFromFloat(riskPerTrade)).Div(price)
}
