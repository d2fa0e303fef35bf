package backtester

import (
	"github.com/shopspring/decimal"
)

// CostModel prices one leg of a round trip.
type CostModel interface {
	LegCosts(quantity, price float64) (commission, slippage float64)
}

// ProportionalCosts charges commission and slippage as a fraction of leg
// notional: qty*price*rate.
type ProportionalCosts struct {
	CommissionRate float64
	SlippageRate   float64
}

// NewProportionalCosts creates a proportional cost model
func NewProportionalCosts(commissionRate, slippageRate float64) ProportionalCosts {
	return ProportionalCosts{CommissionRate: commissionRate, SlippageRate: slippageRate}
}

// LegCosts returns commission and slippage for one leg
func (c ProportionalCosts) LegCosts(quantity, price float64) (float64, float64) {
	notional := quantity * price
	return notional * c.CommissionRate, notional * c.SlippageRate
}

// LegCostsDecimal is LegCosts on the decimal ledger
func (c ProportionalCosts) LegCostsDecimal(quantity, price decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	notional := quantity.Mul(price)
	return notional.Mul(decimal.NewFromFloat(c.CommissionRate)), notional.Mul(decimal.NewFromFloat(c.SlippageRate))
}
