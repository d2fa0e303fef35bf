package backtester

import (
	"time"

	"github.com/atlas-desktop/backtest-core/pkg/types"
	"github.com/shopspring/decimal"
)

// Portfolio is the single-instrument ledger used by the event engine:
// realized capital plus at most one open position. Amounts are held in
// decimal so repeated realizations do not accumulate float error.
type Portfolio struct {
	capital     decimal.Decimal
	initialCash decimal.Decimal
	costs       ProportionalCosts
	position    *Position
}

// Position represents the open position
type Position struct {
	Side            types.TradeSide
	Quantity        decimal.Decimal
	EntryPrice      decimal.Decimal
	EntryIndex      int
	EntryTime       time.Time
	EntryCommission decimal.Decimal
	EntrySlippage   decimal.Decimal
	Stop            float64
	Target          float64
}

// NewPortfolio creates a new portfolio
func NewPortfolio(initialCash float64, costs ProportionalCosts) *Portfolio {
	cash := decimal.NewFromFloat(initialCash)
	return &Portfolio{
		capital:     cash,
		initialCash: cash,
		costs:       costs,
	}
}

// Capital returns realized capital
func (p *Portfolio) Capital() float64 {
	return p.capital.InexactFloat64()
}

// Position returns the open position, or nil when flat
func (p *Portfolio) Position() *Position {
	return p.position
}

// InPosition reports whether a position is open
func (p *Portfolio) InPosition() bool {
	return p.position != nil
}

// Open enters a position at price sized by riskPerTrade. It returns false
// when the computed quantity is not positive.
func (p *Portfolio) Open(side types.TradeSide, index int, at time.Time, price, riskPerTrade float64) bool {
	px := decimal.NewFromFloat(price)
	qty := FixedFractionalSizeDecimal(p.capital, riskPerTrade, px)
	if !qty.IsPositive() {
		return false
	}
	commission, slippage := p.costs.LegCostsDecimal(qty, px)
	p.position = &Position{
		Side:            side,
		Quantity:        qty,
		EntryPrice:      px,
		EntryIndex:      index,
		EntryTime:       at,
		EntryCommission: commission,
		EntrySlippage:   slippage,
	}
	return true
}

// Close realizes the open position at price and returns the closed trade.
// Capital moves by the net pnl.
func (p *Portfolio) Close(index int, at time.Time, price float64, reason types.ExitReason) types.Trade {
	pos := p.position
	px := decimal.NewFromFloat(price)
	dir := decimal.NewFromFloat(pos.Side.Direction())

	gross := px.Sub(pos.EntryPrice).Mul(pos.Quantity).Mul(dir)
	exitCommission, exitSlippage := p.costs.LegCostsDecimal(pos.Quantity, px)
	commission := pos.EntryCommission.Add(exitCommission)
	slippage := pos.EntrySlippage.Add(exitSlippage)
	net := gross.Sub(commission).Sub(slippage)

	entryNotional := pos.EntryPrice.Mul(pos.Quantity)
	returnPct := decimal.Zero
	if entryNotional.IsPositive() {
		returnPct = net.Div(entryNotional)
	}

	p.capital = p.capital.Add(net)
	p.position = nil

	return types.Trade{
		Side:            pos.Side,
		Status:          types.TradeStatusClosed,
		EntryIndex:      pos.EntryIndex,
		ExitIndex:       index,
		EntryTime:       pos.EntryTime,
		ExitTime:        at,
		EntryPrice:      pos.EntryPrice.InexactFloat64(),
		ExitPrice:       price,
		Quantity:        pos.Quantity.InexactFloat64(),
		PnLGross:        gross.InexactFloat64(),
		Commission:      commission.InexactFloat64(),
		Slippage:        slippage.InexactFloat64(),
		PnLNet:          net.InexactFloat64(),
		ReturnPct:       returnPct.InexactFloat64(),
		HoldingDuration: at.Sub(pos.EntryTime),
		BarsHeld:        index - pos.EntryIndex,
		ExitReason:      reason,
	}
}

// Equity returns realized capital plus unrealized gross pnl at mark.
func (p *Portfolio) Equity(mark float64) float64 {
	if p.position == nil {
		return p.capital.InexactFloat64()
	}
	pos := p.position
	unrealized := decimal.NewFromFloat(mark).Sub(pos.EntryPrice).
		Mul(pos.Quantity).
		Mul(decimal.NewFromFloat(pos.Side.Direction()))
	return p.capital.Add(unrealized).InexactFloat64()
}
