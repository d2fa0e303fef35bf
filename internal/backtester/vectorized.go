package backtester

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/backtest-core/internal/stops"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"go.uber.org/zap"
)

// ctxCheckInterval is how many bars are processed between cancellation checks.
const ctxCheckInterval = 1024

// VectorizedConfig configures the vectorized engine
type VectorizedConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MaxBars bounds the columnar buffers; longer plans are handed to the
	// event engine. Zero means unbounded.
	MaxBars int `mapstructure:"max_bars"`
}

// DefaultVectorizedConfig returns sensible defaults
func DefaultVectorizedConfig() VectorizedConfig {
	return VectorizedConfig{Enabled: true}
}

// VectorizedEngine resolves a run from columnar arrays: entry and exit
// masks, stop/target bands and prices are materialized up front, trades
// are resolved in one pass and the equity curve is derived from the trade
// list without replaying the ledger.
type VectorizedEngine struct {
	logger *zap.Logger
	config VectorizedConfig
}

// NewVectorizedEngine creates the vectorized engine. It fails with
// types.ErrEngineUnavailable when disabled.
func NewVectorizedEngine(logger *zap.Logger, config VectorizedConfig) (*VectorizedEngine, error) {
	if !config.Enabled {
		return nil, fmt.Errorf("%w: vectorized engine disabled", types.ErrEngineUnavailable)
	}
	if config.MaxBars < 0 {
		return nil, fmt.Errorf("%w: negative max bars", types.ErrEngineUnavailable)
	}
	return &VectorizedEngine{logger: logger.Named(EngineVectorized), config: config}, nil
}

// Name returns the engine name
func (e *VectorizedEngine) Name() string { return EngineVectorized }

// columns is the columnar view of a plan
type columns struct {
	open, high, low, close []float64
	stopPct, targetPct     []float64
	longEntry, shortEntry  []bool
	longExit, shortExit    []bool
}

func buildColumns(plan *Plan) *columns {
	n := len(plan.Bars)
	c := &columns{
		open:       make([]float64, n),
		high:       make([]float64, n),
		low:        make([]float64, n),
		close:      make([]float64, n),
		stopPct:    plan.Bands.StopPct,
		targetPct:  plan.Bands.TargetPct,
		longEntry:  make([]bool, n),
		shortEntry: make([]bool, n),
		longExit:   make([]bool, n),
		shortExit:  make([]bool, n),
	}
	mode := plan.Config.SignalMode
	for i, b := range plan.Bars {
		c.open[i], c.high[i], c.low[i], c.close[i] = b.Open, b.High, b.Low, b.Close

		s := plan.Signals[i]
		if side, ok := entrySide(s, plan.Config.AllowShort); ok {
			c.longEntry[i] = side == types.TradeSideLong
			c.shortEntry[i] = side == types.TradeSideShort
		}
		c.longExit[i] = exitsOnSignal(mode, types.TradeSideLong, s)
		c.shortExit[i] = exitsOnSignal(mode, types.TradeSideShort, s)
	}
	return c
}

func (c *columns) bar(i int) types.Bar {
	return types.Bar{Open: c.open[i], High: c.high[i], Low: c.low[i], Close: c.close[i]}
}

// openPosition is the float-valued position state of the vectorized pass
type openPosition struct {
	side            types.TradeSide
	index           int
	price           float64
	quantity        float64
	stop, target    float64
	entryCommission float64
	entrySlippage   float64
}

// Simulate resolves the plan
func (e *VectorizedEngine) Simulate(ctx context.Context, plan *Plan) (*Outcome, error) {
	n := len(plan.Bars)
	if e.config.MaxBars > 0 && n > e.config.MaxBars {
		return nil, fmt.Errorf("%w: %d bars exceeds columnar limit %d", types.ErrEngineUnavailable, n, e.config.MaxBars)
	}

	cols := buildColumns(plan)
	trades, capital, err := e.resolveTrades(ctx, plan, cols)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("vectorized pass complete", zap.Int("bars", n), zap.Int("trades", len(trades)))
	return &Outcome{
		Trades:       trades,
		Equity:       equityFromTrades(plan, cols, trades),
		FinalCapital: capital,
	}, nil
}

// resolveTrades walks the masks once, opening and closing positions.
func (e *VectorizedEngine) resolveTrades(ctx context.Context, plan *Plan, cols *columns) ([]types.Trade, float64, error) {
	cfg := plan.Config
	costs := NewProportionalCosts(cfg.CommissionRate, cfg.SlippageRate)
	capital := cfg.InitialCapital
	trades := make([]types.Trade, 0)
	n := len(plan.Bars)

	var pos *openPosition
	enteredDay := -1

	closeAt := func(i int, price float64, reason types.ExitReason) {
		trade := closeTrade(plan, costs, pos, i, price, reason)
		capital += trade.PnLNet
		trades = append(trades, trade)
		pos = nil
	}

	for i := 0; i < n; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}

		exited := false
		if pos != nil && i > pos.index {
			if price, reason, hit := protectiveExit(pos.side, cols.bar(i), pos.stop, pos.target); hit {
				closeAt(i, price, reason)
				exited = true
			}
		}
		if pos != nil && plan.ForcedClose[i] {
			closeAt(i, cols.close[i], types.ExitReasonForcedClose)
			exited = true
		}

		if pos != nil {
			if (pos.side == types.TradeSideLong && cols.longExit[i]) || (pos.side == types.TradeSideShort && cols.shortExit[i]) {
				closeAt(i, cols.close[i], types.ExitReasonSignal)
			}
		} else if !exited && (cols.longEntry[i] || cols.shortEntry[i]) && plan.admits(i, enteredDay) {
			side := types.TradeSideLong
			if cols.shortEntry[i] {
				side = types.TradeSideShort
			}
			price := cols.close[i]
			qty := FixedFractionalSize(capital, cfg.RiskPerTrade, price)
			if qty > 0 {
				commission, slippage := costs.LegCosts(qty, price)
				stopPct, _, targetPct, _ := plan.Bands.At(i)
				stop, target := stops.Levels(side, price, stopPct, targetPct)
				pos = &openPosition{
					side:            side,
					index:           i,
					price:           price,
					quantity:        qty,
					stop:            stop,
					target:          target,
					entryCommission: commission,
					entrySlippage:   slippage,
				}
				enteredDay = plan.Days[i]
			}
		}

		if pos != nil && i == n-1 {
			closeAt(i, cols.close[i], types.ExitReasonEndOfData)
		}
	}
	return trades, capital, nil
}

// closeTrade realizes pos at price on bar i.
func closeTrade(plan *Plan, costs ProportionalCosts, pos *openPosition, i int, price float64, reason types.ExitReason) types.Trade {
	gross := (price - pos.price) * pos.quantity * pos.side.Direction()
	exitCommission, exitSlippage := costs.LegCosts(pos.quantity, price)
	commission := pos.entryCommission + exitCommission
	slippage := pos.entrySlippage + exitSlippage
	net := gross - commission - slippage

	entryTime := plan.Bars[pos.index].Time()
	exitTime := plan.Bars[i].Time()
	return types.Trade{
		Side:            pos.side,
		Status:          types.TradeStatusClosed,
		EntryIndex:      pos.index,
		ExitIndex:       i,
		EntryTime:       entryTime,
		ExitTime:        exitTime,
		EntryPrice:      pos.price,
		ExitPrice:       price,
		Quantity:        pos.quantity,
		PnLGross:        gross,
		Commission:      commission,
		Slippage:        slippage,
		PnLNet:          net,
		ReturnPct:       net / (pos.price * pos.quantity),
		HoldingDuration: exitTime.Sub(entryTime),
		BarsHeld:        i - pos.index,
		ExitReason:      reason,
	}
}

// equityFromTrades derives the equity curve column-wise: realized pnl is
// accumulated at exit bars and unrealized pnl is marked on every bar a
// position is held into the close.
func equityFromTrades(plan *Plan, cols *columns, trades []types.Trade) []types.EquityPoint {
	n := len(plan.Bars)
	realized := make([]float64, n)
	exposure := make([]float64, n)
	basis := make([]float64, n)

	for _, t := range trades {
		realized[t.ExitIndex] += t.PnLNet
		signed := t.Quantity * t.Side.Direction()
		for j := t.EntryIndex; j < t.ExitIndex; j++ {
			exposure[j] = signed
			basis[j] = t.EntryPrice
		}
	}

	equity := make([]types.EquityPoint, n)
	capital := plan.Config.InitialCapital
	for i := 0; i < n; i++ {
		capital += realized[i]
		equity[i] = types.EquityPoint{
			Timestamp: plan.Bars[i].Timestamp,
			Equity:    capital + exposure[i]*(cols.close[i]-basis[i]),
		}
	}
	return equity
}
