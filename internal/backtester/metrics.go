package backtester

import (
	"math"
	"time"

	"github.com/atlas-desktop/backtest-core/pkg/types"
	"github.com/atlas-desktop/backtest-core/pkg/utils"
)

const (
	msPerDay    = 24 * 60 * 60 * 1000
	daysPerYear = 365.25
)

// MetricsCalculator derives return, risk and trade-quality statistics.
// Degenerate inputs (zero std, no losses, no drawdown) resolve to 0; no
// output is ever NaN or Inf. MaxDrawdown is signed and never positive.
type MetricsCalculator struct{}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Calculate calculates all performance metrics
func (mc *MetricsCalculator) Calculate(
	trades []types.Trade,
	equityCurve []types.EquityPoint,
	initialCapital float64,
	periodsPerYear float64,
) types.PerformanceMetrics {
	metrics := types.PerformanceMetrics{}
	if len(equityCurve) == 0 || initialCapital <= 0 {
		return metrics
	}

	equity := make([]float64, len(equityCurve))
	for i, p := range equityCurve {
		equity[i] = p.Equity
	}
	returns := utils.Returns(equity)

	final := equity[len(equity)-1]
	metrics.TotalReturn = utils.SafeDiv(final-initialCapital, initialCapital)
	days := float64(equityCurve[len(equityCurve)-1].Timestamp-equityCurve[0].Timestamp) / msPerDay
	metrics.CAGR = mc.cagr(metrics.TotalReturn, days/daysPerYear)

	metrics.SharpeRatio = utils.Sharpe(returns, periodsPerYear)
	metrics.SortinoRatio = mc.sortino(returns, periodsPerYear)
	metrics.Volatility = utils.Finite(utils.StdDev(returns) * math.Sqrt(periodsPerYear))
	metrics.MaxDrawdown = utils.MaxDrawdown(equity)
	if metrics.MaxDrawdown < 0 {
		metrics.CalmarRatio = utils.SafeDiv(metrics.CAGR, math.Abs(metrics.MaxDrawdown))
	}

	mc.tradeStats(&metrics, trades, len(equityCurve))
	return metrics
}

// cagr returns (1+totalReturn)^(1/years)-1; 0 for a non-positive span and
// -1 once the account is wiped out.
func (mc *MetricsCalculator) cagr(totalReturn, years float64) float64 {
	if years <= 0 {
		return 0
	}
	if 1+totalReturn <= 0 {
		return -1
	}
	return utils.Finite(math.Pow(1+totalReturn, 1/years) - 1)
}

// sortino divides mean return by the deviation of the negative subset.
func (mc *MetricsCalculator) sortino(returns []float64, periodsPerYear float64) float64 {
	downside := mc.downsideDeviation(returns)
	if downside == 0 {
		return 0
	}
	return utils.Finite(utils.Mean(returns) / downside * math.Sqrt(periodsPerYear))
}

// downsideDeviation is the sample standard deviation of negative returns
func (mc *MetricsCalculator) downsideDeviation(returns []float64) float64 {
	negatives := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < 0 {
			negatives = append(negatives, r)
		}
	}
	return utils.StdDev(negatives)
}

// tradeStats fills the per-trade statistics
func (mc *MetricsCalculator) tradeStats(m *types.PerformanceMetrics, trades []types.Trade, bars int) {
	m.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	var totalWins, totalLosses float64
	var totalHolding time.Duration
	barsHeld := 0
	winRun, lossRun := 0, 0

	for _, t := range trades {
		m.TotalCommission += t.Commission
		m.TotalSlippage += t.Slippage
		totalHolding += t.HoldingDuration
		barsHeld += t.BarsHeld

		switch {
		case t.PnLNet > 0:
			m.WinningTrades++
			totalWins += t.PnLNet
			m.LargestWin = math.Max(m.LargestWin, t.PnLNet)
			winRun++
			lossRun = 0
		case t.PnLNet < 0:
			m.LosingTrades++
			totalLosses += -t.PnLNet
			m.LargestLoss = math.Max(m.LargestLoss, -t.PnLNet)
			lossRun++
			winRun = 0
		default:
			winRun, lossRun = 0, 0
		}
		if winRun > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = winRun
		}
		if lossRun > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = lossRun
		}
	}

	n := float64(len(trades))
	m.WinRate = float64(m.WinningTrades) / n
	if m.WinningTrades > 0 {
		m.AvgWin = totalWins / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = totalLosses / float64(m.LosingTrades)
	}
	// No losses: profit factor is reported as 0 rather than unbounded.
	m.ProfitFactor = utils.SafeDiv(totalWins, totalLosses)
	m.Expectancy = utils.Finite(m.WinRate*m.AvgWin - (1-m.WinRate)*m.AvgLoss)
	m.AvgHoldingDuration = totalHolding / time.Duration(len(trades))
	m.AvgBarsHeld = float64(barsHeld) / n
	if bars > 1 {
		m.Exposure = math.Min(1, float64(barsHeld)/float64(bars-1))
	}
}

// ReturnsFromEquity converts an equity curve into per-bar simple returns,
// the input expected by the Monte Carlo engine.
func ReturnsFromEquity(curve []types.EquityPoint) []float64 {
	equity := make([]float64, len(curve))
	for i, p := range curve {
		equity[i] = p.Equity
	}
	return utils.Returns(equity)
}
