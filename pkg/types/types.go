// Package types provides shared type definitions for the backtest core.
package types

import (
	"time"
)

// Timeframe represents bar timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
	Timeframe1w:  7 * 24 * time.Hour,
}

// Duration returns the bar length, or 0 for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// PeriodsPerYear returns the annualization factor for returns sampled at this
// timeframe. Daily bars use 252 trading days, weekly bars 52; intraday bars
// scale 252 sessions by the number of bars per 24h.
func (tf Timeframe) PeriodsPerYear() float64 {
	switch tf {
	case Timeframe1d, "":
		return 252
	case Timeframe1w:
		return 52
	}
	d := tf.Duration()
	if d <= 0 {
		return 252
	}
	return 252 * float64(24*time.Hour) / float64(d)
}

// Bar represents a single OHLCV candle. Timestamp is Unix milliseconds.
type Bar struct {
	Timestamp int64     `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Symbol    string    `json:"symbol,omitempty"`
	Timeframe Timeframe `json:"timeframe,omitempty"`
}

// Time returns the bar timestamp in UTC.
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// Signal is a per-bar directional instruction.
type Signal int8

const (
	SignalShort Signal = -1
	SignalFlat  Signal = 0
	SignalLong  Signal = 1
)

// Side maps a non-zero signal to the position side it opens.
func (s Signal) Side() TradeSide {
	if s < 0 {
		return TradeSideShort
	}
	return TradeSideLong
}

// TradeSide represents long or short exposure
type TradeSide string

const (
	TradeSideLong  TradeSide = "LONG"
	TradeSideShort TradeSide = "SHORT"
)

// Direction returns +1 for long and -1 for short.
func (s TradeSide) Direction() float64 {
	if s == TradeSideShort {
		return -1
	}
	return 1
}

// TradeStatus represents the lifecycle state of a trade
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// ExitReason records why a position was closed
type ExitReason string

const (
	ExitReasonSignal      ExitReason = "SIGNAL"
	ExitReasonStopLoss    ExitReason = "STOP_LOSS"
	ExitReasonTakeProfit  ExitReason = "TAKE_PROFIT"
	ExitReasonForcedClose ExitReason = "FORCED_CLOSE"
	ExitReasonEndOfData   ExitReason = "END_OF_DATA"
)

// Trade represents a completed round trip. Commission and Slippage are the
// sum of both legs; PnLNet = PnLGross - Commission - Slippage.
type Trade struct {
	ID              string        `json:"id"`
	Symbol          string        `json:"symbol,omitempty"`
	Side            TradeSide     `json:"side"`
	Status          TradeStatus   `json:"status"`
	EntryIndex      int           `json:"entryIndex"`
	ExitIndex       int           `json:"exitIndex"`
	EntryTime       time.Time     `json:"entryTime"`
	ExitTime        time.Time     `json:"exitTime"`
	EntryPrice      float64       `json:"entryPrice"`
	ExitPrice       float64       `json:"exitPrice"`
	Quantity        float64       `json:"quantity"`
	PnLGross        float64       `json:"pnlGross"`
	Commission      float64       `json:"commission"`
	Slippage        float64       `json:"slippage"`
	PnLNet          float64       `json:"pnlNet"`
	ReturnPct       float64       `json:"returnPct"`
	HoldingDuration time.Duration `json:"holdingDuration"`
	BarsHeld        int           `json:"barsHeld"`
	ExitReason      ExitReason    `json:"exitReason"`
}

// EquityPoint is one sample of the capital curve
type EquityPoint struct {
	Timestamp int64   `json:"timestamp"`
	Equity    float64 `json:"equity"`
}

// PerformanceMetrics contains the derived return, risk and trade-quality
// statistics. MaxDrawdown is always <= 0.
type PerformanceMetrics struct {
	TotalReturn          float64       `json:"totalReturn"`
	CAGR                 float64       `json:"cagr"`
	SharpeRatio          float64       `json:"sharpeRatio"`
	SortinoRatio         float64       `json:"sortinoRatio"`
	CalmarRatio          float64       `json:"calmarRatio"`
	MaxDrawdown          float64       `json:"maxDrawdown"`
	Volatility           float64       `json:"volatility"`
	WinRate              float64       `json:"winRate"`
	ProfitFactor         float64       `json:"profitFactor"`
	Expectancy           float64       `json:"expectancy"`
	TotalTrades          int           `json:"totalTrades"`
	WinningTrades        int           `json:"winningTrades"`
	LosingTrades         int           `json:"losingTrades"`
	AvgWin               float64       `json:"avgWin"`
	AvgLoss              float64       `json:"avgLoss"`
	LargestWin           float64       `json:"largestWin"`
	LargestLoss          float64       `json:"largestLoss"`
	MaxConsecutiveWins   int           `json:"maxConsecutiveWins"`
	MaxConsecutiveLosses int           `json:"maxConsecutiveLosses"`
	AvgHoldingDuration   time.Duration `json:"avgHoldingDuration"`
	AvgBarsHeld          float64       `json:"avgBarsHeld"`
	Exposure             float64       `json:"exposure"`
	TotalCommission      float64       `json:"totalCommission"`
	TotalSlippage        float64       `json:"totalSlippage"`
}

// ResultStatus distinguishes the successful outcomes of a run
type ResultStatus string

const (
	ResultStatusOK               ResultStatus = "ok"
	ResultStatusNoTrades         ResultStatus = "no_trades"
	ResultStatusInsufficientData ResultStatus = "insufficient_data"
)

// BacktestResult is the terminal output of a simulation run
type BacktestResult struct {
	RunID     string       `json:"runId"`
	Engine    string       `json:"engine"`
	Status    ResultStatus `json:"status"`
	Symbol    string       `json:"symbol,omitempty"`
	Timeframe Timeframe    `json:"timeframe,omitempty"`
	Bars      int          `json:"bars"`

	PerformanceMetrics

	InitialCapital float64       `json:"initialCapital"`
	FinalCapital   float64       `json:"finalCapital"`
	Trades         []Trade       `json:"trades"`
	EquityCurve    []EquityPoint `json:"equityCurve"`
	StartDate      time.Time     `json:"startDate"`
	EndDate        time.Time     `json:"endDate"`
	DatasetHash    string        `json:"datasetHash"`
	ParamsHash     string        `json:"paramsHash"`
}

// ConfidenceInterval is a two-sided percentile interval
type ConfidenceInterval struct {
	Level float64 `json:"level"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// MonteCarloResult summarizes a block-permutation resampling run.
// Drawdown fields follow the signed (<= 0) convention; Drawdown95 is the
// drawdown whose magnitude is exceeded by 5% of trials.
type MonteCarloResult struct {
	Status         ResultStatus `json:"status"`
	NumSimulations int          `json:"numSimulations"`
	BlockSize      int          `json:"blockSize"`
	BlocksPerPath  int          `json:"blocksPerPath"`
	PathLength     int          `json:"pathLength"`
	Seed           int64        `json:"seed"`
	InitialCapital float64      `json:"initialCapital"`

	MeanReturn   float64            `json:"meanReturn"`
	MedianReturn float64            `json:"medianReturn"`
	StdReturn    float64            `json:"stdReturn"`
	ReturnCI95   ConfidenceInterval `json:"returnCi95"`
	ReturnCI99   ConfidenceInterval `json:"returnCi99"`

	MeanDrawdown   float64 `json:"meanDrawdown"`
	MedianDrawdown float64 `json:"medianDrawdown"`
	WorstDrawdown  float64 `json:"worstDrawdown"`
	Drawdown95     float64 `json:"drawdown95"`

	MeanSharpe      float64 `json:"meanSharpe"`
	MedianSharpe    float64 `json:"medianSharpe"`
	MeanFinalEquity float64 `json:"meanFinalEquity"`

	RiskOfRuin          float64 `json:"riskOfRuin"`
	ProbabilityOfProfit float64 `json:"probabilityOfProfit"`
	StabilityIndex      float64 `json:"stabilityIndex"`

	Returns     []float64   `json:"returns"`
	Drawdowns   []float64   `json:"drawdowns"`
	Sharpes     []float64   `json:"sharpes"`
	FinalEquity []float64   `json:"finalEquity"`
	EquityPaths [][]float64 `json:"equityPaths,omitempty"`
}

// ParamSet is one point of a parameter grid
type ParamSet map[string]float64

// Clone returns a copy of the parameter set.
func (p ParamSet) Clone() ParamSet {
	out := make(ParamSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// GridScore records the train-slice objective of one grid combination.
// Failed combinations carry Err and score -Inf internally; the reported Score is 0.
type GridScore struct {
	Params ParamSet `json:"params"`
	Score  float64  `json:"score"`
	Err    string   `json:"err,omitempty"`
}

// WalkForwardIteration holds the in-sample and out-of-sample outcome of one fold.
// Index ranges are half-open [start, end).
type WalkForwardIteration struct {
	Index      int       `json:"index"`
	TrainStart int       `json:"trainStart"`
	TrainEnd   int       `json:"trainEnd"`
	TestStart  int       `json:"testStart"`
	TestEnd    int       `json:"testEnd"`
	TrainFrom  time.Time `json:"trainFrom"`
	TestFrom   time.Time `json:"testFrom"`
	TestTo     time.Time `json:"testTo"`
	Params     ParamSet  `json:"params"`

	ISReturn    float64 `json:"isReturn"`
	ISSharpe    float64 `json:"isSharpe"`
	ISDrawdown  float64 `json:"isDrawdown"`
	ISTrades    int     `json:"isTrades"`
	ISObjective float64 `json:"isObjective"`

	OOSReturn    float64 `json:"oosReturn"`
	OOSSharpe    float64 `json:"oosSharpe"`
	OOSDrawdown  float64 `json:"oosDrawdown"`
	OOSTrades    int     `json:"oosTrades"`
	OOSObjective float64 `json:"oosObjective"`

	EfficiencyRatio float64     `json:"efficiencyRatio"`
	Degradation     float64     `json:"degradation"`
	GridScores      []GridScore `json:"gridScores"`
}

// WalkForwardSummary aggregates walk-forward iterations
type WalkForwardSummary struct {
	Iterations          []WalkForwardIteration `json:"iterations"`
	SkippedIterations   int                    `json:"skippedIterations"`
	CompoundedOOSReturn float64                `json:"compoundedOosReturn"`
	AvgOOSSharpe        float64                `json:"avgOosSharpe"`
	WorstOOSDrawdown    float64                `json:"worstOosDrawdown"`
	ConsistencyScore    float64                `json:"consistencyScore"`
	// BestIteration indexes Iterations, not the window; -1 when empty.
	BestIteration       int                    `json:"bestIteration"`
	AvgEfficiency       float64                `json:"avgEfficiency"`
	TotalOOSTrades      int                    `json:"totalOosTrades"`
	ParameterStability  map[string]float64     `json:"parameterStability"`
}
