package backtester

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// Issue severities
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// ViabilityThresholds defines the minimum requirements for a viable strategy.
// Drawdown limits are magnitudes (0.20 = 20%).
type ViabilityThresholds struct {
	MinSharpeRatio  float64 `json:"minSharpeRatio" mapstructure:"min_sharpe_ratio"`
	MaxDrawdown     float64 `json:"maxDrawdown" mapstructure:"max_drawdown"`
	MinProfitFactor float64 `json:"minProfitFactor" mapstructure:"min_profit_factor"`
	MinWinRate      float64 `json:"minWinRate" mapstructure:"min_win_rate"`
	MinTrades       int     `json:"minTrades" mapstructure:"min_trades"`
	MinSortinoRatio float64 `json:"minSortinoRatio" mapstructure:"min_sortino_ratio"`
	MinCalmarRatio  float64 `json:"minCalmarRatio" mapstructure:"min_calmar_ratio"`
	MinExpectancy   float64 `json:"minExpectancy" mapstructure:"min_expectancy"`

	// Monte Carlo
	MaxRiskOfRuin   float64 `json:"maxRiskOfRuin" mapstructure:"max_risk_of_ruin"`
	MinProbOfProfit float64 `json:"minProbabilityOfProfit" mapstructure:"min_probability_of_profit"`
	MaxDrawdown95   float64 `json:"maxDrawdown95" mapstructure:"max_drawdown_95"`

	// Walk-forward
	MinWFConsistency float64 `json:"minWfConsistency" mapstructure:"min_wf_consistency"`
	MinWFSharpe      float64 `json:"minWfSharpe" mapstructure:"min_wf_sharpe"`
}

// DefaultViabilityThresholds returns conservative default thresholds
func DefaultViabilityThresholds() ViabilityThresholds {
	return ViabilityThresholds{
		MinSharpeRatio:   0.5,
		MaxDrawdown:      0.20,
		MinProfitFactor:  1.5,
		MinWinRate:       0.40,
		MinTrades:        30,
		MinSortinoRatio:  0.8,
		MinCalmarRatio:   0.5,
		MinExpectancy:    0,
		MaxRiskOfRuin:    0.01,
		MinProbOfProfit:  0.60,
		MaxDrawdown95:    0.30,
		MinWFConsistency: 0.60,
		MinWFSharpe:      0.3,
	}
}

// ViabilityIssue represents a specific problem with the strategy
type ViabilityIssue struct {
	Metric      string  `json:"metric"`
	Actual      float64 `json:"actual"`
	Required    float64 `json:"required"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
}

// ViabilityReport contains the full viability assessment
type ViabilityReport struct {
	IsViable  bool             `json:"isViable"`
	Score     int              `json:"score"` // 0-100
	Grade     string           `json:"grade"` // A, B, C, D, F
	Issues    []ViabilityIssue `json:"issues"`
	Strengths []string         `json:"strengths"`
	Summary   string           `json:"summary"`

	ReturnScore      int `json:"returnScore"`
	RiskScore        int `json:"riskScore"`
	ConsistencyScore int `json:"consistencyScore"`
	RobustnessScore  int `json:"robustnessScore"`
}

// ViabilityChecker assesses whether a backtest, optionally backed by Monte
// Carlo and walk-forward evidence, clears the configured thresholds.
type ViabilityChecker struct {
	thresholds ViabilityThresholds
}

// NewViabilityChecker creates a new viability checker
func NewViabilityChecker(thresholds ViabilityThresholds) *ViabilityChecker {
	return &ViabilityChecker{thresholds: thresholds}
}

// Check performs the assessment. mc and wf may be nil.
func (vc *ViabilityChecker) Check(result *types.BacktestResult, mc *types.MonteCarloResult, wf *types.WalkForwardSummary) *ViabilityReport {
	report := &ViabilityReport{
		Issues:    make([]ViabilityIssue, 0),
		Strengths: make([]string, 0),
	}
	m := &result.PerformanceMetrics
	t := vc.thresholds
	dd := math.Abs(m.MaxDrawdown)

	vc.below(report, "Sharpe Ratio", m.SharpeRatio, t.MinSharpeRatio, m.SharpeRatio < 0,
		"risk-adjusted return is below threshold")
	if m.SharpeRatio > 1.5 {
		report.Strengths = append(report.Strengths, "Excellent risk-adjusted returns (Sharpe > 1.5)")
	}

	vc.above(report, "Max Drawdown", dd, t.MaxDrawdown, dd > 0.30,
		"maximum drawdown exceeds acceptable level")
	if dd < 0.10 {
		report.Strengths = append(report.Strengths, "Low drawdown risk (< 10%)")
	}

	vc.below(report, "Profit Factor", m.ProfitFactor, t.MinProfitFactor, m.ProfitFactor < 1,
		"profit factor is below threshold")
	if m.ProfitFactor > 2 {
		report.Strengths = append(report.Strengths, "Strong profit factor (> 2.0)")
	}

	vc.below(report, "Win Rate", m.WinRate, t.MinWinRate, m.WinRate < 0.30,
		"win rate is below threshold")
	if m.WinRate > 0.60 {
		report.Strengths = append(report.Strengths, "High win rate (> 60%)")
	}

	vc.below(report, "Trade Count", float64(m.TotalTrades), float64(t.MinTrades), false,
		"insufficient trades for statistical significance")

	if m.SortinoRatio < t.MinSortinoRatio {
		vc.add(report, "Sortino Ratio", m.SortinoRatio, t.MinSortinoRatio, SeverityInfo,
			"downside risk-adjusted return could be better")
	} else if m.SortinoRatio > 2 {
		report.Strengths = append(report.Strengths, "Excellent downside protection (Sortino > 2.0)")
	}
	if m.CalmarRatio < t.MinCalmarRatio {
		vc.add(report, "Calmar Ratio", m.CalmarRatio, t.MinCalmarRatio, SeverityInfo,
			"return relative to drawdown could be better")
	}
	if m.Expectancy <= t.MinExpectancy {
		vc.add(report, "Expectancy", m.Expectancy, t.MinExpectancy, severity(m.Expectancy < 0),
			"expected value per trade is too low or negative")
	}

	if mc != nil && mc.Status == types.ResultStatusOK {
		vc.above(report, "Risk of Ruin", mc.RiskOfRuin, t.MaxRiskOfRuin, mc.RiskOfRuin > 5*t.MaxRiskOfRuin,
			"resampled paths breach the ruin threshold too often")
		vc.below(report, "Probability of Profit", mc.ProbabilityOfProfit, t.MinProbOfProfit, mc.ProbabilityOfProfit < 0.5,
			"too few resampled paths end profitable")
		vc.above(report, "Drawdown 95%", math.Abs(mc.Drawdown95), t.MaxDrawdown95, false,
			"tail drawdown of resampled paths is too deep")
	}

	if wf != nil && len(wf.Iterations) > 0 {
		if wf.ConsistencyScore < t.MinWFConsistency {
			vc.add(report, "Walk-Forward Consistency", wf.ConsistencyScore, t.MinWFConsistency, SeverityWarning,
				"out-of-sample results are inconsistent across windows")
		} else {
			report.Strengths = append(report.Strengths, "Consistent out-of-sample performance")
		}
		vc.below(report, "Walk-Forward Sharpe", wf.AvgOOSSharpe, t.MinWFSharpe, false,
			"out-of-sample Sharpe ratio is low")
	}

	report.ReturnScore = returnScore(m)
	report.RiskScore = riskScore(dd, mc)
	report.ConsistencyScore = consistencyScore(m)
	report.RobustnessScore = robustnessScore(wf)
	report.Score = (report.ReturnScore*30 + report.RiskScore*30 +
		report.ConsistencyScore*20 + report.RobustnessScore*20) / 100
	report.Grade = grade(report.Score)

	critical := 0
	for _, issue := range report.Issues {
		if issue.Severity == SeverityCritical {
			critical++
		}
	}
	report.IsViable = critical == 0 && report.Score >= 60
	report.Summary = summary(report, critical)
	return report
}

// below flags actual < required; critical escalates the severity.
func (vc *ViabilityChecker) below(r *ViabilityReport, metric string, actual, required float64, critical bool, desc string) {
	if actual < required {
		vc.add(r, metric, actual, required, severity(critical), desc)
	}
}

// above flags actual > limit; critical escalates the severity.
func (vc *ViabilityChecker) above(r *ViabilityReport, metric string, actual, limit float64, critical bool, desc string) {
	if actual > limit {
		vc.add(r, metric, actual, limit, severity(critical), desc)
	}
}

func (vc *ViabilityChecker) add(r *ViabilityReport, metric string, actual, required float64, severity, desc string) {
	r.Issues = append(r.Issues, ViabilityIssue{
		Metric:      metric,
		Actual:      actual,
		Required:    required,
		Severity:    severity,
		Description: desc,
	})
}

func severity(critical bool) string {
	if critical {
		return SeverityCritical
	}
	return SeverityWarning
}

func returnScore(m *types.PerformanceMetrics) int {
	score := 50
	if m.SharpeRatio > 0 {
		score += int(math.Min(30, m.SharpeRatio*20))
	} else {
		score -= 20
	}
	if m.SortinoRatio > 0 {
		score += int(math.Min(20, m.SortinoRatio*10))
	}
	return clamp(score, 0, 100)
}

func riskScore(dd float64, mc *types.MonteCarloResult) int {
	score := 100 - int(dd*200)
	if mc != nil && mc.Status == types.ResultStatusOK {
		score -= int(mc.RiskOfRuin * 300)
	}
	return clamp(score, 0, 100)
}

func consistencyScore(m *types.PerformanceMetrics) int {
	score := int(m.WinRate * 60)
	if m.ProfitFactor > 1 {
		score += int(math.Min(40, (m.ProfitFactor-1)*20))
	}
	switch {
	case m.TotalTrades >= 100:
		score += 20
	case m.TotalTrades >= 50:
		score += 15
	case m.TotalTrades >= 30:
		score += 10
	}
	return clamp(score, 0, 100)
}

// robustnessScore is neutral without walk-forward evidence.
func robustnessScore(wf *types.WalkForwardSummary) int {
	if wf == nil || len(wf.Iterations) == 0 {
		return 50
	}
	return clamp(int(wf.ConsistencyScore*100), 0, 100)
}

func grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func summary(r *ViabilityReport, critical int) string {
	if !r.IsViable {
		if critical > 0 {
			return fmt.Sprintf("Strategy is not viable: %d critical issues.", critical)
		}
		return "Strategy does not meet minimum viability requirements."
	}
	switch r.Grade {
	case "A":
		return "Strong risk-adjusted returns with consistent behaviour."
	case "B":
		return "Acceptable metrics across the board."
	case "C":
		return "Adequate, with warnings worth addressing."
	default:
		return "Marginally viable."
	}
}

func clamp(value, minVal, maxVal int) int {
	if value < minVal {
		return minVal
	}
	if value > maxVal {
		return maxVal
	}
	return value
}
