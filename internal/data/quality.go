// Package data provides bar-series validation and loading.
// Validates for gaps, extreme prices, volume anomalies, OHLC consistency and ordering.
package data

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/atlas-desktop/backtest-core/pkg/types"
	"go.uber.org/zap"
)

// Issue severities
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Validator checks historical bar integrity
type Validator struct {
	logger *zap.Logger

	MaxIntradayMove   float64 // Max (high-low)/low before flagging
	MaxGapMove        float64 // Max |open-prevClose|/prevClose before flagging
	MaxVolumeMultiple float64 // Multiple of average volume treated as a spike
}

// Issue represents a data quality problem
type Issue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"barIndex"`
}

// Report summarizes a data quality assessment
type Report struct {
	Symbol       string    `json:"symbol"`
	TotalBars    int       `json:"totalBars"`
	Issues       []Issue   `json:"issues"`
	QualityScore int       `json:"qualityScore"`
	IsUsable     bool      `json:"isUsable"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
}

// NewValidator creates a validator with defaults suited to liquid markets.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		logger:            logger,
		MaxIntradayMove:   0.30,
		MaxGapMove:        0.20,
		MaxVolumeMultiple: 20.0,
	}
}

// Validate runs all quality checks and scores the series.
func (v *Validator) Validate(bars []types.Bar) *Report {
	if len(bars) == 0 {
		return &Report{
			Issues: []Issue{{Type: "NO_DATA", Severity: SeverityCritical, Message: "no data provided"}},
		}
	}

	issues := make([]Issue, 0)
	issues = append(issues, v.checkPrices(bars)...)
	issues = append(issues, v.checkOHLCConsistency(bars)...)
	issues = append(issues, v.checkOrdering(bars)...)
	issues = append(issues, v.checkGaps(bars)...)
	issues = append(issues, v.checkVolume(bars)...)

	score := qualityScore(len(bars), issues)
	return &Report{
		Symbol:       bars[0].Symbol,
		TotalBars:    len(bars),
		Issues:       issues,
		QualityScore: score,
		IsUsable:     !hasCritical(issues),
		StartDate:    bars[0].Time(),
		EndDate:      bars[len(bars)-1].Time(),
	}
}

// ValidateSeries rejects a series that violates the bar invariants:
// non-finite or non-positive prices, inconsistent OHLC, and timestamps that
// are not strictly ascending. The first critical issue is reported.
func (v *Validator) ValidateSeries(bars []types.Bar) error {
	if len(bars) == 0 {
		return types.NewValidationError("bars", "empty series")
	}
	checks := []func([]types.Bar) []Issue{v.checkPrices, v.checkOHLCConsistency, v.checkOrdering}
	for _, check := range checks {
		for _, issue := range check(bars) {
			if issue.Severity == SeverityCritical {
				v.logger.Warn("rejected bar series",
					zap.String("issue", issue.Type),
					zap.Int("bar", issue.BarIndex),
				)
				return types.NewValidationError("bars", issue.Message, "index "+strconv.Itoa(issue.BarIndex))
			}
		}
	}
	return nil
}

// checkPrices finds non-finite, non-positive and extreme prices
func (v *Validator) checkPrices(bars []types.Bar) []Issue {
	issues := make([]Issue, 0)
	for i, bar := range bars {
		prices := []float64{bar.Open, bar.High, bar.Low, bar.Close}
		bad := false
		for _, p := range prices {
			if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
				bad = true
				break
			}
		}
		if bad || math.IsNaN(bar.Volume) || math.IsInf(bar.Volume, 0) {
			issues = append(issues, Issue{
				Type:      "INVALID_PRICE",
				Severity:  SeverityCritical,
				Timestamp: bar.Time(),
				Message:   "non-finite or non-positive value",
				BarIndex:  i,
			})
			continue
		}

		if move := (bar.High - bar.Low) / bar.Low; move > v.MaxIntradayMove {
			issues = append(issues, Issue{
				Type:      "EXTREME_MOVE",
				Severity:  SeverityHigh,
				Timestamp: bar.Time(),
				Message:   "extreme intraday move: " + strconv.FormatFloat(move*100, 'f', 2, 64) + "%",
				BarIndex:  i,
			})
		}

		if i > 0 && bars[i-1].Close > 0 {
			if move := math.Abs(bar.Open-bars[i-1].Close) / bars[i-1].Close; move > v.MaxGapMove {
				issues = append(issues, Issue{
					Type:      "GAP_MOVE",
					Severity:  SeverityMedium,
					Timestamp: bar.Time(),
					Message:   "large price gap: " + strconv.FormatFloat(move*100, 'f', 2, 64) + "%",
					BarIndex:  i,
				})
			}
		}
	}
	return issues
}

// checkOHLCConsistency verifies High >= Open, Close, Low and Low <= Open, Close, High
func (v *Validator) checkOHLCConsistency(bars []types.Bar) []Issue {
	issues := make([]Issue, 0)
	for i, bar := range bars {
		if bar.High < math.Max(bar.Open, math.Max(bar.Close, bar.Low)) ||
			bar.Low > math.Min(bar.Open, math.Min(bar.Close, bar.High)) {
			issues = append(issues, Issue{
				Type:      "OHLC_INCONSISTENT",
				Severity:  SeverityCritical,
				Timestamp: bar.Time(),
				Message:   "high/low do not bound open and close",
				BarIndex:  i,
			})
		}
	}
	return issues
}

// checkOrdering finds duplicate and out-of-order timestamps
func (v *Validator) checkOrdering(bars []types.Bar) []Issue {
	issues := make([]Issue, 0)
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Timestamp == bars[i-1].Timestamp:
			issues = append(issues, Issue{
				Type:      "DUPLICATE_TIMESTAMP",
				Severity:  SeverityCritical,
				Timestamp: bars[i].Time(),
				Message:   "duplicate timestamp (also at index " + strconv.Itoa(i-1) + ")",
				BarIndex:  i,
			})
		case bars[i].Timestamp < bars[i-1].Timestamp:
			issues = append(issues, Issue{
				Type:      "OUT_OF_ORDER",
				Severity:  SeverityCritical,
				Timestamp: bars[i].Time(),
				Message:   "bar is out of chronological order",
				BarIndex:  i,
			})
		}
	}
	return issues
}

// checkGaps finds missing stretches relative to the median bar interval
func (v *Validator) checkGaps(bars []types.Bar) []Issue {
	issues := make([]Issue, 0)
	if len(bars) < 3 {
		return issues
	}

	intervals := make([]int64, 0, 10)
	for i := 1; i < len(bars) && i <= 10; i++ {
		intervals = append(intervals, bars[i].Timestamp-bars[i-1].Timestamp)
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	expected := intervals[len(intervals)/2]
	if expected <= 0 {
		return issues
	}

	for i := 1; i < len(bars); i++ {
		actual := bars[i].Timestamp - bars[i-1].Timestamp
		if actual > expected*5 {
			issues = append(issues, Issue{
				Type:      "GAP_DETECTED",
				Severity:  SeverityLow,
				Timestamp: bars[i-1].Time(),
				Message:   "data gap of " + (time.Duration(actual) * time.Millisecond).String(),
				BarIndex:  i - 1,
			})
		}
	}
	return issues
}

// checkVolume finds suspicious volume spikes
func (v *Validator) checkVolume(bars []types.Bar) []Issue {
	issues := make([]Issue, 0)
	total, n := 0.0, 0
	for _, bar := range bars {
		if bar.Volume > 0 {
			total += bar.Volume
			n++
		}
	}
	if n == 0 {
		return issues
	}
	avg := total / float64(n)
	for i, bar := range bars {
		if bar.Volume > avg*v.MaxVolumeMultiple {
			issues = append(issues, Issue{
				Type:      "VOLUME_SPIKE",
				Severity:  SeverityLow,
				Timestamp: bar.Time(),
				Message:   "volume spike: " + strconv.FormatFloat(bar.Volume/avg, 'f', 1, 64) + "x average",
				BarIndex:  i,
			})
		}
	}
	return issues
}

// qualityScore returns a 0-100 score weighted by severity
func qualityScore(totalBars int, issues []Issue) int {
	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			penalty += 10
		case SeverityHigh:
			penalty += 5
		case SeverityMedium:
			penalty += 2
		case SeverityLow:
			penalty += 0.5
		}
	}
	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

func hasCritical(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Clean returns a sorted, de-duplicated copy with invalid bars dropped and
// High/Low widened to bound Open and Close. The input is not modified.
func (v *Validator) Clean(bars []types.Bar) []types.Bar {
	if len(bars) == 0 {
		return nil
	}

	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	cleaned := make([]types.Bar, 0, len(sorted))
	seen := make(map[int64]bool, len(sorted))
	for _, bar := range sorted {
		if seen[bar.Timestamp] {
			continue
		}
		seen[bar.Timestamp] = true
		if !(bar.Open > 0 && bar.High > 0 && bar.Low > 0 && bar.Close > 0) ||
			math.IsInf(bar.High, 0) || bar.High < bar.Low {
			continue
		}
		bar.High = math.Max(bar.Open, math.Max(bar.High, bar.Close))
		bar.Low = math.Min(bar.Open, math.Min(bar.Low, bar.Close))
		cleaned = append(cleaned, bar)
	}

	v.logger.Info("data cleaning complete",
		zap.Int("original_bars", len(bars)),
		zap.Int("cleaned_bars", len(cleaned)),
	)
	return cleaned
}
