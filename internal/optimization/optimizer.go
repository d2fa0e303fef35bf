// Package optimization provides strategy parameter search and walk-forward
// evaluation: parameters are chosen on an in-sample window and scored on
// the held-out window that follows it.
package optimization

import (
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// StrategyFunc turns bars into a signal series for one parameter set. It
// must be causal and must not retain bars between calls.
type StrategyFunc func(bars []types.Bar, params types.ParamSet) ([]float64, error)

// Objective scores a backtest result; larger is better.
type Objective func(result *types.BacktestResult) float64

// Objective names
const (
	ObjectiveSharpe      = "sharpe"
	ObjectiveTotalReturn = "total_return"
	ObjectiveCalmar      = "calmar"
	ObjectiveSortino     = "sortino"
)

var objectives = map[string]Objective{
	ObjectiveSharpe:      func(r *types.BacktestResult) float64 { return r.SharpeRatio },
	ObjectiveTotalReturn: func(r *types.BacktestResult) float64 { return r.TotalReturn },
	ObjectiveCalmar:      func(r *types.BacktestResult) float64 { return r.CalmarRatio },
	ObjectiveSortino:     func(r *types.BacktestResult) float64 { return r.SortinoRatio },
}

// ObjectiveByName returns a built-in objective
func ObjectiveByName(name string) (Objective, error) {
	if obj, ok := objectives[name]; ok {
		return obj, nil
	}
	names := make([]string, 0, len(objectives))
	for n := range objectives {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, types.NewValidationError("objective", fmt.Sprintf("unknown objective %q", name), names...)
}

// Parameter represents an optimization parameter
type Parameter struct {
	Name     string    `json:"name" mapstructure:"name"`
	Type     ParamType `json:"type" mapstructure:"type"`
	Min      float64   `json:"min" mapstructure:"min"`
	Max      float64   `json:"max" mapstructure:"max"`
	Step     float64   `json:"step,omitempty" mapstructure:"step"`
	Discrete []float64 `json:"discrete,omitempty" mapstructure:"discrete"` // For discrete choices
}

// ParamType represents parameter type
type ParamType string

const (
	ParamTypeContinuous ParamType = "continuous"
	ParamTypeInteger    ParamType = "integer"
	ParamTypeDiscrete   ParamType = "discrete"
)

// defaultResolution is the number of intervals for a continuous parameter
// without an explicit step.
const defaultResolution = 10

// values enumerates the grid points of a parameter in ascending order.
func (p Parameter) values() ([]float64, error) {
	switch p.Type {
	case ParamTypeDiscrete:
		if len(p.Discrete) == 0 {
			return nil, types.NewValidationError("grid", "discrete parameter without values", p.Name)
		}
		return append([]float64(nil), p.Discrete...), nil
	case ParamTypeInteger, ParamTypeContinuous, "":
	default:
		return nil, types.NewValidationError("grid", fmt.Sprintf("unknown parameter type %q", p.Type), p.Name)
	}

	if math.IsNaN(p.Min) || math.IsNaN(p.Max) || p.Max < p.Min {
		return nil, types.NewValidationError("grid", "max must not be below min", p.Name)
	}
	step := p.Step
	if step < 0 {
		return nil, types.NewValidationError("grid", "step must not be negative", p.Name)
	}
	if step == 0 {
		if p.Type == ParamTypeInteger {
			step = 1
		} else {
			step = (p.Max - p.Min) / defaultResolution
		}
	}
	if step == 0 {
		return []float64{p.Min}, nil
	}

	// Index-based stepping avoids accumulating float error at the upper bound.
	count := int(math.Floor((p.Max-p.Min)/step+1e-9)) + 1
	values := make([]float64, 0, count)
	for k := 0; k < count; k++ {
		v := p.Min + float64(k)*step
		if p.Type == ParamTypeInteger {
			v = math.Round(v)
			if len(values) > 0 && values[len(values)-1] == v {
				continue
			}
		}
		values = append(values, v)
	}
	return values, nil
}

// GridCombinations generates the Cartesian product of the parameter grid.
// Enumeration order is fixed: the last parameter varies fastest.
func GridCombinations(params []Parameter) ([]types.ParamSet, error) {
	if len(params) == 0 {
		return nil, types.NewValidationError("grid", "no parameters")
	}
	seen := make(map[string]bool, len(params))
	gridValues := make([][]float64, len(params))
	for i, param := range params {
		if param.Name == "" || seen[param.Name] {
			return nil, types.NewValidationError("grid", "parameter names must be unique and non-empty", param.Name)
		}
		seen[param.Name] = true
		values, err := param.values()
		if err != nil {
			return nil, err
		}
		gridValues[i] = values
	}
	return cartesianProduct(params, gridValues, 0, make(types.ParamSet)), nil
}

// cartesianProduct generates all combinations recursively
func cartesianProduct(params []Parameter, gridValues [][]float64, idx int, current types.ParamSet) []types.ParamSet {
	if idx == len(params) {
		return []types.ParamSet{current.Clone()}
	}

	var combinations []types.ParamSet
	for _, val := range gridValues[idx] {
		current[params[idx].Name] = val
		combinations = append(combinations, cartesianProduct(params, gridValues, idx+1, current)...)
	}
	return combinations
}
