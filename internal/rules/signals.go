package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// maxReported caps how many offending values a diagnostic enumerates.
const maxReported = 20

// ValidateSignals checks that every value is exactly -1, 0 or 1. It returns
// false and a message enumerating the offending positions otherwise. Values
// are never coerced.
func ValidateSignals(raw []float64) (bool, string) {
	bad := offending(raw)
	if len(bad) == 0 {
		return true, ""
	}
	return false, describe(bad)
}

// ParseSignals validates raw and converts it to typed signals.
func ParseSignals(raw []float64) ([]types.Signal, error) {
	if len(raw) == 0 {
		return nil, types.NewValidationError("signals", "empty series")
	}
	if bad := offending(raw); len(bad) > 0 {
		shown := bad
		if len(shown) > maxReported {
			shown = shown[:maxReported]
		}
		return nil, types.NewValidationError("signals",
			fmt.Sprintf("%d value(s) outside {-1,0,1}", len(bad)), shown...)
	}
	out := make([]types.Signal, len(raw))
	for i, v := range raw {
		out[i] = types.Signal(v)
	}
	return out, nil
}

// offending lists "index=value" for every value outside {-1, 0, 1}.
func offending(raw []float64) []string {
	var bad []string
	for i, v := range raw {
		if math.IsNaN(v) || (v != -1 && v != 0 && v != 1) {
			bad = append(bad, strconv.Itoa(i)+"="+strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	return bad
}

func describe(bad []string) string {
	shown := bad
	if len(shown) > maxReported {
		shown = shown[:maxReported]
	}
	msg := fmt.Sprintf("%d value(s) outside {-1,0,1}: %s", len(bad), strings.Join(shown, ", "))
	if len(bad) > maxReported {
		msg += fmt.Sprintf(" ... and %d more", len(bad)-maxReported)
	}
	return msg
}
