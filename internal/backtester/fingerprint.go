package backtester

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// DatasetHash fingerprints the exact bars and raw signals of a run. Floats
// are hashed by bit pattern, so any change to any input changes the hash.
func DatasetHash(bars []types.Bar, signals []float64) string {
	h := sha256.New()
	buf := make([]byte, 8)
	putFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		h.Write(buf)
	}
	for _, b := range bars {
		binary.LittleEndian.PutUint64(buf, uint64(b.Timestamp))
		h.Write(buf)
		putFloat(b.Open)
		putFloat(b.High)
		putFloat(b.Low)
		putFloat(b.Close)
		putFloat(b.Volume)
		h.Write([]byte(b.Symbol))
		h.Write([]byte{0})
		h.Write([]byte(b.Timeframe))
		h.Write([]byte{0})
	}
	h.Write([]byte("signals"))
	for _, s := range signals {
		putFloat(s)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParamsHash fingerprints a configuration via its canonical JSON encoding.
func ParamsHash(cfg types.BacktestConfig) (string, error) {
	if cfg.SignalMode == "" {
		cfg.SignalMode = types.SignalModeTrigger
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode config for fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
