package data

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no dataset exists for a symbol and timeframe.
var ErrNotFound = errors.New("dataset not found")

// Store provides access to bar series kept on disk as JSON or CSV files
// named <symbol>_<timeframe>.<ext>.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Bar
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about a stored dataset
type SymbolMetadata struct {
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe"`
	StartDate time.Time       `json:"startDate"`
	EndDate   time.Time       `json:"endDate"`
	BarCount  int             `json:"barCount"`
}

// NewStore creates a data store rooted at dataDir, creating it if needed.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &Store{
		logger:   logger.Named("data"),
		dataDir:  dataDir,
		cache:    make(map[string][]types.Bar),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		store.logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

func cacheKey(symbol string, timeframe types.Timeframe) string {
	return fmt.Sprintf("%s_%s", sanitize(symbol), timeframe)
}

// sanitize makes a symbol safe to use in a file name ("BTC/USDT" -> "BTC-USDT").
func sanitize(symbol string) string {
	return strings.NewReplacer("/", "-", "\\", "-", " ", "").Replace(symbol)
}

// LoadBars loads the bars of a dataset whose timestamps fall in [start, end].
// A zero start or end leaves that side open.
func (s *Store) LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := cacheKey(symbol, timeframe)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return filterByTimeRange(cached, start, end), nil
	}

	var bars []types.Bar
	var err error
	for _, ext := range []string{".json", ".csv"} {
		path := filepath.Join(s.dataDir, key+ext)
		bars, err = LoadBarsFile(path)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, symbol, timeframe)
	}

	for i := range bars {
		if bars[i].Symbol == "" {
			bars[i].Symbol = symbol
		}
		if bars[i].Timeframe == "" {
			bars[i].Timeframe = timeframe
		}
	}

	s.mu.Lock()
	s.cache[key] = bars
	s.mu.Unlock()

	s.logger.Debug("Loaded dataset",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(timeframe)),
		zap.Int("bars", len(bars)),
	)
	return filterByTimeRange(bars, start, end), nil
}

// SaveBars writes a dataset as JSON and records its metadata.
func (s *Store) SaveBars(symbol string, timeframe types.Timeframe, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cacheKey(symbol, timeframe)
	filename := filepath.Join(s.dataDir, key+".json")

	data, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	stored := make([]types.Bar, len(bars))
	copy(stored, bars)
	s.cache[key] = stored

	if len(bars) > 0 {
		s.metadata[key] = &SymbolMetadata{
			Symbol:    symbol,
			Timeframe: timeframe,
			StartDate: bars[0].Time(),
			EndDate:   bars[len(bars)-1].Time(),
			BarCount:  len(bars),
		}
	}
	return s.saveMetadata()
}

// Datasets returns metadata for every saved dataset, ordered by symbol then timeframe.
func (s *Store) Datasets() []SymbolMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SymbolMetadata, 0, len(s.metadata))
	for _, m := range s.metadata {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Bar)
}

// CacheSize returns the number of cached datasets
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func filterByTimeRange(bars []types.Bar, start, end time.Time) []types.Bar {
	filtered := make([]types.Bar, 0, len(bars))
	for _, bar := range bars {
		t := bar.Time()
		if !start.IsZero() && t.Before(start) {
			continue
		}
		if !end.IsZero() && t.After(end) {
			continue
		}
		filtered = append(filtered, bar)
	}
	return filtered
}

func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

func (s *Store) saveMetadata() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), data, 0644)
}

// LoadBarsFile reads bars from a JSON array or a CSV file with a
// timestamp,open,high,low,close[,volume] header. CSV timestamps may be Unix
// milliseconds or RFC 3339. Prices are parsed as decimals so that values
// such as "0.1" round-trip to the nearest float64.
func LoadBarsFile(path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		bars, err := parseBarsCSV(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return bars, nil
	}

	var bars []types.Bar
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&bars); err != nil {
		return nil, fmt.Errorf("%s: failed to parse bars: %w", path, err)
	}
	return bars, nil
}

var barColumns = []string{"timestamp", "open", "high", "low", "close"}

func parseBarsCSV(r io.Reader) ([]types.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range barColumns {
		if _, ok := index[col]; !ok {
			return nil, types.NewValidationError("bars", "missing CSV column", col)
		}
	}
	volumeIdx, hasVolume := index["volume"]

	var bars []types.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		field := func(col string) string {
			if i := index[col]; i < len(rec) {
				return rec[i]
			}
			return ""
		}

		ts, err := parseTimestamp(field("timestamp"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bar := types.Bar{Timestamp: ts}
		prices := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close}
		for i, col := range barColumns[1:] {
			if *prices[i], err = parseDecimal(field(col)); err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, col, err)
			}
		}
		if hasVolume && volumeIdx < len(rec) && rec[volumeIdx] != "" {
			if bar.Volume, err = parseDecimal(rec[volumeIdx]); err != nil {
				return nil, fmt.Errorf("line %d: volume: %w", line, err)
			}
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	return t.UnixMilli(), nil
}

func parseDecimal(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// LoadSignalsFile reads a JSON array of raw signal values. Values are not
// checked against {-1, 0, 1} here.
func LoadSignalsFile(path string) ([]float64, error) {
	return loadFloatsFile(path)
}

// LoadReturnsFile reads a JSON array of per-period returns.
func LoadReturnsFile(path string) ([]float64, error) {
	return loadFloatsFile(path)
}

func loadFloatsFile(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return values, nil
}

// GenerateSyntheticBars produces a reproducible geometric random walk with
// volatility vol per bar. It is meant for demos and tests.
func GenerateSyntheticBars(symbol string, timeframe types.Timeframe, start time.Time, n int, price, vol float64, seed int64) []types.Bar {
	interval := timeframe.Duration()
	if interval <= 0 {
		interval = time.Minute
	}
	rng := rand.New(rand.NewSource(seed))

	bars := make([]types.Bar, 0, n)
	for i := 0; i < n; i++ {
		open := price
		price *= math.Exp(rng.NormFloat64() * vol)
		high := math.Max(open, price) * (1 + rng.Float64()*vol/2)
		low := math.Min(open, price) * (1 - rng.Float64()*vol/2)

		bars = append(bars, types.Bar{
			Timestamp: start.Add(time.Duration(i) * interval).UnixMilli(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    math.Round(rng.Float64() * 1e6),
			Symbol:    symbol,
			Timeframe: timeframe,
		})
	}
	return bars
}
