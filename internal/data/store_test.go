// Package data_test provides tests for the data store and validator.
package data_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/data"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"go.uber.org/zap"
)

var base = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func hourly(n int) []types.Bar {
	return data.GenerateSyntheticBars("TEST/USDT", types.Timeframe1h, base, n, 100, 0.01, 7)
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	bars := hourly(10)
	if err := store.SaveBars("TEST/USDT", types.Timeframe1h, bars); err != nil {
		t.Fatalf("Failed to save bars: %v", err)
	}

	store.ClearCache()
	got, err := store.LoadBars(context.Background(), "TEST/USDT", types.Timeframe1h, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Failed to load bars: %v", err)
	}
	if len(got) != len(bars) {
		t.Fatalf("Loaded %d bars, expected %d", len(got), len(bars))
	}
	for i := range bars {
		if got[i] != bars[i] {
			t.Errorf("Bar %d mismatch: got %+v, want %+v", i, got[i], bars[i])
		}
	}
	if store.CacheSize() != 1 {
		t.Errorf("CacheSize = %d, want 1", store.CacheSize())
	}

	meta := store.Datasets()
	if len(meta) != 1 || meta[0].BarCount != 10 || !meta[0].StartDate.Equal(base) {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestMetadataPersists(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveBars("AAA", types.Timeframe1h, hourly(3)); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveBars("AAA", types.Timeframe1d, hourly(2)); err != nil {
		t.Fatal(err)
	}

	reopened, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatal(err)
	}
	meta := reopened.Datasets()
	if len(meta) != 2 {
		t.Fatalf("datasets = %d, want 2", len(meta))
	}
	if meta[0].Timeframe != types.Timeframe1d || meta[1].Timeframe != types.Timeframe1h {
		t.Errorf("datasets not ordered by timeframe: %+v", meta)
	}
}

func TestTimeRangeFiltering(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveBars("RANGE", types.Timeframe1h, hourly(10)); err != nil {
		t.Fatal(err)
	}

	start := base.Add(3 * time.Hour)
	end := base.Add(6 * time.Hour)
	got, err := store.LoadBars(context.Background(), "RANGE", types.Timeframe1h, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("Expected 4 bars in range, got %d", len(got))
	}
	if !got[0].Time().Equal(start) {
		t.Errorf("First bar at %v, want %v", got[0].Time(), start)
	}
}

func TestLoadMissingDataset(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.LoadBars(context.Background(), "NONE", types.Timeframe1h, time.Time{}, time.Time{})
	if !errors.Is(err, data.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadCSV(t *testing.T) {
	dir := t.TempDir()
	csv := "timestamp,open,high,low,close,volume\n" +
		"2024-03-04T00:00:00Z,100.1,101,99.5,100.7,1200\n" +
		"1709514000000, 100.7,102,100,101.9,\n"
	if err := os.WriteFile(filepath.Join(dir, "CSV_1h.csv"), []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatal(err)
	}
	bars, err := store.LoadBars(context.Background(), "CSV", types.Timeframe1h, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Failed to load CSV: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	if bars[0].Timestamp != base.UnixMilli() || bars[0].Open != 100.1 || bars[0].Volume != 1200 {
		t.Errorf("first bar = %+v", bars[0])
	}
	if bars[1].Timestamp != base.Add(time.Hour).UnixMilli() || bars[1].Close != 101.9 || bars[1].Volume != 0 {
		t.Errorf("second bar = %+v", bars[1])
	}
	if bars[1].Symbol != "CSV" || bars[1].Timeframe != types.Timeframe1h {
		t.Errorf("symbol/timeframe not filled: %+v", bars[1])
	}
}

func TestLoadCSVRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing_column.csv": "timestamp,open,high,close\n1,1,1,1\n",
		"bad_price.csv":      "timestamp,open,high,low,close\n1,abc,1,1,1\n",
		"bad_time.csv":       "timestamp,open,high,low,close\nyesterday,1,1,1,1\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := data.LoadBarsFile(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadSignalsAndReturns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.json")
	if err := os.WriteFile(path, []byte("[0, 1, 0, -1, 0.5]"), 0644); err != nil {
		t.Fatal(err)
	}
	signals, err := data.LoadSignalsFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 5 || signals[4] != 0.5 {
		t.Errorf("signals = %v; values must be passed through unchecked", signals)
	}

	bad := filepath.Join(dir, "returns.json")
	if err := os.WriteFile(bad, []byte(`{"r": 1}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := data.LoadReturnsFile(bad); err == nil {
		t.Error("expected error for non-array returns")
	}
}

func TestSyntheticBarsAreReproducible(t *testing.T) {
	a := hourly(200)
	b := hourly(200)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("bar %d differs between runs", i)
		}
	}
	if err := data.NewValidator(nil).ValidateSeries(a); err != nil {
		t.Errorf("synthetic bars failed validation: %v", err)
	}
}

func TestValidateSeries(t *testing.T) {
	v := data.NewValidator(zap.NewNop())
	tests := []struct {
		name   string
		mutate func([]types.Bar) []types.Bar
	}{
		{"empty", func([]types.Bar) []types.Bar { return nil }},
		{"non-positive price", func(b []types.Bar) []types.Bar { b[3].Close = 0; return b }},
		{"high below close", func(b []types.Bar) []types.Bar { b[2].High = b[2].Close / 2; return b }},
		{"duplicate timestamp", func(b []types.Bar) []types.Bar { b[4].Timestamp = b[3].Timestamp; return b }},
		{"out of order", func(b []types.Bar) []types.Bar { b[1], b[2] = b[2], b[1]; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateSeries(tt.mutate(hourly(10)))
			if !errors.Is(err, types.ErrValidation) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestCleanRepairsSeries(t *testing.T) {
	v := data.NewValidator(nil)
	bars := hourly(6)
	bars[1], bars[2] = bars[2], bars[1]
	bars = append(bars, bars[0])
	bars[4].Close = -1

	cleaned := v.Clean(bars)
	if len(cleaned) != 5 {
		t.Fatalf("cleaned = %d bars, want 5", len(cleaned))
	}
	if err := v.ValidateSeries(cleaned); err != nil {
		t.Errorf("cleaned series invalid: %v", err)
	}

	report := v.Validate(cleaned)
	if !report.IsUsable || report.TotalBars != 5 {
		t.Errorf("report = %+v", report)
	}
}
