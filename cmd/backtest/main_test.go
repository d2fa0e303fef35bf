package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atlas-desktop/backtest-core/internal/backtester"
	"github.com/atlas-desktop/backtest-core/internal/config"
	"github.com/atlas-desktop/backtest-core/internal/telemetry"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Backtest.UseTradingWindows = false
	return &app{logger: zap.NewNop(), config: &cfg, metrics: telemetry.New()}
}

func TestParseParams(t *testing.T) {
	p, err := parseParams("fast=5, slow = 20")
	if err != nil {
		t.Fatal(err)
	}
	if p["fast"] != 5 || p["slow"] != 20 {
		t.Errorf("params = %v", p)
	}
	if _, err := parseParams("fast"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("missing value: err = %v", err)
	}
	if _, err := parseParams("fast=x"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("non-numeric value: err = %v", err)
	}
}

func TestRunCommandWritesYAML(t *testing.T) {
	a := testApp(t)
	out := filepath.Join(t.TempDir(), "result.yaml")
	err := runBacktest(context.Background(), a, []string{
		"-synthetic", "400", "-strategy", "breakout", "-params", "lookback=20",
		"-format", "yaml", "-out", out, "-omit-curve", "-assess",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	for _, key := range []string{"runId", "status", "totalTrades", "sharpeRatio", "datasetHash", "viability"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("key %q missing from output", key)
		}
	}
	if strings.Contains(string(raw), "{") {
		t.Error("output uses flow style")
	}
}

func TestMonteCarloFromBacktest(t *testing.T) {
	a := testApp(t)
	out := filepath.Join(t.TempDir(), "mc.json")
	err := runMonteCarlo(context.Background(), a, []string{
		"-synthetic", "500", "-strategy", "momentum",
		"-simulations", "50", "-block-size", "10", "-out", out, "-omit-curve",
	})
	if err != nil {
		t.Fatalf("montecarlo: %v", err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"numSimulations": 50`) {
		t.Errorf("unexpected output: %s", raw)
	}
}

func TestWalkForwardCommand(t *testing.T) {
	a := testApp(t)
	out := filepath.Join(t.TempDir(), "wf.json")
	err := runWalkForward(context.Background(), a, []string{
		"-synthetic", "900", "-strategy", "breakout",
		"-train", "300", "-test", "100", "-step", "200", "-objective", "total_return", "-out", out,
	})
	if err != nil && !errors.Is(err, types.ErrNoQualifyingIterations) {
		t.Fatalf("walkforward: %v", err)
	}
	if _, statErr := os.Stat(out); statErr != nil {
		t.Errorf("no output written: %v", statErr)
	}
}

func TestWalkForwardAssessUsesSummary(t *testing.T) {
	a := testApp(t)
	out := filepath.Join(t.TempDir(), "wf.json")
	err := runWalkForward(context.Background(), a, []string{
		"-synthetic", "900", "-strategy", "breakout", "-assess",
		"-train", "300", "-test", "100", "-step", "200", "-objective", "total_return", "-out", out,
	})
	if err != nil {
		t.Fatalf("walkforward: %v", err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Iterations  []types.WalkForwardIteration `json:"iterations"`
		Consistency float64                      `json:"consistencyScore"`
		Viability   *backtester.ViabilityReport  `json:"viability"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Iterations) == 0 || doc.Viability == nil {
		t.Fatalf("missing iterations or viability: %s", raw)
	}
	want := int(doc.Consistency * 100)
	if doc.Viability.RobustnessScore != want {
		t.Errorf("robustness = %d, want %d from walk-forward consistency", doc.Viability.RobustnessScore, want)
	}
}

func TestUnknownInputs(t *testing.T) {
	a := testApp(t)
	if err := runBacktest(context.Background(), a, []string{"-strategy", "breakout"}); err == nil {
		t.Error("expected error without an input source")
	}
	err := runBacktest(context.Background(), a, []string{"-synthetic", "50", "-strategy", "nope"})
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("unknown strategy: err = %v", err)
	}
	if err := writeResult(outputFlags{format: "xml", out: filepath.Join(t.TempDir(), "x")}, 1); err == nil {
		t.Error("expected error for unknown format")
	}
}
