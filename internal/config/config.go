// Package config loads process configuration from a file and the
// environment. Environment variables use the BACKTEST_ prefix with dots
// replaced by underscores, e.g. BACKTEST_BACKTEST_INITIAL_CAPITAL.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/backtester"
	"github.com/atlas-desktop/backtest-core/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "BACKTEST"

// Config is the full process configuration
type Config struct {
	Log         LogConfig                      `mapstructure:"log"`
	Metrics     MetricsConfig                  `mapstructure:"metrics"`
	Engine      EngineConfig                   `mapstructure:"engine"`
	Backtest    types.BacktestConfig           `mapstructure:"backtest"`
	MonteCarlo  types.MonteCarloConfig         `mapstructure:"montecarlo"`
	WalkForward types.WalkForwardConfig        `mapstructure:"walkforward"`
	Viability   backtester.ViabilityThresholds `mapstructure:"viability"`
}

// LogConfig selects the process logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	// ShutdownTimeout bounds the graceful stop of the metrics server.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EngineConfig selects the simulation engine
type EngineConfig struct {
	Preferred  string                      `mapstructure:"preferred"`
	Vectorized backtester.VectorizedConfig `mapstructure:"vectorized"`
}

// Default returns the configuration used when no file or override is given.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Addr: ":9090", ShutdownTimeout: 5 * time.Second},
		Engine: EngineConfig{
			Preferred:  backtester.EngineVectorized,
			Vectorized: backtester.DefaultVectorizedConfig(),
		},
		Backtest:    types.DefaultBacktestConfig(),
		MonteCarlo:  types.DefaultMonteCarloConfig(),
		WalkForward: types.DefaultWalkForwardConfig(),
		Viability:   backtester.DefaultViabilityThresholds(),
	}
}

// Load reads configuration from path (YAML, JSON or TOML by extension) on
// top of the defaults, then applies environment overrides. An empty path
// uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	if err := setDefaults(v, def); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := def
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// setDefaults registers every leaf of def so that AutomaticEnv can see keys
// absent from the file.
func setDefaults(v *viper.Viper, def Config) error {
	var flat map[string]interface{}
	if err := mapstructure.Decode(def, &flat); err != nil {
		return fmt.Errorf("failed to flatten defaults: %w", err)
	}
	walkDefaults(v, "", flat)
	return nil
}

func walkDefaults(v *viper.Viper, prefix string, m map[string]interface{}) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			walkDefaults(v, key, nested)
			continue
		}
		// TimeOfDay and Duration defaults are registered in text form.
		if s, ok := val.(fmt.Stringer); ok && reflect.ValueOf(val).Kind() != reflect.String {
			val = s.String()
		}
		v.SetDefault(key, val)
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, types.NewValidationError("log.format", "must be console or json", c.Log.Format))
	}
	switch c.Engine.Preferred {
	case backtester.EngineVectorized, backtester.EngineEvent:
	default:
		errs = append(errs, types.NewValidationError("engine.preferred", "must be vectorized or event", c.Engine.Preferred))
	}
	if c.Engine.Vectorized.MaxBars < 0 {
		errs = append(errs, types.NewValidationError("engine.vectorized.max_bars", "must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, types.NewValidationError("metrics.addr", "required when metrics are enabled"))
	}
	sections := []struct {
		name string
		err  error
	}{
		{"backtest", c.Backtest.Validate()},
		{"montecarlo", c.MonteCarlo.Validate()},
		{"walkforward", c.WalkForward.Validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, s.err))
		}
	}
	return errors.Join(errs...)
}
