// Package main provides the backtest command line tool.
//
// Usage:
//
//	backtest run         -bars bars.csv -strategy sma_crossover
//	backtest montecarlo  -returns returns.json
//	backtest walkforward -synthetic 3000 -strategy breakout -objective sharpe
//	backtest strategies
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/config"
	"github.com/atlas-desktop/backtest-core/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type command func(ctx context.Context, app *app, args []string) error

var commands = map[string]command{
	"run":         runBacktest,
	"montecarlo":  runMonteCarlo,
	"walkforward": runWalkForward,
	"strategies":  listStrategies,
}

// app carries process-wide dependencies into a command
type app struct {
	logger  *zap.Logger
	config  *config.Config
	metrics *telemetry.Metrics
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}

	configPath := os.Getenv("BACKTEST_CONFIG")
	args := os.Args[2:]
	if len(args) >= 2 && (args[0] == "-config" || args[0] == "--config") {
		configPath, args = args[1], args[2:]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{logger: logger, config: cfg, metrics: telemetry.New()}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv, err = a.startMetricsServer()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	runErr := cmd(ctx, a, args)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Metrics.ShutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during metrics server shutdown", zap.Error(err))
		}
		cancel()
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warn("Interrupted")
			os.Exit(130)
		}
		logger.Error("Command failed", zap.String("command", os.Args[1]), zap.Error(runErr))
		logger.Sync()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: backtest <run|montecarlo|walkforward|strategies> [-config file] [flags]")
}

// startMetricsServer exposes Prometheus metrics and a health probe for the
// lifetime of the command.
func (a *app) startMetricsServer() (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := a.metrics.Register(reg); err != nil {
		return nil, err
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              a.config.Metrics.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	a.logger.Info("Metrics server started", zap.String("addr", srv.Addr))
	return srv, nil
}

func setupLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encodeLevel := zapcore.CapitalColorLevelEncoder
	if format == "json" {
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	// Results go to stdout, so logs are written to stderr.
	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
