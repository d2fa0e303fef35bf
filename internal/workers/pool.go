// Package workers provides bounded parallel execution for independent,
// index-addressed tasks such as Monte Carlo trials and grid evaluations.
// Results are written by index, so output never depends on scheduling.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TaskFunc processes the task at index i
type TaskFunc func(ctx context.Context, i int) error

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name          string // Pool name for logging
	NumWorkers    int    // Maximum concurrent tasks; <= 0 means NumCPU
	PanicRecovery bool   // Convert task panics into *PanicError
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:          name,
		NumWorkers:    runtime.NumCPU(),
		PanicRecovery: true,
	}
}

// PoolMetrics tracks pool activity across runs
type PoolMetrics struct {
	TasksSubmitted atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	PanicRecovered atomic.Int64
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64 `json:"tasks_submitted"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	PanicRecovered int64 `json:"panic_recovered"`
}

// Pool runs batches of tasks with bounded concurrency
type Pool struct {
	logger  *zap.Logger
	config  *PoolConfig
	metrics *PoolMetrics
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	return &Pool{
		logger:  logger.Named("workers").With(zap.String("pool", config.Name)),
		config:  config,
		metrics: &PoolMetrics{},
	}
}

// Workers returns the concurrency limit
func (p *Pool) Workers() int {
	return p.config.NumWorkers
}

// Run executes fn for every index in [0, n). The first error cancels the
// context passed to the remaining tasks and is returned once all started
// tasks have finished. Cancellation of ctx stops scheduling new tasks.
func (p *Pool) Run(ctx context.Context, n int, fn TaskFunc) error {
	if n <= 0 {
		return nil
	}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.NumWorkers)

	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		p.metrics.TasksSubmitted.Add(1)
		g.Go(func() error {
			return p.execute(gctx, i, fn)
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	p.logger.Debug("batch complete",
		zap.Int("tasks", n),
		zap.Int("workers", p.config.NumWorkers),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return err
}

// execute runs a single task with optional panic recovery
func (p *Pool) execute(ctx context.Context, i int, fn TaskFunc) (err error) {
	if p.config.PanicRecovery {
		defer func() {
			if r := recover(); r != nil {
				p.metrics.PanicRecovered.Add(1)
				p.logger.Error("worker recovered from panic",
					zap.Int("task", i),
					zap.Any("panic", r),
				)
				err = &PanicError{Task: i, Recovered: r}
			}
			p.record(err)
		}()
	} else {
		defer func() { p.record(err) }()
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, i)
}

func (p *Pool) record(err error) {
	if err != nil {
		p.metrics.TasksFailed.Add(1)
		return
	}
	p.metrics.TasksCompleted.Add(1)
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: p.metrics.TasksSubmitted.Load(),
		TasksCompleted: p.metrics.TasksCompleted.Load(),
		TasksFailed:    p.metrics.TasksFailed.Load(),
		PanicRecovered: p.metrics.PanicRecovered.Load(),
	}
}

// Map runs fn for every index in [0, n) and returns the results in index
// order.
func Map[T any](ctx context.Context, p *Pool, n int, fn func(ctx context.Context, i int) (T, error)) ([]T, error) {
	out := make([]T, n)
	err := p.Run(ctx, n, func(ctx context.Context, i int) error {
		v, err := fn(ctx, i)
		if err != nil {
			return err
		}
		out[i] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PanicError represents a recovered panic
type PanicError struct {
	Task      int
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered in task %d: %v", e.Task, e.Recovered)
}
