package workers_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/atlas-desktop/backtest-core/internal/workers"
	"go.uber.org/zap"
)

func newPool(n int) *workers.Pool {
	cfg := workers.DefaultPoolConfig("test")
	cfg.NumWorkers = n
	return workers.NewPool(zap.NewNop(), cfg)
}

func TestMapPreservesIndexOrder(t *testing.T) {
	for _, n := range []int{1, 3, 16} {
		out, err := workers.Map(context.Background(), newPool(n), 100, func(_ context.Context, i int) (int, error) {
			return i * i, nil
		})
		if err != nil {
			t.Fatalf("workers=%d: %v", n, err)
		}
		for i, v := range out {
			if v != i*i {
				t.Fatalf("workers=%d: out[%d] = %d", n, i, v)
			}
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	pool := newPool(2)
	err := pool.Run(context.Background(), 50, func(_ context.Context, _ int) error {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		active.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
	if stats := pool.Stats(); stats.TasksCompleted != 50 {
		t.Errorf("completed = %d, want 50", stats.TasksCompleted)
	}
}

func TestRunReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := newPool(4).Run(context.Background(), 20, func(_ context.Context, i int) error {
		if i == 7 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	pool := newPool(2)
	err := pool.Run(context.Background(), 5, func(_ context.Context, i int) error {
		if i == 3 {
			panic("bad task")
		}
		return nil
	})
	var perr *workers.PanicError
	if !errors.As(err, &perr) || perr.Task != 3 {
		t.Fatalf("err = %v, want PanicError for task 3", err)
	}
	if got := pool.Stats().PanicRecovered; got != 1 {
		t.Errorf("panics = %d, want 1", got)
	}
}

func TestRunHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32
	err := newPool(2).Run(ctx, 10, func(_ context.Context, _ int) error {
		ran.Add(1)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if ran.Load() != 0 {
		t.Errorf("%d tasks ran after cancellation", ran.Load())
	}
}
