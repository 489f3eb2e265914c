package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type transientErr struct{}

func (transientErr) Error() string   { return "flaky" }
func (transientErr) Transient() bool { return true }

// drainUntil pumps completions like a tick loop until want callbacks ran.
func drainUntil(t *testing.T, c *Coordinator, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	got := 0
	for got < want {
		if time.Now().After(deadline) {
			t.Fatalf("drained %d of %d completions", got, want)
		}
		got += c.Drain(0)
		time.Sleep(time.Millisecond)
	}
}

func TestSameKeyRunsInOrder(t *testing.T) {
	c := New(Config{Workers: 8}, nil, nil)
	defer c.Close(context.Background())

	var mu sync.Mutex
	var order []int
	var running atomic.Int32
	var overlap atomic.Bool
	var results []int

	for i := 0; i < 200; i++ {
		i := i
		err := c.Submit("player-1", func(ctx context.Context) (any, error) {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}, func(comp Completion) {
			results = append(results, comp.Value.(int))
		})
		require.NoError(t, err)
	}
	drainUntil(t, c, 200)

	require.False(t, overlap.Load(), "jobs of one key overlapped")
	for i := range order {
		require.Equal(t, i, order[i])
		require.Equal(t, i, results[i])
	}
}

func TestDistinctKeysRunInParallel(t *testing.T) {
	c := New(Config{Workers: 4}, nil, nil)
	defer c.Close(context.Background())

	gate := make(chan struct{})
	var started sync.WaitGroup
	started.Add(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Submit(fmt.Sprintf("k%d", i), func(ctx context.Context) (any, error) {
			started.Done()
			<-gate
			return nil, nil
		}, func(Completion) {}))
	}
	waited := make(chan struct{})
	go func() { started.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("distinct keys did not run concurrently")
	}
	close(gate)
	drainUntil(t, c, 4)
}

func TestBackpressureAndClosed(t *testing.T) {
	c := New(Config{Workers: 1, MaxPending: 2}, nil, nil)
	gate := make(chan struct{})
	block := func(ctx context.Context) (any, error) { <-gate; return nil, nil }

	require.NoError(t, c.Submit("a", block, nil))
	require.NoError(t, c.Submit("b", block, nil))
	require.ErrorIs(t, c.Submit("c", block, nil), ErrBackpressure)
	require.Equal(t, 2, c.Pending())

	close(gate)
	require.NoError(t, c.Close(context.Background()))
	require.Equal(t, 0, c.Pending())
	require.ErrorIs(t, c.Submit("a", block, nil), ErrClosed)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	c := New(Config{Workers: 1, RetryAttempts: 3, RetryBackoff: time.Millisecond}, nil, nil)
	defer c.Close(context.Background())

	var calls atomic.Int32
	var comp Completion
	require.NoError(t, c.Submit("k", func(ctx context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("store: %w", transientErr{})
		}
		return "ok", nil
	}, func(cc Completion) { comp = cc }))
	drainUntil(t, c, 1)

	require.NoError(t, comp.Err)
	require.Equal(t, "ok", comp.Value)
	require.Equal(t, 3, comp.Attempts)
}

func TestPermanentErrorNotRetried(t *testing.T) {
	c := New(Config{Workers: 1, RetryAttempts: 3, RetryBackoff: time.Millisecond}, nil, nil)
	defer c.Close(context.Background())

	boom := errors.New("insufficient funds")
	var calls atomic.Int32
	var comp Completion
	require.NoError(t, c.Submit("k", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}, func(cc Completion) { comp = cc }))
	drainUntil(t, c, 1)

	require.ErrorIs(t, comp.Err, boom)
	require.Equal(t, int32(1), calls.Load())
}

func TestTimeoutAndRetryCeiling(t *testing.T) {
	c := New(Config{Workers: 1, JobTimeout: 10 * time.Millisecond, RetryAttempts: 2, RetryBackoff: time.Millisecond}, nil, nil)
	defer c.Close(context.Background())

	var comp Completion
	require.NoError(t, c.Submit("k", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, func(cc Completion) { comp = cc }))
	drainUntil(t, c, 1)

	require.ErrorIs(t, comp.Err, context.DeadlineExceeded)
	require.Equal(t, 3, comp.Attempts)
}

func TestJobOptionsOverrideConfig(t *testing.T) {
	c := New(Config{Workers: 1, JobTimeout: 5 * time.Millisecond, RetryAttempts: 3, RetryBackoff: time.Millisecond}, nil, nil)
	defer c.Close(context.Background())

	var slow, once Completion
	require.NoError(t, c.Submit("slow", func(ctx context.Context) (any, error) {
		select {
		case <-time.After(30 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, func(cc Completion) { slow = cc }, WithTimeout(time.Second)))
	require.NoError(t, c.Submit("once", func(ctx context.Context) (any, error) {
		return nil, transientErr{}
	}, func(cc Completion) { once = cc }, WithoutRetry()))
	drainUntil(t, c, 2)

	require.NoError(t, slow.Err)
	require.Equal(t, "done", slow.Value)
	require.Equal(t, 1, once.Attempts)
	require.ErrorIs(t, once.Err, transientErr{})
}

func TestPanicsBecomeErrors(t *testing.T) {
	c := New(Config{Workers: 1}, nil, nil)
	defer c.Close(context.Background())

	var comp Completion
	require.NoError(t, c.Submit("k", func(ctx context.Context) (any, error) {
		panic("kaboom")
	}, func(cc Completion) { comp = cc }))
	require.NoError(t, c.Submit("k", func(ctx context.Context) (any, error) {
		return 1, nil
	}, func(Completion) { panic("callback kaboom") }))
	drainUntil(t, c, 2)

	require.ErrorContains(t, comp.Err, "kaboom")
}

func TestCloseTimesOutOnStuckJob(t *testing.T) {
	c := New(Config{Workers: 1, JobTimeout: time.Hour}, nil, nil)
	require.NoError(t, c.Submit("k", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)
}

func TestDrainRespectsMax(t *testing.T) {
	c := New(Config{Workers: 2}, nil, nil)
	defer c.Close(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Submit(fmt.Sprint(i), func(ctx context.Context) (any, error) { return nil, nil }, func(Completion) {}))
	}
	require.Eventually(t, func() bool { return c.Pending() == 0 }, 5*time.Second, time.Millisecond)
	require.Equal(t, 3, c.Drain(3))
	require.Equal(t, 7, c.Drain(0))
}
