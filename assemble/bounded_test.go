package assemble

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBoundedKeepsOrderAndErrors(t *testing.T) {
	tasks := make([]Task[int], 6)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) (int, error) {
			// finish in reverse order
			time.Sleep(time.Duration(len(tasks)-i) * time.Millisecond)
			if i%2 == 1 {
				return 0, fmt.Errorf("task %d failed", i)
			}
			return i * 10, nil
		}
	}

	results := RunBounded(context.Background(), tasks, 3)
	require.Len(t, results, 6)
	for i, r := range results {
		if i%2 == 1 {
			assert.EqualError(t, r.Err, fmt.Sprintf("task %d failed", i))
			continue
		}
		assert.NoError(t, r.Err)
		assert.Equal(t, i*10, r.Value)
	}
}

func TestRunBoundedRespectsLimit(t *testing.T) {
	var running, peak atomic.Int32
	tasks := make([]Task[struct{}], 20)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) (struct{}, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return struct{}{}, nil
		}
	}

	RunBounded(context.Background(), tasks, 5)
	assert.LessOrEqual(t, peak.Load(), int32(5))
	assert.GreaterOrEqual(t, peak.Load(), int32(2))
}

func TestRunBoundedFasterThanSerial(t *testing.T) {
	const delay = 50 * time.Millisecond
	tasks := make([]Task[int], 10)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) (int, error) {
			time.Sleep(delay)
			return i, nil
		}
	}

	start := time.Now()
	results := RunBounded(context.Background(), tasks, 5)
	elapsed := time.Since(start)

	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, i, r.Value)
	}
	// two waves of five
	assert.Less(t, elapsed, 10*delay*8/10, "bounded run took %v", elapsed)
}

func TestRunBoundedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	tasks := []Task[int]{
		func(context.Context) (int, error) { ran.Add(1); return 1, nil },
		func(context.Context) (int, error) { ran.Add(1); return 2, nil },
	}
	results := RunBounded(ctx, tasks, 2)
	for _, r := range results {
		assert.True(t, errors.Is(r.Err, context.Canceled))
	}
	assert.Zero(t, ran.Load())
}

func TestRunBoundedNonPositiveLimit(t *testing.T) {
	tasks := []Task[string]{
		func(context.Context) (string, error) { return "a", nil },
		func(context.Context) (string, error) { return "b", nil },
	}
	results := RunBounded(context.Background(), tasks, 0)
	assert.Equal(t, "a", results[0].Value)
	assert.Equal(t, "b", results[1].Value)
	assert.Empty(t, RunBounded[int](context.Background(), nil, 3))
}
