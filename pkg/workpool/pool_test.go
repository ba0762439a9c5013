package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunVisitsEveryIndex(t *testing.T) {
	for _, workers := range []int{1, 3, 0} {
		p := New(workers)
		seen := make([]int32, 100)
		err := p.Run(context.Background(), len(seen), func(_ context.Context, i int) error {
			atomic.AddInt32(&seen[i], 1)
			return nil
		})
		require.NoError(t, err)
		for i, c := range seen {
			assert.Equal(t, int32(1), c, "index %d with %d workers", i, workers)
		}
	}
}

func TestRunRespectsLimit(t *testing.T) {
	p := New(2)
	var running, peak int32
	err := p.Run(context.Background(), 50, func(_ context.Context, _ int) error {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		atomic.AddInt32(&running, -1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, int32(2))
}

func TestRunStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	p := New(1)
	var calls int32
	err := p.Run(context.Background(), 10, func(_ context.Context, i int) error {
		atomic.AddInt32(&calls, 1)
		if i == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, workers := range []int{1, 4} {
		var calls int32
		err := New(workers).Run(ctx, 10, func(_ context.Context, _ int) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(0), calls)
	}
}

func TestNilPool(t *testing.T) {
	var p *Pool
	assert.Equal(t, 1, p.Workers())
	sum := 0
	require.NoError(t, p.Run(context.Background(), 4, func(_ context.Context, i int) error {
		sum += i
		return nil
	}))
	assert.Equal(t, 6, sum)
}
