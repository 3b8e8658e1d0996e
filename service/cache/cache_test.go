package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/solmarket/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(maxEntries int) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(maxEntries, WithClock(clock.Now), WithMetrics(metrics.NewMetrics(prometheus.NewRegistry())))
	return m, clock
}

func countingProducer(calls *int32, value any) Producer {
	return func(ctx context.Context) (any, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestGetOrCompute_HitWithinTTL(t *testing.T) {
	m, clock := newTestManager(10)
	ctx := context.Background()
	var calls int32

	v, err := m.GetOrCompute(ctx, "price:SOL", 5*time.Minute, countingProducer(&calls, 101.5))
	require.NoError(t, err)
	assert.Equal(t, 101.5, v)

	clock.Advance(4 * time.Minute)
	v, err = m.GetOrCompute(ctx, "price:SOL", 5*time.Minute, countingProducer(&calls, 999.0))
	require.NoError(t, err)
	assert.Equal(t, 101.5, v, "should return the stored value")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrCompute_ExpiresAfterTTL(t *testing.T) {
	m, clock := newTestManager(10)
	ctx := context.Background()
	var calls int32

	_, err := m.GetOrCompute(ctx, "k", time.Minute, countingProducer(&calls, 1))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	v, err := m.GetOrCompute(ctx, "k", time.Minute, countingProducer(&calls, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetOrCompute_PartitionsByTTL(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()
	var calls int32

	_, err := m.GetOrCompute(ctx, "k", time.Minute, countingProducer(&calls, "a"))
	require.NoError(t, err)
	v, err := m.GetOrCompute(ctx, "k", 5*time.Minute, countingProducer(&calls, "b"))
	require.NoError(t, err)

	assert.Equal(t, "b", v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, m.Len(time.Minute))
	assert.Equal(t, 1, m.Len(5*time.Minute))
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()
	boom := errors.New("upstream 503")

	_, err := m.GetOrCompute(ctx, "k", time.Minute, func(ctx context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Len(time.Minute))

	var calls int32
	v, err := m.GetOrCompute(ctx, "k", time.Minute, countingProducer(&calls, "ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(1), calls)
}

func TestGetOrCompute_EvictsLeastRecentlyUsed(t *testing.T) {
	m, _ := newTestManager(2)
	ctx := context.Background()
	var calls int32

	for _, k := range []string{"a", "b"} {
		_, err := m.GetOrCompute(ctx, k, time.Minute, countingProducer(&calls, k))
		require.NoError(t, err)
	}
	// touch "a" so "b" becomes the oldest
	_, err := m.GetOrCompute(ctx, "a", time.Minute, countingProducer(&calls, "x"))
	require.NoError(t, err)
	_, err = m.GetOrCompute(ctx, "c", time.Minute, countingProducer(&calls, "c"))
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len(time.Minute))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	v, err := m.GetOrCompute(ctx, "b", time.Minute, countingProducer(&calls, "b2"))
	require.NoError(t, err)
	assert.Equal(t, "b2", v, "b should have been evicted")
}

func TestGetOrCompute_ConcurrentMissesShareProducer(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.GetOrCompute(ctx, "k", time.Minute, producer)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, "v", v)
	}
}

func TestMemoize(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()

	got, err := Memoize(ctx, m, "tps", 30*time.Second, func(ctx context.Context) (float64, error) {
		return 2841.5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2841.5, got)

	_, err = Memoize(ctx, m, "tps", 30*time.Second, func(ctx context.Context) (string, error) {
		return "wrong", nil
	})
	assert.Error(t, err, "stored float64 should not satisfy a string lookup")
}

func TestInvalidate(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()
	var calls int32

	_, _ = m.GetOrCompute(ctx, "k", time.Minute, countingProducer(&calls, 1))
	m.Invalidate("k", time.Minute)
	_, _ = m.GetOrCompute(ctx, "k", time.Minute, countingProducer(&calls, 2))

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetOrCompute_RejectsNonPositiveTTL(t *testing.T) {
	m, _ := newTestManager(10)
	_, err := m.GetOrCompute(context.Background(), "k", 0, countingProducer(new(int32), 1))
	assert.Error(t, err)
}

func TestGetOrCompute_CancelledCallerDoesNotFailOthers(t *testing.T) {
	m, _ := newTestManager(10)

	release := make(chan struct{})
	started := make(chan struct{})
	producer := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return "v", nil
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.GetOrCompute(firstCtx, "k", time.Minute, producer)
		firstErr <- err
	}()
	<-started

	second := make(chan any, 1)
	go func() {
		v, err := m.GetOrCompute(context.Background(), "k", time.Minute, producer)
		assert.NoError(t, err)
		second <- v
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	assert.Equal(t, "v", <-second)
	assert.Equal(t, 1, m.Len(time.Minute))
}

func TestGetOrCompute_ProducerTimeout(t *testing.T) {
	m := NewManager(10, WithProducerTimeout(20*time.Millisecond))

	_, err := m.GetOrCompute(context.Background(), "slow", time.Minute, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.Len(time.Minute))
}
