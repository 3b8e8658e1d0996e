// Package cache memoizes external lookups (prices, balances, network stats)
// for a bounded time window. Entries live in one partition per TTL, so the
// same key cached under two TTLs never collides.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/solmarket/service/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxEntries bounds each partition when no explicit size is given.
	DefaultMaxEntries = 200
	// DefaultProducerTimeout bounds a shared producer call.
	DefaultProducerTimeout = 30 * time.Second
)

// Producer computes a value on a cache miss.
type Producer func(ctx context.Context) (any, error)

type entry struct {
	value    any
	storedAt time.Time
}

// partition is a size-bounded LRU whose entries expire ttl after being stored.
type partition = expirable.LRU[string, entry]

// Manager owns every TTL partition. It is constructed at startup and passed to
// the components that read external data.
type Manager struct {
	mu         sync.Mutex
	partitions map[time.Duration]*partition
	maxEntries int

	group           singleflight.Group
	producerTimeout time.Duration
	now             func() time.Time
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records hits, misses and evictions.
func WithMetrics(mc *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mc }
}

// WithProducerTimeout bounds how long a shared producer call may run.
func WithProducerTimeout(d time.Duration) Option {
	return func(m *Manager) { m.producerTimeout = d }
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager whose partitions each hold at most maxEntries
// values. A non-positive maxEntries falls back to DefaultMaxEntries.
func NewManager(maxEntries int, opts ...Option) *Manager {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	m := &Manager{
		partitions: make(map[time.Duration]*partition),
		maxEntries:      maxEntries,
		producerTimeout: DefaultProducerTimeout,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "cache")
	return m
}

// GetOrCompute returns the value stored under key in the ttl partition if it
// was computed less than ttl ago. Otherwise it calls producer, stores the
// result and returns it. Producer errors are returned and nothing is stored.
// Concurrent misses for the same (ttl, key) share one producer call. The
// shared call outlives any single caller's cancellation; each caller stops
// waiting when its own ctx is done.
func (m *Manager) GetOrCompute(ctx context.Context, key string, ttl time.Duration, producer Producer) (any, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache: ttl must be positive, got %s", ttl)
	}

	p := m.partition(ttl)
	label := ttl.String()

	if v, ok := m.lookup(p, key, ttl); ok {
		m.record(label, "hit")
		return v, nil
	}

	ch := m.group.DoChan(label+"|"+key, func() (any, error) {
		// Another caller may have filled the entry while we queued.
		if v, ok := m.lookup(p, key, ttl); ok {
			return v, nil
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.producerTimeout)
		defer cancel()
		v, err := producer(pctx)
		if err != nil {
			return nil, err
		}
		if p.Add(key, entry{value: v, storedAt: m.now()}) {
			m.logger.Debug("evicted cache entry to make room", "partition", label, "added", key)
			if m.metrics != nil {
				m.metrics.RecordCacheEviction(label)
			}
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			m.record(label, "error")
			return nil, res.Err
		}
		m.record(label, "miss")
		return res.Val, nil
	}
}

// Memoize is the typed form of GetOrCompute.
func Memoize[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, producer func(ctx context.Context) (T, error)) (T, error) {
	v, err := m.GetOrCompute(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return producer(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: key %q holds %T, not %T", key, v, zero)
	}
	return t, nil
}

// Invalidate drops key from the ttl partition.
func (m *Manager) Invalidate(key string, ttl time.Duration) {
	m.partition(ttl).Remove(key)
}

// Len reports how many entries the ttl partition holds, including expired
// entries that have not been swept yet.
func (m *Manager) Len(ttl time.Duration) int {
	return m.partition(ttl).Len()
}

// lookup returns the value under key unless it is older than ttl by m.now.
func (m *Manager) lookup(p *partition, key string, ttl time.Duration) (any, bool) {
	e, ok := p.Get(key)
	if !ok {
		return nil, false
	}
	if m.now().Sub(e.storedAt) >= ttl {
		p.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (m *Manager) partition(ttl time.Duration) *partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[ttl]
	if !ok {
		p = expirable.NewLRU[string, entry](m.maxEntries, nil, ttl)
		m.partitions[ttl] = p
	}
	return p
}

func (m *Manager) record(partition, result string) {
	if m.metrics != nil {
		m.metrics.RecordCacheLookup(partition, result)
	}
}
