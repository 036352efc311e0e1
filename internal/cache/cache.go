package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/johnialexdch-dot/zamunda-api/internal/domain"
	"github.com/johnialexdch-dot/zamunda-api/internal/metrics"
)

const (
	DefaultTTL          = 60 * time.Minute
	DefaultReapInterval = 5 * time.Minute
	// DefaultComputeTimeout bounds a detached fill.
	DefaultComputeTimeout = 2 * time.Minute
)

// Key identifies a cached search. Credentials are not part of it.
type Key struct {
	Query          string
	WantDescriptor bool
	WantHash       bool
}

func (k Key) String() string {
	return strings.Join([]string{
		"q=" + strings.ToLower(strings.Join(strings.Fields(k.Query), " ")),
		"d=" + flag(k.WantDescriptor),
		"h=" + flag(k.WantHash),
	}, "|")
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Entry is a stored search response together with the time it was fetched.
type Entry struct {
	CreatedAt time.Time             `json:"createdAt"`
	Results   []domain.SearchResult `json:"results"`
}

// Backend is an optional second-level store shared between instances.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type ComputeFunc func(ctx context.Context) ([]domain.SearchResult, error)

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithReapInterval(interval time.Duration) Option {
	return func(c *Cache) {
		if interval > 0 {
			c.reapInterval = interval
		}
	}
}

func WithComputeTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		if timeout > 0 {
			c.computeTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithBackend(backend Backend) Option {
	return func(c *Cache) { c.backend = backend }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// Cache holds search responses for a fixed TTL measured from creation.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry

	ttl            time.Duration
	reapInterval   time.Duration
	computeTimeout time.Duration
	now            func() time.Time
	backend        Backend
	logger         zerolog.Logger

	group   singleflight.Group
	started atomic.Bool
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:        make(map[string]Entry),
		ttl:            DefaultTTL,
		reapInterval:   DefaultReapInterval,
		computeTimeout: DefaultComputeTimeout,
		now:            time.Now,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// GetOrCompute returns the cached results for key when they are younger
// than the TTL, and otherwise runs compute and stores its result. The
// boolean reports a hit. Compute errors are returned and never cached.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) ([]domain.SearchResult, bool, error) {
	id := key.String()
	if results, ok := c.lookup(ctx, id); ok {
		metrics.CacheHitsTotal.Inc()
		return results, true, nil
	}
	metrics.CacheMissesTotal.Inc()
	results, err := c.fill(ctx, id, compute)
	return results, false, err
}

// Refresh skips the lookup but still stores the fresh result.
func (c *Cache) Refresh(ctx context.Context, key Key, compute ComputeFunc) ([]domain.SearchResult, error) {
	return c.fill(ctx, key.String(), compute)
}

// Reap removes every entry whose age at now has reached the TTL and
// returns how many were removed.
func (c *Cache) Reap(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, entry := range c.entries {
		if !c.freshAt(entry, now) {
			delete(c.entries, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.CacheEvictionsTotal.Add(float64(removed))
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return removed
}

// Start launches the background reaper. Later calls are no-ops; the
// reaper exits when ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.runReaper(ctx)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) runReaper(ctx context.Context) {
	ticker := time.NewTicker(c.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Reap(c.now()); removed > 0 {
				c.logger.Debug().Int("removed", removed).Msg("cache reaper evicted expired entries")
			}
		}
	}
}

func (c *Cache) lookup(ctx context.Context, id string) ([]domain.SearchResult, bool) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[id]
	if ok && c.freshAt(entry, now) {
		c.mu.Unlock()
		return domain.CloneResults(entry.Results), true
	}
	if ok {
		delete(c.entries, id)
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()

	if c.backend == nil {
		return nil, false
	}
	entry, found, err := c.backend.Get(ctx, id)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache backend lookup failed")
		return nil, false
	}
	if !found {
		return nil, false
	}
	if !c.freshAt(entry, now) {
		if err := c.backend.Delete(ctx, id); err != nil {
			c.logger.Debug().Err(err).Msg("cache backend delete failed")
		}
		return nil, false
	}
	// Keep the stored creation time so a shared hit never extends expiry.
	c.mu.Lock()
	c.entries[id] = Entry{CreatedAt: entry.CreatedAt, Results: domain.CloneResults(entry.Results)}
	metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()
	return domain.CloneResults(entry.Results), true
}

// fill runs compute once per key across concurrent callers. The compute
// is detached from the caller and bounded by the compute timeout; a caller
// that gives up gets its context error while the fill carries on.
func (c *Cache) fill(ctx context.Context, id string, compute ComputeFunc) ([]domain.SearchResult, error) {
	var led atomic.Bool
	ch := c.group.DoChan(id, func() (any, error) {
		led.Store(true)
		return c.computeAndStore(ctx, id, compute)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil && !led.Load() {
			// The shared call ran with another caller's credentials.
			c.logger.Debug().Err(res.Err).Msg("shared search failed, computing for this caller")
			results, err := c.computeAndStore(ctx, id, compute)
			if err != nil {
				return nil, err
			}
			return domain.CloneResults(results), nil
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return domain.CloneResults(res.Val.([]domain.SearchResult)), nil
	}
}

func (c *Cache) computeAndStore(ctx context.Context, id string, compute ComputeFunc) ([]domain.SearchResult, error) {
	computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
	defer cancel()

	results, err := compute(computeCtx)
	if err != nil {
		return nil, err
	}
	c.store(computeCtx, id, results)
	return results, nil
}

func (c *Cache) store(ctx context.Context, id string, results []domain.SearchResult) {
	entry := Entry{CreatedAt: c.now(), Results: domain.CloneResults(results)}
	if entry.Results == nil {
		entry.Results = []domain.SearchResult{}
	}

	c.mu.Lock()
	c.entries[id] = entry
	metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if c.backend != nil {
		if err := c.backend.Set(ctx, id, entry, c.ttl); err != nil {
			c.logger.Warn().Err(err).Msg("cache backend store failed")
		}
	}
}

func (c *Cache) freshAt(entry Entry, now time.Time) bool {
	return now.Sub(entry.CreatedAt) < c.ttl
}
