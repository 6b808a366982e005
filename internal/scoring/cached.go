package scoring

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheSize = 10_000
	DefaultCacheTTL  = time.Hour
)

// Cached wraps a scorer so concurrent identical requests share one call and
// repeated inputs get the same result back while cached. Entries are evicted
// least recently used beyond the size limit and dropped after the TTL.
// Failures are not cached.
type Cached struct {
	inner   Scorer
	group   singleflight.Group
	results *expirable.LRU[string, Result]
}

type cacheConfig struct {
	size int
	ttl  time.Duration
}

// CacheOption configures a Cached scorer.
type CacheOption func(*cacheConfig)

// WithCacheSize caps the number of cached results.
func WithCacheSize(n int) CacheOption {
	return func(c *cacheConfig) {
		if n > 0 {
			c.size = n
		}
	}
}

// WithCacheTTL sets how long a result is reused.
func WithCacheTTL(d time.Duration) CacheOption {
	return func(c *cacheConfig) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// NewCached wraps inner.
func NewCached(inner Scorer, opts ...CacheOption) *Cached {
	cfg := cacheConfig{size: DefaultCacheSize, ttl: DefaultCacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cached{inner: inner, results: expirable.NewLRU[string, Result](cfg.size, nil, cfg.ttl)}
}

// Len reports the number of cached results.
func (c *Cached) Len() int { return c.results.Len() }

func (c *Cached) Score(ctx context.Context, applicantID string, declaredIncome int64) (Result, error) {
	key := applicantID + ":" + strconv.FormatInt(declaredIncome, 10)

	if res, ok := c.results.Get(key); ok {
		return res, nil
	}

	// The shared call outlives any single waiter's cancellation; each caller
	// still stops waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		res, err := c.inner.Score(shared, applicantID, declaredIncome)
		if err != nil {
			return nil, err
		}
		c.results.Add(key, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}
