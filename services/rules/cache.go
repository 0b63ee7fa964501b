package rules

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "reward_rule_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "reward_rule_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

type cachedRule struct {
	rule      *RewardRule
	fetchedAt time.Time
}

// Cache keeps resolved rules keyed by activity type, with a TTL backstop and
// eager invalidation on writes. singleflight collapses concurrent misses into
// one database fetch per activity type.
type Cache struct {
	mu    sync.RWMutex
	items map[string]*cachedRule
	ttl   time.Duration
	group singleflight.Group
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[string]*cachedRule),
		ttl:   ttl,
	}
}

func (c *Cache) Get(activityType string) (*RewardRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[activityType]
	if !ok || (c.ttl > 0 && time.Since(v.fetchedAt) > c.ttl) {
		cacheMiss.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return v.rule, true
}

func (c *Cache) Set(activityType string, rule *RewardRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[activityType] = &cachedRule{rule: rule, fetchedAt: time.Now()}
}

func (c *Cache) Invalidate(activityType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, activityType)
}

// Fetch returns the cached rule or loads it via fn, collapsing concurrent
// loads for the same activity type.
func (c *Cache) Fetch(activityType string, fn func() (*RewardRule, error)) (*RewardRule, error) {
	if rule, ok := c.Get(activityType); ok {
		return rule, nil
	}

	v, err, _ := c.group.Do(activityType, func() (any, error) {
		rule, err := fn()
		if err != nil {
			return nil, err
		}
		if rule != nil {
			c.Set(activityType, rule)
		}
		return rule, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RewardRule), nil
}
