package weather

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ycchou/chatrelay/internal/models"
	"github.com/ycchou/chatrelay/internal/observability"
)

// Persister is the slice of the KV store the cache writes through to.
// Failures are logged and swallowed; in-memory state stays authoritative.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap models.WeatherSnapshot) error
	SaveSubscribers(ctx context.Context, users []string) error
	LoadSubscribers(ctx context.Context) ([]string, error)
}

// cached pairs a snapshot with its fetch instant for TTL decisions.
type cached struct {
	snap      models.WeatherSnapshot
	fetchedAt time.Time
}

// Cache holds the single current snapshot with a TTL and owns the daily
// broadcast subscriber set. The snapshot is an atomic pointer that is only
// ever replaced whole, so the message loop and the broadcast loop can race
// on it without a lock; at most one redundant concurrent fetch is accepted.
type Cache struct {
	provider Provider
	persist  Persister
	logger   *zap.Logger
	ttl      time.Duration
	clock    func() time.Time

	current atomic.Pointer[cached]

	mu   sync.Mutex
	subs map[string]struct{}
}

// NewCache builds the cache and loads the persisted subscriber set once.
// A load failure starts with an empty set rather than failing startup.
func NewCache(ctx context.Context, provider Provider, persist Persister, ttl time.Duration, logger *zap.Logger, clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	c := &Cache{
		provider: provider,
		persist:  persist,
		logger:   logger,
		ttl:      ttl,
		clock:    clock,
		subs:     make(map[string]struct{}),
	}
	if persist != nil {
		users, err := persist.LoadSubscribers(ctx)
		if err != nil {
			logger.Warn("load subscribers failed, starting empty", zap.Error(err))
		}
		for _, u := range users {
			c.subs[u] = struct{}{}
		}
	}
	return c
}

// Seed installs a snapshot recovered from the store, marked already
// stale. Cached serves it immediately after a restart while the first
// Current call still fetches fresh conditions.
func (c *Cache) Seed(snap models.WeatherSnapshot) {
	c.current.Store(&cached{snap: snap})
}

// Current returns the cached snapshot while it is within the TTL,
// otherwise fetches a fresh one.
func (c *Cache) Current(ctx context.Context) (models.WeatherSnapshot, error) {
	if entry := c.current.Load(); entry != nil {
		if c.clock().Sub(entry.fetchedAt) <= c.ttl {
			observability.WeatherCacheHitsTotal.Inc()
			return entry.snap, nil
		}
	}
	return c.Refresh(ctx)
}

// Refresh always fetches a fresh snapshot, replaces the cache, and writes
// it through to the store. Store failures never fail the fetch.
func (c *Cache) Refresh(ctx context.Context) (models.WeatherSnapshot, error) {
	snap, err := c.provider.FetchCurrent(ctx)
	if err != nil {
		return models.WeatherSnapshot{}, err
	}

	c.current.Store(&cached{snap: snap, fetchedAt: c.clock()})

	if c.persist != nil {
		if err := c.persist.SaveSnapshot(ctx, snap); err != nil {
			observability.StoreErrorsTotal.WithLabelValues("save_snapshot").Inc()
			c.logger.Warn("persist weather snapshot failed", zap.Error(err))
		}
	}
	return snap, nil
}

// Cached returns the in-memory snapshot regardless of freshness, for the
// ops endpoint. ok is false before the first successful fetch.
func (c *Cache) Cached() (models.WeatherSnapshot, bool) {
	entry := c.current.Load()
	if entry == nil {
		return models.WeatherSnapshot{}, false
	}
	return entry.snap, true
}

// Subscribe adds a user to the broadcast set. Returns false when the user
// was already subscribed; the mutation is idempotent either way.
func (c *Cache) Subscribe(ctx context.Context, userID string) bool {
	c.mu.Lock()
	_, exists := c.subs[userID]
	if !exists {
		c.subs[userID] = struct{}{}
	}
	users := c.subscriberList()
	c.mu.Unlock()

	if !exists {
		c.persistSubscribers(ctx, users)
	}
	return !exists
}

// Unsubscribe removes a user from the broadcast set. Returns false when
// the user was not subscribed.
func (c *Cache) Unsubscribe(ctx context.Context, userID string) bool {
	c.mu.Lock()
	_, exists := c.subs[userID]
	if exists {
		delete(c.subs, userID)
	}
	users := c.subscriberList()
	c.mu.Unlock()

	if exists {
		c.persistSubscribers(ctx, users)
	}
	return exists
}

// Subscribers returns a sorted copy of the current subscriber set.
func (c *Cache) Subscribers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriberList()
}

// subscriberList snapshots the set. Caller must hold mu.
func (c *Cache) subscriberList() []string {
	users := make([]string, 0, len(c.subs))
	for u := range c.subs {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (c *Cache) persistSubscribers(ctx context.Context, users []string) {
	if c.persist == nil {
		return
	}
	if err := c.persist.SaveSubscribers(ctx, users); err != nil {
		observability.StoreErrorsTotal.WithLabelValues("save_subscribers").Inc()
		c.logger.Warn("persist subscribers failed", zap.Error(err))
	}
}
