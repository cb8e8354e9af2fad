package avatar

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/hotwellkz/wabridge/internal/bus"
	"github.com/hotwellkz/wabridge/internal/driver"
	"github.com/hotwellkz/wabridge/internal/lifecycle"
)

// Session is the slice of the lifecycle manager the cache depends on.
type Session interface {
	Healthy() bool
	Driver() driver.Driver
}

type entry struct {
	url       string
	fetchedAt time.Time
}

// Stats are the cache's running counters.
type Stats struct {
	Size    int   `json:"size"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Fetches int64 `json:"fetches"`
}

// Cache holds contact avatar URLs with a TTL. Expired or missing entries
// are fetched through the driver behind a singleflight group, so a burst
// of lookups for one contact costs one network call. When the session is
// unhealthy a stale entry is served if one exists; a cold miss fails fast
// with ErrSessionNotReady.
type Cache struct {
	session Session
	bus     *bus.Bus
	logger  *zap.Logger

	ttl          time.Duration
	fetchTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]entry
	hits    int64
	misses  int64
	fetches int64

	group singleflight.Group
	sem   *semaphore.Weighted

	cancel context.CancelFunc
	done   chan struct{}
}

// Options tune the cache.
type Options struct {
	TTL              time.Duration
	FetchTimeout     time.Duration
	BatchConcurrency int64
}

// NewCache creates an avatar cache.
func NewCache(session Session, b *bus.Bus, logger *zap.Logger, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 6 * time.Hour
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 4
	}
	return &Cache{
		session:      session,
		bus:          b,
		logger:       logger,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		entries:      make(map[string]entry),
		sem:          semaphore.NewWeighted(opts.BatchConcurrency),
		done:         make(chan struct{}),
	}
}

// Start subscribes to session events: a fresh account connection empties
// the cache, since avatars may belong to the previous identity's view.
func (c *Cache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe(bus.KindSessionAccountConnected, 16)

	go func() {
		defer close(c.done)
		defer unsub()
		for {
			select {
			case <-ch:
				c.InvalidateAll()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the event loop.
func (c *Cache) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Get returns the avatar URL for a contact, fetching on miss or expiry.
func (c *Cache) Get(ctx context.Context, contactID string) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[contactID]
	c.mu.RUnlock()

	fresh := ok && time.Since(e.fetchedAt) < c.ttl
	if fresh {
		c.count(&c.hits)
		return e.url, nil
	}
	c.count(&c.misses)

	if !c.session.Healthy() {
		if ok {
			// Stale beats nothing while the session is down.
			return e.url, nil
		}
		return "", lifecycle.ErrSessionNotReady
	}

	url, err, _ := c.group.Do(contactID, func() (any, error) {
		return c.fetch(ctx, contactID)
	})
	if err != nil {
		if ok {
			return e.url, nil
		}
		return "", err
	}
	return url.(string), nil
}

// GetBatch resolves avatars for many contacts, fetching misses in parallel
// under the concurrency bound. Failed contacts are simply absent from the
// result.
func (c *Cache) GetBatch(ctx context.Context, contactIDs []string) map[string]string {
	out := make(map[string]string, len(contactIDs))
	var outMu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range contactIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer c.sem.Release(1)

			url, err := c.Get(ctx, id)
			if err != nil {
				c.logger.Debug("avatar fetch failed", zap.String("contact", id), zap.Error(err))
				return
			}
			outMu.Lock()
			out[id] = url
			outMu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

// InvalidateAll empties the cache and broadcasts the invalidation so web
// clients drop their copies too.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]entry)
	c.mu.Unlock()

	c.logger.Info("avatar cache invalidated", zap.Int("entries", n))
	c.bus.Emit(bus.KindAvatarCacheInvalidated, n)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Size:    len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
		Fetches: c.fetches,
	}
}

func (c *Cache) fetch(ctx context.Context, contactID string) (string, error) {
	drv := c.session.Driver()
	if drv == nil {
		return "", lifecycle.ErrSessionNotReady
	}
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	c.count(&c.fetches)
	url, err := drv.FetchAvatar(ctx, contactID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[contactID] = entry{url: url, fetchedAt: time.Now()}
	c.mu.Unlock()
	return url, nil
}

func (c *Cache) count(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}
