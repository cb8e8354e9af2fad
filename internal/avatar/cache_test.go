package avatar

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hotwellkz/wabridge/internal/bus"
	"github.com/hotwellkz/wabridge/internal/driver"
	"github.com/hotwellkz/wabridge/internal/lifecycle"
	"github.com/hotwellkz/wabridge/internal/model"
)

type fetchDriver struct {
	fetch func(ctx context.Context, jid string) (string, error)
}

func (d *fetchDriver) Initialize(ctx context.Context) error { return nil }
func (d *fetchDriver) Destroy()                             {}
func (d *fetchDriver) Logout(ctx context.Context) error     { return nil }
func (d *fetchDriver) SendText(ctx context.Context, jid, body string) (string, error) {
	return "", errors.New("not implemented")
}
func (d *fetchDriver) SendMedia(ctx context.Context, jid string, media driver.OutboundMedia) (string, error) {
	return "", errors.New("not implemented")
}
func (d *fetchDriver) DownloadMedia(ctx context.Context, msg *driver.RawMessage) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (d *fetchDriver) FetchAvatar(ctx context.Context, jid string) (string, error) {
	return d.fetch(ctx, jid)
}
func (d *fetchDriver) IsConnected() bool { return true }
func (d *fetchDriver) IsLoggedIn() bool  { return true }
func (d *fetchDriver) Identity(ctx context.Context) (model.Identity, error) {
	return model.Identity{}, nil
}
func (d *fetchDriver) SetHandler(h driver.Handler) {}

type fakeSession struct {
	healthy atomic.Bool
	drv     driver.Driver
}

func (s *fakeSession) Healthy() bool         { return s.healthy.Load() }
func (s *fakeSession) Driver() driver.Driver { return s.drv }

func newFixture(t *testing.T, fetch func(ctx context.Context, jid string) (string, error)) (*Cache, *fakeSession, *bus.Bus) {
	t.Helper()
	sess := &fakeSession{drv: &fetchDriver{fetch: fetch}}
	sess.healthy.Store(true)
	b := bus.New()
	c := NewCache(sess, b, zap.NewNop(), Options{
		TTL:              time.Hour,
		FetchTimeout:     time.Second,
		BatchConcurrency: 2,
	})
	return c, sess, b
}

func TestGetCachesWithinTTL(t *testing.T) {
	var calls atomic.Int64
	c, _, _ := newFixture(t, func(ctx context.Context, jid string) (string, error) {
		calls.Add(1)
		return "https://avatar/" + jid, nil
	})

	for i := 0; i < 3; i++ {
		url, err := c.Get(context.Background(), "alice@s")
		if err != nil {
			t.Fatal(err)
		}
		if url != "https://avatar/alice@s" {
			t.Errorf("url = %s", url)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("driver fetched %d times, want 1", got)
	}

	stats := c.Stats()
	if stats.Size != 1 || stats.Hits != 2 || stats.Misses != 1 || stats.Fetches != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestConcurrentGetsShareOneFetch(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	c, _, _ := newFixture(t, func(ctx context.Context, jid string) (string, error) {
		calls.Add(1)
		<-release
		return "https://avatar/x", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "alice@s"); err != nil {
				t.Error(err)
			}
		}()
	}
	// Give the goroutines a moment to pile onto the singleflight key.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("driver fetched %d times, want 1 in-flight fetch", got)
	}
}

func TestUnhealthyServesStale(t *testing.T) {
	c, sess, _ := newFixture(t, func(ctx context.Context, jid string) (string, error) {
		return "https://avatar/fresh", nil
	})
	if _, err := c.Get(context.Background(), "alice@s"); err != nil {
		t.Fatal(err)
	}

	sess.healthy.Store(false)
	// Expire the entry.
	c.mu.Lock()
	e := c.entries["alice@s"]
	e.fetchedAt = time.Now().Add(-2 * time.Hour)
	c.entries["alice@s"] = e
	c.mu.Unlock()

	url, err := c.Get(context.Background(), "alice@s")
	if err != nil {
		t.Fatalf("stale entry should be served while unhealthy: %v", err)
	}
	if url != "https://avatar/fresh" {
		t.Errorf("url = %s", url)
	}
}

func TestUnhealthyColdMissFailsFast(t *testing.T) {
	c, sess, _ := newFixture(t, func(ctx context.Context, jid string) (string, error) {
		t.Error("driver must not be called while unhealthy")
		return "", nil
	})
	sess.healthy.Store(false)

	if _, err := c.Get(context.Background(), "unknown@s"); !errors.Is(err, lifecycle.ErrSessionNotReady) {
		t.Errorf("err = %v, want ErrSessionNotReady", err)
	}
}

func TestGetBatch(t *testing.T) {
	var calls atomic.Int64
	c, _, _ := newFixture(t, func(ctx context.Context, jid string) (string, error) {
		calls.Add(1)
		if jid == "broken@s" {
			return "", errors.New("no avatar")
		}
		return "https://avatar/" + jid, nil
	})

	got := c.GetBatch(context.Background(), []string{"a@s", "b@s", "c@s", "broken@s"})
	if len(got) != 3 {
		t.Errorf("batch = %v", got)
	}
	if got["a@s"] != "https://avatar/a@s" {
		t.Errorf("a@s = %s", got["a@s"])
	}
	if calls.Load() != 4 {
		t.Errorf("fetches = %d, want 4", calls.Load())
	}
}

func TestInvalidateAllBroadcasts(t *testing.T) {
	c, _, b := newFixture(t, func(ctx context.Context, jid string) (string, error) {
		return "https://avatar/x", nil
	})
	if _, err := c.Get(context.Background(), "alice@s"); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("avatar.", 4)
	defer unsub()
	c.InvalidateAll()

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindAvatarCacheInvalidated {
			t.Errorf("kind = %s", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no invalidation broadcast")
	}
	if c.Stats().Size != 0 {
		t.Error("cache not emptied")
	}
}

func TestAccountConnectedInvalidates(t *testing.T) {
	c, _, b := newFixture(t, func(ctx context.Context, jid string) (string, error) {
		return "https://avatar/x", nil
	})
	if _, err := c.Get(context.Background(), "alice@s"); err != nil {
		t.Fatal(err)
	}

	c.Start(context.Background())
	defer c.Stop()
	b.Emit(bus.KindSessionAccountConnected, model.Identity{AccountID: "me@s"})

	deadline := time.After(time.Second)
	for c.Stats().Size != 0 {
		select {
		case <-deadline:
			t.Fatal("account_connected did not invalidate the cache")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
