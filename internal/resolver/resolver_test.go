package resolver

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slugy/edge/internal/cache"
	"github.com/slugy/edge/internal/db"
	"github.com/slugy/edge/internal/logging"
	"github.com/slugy/edge/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	links map[string]*models.Link
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (s *fakeStore) ResolvableLink(ctx context.Context, domain, slug string) (*models.Link, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	l, ok := s.links[domain+"/"+slug]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return l, nil
}

type fakeCache struct {
	mu    sync.Mutex
	links map[string]*models.Link
	err   error
}

func newFakeCache() *fakeCache {
	return &fakeCache{links: map[string]*models.Link{}}
}

func (c *fakeCache) Get(ctx context.Context, domain, slug string) (*models.Link, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	l, ok := c.links[domain+"/"+slug]
	return l, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, l *models.Link) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.links[l.Domain+"/"+l.Slug] = l
	return nil
}

func newTestResolver(store Store, c Cache) *Resolver {
	return New(store, c, "https://slugy.co", 100*time.Millisecond, logging.Discard())
}

func storeWith(links ...*models.Link) *fakeStore {
	s := &fakeStore{links: map[string]*models.Link{}}
	for _, l := range links {
		s.links[l.Domain+"/"+l.Slug] = l
	}
	return s
}

func TestResolve_Destination(t *testing.T) {
	store := storeWith(&models.Link{ID: 7, WorkspaceID: "ws", Slug: "abc", Domain: "d.co", URL: "https://example.com"})
	c := newFakeCache()
	r := newTestResolver(store, c)

	res, err := r.Resolve(context.Background(), "D.CO", "abc", false)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", res.URL)
	assert.Equal(t, int64(7), res.LinkID)
	assert.Equal(t, "ws", res.WorkspaceID)
	assert.False(t, res.Expired)
	assert.False(t, res.RequiresPassword)

	_, cached, _ := c.Get(context.Background(), "d.co", "abc")
	assert.True(t, cached, "miss fills the cache")

	_, err = r.Resolve(context.Background(), "d.co", "abc", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.calls.Load(), "second resolve served from cache")
}

func TestResolve_NotFound(t *testing.T) {
	r := newTestResolver(storeWith(), newFakeCache())
	_, err := r.Resolve(context.Background(), "d.co", "missing", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_NotFoundIsNotCached(t *testing.T) {
	store := storeWith()
	r := newTestResolver(store, newFakeCache())

	_, err := r.Resolve(context.Background(), "d.co", "late", false)
	require.ErrorIs(t, err, ErrNotFound)

	store.mu.Lock()
	store.links["d.co/late"] = &models.Link{ID: 2, Slug: "late", Domain: "d.co", URL: "https://late.example"}
	store.mu.Unlock()

	res, err := r.Resolve(context.Background(), "d.co", "late", false)
	require.NoError(t, err)
	assert.Equal(t, "https://late.example", res.URL)
}

func TestResolve_Expired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	tests := []struct {
		name string
		link *models.Link
		want string
	}{
		{
			name: "expiration url",
			link: &models.Link{ID: 1, Slug: "e", Domain: "d.co", URL: "https://live.example", ExpiresAt: &past, ExpirationURL: "https://expired.example"},
			want: "https://expired.example",
		},
		{
			name: "fallback",
			link: &models.Link{ID: 1, Slug: "e", Domain: "d.co", URL: "https://live.example", ExpiresAt: &past},
			want: "https://slugy.co",
		},
		{
			name: "expired beats password",
			link: &models.Link{ID: 1, Slug: "e", Domain: "d.co", URL: "https://live.example", ExpiresAt: &past, Password: "$2a$hash"},
			want: "https://slugy.co",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(storeWith(tt.link), newFakeCache())
			res, err := r.Resolve(context.Background(), "d.co", "e", false)
			require.NoError(t, err)
			assert.True(t, res.Expired)
			assert.False(t, res.RequiresPassword)
			assert.Equal(t, tt.want, res.URL)
			assert.Equal(t, int64(1), res.LinkID)
		})
	}
}

func TestResolve_FutureExpiryStillLive(t *testing.T) {
	future := time.Now().Add(time.Hour)
	r := newTestResolver(storeWith(&models.Link{ID: 1, Slug: "f", Domain: "d.co", URL: "https://live.example", ExpiresAt: &future}), newFakeCache())

	res, err := r.Resolve(context.Background(), "d.co", "f", false)
	require.NoError(t, err)
	assert.False(t, res.Expired)
	assert.Equal(t, "https://live.example", res.URL)
}

func TestResolve_Password(t *testing.T) {
	r := newTestResolver(storeWith(&models.Link{ID: 3, Slug: "p", Domain: "d.co", URL: "https://secret.example", Password: "$2a$hash"}), newFakeCache())

	res, err := r.Resolve(context.Background(), "d.co", "p", false)
	require.NoError(t, err)
	assert.True(t, res.RequiresPassword)
	assert.Empty(t, res.URL)

	res, err = r.Resolve(context.Background(), "d.co", "p", true)
	require.NoError(t, err)
	assert.False(t, res.RequiresPassword)
	assert.Equal(t, "https://secret.example", res.URL)
}

func TestResolve_TimeoutIsNotFound(t *testing.T) {
	store := storeWith(&models.Link{ID: 1, Slug: "slow", Domain: "d.co", URL: "https://slow.example"})
	store.delay = time.Second
	r := newTestResolver(store, newFakeCache())

	start := time.Now()
	_, err := r.Resolve(context.Background(), "d.co", "slow", false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestResolve_StoreErrorWithHealthyCacheIsNotFound(t *testing.T) {
	store := storeWith()
	store.err = errors.New("disk on fire")
	r := newTestResolver(store, newFakeCache())

	_, err := r.Resolve(context.Background(), "d.co", "x", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_BothTiersDownIsUnavailable(t *testing.T) {
	store := storeWith()
	store.err = errors.New("disk on fire")
	c := newFakeCache()
	c.err = errors.New("redis down")
	r := newTestResolver(store, c)

	_, err := r.Resolve(context.Background(), "d.co", "x", false)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolve_CacheDownFallsBackToStore(t *testing.T) {
	c := newFakeCache()
	c.err = errors.New("redis down")
	r := newTestResolver(storeWith(&models.Link{ID: 1, Slug: "a", Domain: "d.co", URL: "https://a.example"}), c)

	res, err := r.Resolve(context.Background(), "d.co", "a", false)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", res.URL)
}

func TestResolve_ConcurrentMissesShareOneQuery(t *testing.T) {
	store := storeWith(&models.Link{ID: 1, Slug: "hot", Domain: "d.co", URL: "https://hot.example"})
	store.delay = 50 * time.Millisecond
	r := newTestResolver(store, newFakeCache())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), "d.co", "hot", false)
			assert.NoError(t, err)
			if res != nil {
				assert.Equal(t, "https://hot.example", res.URL)
			}
		}()
	}
	wg.Wait()
	assert.Less(t, store.calls.Load(), int32(20))
}

func TestResolve_CallerCancelDoesNotAbortSharedQuery(t *testing.T) {
	store := storeWith(&models.Link{ID: 1, Slug: "c", Domain: "d.co", URL: "https://c.example"})
	store.delay = 20 * time.Millisecond
	r := newTestResolver(store, newFakeCache())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Resolve(ctx, "d.co", "c", false)
	require.NoError(t, err)
	assert.Equal(t, "https://c.example", res.URL)
}

func TestResolve_WithSQLiteAndRedis(t *testing.T) {
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	lc, err := cache.New(rdb, cache.Config{Size: 10, TTL: time.Hour, LocalTTL: time.Minute}, logging.Discard())
	require.NoError(t, err)

	ctx := context.Background()
	link := &models.Link{WorkspaceID: "ws", Slug: "real", Domain: "d.co", URL: "https://real.example"}
	require.NoError(t, models.CreateLink(ctx, database, link))

	r := New(models.LinkStore{DB: database}, lc, "https://slugy.co", time.Second, logging.Discard())
	res, err := r.Resolve(ctx, "d.co", "real", false)
	require.NoError(t, err)
	assert.Equal(t, "https://real.example", res.URL)
	assert.True(t, mr.Exists(cache.SharedKey("d.co", "real")))

	require.NoError(t, models.ArchiveLink(ctx, database, link.ID))
	require.NoError(t, lc.Invalidate(ctx, "real", "d.co"))

	_, err = r.Resolve(ctx, "d.co", "real", false)
	assert.ErrorIs(t, err, ErrNotFound)
}
