// Package cache holds resolved links in two tiers: a small process-local LRU
// and a shared Redis copy that every edge process reads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/slugy/edge/internal/models"
)

// InvalidationChannel carries evictions to every process's local tier.
const InvalidationChannel = "link-invalidations"

type Config struct {
	Size        int
	TTL         time.Duration
	Jitter      time.Duration
	LocalTTL    time.Duration
	LocalJitter time.Duration
}

type localEntry struct {
	link      *models.Link
	expiresAt time.Time
}

type LinkCache struct {
	local *lru.Cache[string, localEntry]
	rdb   redis.UniversalClient
	cfg   Config
	log   logrus.FieldLogger
	now   func() time.Time
}

func New(rdb redis.UniversalClient, cfg Config, log logrus.FieldLogger) (*LinkCache, error) {
	c, err := lru.New[string, localEntry](cfg.Size)
	if err != nil {
		return nil, err
	}
	return &LinkCache{
		local: c,
		rdb:   rdb,
		cfg:   cfg,
		log:   log.WithField("component", "cache"),
		now:   time.Now,
	}, nil
}

func localKey(domain, slug string) string {
	return strings.ToLower(domain) + "/" + slug
}

// SharedKey is the Redis key holding the cached link for domain+slug.
func SharedKey(domain, slug string) string {
	return "link:" + strings.ToLower(domain) + ":" + slug
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Get looks in the local tier, then in Redis. A Redis failure is returned
// as an error so the caller can tell "not cached" from "cache down". A
// corrupt shared entry is deleted and reported as a miss.
func (lc *LinkCache) Get(ctx context.Context, domain, slug string) (*models.Link, bool, error) {
	lk := localKey(domain, slug)
	if e, ok := lc.local.Get(lk); ok {
		if lc.now().Before(e.expiresAt) {
			return e.link, true, nil
		}
		lc.local.Remove(lk)
	}

	key := SharedKey(domain, slug)
	raw, err := lc.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	var link models.Link
	if err := json.Unmarshal(raw, &link); err != nil {
		lc.log.WithError(err).WithField("key", key).Warn("cache: dropping corrupt entry")
		if err := lc.rdb.Del(ctx, key).Err(); err != nil {
			lc.log.WithError(err).WithField("key", key).Warn("cache: delete corrupt entry failed")
		}
		return nil, false, nil
	}

	lc.setLocal(lk, &link)
	return &link, true, nil
}

// Set stores link in both tiers. Archived links are never cached.
func (lc *LinkCache) Set(ctx context.Context, link *models.Link) error {
	if link == nil || link.Archived {
		return nil
	}
	raw, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("encode link: %w", err)
	}
	lc.setLocal(localKey(link.Domain, link.Slug), link)

	key := SharedKey(link.Domain, link.Slug)
	ttl := lc.cfg.TTL + jitter(lc.cfg.Jitter)
	if err := lc.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (lc *LinkCache) setLocal(key string, link *models.Link) {
	ttl := lc.cfg.LocalTTL + jitter(lc.cfg.LocalJitter)
	lc.local.Add(key, localEntry{link: link, expiresAt: lc.now().Add(ttl)})
}

type invalidation struct {
	Domain string   `json:"domain"`
	Slugs  []string `json:"slugs"`
}

// Invalidate removes slug on domain from both tiers and tells the other
// processes to drop their local copy.
func (lc *LinkCache) Invalidate(ctx context.Context, slug, domain string) error {
	return lc.InvalidateBatch(ctx, []string{slug}, domain)
}

func (lc *LinkCache) InvalidateBatch(ctx context.Context, slugs []string, domain string) error {
	if len(slugs) == 0 {
		return nil
	}
	keys := make([]string, len(slugs))
	for i, s := range slugs {
		lc.local.Remove(localKey(domain, s))
		keys[i] = SharedKey(domain, s)
	}

	if err := lc.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}

	msg, err := json.Marshal(invalidation{Domain: strings.ToLower(domain), Slugs: slugs})
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	if err := lc.rdb.Publish(ctx, InvalidationChannel, msg).Err(); err != nil {
		// the shared copy is gone; peers only keep theirs for LocalTTL
		lc.log.WithError(err).Warn("cache: publish invalidation failed")
	}
	return nil
}

// Listen subscribes to invalidations and evicts matching local entries
// until ctx is cancelled. It returns once the subscription is active.
func (lc *LinkCache) Listen(ctx context.Context) error {
	sub := lc.rdb.Subscribe(ctx, InvalidationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe %s: %w", InvalidationChannel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				lc.apply(msg.Payload)
			}
		}
	}()
	return nil
}

func (lc *LinkCache) apply(payload string) {
	var inv invalidation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		lc.log.WithError(err).Warn("cache: ignoring malformed invalidation")
		return
	}
	for _, s := range inv.Slugs {
		lc.local.Remove(localKey(inv.Domain, s))
	}
}

// cachedLocally reports whether the local tier holds domain+slug.
func (lc *LinkCache) cachedLocally(domain, slug string) bool {
	return lc.local.Contains(localKey(domain, slug))
}
