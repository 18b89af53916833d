// Package session answers "is this dashboard session token live?" without a
// Redis round trip on every analytics request.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// CookieName is the dashboard session cookie.
const CookieName = "slugy_session"

func Key(token string) string {
	return "session:" + token
}

// Presence caches both positive and negative answers for a short TTL.
// Lookup errors are returned and never cached.
type Presence struct {
	rdb   redis.Cmdable
	cache *expirable.LRU[string, bool]
}

func NewPresence(rdb redis.Cmdable, size int, ttl time.Duration) *Presence {
	return &Presence{
		rdb:   rdb,
		cache: expirable.NewLRU[string, bool](size, nil, ttl),
	}
}

func (p *Presence) Active(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if ok, hit := p.cache.Get(token); hit {
		return ok, nil
	}

	n, err := p.rdb.Exists(ctx, Key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("session lookup: %w", err)
	}
	active := n > 0
	p.cache.Add(token, active)
	return active, nil
}

// Forget drops any cached answer for token.
func (p *Presence) Forget(token string) {
	p.cache.Remove(token)
}
