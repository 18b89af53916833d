package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/spaolacci/murmur3"
)

const shardCount = 16

// entry is the local view of one counter window.
type entry struct {
	count    int64
	resetAt  time.Time
	window   time.Duration
	lastSeen time.Time
	// pending is the part of count not yet pushed to the shared counter.
	pending int64
}

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *entry]
}

// mirror is a bounded, sharded map of counter windows. Each shard has its
// own lock so unrelated keys never contend.
type mirror struct {
	shards [shardCount]*shard
}

func newMirror(maxKeys int) *mirror {
	perShard := maxKeys / shardCount
	if perShard < 1 {
		perShard = 1
	}
	m := &mirror{}
	for i := range m.shards {
		l, err := simplelru.NewLRU[string, *entry](perShard, nil)
		if err != nil {
			// only fails for a non-positive size
			panic(err)
		}
		m.shards[i] = &shard{lru: l}
	}
	return m
}

func (m *mirror) shardFor(key string) *shard {
	return m.shards[murmur3.Sum32([]byte(key))%shardCount]
}

// with runs fn on the live entry for key, creating or rolling the window
// over as needed.
func (m *mirror) with(key string, now time.Time, window time.Duration, fn func(*entry)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok || !now.Before(e.resetAt) {
		e = &entry{resetAt: now.Add(window), window: window}
		s.lru.Add(key, e)
	}
	fn(e)
}

// peek returns a copy of the entry for key if its window is still open.
func (m *mirror) peek(key string, now time.Time) (entry, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Peek(key)
	if !ok || !now.Before(e.resetAt) {
		return entry{}, false
	}
	return *e, true
}

func (m *mirror) store(key string, e entry) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := e
	s.lru.Add(key, &cp)
}

// sweep drops entries whose window ended or that have been idle longer than
// maxAge, and returns how many were removed.
func (m *mirror) sweep(now time.Time, maxAge time.Duration) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			e, ok := s.lru.Peek(k)
			if !ok {
				continue
			}
			if !now.Before(e.resetAt) || (maxAge > 0 && now.Sub(e.lastSeen) > maxAge) {
				s.lru.Remove(k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// delta is a pending increment taken out of the mirror for reconciliation.
type delta struct {
	key     string
	pending int64
	resetAt time.Time
	window  time.Duration
}

// drain zeroes and returns every pending increment.
func (m *mirror) drain() []delta {
	var out []delta
	for _, s := range m.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			e, ok := s.lru.Peek(k)
			if !ok || e.pending == 0 {
				continue
			}
			out = append(out, delta{key: k, pending: e.pending, resetAt: e.resetAt, window: e.window})
			e.pending = 0
		}
		s.mu.Unlock()
	}
	return out
}

// settle adopts the shared count for a drained delta. If the window rolled
// over locally in the meantime the shared answer belongs to the old window
// and is ignored.
func (m *mirror) settle(d delta, shared int64, resetAt time.Time) {
	s := m.shardFor(d.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Peek(d.key)
	if !ok || !e.resetAt.Equal(d.resetAt) {
		return
	}
	// local increments that arrived after the drain are still pending
	if total := shared + e.pending; total > e.count {
		e.count = total
	}
	e.resetAt = resetAt
}

// restore puts a delta back after a failed push.
func (m *mirror) restore(d delta) {
	s := m.shardFor(d.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Peek(d.key)
	if !ok || !e.resetAt.Equal(d.resetAt) {
		return
	}
	e.pending += d.pending
}

func (m *mirror) len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}
