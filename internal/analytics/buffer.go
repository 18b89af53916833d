package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BufferKey is the time-ordered index: member = event id, score = unix ms.
	BufferKey = "clicks:buffer"

	mgetChunk = 500
)

func payloadKey(id string) string {
	return "click:" + id
}

// Buffer is the shared write-ahead store for click events. The sorted-set
// index lets readers pull a time window without touching older history.
type Buffer struct {
	rdb redis.UniversalClient
	// ttl bounds how long a payload outlives a missed archive pass.
	ttl time.Duration
	now func() time.Time
}

func NewBuffer(rdb redis.UniversalClient, payloadTTL time.Duration) *Buffer {
	return &Buffer{rdb: rdb, ttl: payloadTTL, now: time.Now}
}

// Append normalizes and stores events in one pipeline. A retried append of
// the same event id overwrites the payload and index entry.
func (b *Buffer) Append(ctx context.Context, events ...*ClickEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := b.now()
	_, err := b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, e := range events {
			e.normalize(now)
			payload, err := encodeEvent(e)
			if err != nil {
				return fmt.Errorf("encode event %s: %w", e.ID, err)
			}
			p.Set(ctx, payloadKey(e.ID), payload, b.ttl)
			p.ZAdd(ctx, BufferKey, redis.Z{Score: float64(e.Timestamp.UnixMilli()), Member: e.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %d events: %w", len(events), err)
	}
	return nil
}

// Entry is one index member with its decoded payload. Event is nil when the
// payload is missing or corrupt.
type Entry struct {
	ID      string
	At      time.Time
	Event   *ClickEvent
	Missing bool
	Corrupt bool
}

// Range returns entries indexed in any millisecond overlapping
// [start, end), oldest first. A positive limit caps the result.
func (b *Buffer) Range(ctx context.Context, start, end time.Time, limit int64) ([]Entry, error) {
	by := &redis.ZRangeBy{
		Min:   strconv.FormatInt(start.UnixMilli(), 10),
		// round end up so its partial millisecond stays in range
		Max:   "(" + strconv.FormatInt(end.Add(time.Millisecond-1).UnixMilli(), 10),
		Count: limit,
	}
	if start.IsZero() {
		by.Min = "-inf"
	}
	zs, err := b.rdb.ZRangeByScoreWithScores(ctx, BufferKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("range buffer: %w", err)
	}
	return b.load(ctx, zs)
}

// Page returns entries by rank, oldest first.
func (b *Buffer) Page(ctx context.Context, offset, count int64) ([]Entry, error) {
	zs, err := b.rdb.ZRangeWithScores(ctx, BufferKey, offset, offset+count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("page buffer: %w", err)
	}
	return b.load(ctx, zs)
}

func (b *Buffer) load(ctx context.Context, zs []redis.Z) ([]Entry, error) {
	entries := make([]Entry, len(zs))
	for i, z := range zs {
		id, _ := z.Member.(string)
		entries[i] = Entry{ID: id, At: time.UnixMilli(int64(z.Score)).UTC()}
	}

	for lo := 0; lo < len(entries); lo += mgetChunk {
		hi := min(lo+mgetChunk, len(entries))
		keys := make([]string, 0, hi-lo)
		for _, e := range entries[lo:hi] {
			keys = append(keys, payloadKey(e.ID))
		}
		vals, err := b.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load payloads: %w", err)
		}
		for j, v := range vals {
			e := &entries[lo+j]
			s, ok := v.(string)
			if !ok {
				e.Missing = true
				continue
			}
			ev, err := decodeEvent([]byte(s))
			if err != nil {
				e.Corrupt = true
				continue
			}
			e.Event = ev
		}
	}
	return entries, nil
}

type WindowStats struct {
	Missing int
	Corrupt int
}

// Window returns the decodable events with start <= timestamp < end.
// Missing and corrupt entries are counted and skipped.
func (b *Buffer) Window(ctx context.Context, start, end time.Time) ([]*ClickEvent, WindowStats, error) {
	entries, err := b.Range(ctx, start, end, 0)
	if err != nil {
		return nil, WindowStats{}, err
	}
	var stats WindowStats
	events := make([]*ClickEvent, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.Missing:
			stats.Missing++
		case e.Corrupt:
			stats.Corrupt++
		case e.Event.Timestamp.Before(start) || !e.Event.Timestamp.Before(end):
		default:
			events = append(events, e.Event)
		}
	}
	return events, stats, nil
}

// Remove drops ids from the index and deletes their payloads.
func (b *Buffer) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = payloadKey(id)
	}
	_, err := b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, BufferKey, members...)
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %d events: %w", len(ids), err)
	}
	return nil
}

func (b *Buffer) Len(ctx context.Context) (int64, error) {
	return b.rdb.ZCard(ctx, BufferKey).Result()
}
