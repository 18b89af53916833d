package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBuffer(t *testing.T) (*Buffer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	b := NewBuffer(rdb, 48*time.Hour)
	b.now = func() time.Time { return t0 }
	return b, mr
}

func event(linkID int64, at time.Time) *ClickEvent {
	return &ClickEvent{
		LinkID:      linkID,
		WorkspaceID: "ws_1",
		Slug:        fmt.Sprintf("s%d", linkID),
		Domain:      "d.co",
		URL:         "https://example.com",
		Timestamp:   at,
	}
}

func TestBuffer_AppendAndWindow(t *testing.T) {
	b, mr := newTestBuffer(t)
	ctx := context.Background()

	e1 := event(1, t0.Add(-30*time.Minute))
	e2 := event(2, t0.Add(-10*time.Minute))
	e3 := event(3, t0.Add(-2*time.Hour))
	require.NoError(t, b.Append(ctx, e1, e2, e3))

	assert.NotEmpty(t, e1.ID, "append assigns ids")
	assert.Equal(t, "link", e1.Trigger, "append defaults the trigger")
	assert.True(t, mr.Exists(payloadKey(e1.ID)))
	assert.Equal(t, 48*time.Hour, mr.TTL(payloadKey(e1.ID)))

	events, stats, err := b.Window(ctx, t0.Add(-time.Hour), t0)
	require.NoError(t, err)
	assert.Equal(t, WindowStats{}, stats)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].LinkID, "oldest first")
	assert.Equal(t, int64(2), events[1].LinkID)
}

func TestBuffer_WindowEndIsExclusive(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()
	require.NoError(t, b.Append(ctx, event(1, t0)))

	events, _, err := b.Window(ctx, t0.Add(-time.Minute), t0)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, _, err = b.Window(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestBuffer_WindowEndInsideEventMillisecond(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()
	at := t0.Add(300 * time.Microsecond)
	require.NoError(t, b.Append(ctx, event(1, at)))

	events, _, err := b.Window(ctx, t0.Add(-time.Minute), at.Add(200*time.Microsecond))
	require.NoError(t, err)
	assert.Len(t, events, 1, "end later in the same millisecond keeps the event")

	events, _, err = b.Window(ctx, t0.Add(-time.Minute), at)
	require.NoError(t, err)
	assert.Empty(t, events, "end equal to the event timestamp excludes it")

	events, _, err = b.Window(ctx, at.Add(100*time.Microsecond), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, events, "start later in the same millisecond excludes it")
}

func TestBuffer_MissingTimestampUsesNow(t *testing.T) {
	b, _ := newTestBuffer(t)
	e := event(1, time.Time{})
	require.NoError(t, b.Append(context.Background(), e))
	assert.Equal(t, t0, e.Timestamp)
}

func TestBuffer_DuplicateAppendsCountTwice(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()

	require.NoError(t, b.Append(ctx, event(1, t0.Add(-time.Minute))))
	require.NoError(t, b.Append(ctx, event(1, t0.Add(-time.Minute))))

	n, err := b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestBuffer_SkipsCorruptAndMissing(t *testing.T) {
	b, mr := newTestBuffer(t)
	ctx := context.Background()

	good := event(1, t0.Add(-time.Minute))
	require.NoError(t, b.Append(ctx, good))

	score := float64(t0.Add(-2 * time.Minute).UnixMilli())
	_, err := mr.ZAdd(BufferKey, score, "corrupt-id")
	require.NoError(t, err)
	require.NoError(t, mr.Set(payloadKey("corrupt-id"), "definitely not snappy"))
	_, err = mr.ZAdd(BufferKey, score, "missing-id")
	require.NoError(t, err)

	events, stats, err := b.Window(ctx, t0.Add(-time.Hour), t0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, good.ID, events[0].ID)
	assert.Equal(t, WindowStats{Missing: 1, Corrupt: 1}, stats)
}

func TestBuffer_LargeWindowChunksLoads(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()

	batch := make([]*ClickEvent, 0, 1200)
	for i := range 1200 {
		batch = append(batch, event(int64(i+1), t0.Add(-time.Duration(i)*time.Second)))
	}
	require.NoError(t, b.Append(ctx, batch...))

	events, _, err := b.Window(ctx, t0.Add(-time.Hour), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, events, 1200)
}

func TestBuffer_Remove(t *testing.T) {
	b, mr := newTestBuffer(t)
	ctx := context.Background()
	e := event(1, t0)
	require.NoError(t, b.Append(ctx, e))

	require.NoError(t, b.Remove(ctx, e.ID))
	assert.False(t, mr.Exists(payloadKey(e.ID)))
	n, _ := b.Len(ctx)
	assert.Equal(t, int64(0), n)

	require.NoError(t, b.Remove(ctx))
}

func TestBuffer_RedisDown(t *testing.T) {
	b, mr := newTestBuffer(t)
	mr.Close()

	assert.Error(t, b.Append(context.Background(), event(1, t0)))
	_, _, err := b.Window(context.Background(), t0.Add(-time.Hour), t0)
	assert.Error(t, err)
}
