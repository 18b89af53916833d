package analytics

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slugy/edge/internal/geo"
	"github.com/slugy/edge/internal/logging"
	"github.com/slugy/edge/internal/trigger"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type memSink struct {
	mu      sync.Mutex
	events  []*ClickEvent
	batches int
	err     error
}

func (s *memSink) Append(ctx context.Context, events ...*ClickEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches++
	s.events = append(s.events, events...)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestRecorder(t *testing.T, sink Appender, cfg RecorderConfig) *Recorder {
	t.Helper()
	geoReader, _ := geo.Open("")
	return NewRecorder(sink, geoReader, cfg, logging.Discard())
}

func rawClick() RawClick {
	return RawClick{LinkID: 1, WorkspaceID: "ws", Slug: "abc", Domain: "d.co", URL: "https://example.com", ClickedAt: time.Now()}
}

func TestRecorder_FlushOnShutdown(t *testing.T) {
	sink := &memSink{}
	r := newTestRecorder(t, sink, RecorderConfig{BufferSize: 1000, FlushInterval: time.Hour})

	for range 5 {
		r.Record(rawClick())
	}
	r.Shutdown()

	assert.Equal(t, 5, sink.count())
}

func TestRecorder_RecordNonBlockingWhenFull(t *testing.T) {
	sink := &memSink{}
	r := newTestRecorder(t, sink, RecorderConfig{BufferSize: 1, FlushInterval: time.Hour})

	// only a few fit; the rest are dropped without blocking
	for range 50 {
		r.Record(rawClick())
	}
	r.Shutdown()

	assert.LessOrEqual(t, sink.count(), 50)
	assert.GreaterOrEqual(t, sink.count(), 1)
}

func TestRecorder_FlushOnTicker(t *testing.T) {
	sink := &memSink{}
	r := newTestRecorder(t, sink, RecorderConfig{BufferSize: 1000, FlushInterval: 20 * time.Millisecond})
	defer r.Shutdown()

	for range 3 {
		r.Record(rawClick())
	}

	assert.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 10*time.Millisecond)
}

func TestRecorder_FlushOnBatchSize(t *testing.T) {
	sink := &memSink{}
	r := newTestRecorder(t, sink, RecorderConfig{BufferSize: 1000, BatchSize: 4, FlushInterval: time.Hour})
	defer r.Shutdown()

	for range 8 {
		r.Record(rawClick())
	}

	assert.Eventually(t, func() bool { return sink.count() == 8 }, time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, 2, sink.batches)
	sink.mu.Unlock()
}

func TestRecorder_EnrichesClick(t *testing.T) {
	sink := &memSink{}
	r := newTestRecorder(t, sink, RecorderConfig{BufferSize: 10, FlushInterval: time.Hour})

	click := rawClick()
	click.UserAgent = chromeUA
	click.Referer = "https://news.ycombinator.com/item?id=1"
	click.Trigger = trigger.Campaign
	click.Query = url.Values{"utm_source": {"hn"}, "utm_campaign": {"launch"}}
	r.Record(click)
	r.Shutdown()

	require.Equal(t, 1, sink.count())
	e := sink.events[0]
	assert.Equal(t, "Chrome", e.Browser)
	assert.Equal(t, "desktop", e.Device)
	assert.NotEmpty(t, e.OS)
	assert.Equal(t, "campaign", e.Trigger)
	assert.Equal(t, "hn", e.UTMSource)
	assert.Equal(t, "launch", e.UTMCampaign)
	assert.Equal(t, "news.ycombinator.com", e.RefererHost())
}

func TestRecorder_DeviceTypes(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		kind trigger.Kind
		want string
	}{
		{"empty", "", trigger.Direct, "unknown"},
		{"desktop", chromeUA, trigger.Direct, "desktop"},
		{"iphone", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1", trigger.Direct, "mobile"},
		{"ipad", "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1", trigger.Direct, "tablet"},
		{"classified bot", chromeUA, trigger.Bot, "bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memSink{}
			r := newTestRecorder(t, sink, RecorderConfig{BufferSize: 10, FlushInterval: time.Hour})
			c := rawClick()
			c.UserAgent = tt.ua
			c.Trigger = tt.kind
			r.Record(c)
			r.Shutdown()

			require.Equal(t, 1, sink.count())
			assert.Equal(t, tt.want, sink.events[0].Device)
		})
	}
}

func TestRecorder_FailedFlushIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := &memSink{err: errors.New("redis down")}
	geoReader, _ := geo.Open("")
	r := NewRecorder(sink, geoReader, RecorderConfig{BufferSize: 10, FlushInterval: time.Hour}, logger)

	r.Record(rawClick())
	r.Shutdown()

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, 1, entry.Data["count"])
}
