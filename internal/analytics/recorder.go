package analytics

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/mssola/useragent"
	"github.com/sirupsen/logrus"

	"github.com/slugy/edge/internal/geo"
	"github.com/slugy/edge/internal/trigger"
)

// RawClick is what the redirect path knows about a visit before enrichment.
type RawClick struct {
	LinkID      int64
	WorkspaceID string
	Slug        string
	Domain      string
	URL         string
	ClickedAt   time.Time
	IP          string
	UserAgent   string
	Referer     string
	Trigger     trigger.Kind
	Query       url.Values
}

// Appender is where enriched events go.
type Appender interface {
	Append(ctx context.Context, events ...*ClickEvent) error
}

type RecorderConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// WriteTimeout bounds each batch append.
	WriteTimeout time.Duration
}

// Recorder takes clicks off the request path. Record never blocks; a
// background worker enriches clicks and appends them in batches.
type Recorder struct {
	ch        chan RawClick
	stop      chan struct{}
	done      chan struct{}
	sink      Appender
	geo       *geo.Reader
	log       logrus.FieldLogger
	batchSize int
	timeout   time.Duration
}

func NewRecorder(sink Appender, geoReader *geo.Reader, cfg RecorderConfig, log logrus.FieldLogger) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	r := &Recorder{
		ch:        make(chan RawClick, cfg.BufferSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		sink:      sink,
		geo:       geoReader,
		log:       log.WithField("component", "analytics"),
		batchSize: cfg.BatchSize,
		timeout:   cfg.WriteTimeout,
	}
	go r.run(cfg.FlushInterval)
	return r
}

// Record queues a click. Drops the click if the queue is full.
func (r *Recorder) Record(click RawClick) {
	select {
	case r.ch <- click:
	default:
		r.log.WithField("link_id", click.LinkID).Debug("analytics: queue full, dropping click")
	}
}

// Shutdown flushes queued clicks and returns.
func (r *Recorder) Shutdown() {
	close(r.stop)
	<-r.done
}

func (r *Recorder) run(interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]RawClick, 0, r.batchSize)
	for {
		select {
		case raw := <-r.ch:
			batch = append(batch, raw)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			r.flush(batch)
			batch = batch[:0]
		case <-r.stop:
			for drained := false; !drained; {
				select {
				case raw := <-r.ch:
					batch = append(batch, raw)
				default:
					drained = true
				}
			}
			r.flush(batch)
			return
		}
	}
}

func (r *Recorder) flush(batch []RawClick) {
	if len(batch) == 0 {
		return
	}
	events := make([]*ClickEvent, 0, len(batch))
	for _, raw := range batch {
		events = append(events, r.enrich(raw))
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.Append(ctx, events...); err != nil {
		r.log.WithError(err).WithField("count", len(events)).Error("analytics: flush failed, clicks lost")
		return
	}
	r.log.WithField("count", len(events)).Debug("analytics: flushed clicks")
}

func (r *Recorder) enrich(raw RawClick) *ClickEvent {
	ua := useragent.New(raw.UserAgent)
	browserName, _ := ua.Browser()
	osName := ua.OSInfo().Name
	if osName == "" {
		osName = ua.OS()
	}

	geoResult := r.geo.Lookup(raw.IP)

	e := &ClickEvent{
		LinkID:      raw.LinkID,
		WorkspaceID: raw.WorkspaceID,
		Slug:        raw.Slug,
		URL:         raw.URL,
		Domain:      raw.Domain,
		IP:          raw.IP,
		Country:     geoResult.Country,
		City:        geoResult.City,
		Continent:   geoResult.Continent,
		Device:      deviceType(raw.UserAgent, ua, raw.Trigger),
		Browser:     browserName,
		OS:          osName,
		Referer:     raw.Referer,
		Trigger:     string(raw.Trigger),
		Timestamp:   raw.ClickedAt,
	}
	if q := raw.Query; q != nil {
		e.UTMSource = q.Get("utm_source")
		e.UTMMedium = q.Get("utm_medium")
		e.UTMCampaign = q.Get("utm_campaign")
		e.UTMTerm = q.Get("utm_term")
		e.UTMContent = q.Get("utm_content")
	}
	return e
}

func deviceType(raw string, ua *useragent.UserAgent, kind trigger.Kind) string {
	lower := strings.ToLower(raw)
	switch {
	case raw == "":
		return "unknown"
	case kind == trigger.Bot || ua.Bot():
		return "bot"
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return "tablet"
	case ua.Mobile():
		return "mobile"
	}
	return "desktop"
}
