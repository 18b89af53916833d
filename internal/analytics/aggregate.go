package analytics

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Interval string

const (
	Minute Interval = "minute"
	Hour   Interval = "hour"
	Day    Interval = "day"
)

func (i Interval) duration() time.Duration {
	switch i {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	}
	return 24 * time.Hour
}

// IntervalFor picks the series resolution for a window length.
func IntervalFor(window time.Duration) Interval {
	switch {
	case window <= time.Hour:
		return Minute
	case window <= 48*time.Hour:
		return Hour
	}
	return Day
}

type Query struct {
	WorkspaceID string
	Start       time.Time
	End         time.Time
	// Filters is a conjunction of case-insensitive exact matches. Empty
	// values are ignored.
	Filters map[Dimension]string
	// TopN caps each breakdown; zero or less keeps every value.
	TopN int
}

type Bucket struct {
	Start  time.Time `json:"start"`
	Clicks int       `json:"clicks"`
}

type Count struct {
	Value  string `json:"value"`
	Clicks int    `json:"clicks"`
}

type Rollup struct {
	Total      int                   `json:"total"`
	Interval   Interval              `json:"interval"`
	Series     []Bucket              `json:"series"`
	Breakdowns map[Dimension][]Count `json:"breakdowns"`
	Skipped    WindowStats           `json:"-"`
}

var ErrInvalidWindow = errors.New("analytics: window end must be after start")

// Source supplies the raw events of a window.
type Source interface {
	Window(ctx context.Context, start, end time.Time) ([]*ClickEvent, WindowStats, error)
}

// Aggregator recomputes rollups from the raw window on every query.
type Aggregator struct {
	src Source
	log logrus.FieldLogger
}

func NewAggregator(src Source, log logrus.FieldLogger) *Aggregator {
	return &Aggregator{src: src, log: log.WithField("component", "analytics")}
}

func (a *Aggregator) Aggregate(ctx context.Context, q Query) (*Rollup, error) {
	if !q.End.After(q.Start) {
		return nil, ErrInvalidWindow
	}
	events, stats, err := a.src.Window(ctx, q.Start, q.End)
	if err != nil {
		return nil, err
	}
	if stats.Missing > 0 || stats.Corrupt > 0 {
		a.log.WithFields(logrus.Fields{"missing": stats.Missing, "corrupt": stats.Corrupt}).
			Warn("analytics: skipped unreadable events")
	}

	r := Fold(events, q)
	r.Skipped = stats
	return r, nil
}

// Fold builds a rollup from events already restricted to the window.
func Fold(events []*ClickEvent, q Query) *Rollup {
	interval := IntervalFor(q.End.Sub(q.Start))
	step := interval.duration()
	first := q.Start.UTC().Truncate(step)

	var series []Bucket
	for t := first; t.Before(q.End); t = t.Add(step) {
		series = append(series, Bucket{Start: t})
	}

	counts := make(map[Dimension]map[string]int, len(Dimensions))
	for _, d := range Dimensions {
		counts[d] = map[string]int{}
	}

	total := 0
	for _, e := range events {
		if !matches(e, q) {
			continue
		}
		total++
		if idx := int(e.Timestamp.UTC().Sub(first) / step); idx >= 0 && idx < len(series) {
			series[idx].Clicks++
		}
		for _, d := range Dimensions {
			v := e.Value(d)
			if v == "" {
				v = "unknown"
			}
			counts[d][v]++
		}
	}

	breakdowns := make(map[Dimension][]Count, len(Dimensions))
	for _, d := range Dimensions {
		breakdowns[d] = topN(counts[d], q.TopN)
	}
	return &Rollup{Total: total, Interval: interval, Series: series, Breakdowns: breakdowns}
}

func matches(e *ClickEvent, q Query) bool {
	if q.WorkspaceID != "" && e.WorkspaceID != q.WorkspaceID {
		return false
	}
	if e.Timestamp.Before(q.Start) || !e.Timestamp.Before(q.End) {
		return false
	}
	for d, want := range q.Filters {
		if want == "" {
			continue
		}
		if !strings.EqualFold(e.Value(d), want) {
			return false
		}
	}
	return true
}

// topN sorts by clicks descending, then value ascending, and truncates.
func topN(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for v, c := range m {
		out = append(out, Count{Value: v, Clicks: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Clicks != out[j].Clicks {
			return out[i].Clicks > out[j].Clicks
		}
		return out[i].Value < out[j].Value
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
