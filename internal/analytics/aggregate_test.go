package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slugy/edge/internal/logging"
)

func enriched(linkID int64, at time.Time, country, browser, referer string) *ClickEvent {
	e := event(linkID, at)
	e.Country = country
	e.Browser = browser
	e.Referer = referer
	e.Device = "desktop"
	e.Trigger = "link"
	return e
}

func TestIntervalFor(t *testing.T) {
	assert.Equal(t, Minute, IntervalFor(time.Hour))
	assert.Equal(t, Hour, IntervalFor(24*time.Hour))
	assert.Equal(t, Hour, IntervalFor(48*time.Hour))
	assert.Equal(t, Day, IntervalFor(7*24*time.Hour))
}

func TestFold_TotalsSeriesAndBreakdowns(t *testing.T) {
	start := t0.Add(-24 * time.Hour)
	events := []*ClickEvent{
		enriched(1, t0.Add(-90*time.Minute), "US", "Chrome", "https://t.co/x"),
		enriched(1, t0.Add(-80*time.Minute), "US", "Firefox", ""),
		enriched(2, t0.Add(-30*time.Minute), "DE", "Chrome", "https://www.google.com/"),
		enriched(2, t0.Add(-48*time.Hour), "FR", "Chrome", ""), // outside window
	}

	r := Fold(events, Query{Start: start, End: t0})

	assert.Equal(t, 3, r.Total)
	assert.Equal(t, Hour, r.Interval)
	require.Len(t, r.Series, 24)
	assert.Equal(t, start, r.Series[0].Start)
	assert.Equal(t, 2, r.Series[22].Clicks)
	assert.Equal(t, 1, r.Series[23].Clicks)

	sum := 0
	for _, b := range r.Series {
		sum += b.Clicks
	}
	assert.Equal(t, r.Total, sum)

	assert.Equal(t, []Count{{"US", 2}, {"DE", 1}}, r.Breakdowns[DimCountry])
	assert.Equal(t, []Count{{"Chrome", 2}, {"Firefox", 1}}, r.Breakdowns[DimBrowser])
	assert.Equal(t, []Count{{"direct", 1}, {"google.com", 1}, {"t.co", 1}}, r.Breakdowns[DimReferrer])
	assert.Equal(t, []Count{{"s1", 2}, {"s2", 1}}, r.Breakdowns[DimSlug])
	assert.Equal(t, []Count{{"unknown", 3}}, r.Breakdowns[DimCity])
}

func TestFold_FiltersAreCaseInsensitiveConjunction(t *testing.T) {
	events := []*ClickEvent{
		enriched(1, t0.Add(-time.Minute), "US", "Chrome", ""),
		enriched(1, t0.Add(-time.Minute), "US", "Firefox", ""),
		enriched(2, t0.Add(-time.Minute), "DE", "Chrome", ""),
	}

	r := Fold(events, Query{Start: t0.Add(-time.Hour), End: t0, Filters: map[Dimension]string{
		DimCountry: "us",
		DimBrowser: "CHROME",
		DimCity:    "",
	}})
	assert.Equal(t, 1, r.Total)

	r = Fold(events, Query{Start: t0.Add(-time.Hour), End: t0, Filters: map[Dimension]string{DimReferrer: "direct"}})
	assert.Equal(t, 3, r.Total)
}

func TestFold_WorkspaceScoped(t *testing.T) {
	mine := enriched(1, t0.Add(-time.Minute), "US", "Chrome", "")
	theirs := enriched(2, t0.Add(-time.Minute), "US", "Chrome", "")
	theirs.WorkspaceID = "ws_other"

	r := Fold([]*ClickEvent{mine, theirs}, Query{WorkspaceID: "ws_1", Start: t0.Add(-time.Hour), End: t0})
	assert.Equal(t, 1, r.Total)
}

func TestFold_TopNWithTieBreak(t *testing.T) {
	var events []*ClickEvent
	for _, c := range []string{"b", "a", "c", "a", "b", "d"} {
		events = append(events, enriched(1, t0.Add(-time.Minute), c, "Chrome", ""))
	}

	r := Fold(events, Query{Start: t0.Add(-time.Hour), End: t0, TopN: 3})
	assert.Equal(t, []Count{{"a", 2}, {"b", 2}, {"c", 1}}, r.Breakdowns[DimCountry])
}

func TestFold_EmptyWindowIsZeroFilled(t *testing.T) {
	r := Fold(nil, Query{Start: t0.Add(-time.Hour), End: t0})
	assert.Equal(t, 0, r.Total)
	assert.Equal(t, Minute, r.Interval)
	assert.Len(t, r.Series, 60)
	assert.Empty(t, r.Breakdowns[DimCountry])
}

func TestAggregate_ReadsBuffer(t *testing.T) {
	b, mr := newTestBuffer(t)
	ctx := context.Background()
	require.NoError(t, b.Append(ctx,
		enriched(1, t0.Add(-10*time.Minute), "US", "Chrome", ""),
		enriched(1, t0.Add(-5*time.Minute), "JP", "Safari", ""),
	))
	_, err := mr.ZAdd(BufferKey, float64(t0.Add(-time.Minute).UnixMilli()), "ghost")
	require.NoError(t, err)

	a := NewAggregator(b, logging.Discard())
	r, err := a.Aggregate(ctx, Query{WorkspaceID: "ws_1", Start: t0.Add(-time.Hour), End: t0, TopN: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Total)
	assert.Equal(t, 1, r.Skipped.Missing)
}

func TestAggregate_InvalidWindow(t *testing.T) {
	b, _ := newTestBuffer(t)
	a := NewAggregator(b, logging.Discard())
	_, err := a.Aggregate(context.Background(), Query{Start: t0, End: t0})
	assert.ErrorIs(t, err, ErrInvalidWindow)
}
