package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/slugy/edge/internal/analytics"
	"github.com/slugy/edge/internal/models"
)

const defaultPeriod = "24h"

var periods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

type AnalyticsHandler struct {
	DB         *sql.DB
	Aggregator *analytics.Aggregator
	// Retention caps the period; older clicks are no longer in the buffer.
	Retention time.Duration
	TopN      int
	Log       logrus.FieldLogger

	now func() time.Time
}

type rollupView struct {
	Period     string                                    `json:"time_period"`
	Start      time.Time                                 `json:"start"`
	End        time.Time                                 `json:"end"`
	Total      int                                       `json:"total"`
	Interval   analytics.Interval                        `json:"interval,omitempty"`
	Series     []analytics.Bucket                        `json:"series,omitempty"`
	Breakdowns map[analytics.Dimension][]analytics.Count `json:"breakdowns,omitempty"`
}

func (h *AnalyticsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true, analytics.Dimensions...)
}

func (h *AnalyticsHandler) Device(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false, analytics.DimDevice, analytics.DimBrowser, analytics.DimOS)
}

func (h *AnalyticsHandler) Geo(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false, analytics.DimCountry, analytics.DimCity, analytics.DimContinent)
}

func (h *AnalyticsHandler) Referrers(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false, analytics.DimReferrer, analytics.DimTrigger)
}

func (h *AnalyticsHandler) Chart(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

func (h *AnalyticsHandler) serve(w http.ResponseWriter, r *http.Request, series bool, dims ...analytics.Dimension) {
	workspaceID, err := models.WorkspaceIDBySlug(r.Context(), h.DB, chi.URLParam(r, "workspace"))
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(w, "workspace not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Log.WithError(err).Error("analytics: workspace lookup")
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	period := r.URL.Query().Get("time_period")
	if period == "" {
		period = defaultPeriod
	}
	span, ok := periods[period]
	if !ok {
		jsonError(w, "time_period must be one of 1h, 24h, 7d, 30d, 90d", http.StatusBadRequest)
		return
	}
	if h.Retention > 0 && span > h.Retention {
		span = h.Retention
	}

	end := h.now().UTC()
	q := analytics.Query{
		WorkspaceID: workspaceID,
		Start:       end.Add(-span),
		End:         end,
		Filters:     filters(r),
		TopN:        h.TopN,
	}
	rollup, err := h.Aggregator.Aggregate(r.Context(), q)
	if err != nil {
		h.Log.WithError(err).WithField("workspace", workspaceID).Error("analytics: aggregate")
		jsonError(w, "analytics unavailable", http.StatusServiceUnavailable)
		return
	}

	view := rollupView{Period: period, Start: q.Start, End: q.End, Total: rollup.Total}
	if series {
		view.Interval = rollup.Interval
		view.Series = rollup.Series
	}
	if len(dims) > 0 {
		view.Breakdowns = make(map[analytics.Dimension][]analytics.Count, len(dims))
		for _, d := range dims {
			counts := rollup.Breakdowns[d]
			if counts == nil {
				counts = []analytics.Count{}
			}
			view.Breakdowns[d] = counts
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// filters reads {dimension}_key query parameters, e.g. country_key=US.
func filters(r *http.Request) map[analytics.Dimension]string {
	out := map[analytics.Dimension]string{}
	q := r.URL.Query()
	for _, d := range analytics.Dimensions {
		if v := q.Get(string(d) + "_key"); v != "" {
			out[d] = v
		}
	}
	return out
}
