package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/slugy/edge/internal/analytics"
	"github.com/slugy/edge/internal/config"
	"github.com/slugy/edge/internal/resolver"
)

type TrackHandler struct {
	Buffer   *analytics.Buffer
	Resolver *resolver.Resolver
	Cfg      *config.Config
	Log      logrus.FieldLogger
}

type trackRequest struct {
	LinkID        int64         `json:"linkId"`
	Slug          string        `json:"slug"`
	Domain        string        `json:"domain"`
	WorkspaceID   string        `json:"workspaceId"`
	AnalyticsData analyticsData `json:"analyticsData"`
}

type analyticsData struct {
	IPAddress string `json:"ipAddress"`
	Country   string `json:"country"`
	City      string `json:"city"`
	Continent string `json:"continent"`
	Browser   string `json:"browser"`
	OS        string `json:"os"`
	Device    string `json:"device"`
	Trigger   string `json:"trigger"`
	Referer   string `json:"referer"`
}

type trackResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (req trackRequest) event(defaultDomain string) *analytics.ClickEvent {
	domain := req.Domain
	if domain == "" {
		domain = defaultDomain
	}
	d := req.AnalyticsData
	return &analytics.ClickEvent{
		LinkID:      req.LinkID,
		WorkspaceID: req.WorkspaceID,
		Slug:        req.Slug,
		Domain:      strings.ToLower(domain),
		IP:          d.IPAddress,
		Country:     d.Country,
		City:        d.City,
		Continent:   d.Continent,
		Browser:     d.Browser,
		OS:          d.OS,
		Device:      d.Device,
		Trigger:     strings.ToLower(d.Trigger),
		Referer:     d.Referer,
	}
}

// Track serves POST /api/analytics/track. Every accepted POST is a new
// event, so a retried request counts twice.
func (h *TrackHandler) Track(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, trackResponse{Error: "invalid JSON"})
		return
	}

	e := req.event(h.Cfg.DefaultDomain())
	if err := e.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, trackResponse{Error: err.Error()})
		return
	}

	link, err := h.Resolver.Link(r.Context(), e.Domain, e.Slug)
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		writeJSON(w, http.StatusBadRequest, trackResponse{Error: "invalid click event: slug does not name a live link"})
		return
	case err != nil:
		// unverifiable right now; keep the click without a destination
		h.Log.WithError(err).WithField("slug", e.Slug).Warn("track: link lookup failed")
	case link.ID != e.LinkID:
		writeJSON(w, http.StatusBadRequest, trackResponse{Error: "invalid click event: linkId does not match slug"})
		return
	case link.WorkspaceID != e.WorkspaceID:
		writeJSON(w, http.StatusBadRequest, trackResponse{Error: "invalid click event: workspaceId does not own slug"})
		return
	default:
		e.URL = link.URL
	}

	if err := h.Buffer.Append(r.Context(), e); err != nil {
		h.Log.WithError(err).WithField("link_id", e.LinkID).Error("track: append failed")
		writeJSON(w, http.StatusServiceUnavailable, trackResponse{Error: "analytics unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, trackResponse{Success: true, ID: e.ID})
}
