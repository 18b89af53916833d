package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/slugy/edge/internal/analytics"
	"github.com/slugy/edge/internal/config"
	"github.com/slugy/edge/internal/links"
	"github.com/slugy/edge/internal/passproof"
	"github.com/slugy/edge/internal/ratelimit"
	"github.com/slugy/edge/internal/resolver"
	"github.com/slugy/edge/internal/session"
)

// ClickRecorder takes clicks off the request path.
type ClickRecorder interface {
	Record(click analytics.RawClick)
}

// Deps is everything the HTTP surface needs.
type Deps struct {
	Cfg        *config.Config
	DB         *sql.DB
	Resolver   *resolver.Resolver
	Limiter    *ratelimit.Limiter
	Recorder   ClickRecorder
	Buffer     *analytics.Buffer
	Aggregator *analytics.Aggregator
	Proof      *passproof.Issuer
	Sessions   *session.Presence
	Links      *links.Service
	Log        logrus.FieldLogger
}

func NewRouter(d Deps) *chi.Mux {
	redirects := &RedirectHandler{
		Resolver: d.Resolver,
		Proof:    d.Proof,
		Recorder: d.Recorder,
		Cfg:      d.Cfg,
		Log:      d.Log,
	}
	tracker := &TrackHandler{Buffer: d.Buffer, Resolver: d.Resolver, Cfg: d.Cfg, Log: d.Log}
	reports := &AnalyticsHandler{
		DB:         d.DB,
		Aggregator: d.Aggregator,
		Retention:  d.Cfg.Analytics.Retention,
		TopN:       d.Cfg.Analytics.TopN,
		Log:        d.Log,
		now:        time.Now,
	}
	linkHandler := &LinkHandler{Links: d.Links, Cfg: d.Cfg, Log: d.Log}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(d.Log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(d.Limiter.Middleware(ratelimit.Standard))
			r.Get("/redirect/{slug}", redirects.Resolve)
			r.Post("/redirect/{slug}/verify", redirects.Verify)
		})

		r.With(d.Limiter.Middleware(ratelimit.FastPath)).Post("/analytics/track", tracker.Track)
		r.With(d.Limiter.Middleware(ratelimit.TempCreation)).Post("/temp-links", linkHandler.CreateTemp)

		r.Group(func(r chi.Router) {
			r.Use(d.Limiter.Middleware(ratelimit.FastPath))
			r.Use(AuthMiddleware(d.Cfg.APIKey, d.Sessions, d.Log))
			r.Route("/workspace/{workspace}/analytics", func(r chi.Router) {
				r.Get("/", reports.Overview)
				r.Get("/device", reports.Device)
				r.Get("/geo", reports.Geo)
				r.Get("/referrers", reports.Referrers)
				r.Get("/chart", reports.Chart)
			})
			r.Get("/links/{slug}/qr", linkHandler.QRCode)
		})
	})

	r.With(d.Limiter.Middleware(ratelimit.Standard)).Get("/{slug}", redirects.Redirect)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
