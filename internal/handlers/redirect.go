package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/slugy/edge/internal/analytics"
	"github.com/slugy/edge/internal/config"
	"github.com/slugy/edge/internal/passproof"
	"github.com/slugy/edge/internal/ratelimit"
	"github.com/slugy/edge/internal/resolver"
	"github.com/slugy/edge/internal/trigger"
)

type RedirectHandler struct {
	Resolver *resolver.Resolver
	Proof    *passproof.Issuer
	Recorder ClickRecorder
	Cfg      *config.Config
	Log      logrus.FieldLogger
}

// resolveResponse is the JSON form of a redirect decision. URL is null when
// there is nowhere to send the visitor yet.
type resolveResponse struct {
	URL              *string `json:"url"`
	Expired          bool    `json:"expired,omitempty"`
	RequiresPassword bool    `json:"requiresPassword,omitempty"`
}

func toResponse(res *resolver.Result) resolveResponse {
	out := resolveResponse{Expired: res.Expired, RequiresPassword: res.RequiresPassword}
	if res.URL != "" {
		u := res.URL
		out.URL = &u
	}
	return out
}

// requestDomain is the Host header without its port, or the default domain
// when the host is not one we serve.
func (h *RedirectHandler) requestDomain(r *http.Request) string {
	host := r.Host
	if hp, _, err := net.SplitHostPort(host); err == nil {
		host = hp
	}
	host = strings.ToLower(host)
	if !h.Cfg.IsDomainAllowed(host) {
		return h.Cfg.DefaultDomain()
	}
	return host
}

// queryDomain reads ?domain= for the API variants.
func (h *RedirectHandler) queryDomain(r *http.Request) string {
	d := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("domain")))
	if d == "" {
		return h.Cfg.DefaultDomain()
	}
	return d
}

// Redirect serves GET /{slug}.
func (h *RedirectHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	domain := h.requestDomain(r)
	kind := trigger.Classify(trigger.FromHTTP(r))

	verified := h.Proof.FromRequest(r, domain, slug)
	res, err := h.Resolver.Resolve(r.Context(), domain, slug, verified)
	if err != nil {
		if errors.Is(err, resolver.ErrUnavailable) {
			h.Log.WithFields(logrus.Fields{"domain": domain, "slug": slug}).Warn("redirect: lookup unavailable, using fallback")
		}
		http.Redirect(w, r, h.Cfg.FallbackURL, http.StatusFound)
		return
	}

	if res.RequiresPassword {
		target := strings.TrimSuffix(h.Cfg.AppURL, "/") + "/password/" + url.PathEscape(slug) + "?domain=" + url.QueryEscape(domain)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	// expired hits still count; the click carries the expiration destination
	if kind != trigger.Prefetch {
		h.Recorder.Record(analytics.RawClick{
			LinkID:      res.LinkID,
			WorkspaceID: res.WorkspaceID,
			Slug:        slug,
			Domain:      domain,
			URL:         res.URL,
			ClickedAt:   time.Now().UTC(),
			IP:          ratelimit.ClientKey(r),
			UserAgent:   r.UserAgent(),
			Referer:     r.Referer(),
			Trigger:     kind,
			Query:       r.URL.Query(),
		})
	}

	http.Redirect(w, r, res.URL, http.StatusFound)
}

// Resolve serves GET /api/redirect/{slug}. It never records a click; the
// caller reports the visit through the track endpoint.
func (h *RedirectHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	domain := h.queryDomain(r)

	res, err := h.Resolver.Resolve(r.Context(), domain, slug, h.Proof.FromRequest(r, domain, slug))
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		writeJSON(w, http.StatusNotFound, resolveResponse{})
		return
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, resolveResponse{})
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

type verifyRequest struct {
	Password string `json:"password"`
}

// Verify serves POST /api/redirect/{slug}/verify. A correct password sets
// the proof cookie and returns the destination.
func (h *RedirectHandler) Verify(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	domain := h.queryDomain(r)

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	res, err := h.Resolver.Resolve(r.Context(), domain, slug, false)
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		jsonError(w, "not found", http.StatusNotFound)
		return
	case err != nil:
		jsonError(w, "link lookup unavailable", http.StatusServiceUnavailable)
		return
	}
	if !res.RequiresPassword {
		writeJSON(w, http.StatusOK, toResponse(res))
		return
	}

	if !passproof.CheckPassword(res.Link.Password, req.Password) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}
	token, err := h.Proof.Issue(domain, slug)
	if err != nil {
		h.Log.WithError(err).Error("redirect: issue password proof")
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, h.Proof.Cookie(slug, token))
	dest := res.Link.URL
	writeJSON(w, http.StatusOK, resolveResponse{URL: &dest})
}
