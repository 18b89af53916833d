package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	qrcode "github.com/yeqown/go-qrcode/v2"
	"github.com/yeqown/go-qrcode/writer/standard"

	"github.com/slugy/edge/internal/config"
	"github.com/slugy/edge/internal/links"
)

type LinkHandler struct {
	Links *links.Service
	Cfg   *config.Config
	Log   logrus.FieldLogger
}

type tempLinkRequest struct {
	URL string `json:"url"`
}

type tempLinkResponse struct {
	Slug      string    `json:"slug"`
	ShortURL  string    `json:"shortUrl"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateTemp serves POST /api/temp-links: an anonymous link on the default
// domain that stops resolving after the configured TTL.
func (h *LinkHandler) CreateTemp(w http.ResponseWriter, r *http.Request) {
	var req tempLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	link, err := h.Links.CreateTemporary(r.Context(), h.Cfg.DefaultDomain(), strings.TrimSpace(req.URL), h.Cfg.TempLinkTTL)
	if errors.Is(err, links.ErrInvalidURL) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.Log.WithError(err).Error("links: create temporary link")
		jsonError(w, "failed to create link", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, tempLinkResponse{
		Slug:      link.Slug,
		ShortURL:  link.ShortURL(),
		URL:       link.URL,
		ExpiresAt: *link.ExpiresAt,
	})
}

var hexColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// QRCode serves GET /api/links/{slug}/qr as a PNG. The encoded URL carries
// qr=1 so scans are classified as QR visits.
func (h *LinkHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	domain := strings.ToLower(r.URL.Query().Get("domain"))
	if domain == "" {
		domain = h.Cfg.DefaultDomain()
	}

	link, err := h.Links.BySlug(r.Context(), domain, slug)
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Log.WithError(err).Error("links: qr lookup")
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	opts := []standard.ImageOption{
		standard.WithBuiltinImageEncoder(standard.PNG_FORMAT),
		standard.WithQRWidth(10),
		standard.WithBorderWidth(20),
		standard.WithBgTransparent(),
	}
	if r.URL.Query().Get("shape") == "circle" {
		opts = append(opts, standard.WithCircleShape())
	}
	if fg := r.URL.Query().Get("fg"); hexColorRe.MatchString(fg) {
		opts = append(opts, standard.WithFgColorRGBHex(fg))
	}

	qrc, err := qrcode.New(link.ShortURL() + "?qr=1")
	if err != nil {
		jsonError(w, "failed to generate qr code", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := qrc.Save(standard.NewWithWriter(nopCloser{&buf}, opts...)); err != nil {
		jsonError(w, "failed to render qr code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if r.URL.Query().Get("dl") == "1" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+link.Slug+`-qr.png"`)
	}
	w.Write(buf.Bytes())
}
