package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/slugy/edge/internal/session"
)

// AuthMiddleware admits requests that carry the API key or a live dashboard
// session cookie. A session lookup error denies.
func AuthMiddleware(apiKey string, sessions *session.Presence, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get("X-API-Key"); key != "" {
				if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
				jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if c, err := r.Cookie(session.CookieName); err == nil && sessions != nil {
				active, err := sessions.Active(r.Context(), c.Value)
				if err != nil {
					log.WithError(err).Warn("auth: session lookup failed")
				}
				if active {
					next.ServeHTTP(w, r)
					return
				}
			}
			jsonError(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

// RequestLogger logs one line per request. Server errors log at error level.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			entry := log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start).String(),
				"remote":   r.RemoteAddr,
			})
			if id := chimiddleware.GetReqID(r.Context()); id != "" {
				entry = entry.WithField("request_id", id)
			}
			if ww.Status() >= http.StatusInternalServerError {
				entry.Error("http: request failed")
				return
			}
			entry.Debug("http: request")
		})
	}
}
