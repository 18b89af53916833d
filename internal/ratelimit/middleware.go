package ratelimit

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ClientKey identifies the caller by IP. chi's RealIP middleware has already
// rewritten RemoteAddr from X-Forwarded-For / X-Real-IP when it runs first.
func ClientKey(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Middleware checks every request against scope before passing it on.
func (l *Limiter) Middleware(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Check(r.Context(), scope, ClientKey(r))
			if err != nil {
				if errors.Is(err, ErrBackendUnavailable) {
					w.Header().Set("Retry-After", "60")
					writeError(w, "rate limiter unavailable", http.StatusServiceUnavailable)
					return
				}
				writeError(w, "internal error", http.StatusInternalServerError)
				return
			}
			SetHeaders(w, d)
			if !d.Admitted {
				writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the X-RateLimit-* headers for d, plus Retry-After when
// the request was rejected.
func SetHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Admitted {
		secs := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
