package middleware

import (
	"net/http"
	"strings"
)

// SecurityHeaders sets the standard hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// BodyLimit bounds request body size; oversized bodies fail during decode.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Sanitize collapses repeated query parameters (HTTP parameter pollution)
// to their first value and strips null bytes from query input. Body-level
// sanitation is the decoder's job: unknown fields are rejected there.
func Sanitize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		changed := false
		for key, values := range query {
			if len(values) > 1 {
				query[key] = values[:1]
				changed = true
			}
			if strings.ContainsRune(query[key][0], 0) {
				query[key] = []string{strings.ReplaceAll(query[key][0], "\x00", "")}
				changed = true
			}
		}
		if changed {
			r.URL.RawQuery = query.Encode()
		}
		next.ServeHTTP(w, r)
	})
}
