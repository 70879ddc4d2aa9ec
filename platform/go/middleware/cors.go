package middleware

import (
	"fmt"
	"net/http"

	"github.com/go-chi/cors"
)

// CORS builds the CORS middleware. A wildcard origin is refused outright in
// production; startup must abort rather than serve with it.
func CORS(origin, environment string) (func(http.Handler) http.Handler, error) {
	if environment == "production" && (origin == "*" || origin == "") {
		return nil, fmt.Errorf("CORS_ORIGIN must name explicit origins in production, got %q", origin)
	}
	if origin == "" {
		origin = "*"
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{origin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "x-tenant-id", "x-schema-name", "x-academic-session-id"},
		AllowCredentials: origin != "*",
		MaxAge:           300,
	}), nil
}
