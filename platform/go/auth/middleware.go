package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
	"github.com/edumesh/edumesh-server/platform/go/logging"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
	"github.com/edumesh/edumesh-server/platform/go/requesttrace"
)

// passwordChangePath is the one route a must-change-password user may still
// reach; everything else is redirected there.
const passwordChangePath = "/api/v1/tenant/auth/change-password"

// BearerToken extracts the bearer credential from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), parts[1] != ""
}

// Authenticator validates the bearer credential when present and attaches
// the Principal plus audit info to the context. Requests without a token
// pass through unauthenticated; RequireAuth decides whether that is fatal.
func Authenticator(manager *Manager, reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, found := BearerToken(r)
			if !found {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			claims, err := manager.ValidateAccessToken(token)
			if reg != nil {
				reg.Observe(metrics.HistAuthLatency, float64(time.Since(start).Microseconds())/1000)
			}
			if err != nil {
				httpx.Error(w, r, err)
				return
			}

			principal := &Principal{
				UserID:             claims.UserID,
				Email:              claims.Email,
				Roles:              claims.Roles,
				TenantID:           claims.TenantID,
				TenantSchema:       claims.TenantSchema,
				SessionID:          claims.SessionID,
				MustChangePassword: claims.MustChangePassword,
			}

			if principal.MustChangePassword && r.URL.Path != passwordChangePath {
				httpx.Error(w, r, apperr.AuthN(apperr.CodePasswordChange, "password change required before continuing"))
				return
			}

			requestID := middleware.GetReqID(r.Context())
			ctx := WithPrincipal(r.Context(), principal)
			ctx = requesttrace.IntoContext(ctx, requesttrace.User(principal.UserID, principal.TenantID, requestID))

			if logger, ok := logging.FromContext(ctx); ok {
				logger = logger.With(
					zap.String("user_id", principal.UserID),
					zap.String("tenant_id", principal.TenantID),
				)
				ctx = logging.WithLogger(ctx, logger)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests that have no authenticated principal.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			httpx.Error(w, r, apperr.AuthN("MISSING_CREDENTIAL", "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
