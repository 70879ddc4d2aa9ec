package guard

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/domains/rbac/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
	"github.com/edumesh/edumesh-server/platform/go/logging"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// Guard builds per-route permission middleware. There is no implicit admin
// bypass: a route that wants one must list the admin-only permission
// explicitly.
type Guard struct {
	svc     *service.Service
	metrics *metrics.Registry
	// strictLog logs denials without enforcing them. Rollout aid only;
	// tenant isolation is enforced elsewhere regardless of this flag.
	strictLog bool
}

func New(svc *service.Service, reg *metrics.Registry, strictLog bool) *Guard {
	return &Guard{svc: svc, metrics: reg, strictLog: strictLog}
}

// RequireAny passes when the actor holds at least one of the given keys.
func (g *Guard) RequireAny(keys ...string) func(http.Handler) http.Handler {
	return g.require(keys, func(set service.PermissionSet) bool {
		return set.HasAny(keys...)
	})
}

// RequireAll passes only when the actor holds every given key.
func (g *Guard) RequireAll(keys ...string) func(http.Handler) http.Handler {
	return g.require(keys, func(set service.PermissionSet) bool {
		return set.HasAll(keys...)
	})
}

func (g *Guard) require(keys []string, check func(service.PermissionSet) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := platformauth.PrincipalFromContext(r.Context())
			if !ok {
				httpx.Error(w, r, apperr.AuthN("UNAUTHENTICATED", "authentication required"))
				return
			}
			identity, ok := tenant.FromContext(r.Context())
			if !ok {
				httpx.Error(w, r, apperr.TenantBoundary(apperr.CodeTenantBindingMissing, "no tenant bound to request"))
				return
			}
			userID, err := uuid.Parse(principal.UserID)
			if err != nil {
				httpx.Error(w, r, apperr.AuthN("INVALID_TOKEN", "subject claim is not a valid uuid"))
				return
			}

			set, err := g.svc.Resolve(r.Context(), identity.ID.String(), userID)
			if err != nil {
				httpx.Error(w, r, err)
				return
			}

			if !check(set) {
				g.metrics.Inc(metrics.CtrRBACDenies)
				logger := logging.FromRequest(r, nil)
				if logger != nil {
					logger.Warn("permission denied",
						zap.Strings("required", keys),
						zap.Bool("enforced", !g.strictLog),
					)
				}
				if !g.strictLog {
					httpx.Error(w, r, apperr.AuthZ("you do not have permission to perform this action"))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
