package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
	"github.com/edumesh/edumesh-server/platform/go/logging"
	"github.com/edumesh/edumesh-server/platform/go/redflag"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// IsolationGuard runs after the resolver and authenticator. It compares the
// bound schema against every tenant identifier the principal carries; any
// disagreement is rejected and raised as a P0 flag. This check is enforced
// unconditionally, including in RBAC shadow mode.
func IsolationGuard(evaluator *redflag.Evaluator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, bound := tenant.FromContext(r.Context())
			principal, authed := platformauth.PrincipalFromContext(r.Context())
			if !bound || !authed {
				next.ServeHTTP(w, r)
				return
			}

			mismatch := ""
			if principal.TenantSchema != "" && principal.TenantSchema != identity.SchemaName {
				mismatch = "token schema does not match bound schema"
			}
			if principal.TenantID != "" && principal.TenantID != identity.ID.String() {
				mismatch = "token tenant does not match bound tenant"
			}

			if mismatch != "" {
				if logger := logging.FromRequest(r, nil); logger != nil {
					logger.Error("tenant isolation mismatch",
						zap.String("bound_schema", identity.SchemaName),
						zap.String("claimed_tenant", principal.TenantID),
					)
				}
				if evaluator != nil {
					evaluator.RaiseIsolationMismatch(principal.TenantID, mismatch)
				}
				httpx.Error(w, r, apperr.TenantBoundary(apperr.CodeTenantMismatch, "tenant mismatch"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
