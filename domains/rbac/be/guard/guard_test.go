package guard_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/domains/rbac/be/guard"
	"github.com/edumesh/edumesh-server/domains/rbac/be/service"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

type staticRepo struct {
	perms []string
}

func (s *staticRepo) EffectivePermissions(context.Context, uuid.UUID) ([]string, error) {
	return s.perms, nil
}
func (s *staticRepo) UpdateRolePermissions(context.Context, uuid.UUID, []string) error { return nil }
func (s *staticRepo) AssignRole(context.Context, uuid.UUID, uuid.UUID) error           { return nil }
func (s *staticRepo) RemoveRole(context.Context, uuid.UUID, uuid.UUID) error           { return nil }
func (s *staticRepo) GrantUserPermission(context.Context, uuid.UUID, string) error     { return nil }
func (s *staticRepo) RevokeUserPermission(context.Context, uuid.UUID, string) error    { return nil }

func newGuard(t *testing.T, perms []string, strictLog bool) (*guard.Guard, *metrics.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := metrics.NewRegistry()
	svc := service.NewService(&staticRepo{perms: perms}, service.NewRedisCache(rdb), reg, zap.NewNop())
	return guard.New(svc, reg, strictLog), reg
}

func authedRequest(t *testing.T) *http.Request {
	t.Helper()
	tenantID := uuid.New()
	identity := tenant.Identity{ID: tenantID, SchemaName: "tenant_demo", Status: tenant.StatusActive}
	principal := platformauth.Principal{
		UserID:       uuid.NewString(),
		TenantID:     tenantID.String(),
		TenantSchema: "tenant_demo",
	}

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	ctx := tenant.WithIdentity(r.Context(), identity)
	ctx = platformauth.WithPrincipal(ctx, &principal)
	return r.WithContext(ctx)
}

func passthrough() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), &called
}

func TestRequireAnyAllows(t *testing.T) {
	g, _ := newGuard(t, []string{"students.read"}, false)
	next, called := passthrough()

	rec := httptest.NewRecorder()
	g.RequireAny("students.read", "students.write")(next).ServeHTTP(rec, authedRequest(t))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *called)
}

func TestRequireAnyDenies(t *testing.T) {
	g, reg := newGuard(t, []string{"attendance.read"}, false)
	next, called := passthrough()

	rec := httptest.NewRecorder()
	g.RequireAny("students.write")(next).ServeHTTP(rec, authedRequest(t))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, *called)
	assert.EqualValues(t, 1, reg.CounterTotal(metrics.CtrRBACDenies))
}

func TestWildcardSatisfiesEverything(t *testing.T) {
	g, _ := newGuard(t, []string{service.Wildcard}, false)
	next, called := passthrough()

	rec := httptest.NewRecorder()
	g.RequireAll("fees.collect", "fees.refund")(next).ServeHTTP(rec, authedRequest(t))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *called)
}

func TestShadowModeLogsButPasses(t *testing.T) {
	g, reg := newGuard(t, nil, true)
	next, called := passthrough()

	rec := httptest.NewRecorder()
	g.RequireAny("students.write")(next).ServeHTTP(rec, authedRequest(t))

	assert.Equal(t, http.StatusOK, rec.Code, "shadow mode must not enforce")
	assert.True(t, *called)
	assert.EqualValues(t, 1, reg.CounterTotal(metrics.CtrRBACDenies), "denies are still counted")
}

func TestUnauthenticatedRejected(t *testing.T) {
	g, _ := newGuard(t, []string{service.Wildcard}, false)
	next, called := passthrough()

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()
	g.RequireAny("students.read")(next).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, *called)
}

func TestMissingTenantBindingRejected(t *testing.T) {
	g, _ := newGuard(t, []string{service.Wildcard}, false)
	next, called := passthrough()

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	ctx := platformauth.WithPrincipal(r.Context(), &platformauth.Principal{UserID: uuid.NewString()})
	rec := httptest.NewRecorder()
	g.RequireAny("students.read")(next).ServeHTTP(rec, r.WithContext(ctx))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, *called)
}
