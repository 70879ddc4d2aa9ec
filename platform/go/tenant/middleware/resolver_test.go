package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
	tenantmiddleware "github.com/edumesh/edumesh-server/platform/go/tenant/middleware"
)

type fakeRegistry struct {
	byID      map[uuid.UUID]tenant.Identity
	bySchema  map[string]tenant.Identity
	bySlug    map[string]tenant.Identity
	idLookups int
}

func newFakeRegistry(identities ...tenant.Identity) *fakeRegistry {
	r := &fakeRegistry{
		byID:     map[uuid.UUID]tenant.Identity{},
		bySchema: map[string]tenant.Identity{},
		bySlug:   map[string]tenant.Identity{},
	}
	for _, id := range identities {
		r.byID[id.ID] = id
		r.bySchema[id.SchemaName] = id
		r.bySlug[id.Slug] = id
	}
	return r
}

func (r *fakeRegistry) ByID(_ context.Context, id uuid.UUID) (tenant.Identity, error) {
	r.idLookups++
	if identity, ok := r.byID[id]; ok {
		return identity, nil
	}
	return tenant.Identity{}, apperr.NotFound("tenant")
}

func (r *fakeRegistry) BySchema(_ context.Context, schema string) (tenant.Identity, error) {
	if identity, ok := r.bySchema[schema]; ok {
		return identity, nil
	}
	return tenant.Identity{}, apperr.NotFound("tenant")
}

func (r *fakeRegistry) BySlug(_ context.Context, slug string) (tenant.Identity, error) {
	if identity, ok := r.bySlug[slug]; ok {
		return identity, nil
	}
	return tenant.Identity{}, apperr.NotFound("tenant")
}

func boundTenantHandler(t *testing.T, want tenant.Identity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := tenant.FromContext(r.Context())
		require.True(t, ok, "tenant identity missing downstream of resolver")
		assert.Equal(t, want.ID, identity.ID)
		assert.Equal(t, want.SchemaName, identity.SchemaName)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestBearerClaimResolvesThroughAuthenticatorChain(t *testing.T) {
	identity := tenant.Identity{
		ID:         uuid.New(),
		SchemaName: "school_dps_rohini",
		Slug:       "dps-rohini",
		Status:     tenant.StatusActive,
	}
	registry := newFakeRegistry(identity)

	tokens := platformauth.NewManager(platformauth.TokenConfig{Secret: "test-secret", Issuer: "edumesh-test"})
	pair, err := tokens.GenerateTokenPair(platformauth.TokenUser{
		ID:           uuid.New().String(),
		Email:        "admin@dps-rohini.example",
		Roles:        []string{"admin"},
		TenantID:     identity.ID.String(),
		TenantSchema: identity.SchemaName,
	}, uuid.New().String())
	require.NoError(t, err)

	// Production order: authenticator attaches the principal, then the
	// resolver reads the tenant claim from it.
	chain := platformauth.Authenticator(tokens, nil)(
		tenantmiddleware.Resolver(registry, tenantmiddleware.Config{})(
			boundTenantHandler(t, identity)))

	// No subdomain, no cookie, no schema header: the bearer claim is the
	// only resolution source.
	req := httptest.NewRequest(http.MethodGet, "http://api.internal/api/v1/tenant/users", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBearerClaimUsesIdentityCache(t *testing.T) {
	identity := tenant.Identity{
		ID: uuid.New(), SchemaName: "school_cache", Slug: "cache", Status: tenant.StatusActive,
	}
	registry := newFakeRegistry(identity)

	tokens := platformauth.NewManager(platformauth.TokenConfig{Secret: "test-secret", Issuer: "edumesh-test"})
	pair, err := tokens.GenerateTokenPair(platformauth.TokenUser{
		ID: uuid.New().String(), TenantID: identity.ID.String(), TenantSchema: identity.SchemaName,
	}, uuid.New().String())
	require.NoError(t, err)

	chain := platformauth.Authenticator(tokens, nil)(
		tenantmiddleware.Resolver(registry, tenantmiddleware.Config{CacheTTL: time.Minute})(
			boundTenantHandler(t, identity)))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://api.internal/", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Equal(t, 1, registry.idLookups)
}

func TestSubdomainAndCookieFallbacks(t *testing.T) {
	identity := tenant.Identity{
		ID: uuid.New(), SchemaName: "school_sub", Slug: "greenfield", Status: tenant.StatusActive,
	}
	registry := newFakeRegistry(identity)

	resolver := tenantmiddleware.Resolver(registry, tenantmiddleware.Config{RootDomain: "edumesh.in"})

	req := httptest.NewRequest(http.MethodGet, "http://greenfield.edumesh.in/", nil)
	rec := httptest.NewRecorder()
	resolver(boundTenantHandler(t, identity)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "http://api.internal/", nil)
	req.AddCookie(&http.Cookie{Name: "tenant_id", Value: identity.ID.String()})
	rec = httptest.NewRecorder()
	resolver(boundTenantHandler(t, identity)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUnresolvedTenantRejected(t *testing.T) {
	registry := newFakeRegistry()
	resolver := tenantmiddleware.Resolver(registry, tenantmiddleware.Config{})

	req := httptest.NewRequest(http.MethodGet, "http://api.internal/", nil)
	rec := httptest.NewRecorder()
	resolver(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without a resolved tenant")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), apperr.CodeTenantUnresolved)
}

func TestSuspendedTenantRejected(t *testing.T) {
	identity := tenant.Identity{
		ID: uuid.New(), SchemaName: "school_frozen", Slug: "frozen", Status: tenant.StatusSuspended,
	}
	registry := newFakeRegistry(identity)
	resolver := tenantmiddleware.Resolver(registry, tenantmiddleware.Config{})

	req := httptest.NewRequest(http.MethodGet, "http://api.internal/", nil)
	req.AddCookie(&http.Cookie{Name: "tenant_id", Value: identity.ID.String()})
	rec := httptest.NewRecorder()
	resolver(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run for a suspended tenant")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
