package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// Registry is the minimal lookup capability required to resolve a tenant
// Identity. Implemented by the tenant registry repository.
type Registry interface {
	ByID(ctx context.Context, id uuid.UUID) (tenant.Identity, error)
	BySchema(ctx context.Context, schema string) (tenant.Identity, error)
	BySlug(ctx context.Context, slug string) (tenant.Identity, error)
}

// Config controls resolver behavior.
type Config struct {
	// RootDomain is stripped from the Host header to derive the subdomain.
	RootDomain string
	// TrustSchemaHeader permits x-schema-name resolution. Only test
	// harness deployments may enable it; the header must still be paired
	// with a matching x-tenant-id.
	TrustSchemaHeader bool
	// CacheTTL enables a small in-memory cache; zero disables caching.
	CacheTTL time.Duration
}

// Resolver attaches a frozen tenant Identity to the request context,
// trying sources in priority order: privileged schema header, bearer
// claim, host subdomain, cookie.
func Resolver(registry Registry, cfg Config) func(http.Handler) http.Handler {
	if registry == nil {
		panic("tenant resolver: registry is required")
	}

	var cache *identityCache
	if cfg.CacheTTL > 0 {
		cache = newIdentityCache(cfg.CacheTTL)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := resolve(registry, cfg, cache, r)
			if err != nil {
				httpx.Error(w, r, err)
				return
			}
			if identity.Status == tenant.StatusSuspended {
				httpx.Error(w, r, apperr.AuthZ("tenant is suspended"))
				return
			}

			ctx := tenant.WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolve(registry Registry, cfg Config, cache *identityCache, r *http.Request) (tenant.Identity, error) {
	// 1. Privileged schema header, gated and cross-checked.
	if schema := r.Header.Get("x-schema-name"); schema != "" && cfg.TrustSchemaHeader {
		if err := tenant.ValidateSchemaName(schema); err != nil {
			return tenant.Identity{}, err
		}
		identity, err := registry.BySchema(r.Context(), schema)
		if err != nil {
			return tenant.Identity{}, apperr.TenantBoundary(apperr.CodeTenantUnresolved, "unknown tenant schema")
		}
		claimed := r.Header.Get("x-tenant-id")
		if claimed == "" || claimed != identity.ID.String() {
			return tenant.Identity{}, apperr.TenantBoundary(apperr.CodeTenantMismatch, "schema header does not match tenant id header")
		}
		return identity, nil
	}

	// 2. Bearer claim.
	if principal, ok := platformauth.PrincipalFromContext(r.Context()); ok && principal.TenantID != "" {
		tid, err := uuid.Parse(principal.TenantID)
		if err != nil {
			return tenant.Identity{}, apperr.TenantBoundary(apperr.CodeTenantUnresolved, "invalid tenant claim")
		}
		if cached, ok := cache.get(tid); ok {
			return cached, nil
		}
		identity, err := registry.ByID(r.Context(), tid)
		if err != nil {
			return tenant.Identity{}, apperr.TenantBoundary(apperr.CodeTenantUnresolved, "unknown tenant")
		}
		cache.put(identity)
		return identity, nil
	}

	// 3. Host subdomain.
	if cfg.RootDomain != "" {
		host := r.Host
		if idx := strings.Index(host, ":"); idx >= 0 {
			host = host[:idx]
		}
		if suffix := "." + cfg.RootDomain; strings.HasSuffix(host, suffix) {
			slug := strings.TrimSuffix(host, suffix)
			if slug != "" && !strings.Contains(slug, ".") {
				if identity, err := registry.BySlug(r.Context(), slug); err == nil {
					return identity, nil
				}
			}
		}
	}

	// 4. Cookie fallback.
	if cookie, err := r.Cookie("tenant_id"); err == nil && cookie.Value != "" {
		if tid, err := uuid.Parse(cookie.Value); err == nil {
			if identity, err := registry.ByID(r.Context(), tid); err == nil {
				return identity, nil
			}
		}
	}

	return tenant.Identity{}, apperr.TenantBoundary(apperr.CodeTenantUnresolved, "tenant could not be resolved for this request")
}

type identityCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[uuid.UUID]cacheItem
}

type cacheItem struct {
	identity  tenant.Identity
	expiresAt time.Time
}

func newIdentityCache(ttl time.Duration) *identityCache {
	return &identityCache{ttl: ttl, items: make(map[uuid.UUID]cacheItem)}
}

func (c *identityCache) get(id uuid.UUID) (tenant.Identity, bool) {
	if c == nil {
		return tenant.Identity{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok || time.Now().After(item.expiresAt) {
		return tenant.Identity{}, false
	}
	return item.identity, true
}

func (c *identityCache) put(identity tenant.Identity) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[identity.ID] = cacheItem{identity: identity, expiresAt: time.Now().Add(c.ttl)}
}
