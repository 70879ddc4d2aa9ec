package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/edumesh/edumesh-server/domains/rbac/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// Handler exposes role and grant management inside a tenant. Mutations
// invalidate the permission cache through the service.
type Handler struct {
	svc *service.Service
}

func New(svc *service.Service) *Handler {
	if svc == nil {
		panic("rbac service is required")
	}
	return &Handler{svc: svc}
}

// Routes mounts under /api/v1/tenant/rbac.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Put("/roles/{roleId}/permissions", h.updateRolePermissions)
	r.Post("/users/{userId}/roles/{roleId}", h.assignRole)
	r.Delete("/users/{userId}/roles/{roleId}", h.removeRole)
	r.Post("/users/{userId}/permissions", h.grantPermission)
	r.Delete("/users/{userId}/permissions/{key}", h.revokePermission)
	return r
}

type updatePermissionsRequest struct {
	PermissionKeys []string `json:"permissionKeys"`
}

type grantRequest struct {
	PermissionKey string `json:"permissionKey"`
}

func (h *Handler) updateRolePermissions(w http.ResponseWriter, r *http.Request) {
	identity, ok := tenant.FromContext(r.Context())
	if !ok {
		httpx.Error(w, r, apperr.TenantBoundary(apperr.CodeTenantBindingMissing, "no tenant bound to request"))
		return
	}
	roleID, err := uuid.Parse(chi.URLParam(r, "roleId"))
	if err != nil {
		httpx.Error(w, r, apperr.Validation("INVALID_ID", "role id is not a valid uuid"))
		return
	}
	var req updatePermissionsRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := h.svc.UpdateRolePermissions(r.Context(), identity.ID.String(), roleID, req.PermissionKeys); err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSONMessage(w, http.StatusOK, "role permissions updated", nil)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	h.roleMutation(w, r, h.svc.AssignRole, "role assigned")
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	h.roleMutation(w, r, h.svc.RemoveRole, "role removed")
}

func (h *Handler) roleMutation(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, tenantID string, userID, roleID uuid.UUID) error, message string) {
	identity, userID, ok := h.tenantAndUser(w, r)
	if !ok {
		return
	}
	roleID, err := uuid.Parse(chi.URLParam(r, "roleId"))
	if err != nil {
		httpx.Error(w, r, apperr.Validation("INVALID_ID", "role id is not a valid uuid"))
		return
	}
	if err := apply(r.Context(), identity.ID.String(), userID, roleID); err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSONMessage(w, http.StatusOK, message, nil)
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	identity, userID, ok := h.tenantAndUser(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if req.PermissionKey == "" {
		httpx.Error(w, r, apperr.Validation("VALIDATION_ERROR", "permissionKey is required"))
		return
	}
	if err := h.svc.GrantUserPermission(r.Context(), identity.ID.String(), userID, req.PermissionKey); err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSONMessage(w, http.StatusOK, "permission granted", nil)
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	identity, userID, ok := h.tenantAndUser(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.svc.RevokeUserPermission(r.Context(), identity.ID.String(), userID, key); err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSONMessage(w, http.StatusOK, "permission revoked", nil)
}

func (h *Handler) tenantAndUser(w http.ResponseWriter, r *http.Request) (tenant.Identity, uuid.UUID, bool) {
	identity, ok := tenant.FromContext(r.Context())
	if !ok {
		httpx.Error(w, r, apperr.TenantBoundary(apperr.CodeTenantBindingMissing, "no tenant bound to request"))
		return tenant.Identity{}, uuid.Nil, false
	}
	userID, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		httpx.Error(w, r, apperr.Validation("INVALID_ID", "user id is not a valid uuid"))
		return tenant.Identity{}, uuid.Nil, false
	}
	return identity, userID, true
}
