package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edumesh/edumesh-server/domains/tenants/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// Handler exposes the platform-operator tenant registry API.
type Handler struct {
	svc      *service.Service
	validate *validator.Validate
}

func New(svc *service.Service) *Handler {
	if svc == nil {
		panic("tenants service is required")
	}
	return &Handler{svc: svc, validate: validator.New()}
}

// Routes mounts under /api/v1/platform/tenants.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/suspend", h.suspend)
	r.Post("/{id}/activate", h.activate)
	r.Post("/schema/{schema}/provision", h.provision)
	return r
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in service.CreateInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Error(w, r, apperr.Validation("VALIDATION_ERROR", err.Error()))
		return
	}

	inst, provision, err := h.svc.Create(r.Context(), in)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"institution":  inst,
		"provisioning": provision,
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	opts := service.ListOptions{
		Page:     httpx.QueryInt(r, "page", 1),
		PageSize: httpx.QueryInt(r, "pageSize", 20),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := tenant.Status(raw)
		opts.Status = &status
	}

	result, err := h.svc.List(r.Context(), opts)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, r, apperr.Validation("INVALID_ID", "tenant id is not a valid uuid"))
		return
	}
	inst, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inst)
}

func (h *Handler) suspend(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.svc.Suspend)
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.svc.Activate)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id uuid.UUID) error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, r, apperr.Validation("INVALID_ID", "tenant id is not a valid uuid"))
		return
	}
	if err := apply(r.Context(), id); err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSONMessage(w, http.StatusOK, "status updated", nil)
}

func (h *Handler) provision(w http.ResponseWriter, r *http.Request) {
	schema := chi.URLParam(r, "schema")
	result, err := h.svc.Provision(r.Context(), schema)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
