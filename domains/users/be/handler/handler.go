package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edumesh/edumesh-server/domains/users/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

// Handler exposes tenant account administration. Mounted under
// /api/v1/tenant/users by the API wiring.
type Handler struct {
	svc      *service.Service
	validate *validator.Validate
}

func New(svc *service.Service) *Handler {
	if svc == nil {
		panic("users service is required")
	}
	return &Handler{svc: svc, validate: validator.New()}
}

// Routes wires account administration behind the supplied permission
// middleware.
func (h *Handler) Routes(requireManage func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(requireManage)
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Patch("/{id}", h.update)
	r.Post("/{id}/deactivate", h.deactivate)
	r.Post("/{id}/reactivate", h.reactivate)
	r.Post("/{id}/reset-password", h.resetPassword)
	return r
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in service.CreateInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Error(w, r, apperr.Validation("VALIDATION_ERROR", "email, first name and an initial password of at least 8 characters are required"))
		return
	}

	user, err := h.svc.Create(r.Context(), in)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, user)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.List(r.Context(), service.ListOptions{
		Search:   r.URL.Query().Get("search"),
		Status:   r.URL.Query().Get("status"),
		Page:     httpx.QueryInt(r, "page", 1),
		PageSize: httpx.QueryInt(r, "pageSize", 25),
	})
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	user, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	var in service.UpdateInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.Error(w, r, err)
		return
	}
	user, err := h.svc.Update(r.Context(), id, in)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	tenantID := ""
	if identity, ok := tenant.FromContext(r.Context()); ok {
		tenantID = identity.ID.String()
	}
	if err := h.svc.Deactivate(r.Context(), tenantID, id); err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSONMessage(w, http.StatusOK, "user deactivated", nil)
}

func (h *Handler) reactivate(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := h.svc.Reactivate(r.Context(), id); err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSONMessage(w, http.StatusOK, "user reactivated", nil)
}

type resetPasswordRequest struct {
	TemporaryPassword string `json:"temporaryPassword" validate:"required,min=8"`
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	var in resetPasswordRequest
	if err := httpx.Decode(r, &in); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Error(w, r, apperr.Validation("VALIDATION_ERROR", "temporaryPassword of at least 8 characters is required"))
		return
	}
	if err := h.svc.ResetPassword(r.Context(), id, in.TemporaryPassword); err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSONMessage(w, http.StatusOK, "temporary password set", nil)
}

func parseID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("INVALID_ID", "user id must be a uuid")
	}
	return id, nil
}
