package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edumesh/edumesh-server/domains/auth/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
)

// Handler exposes the tenant auth endpoints.
type Handler struct {
	svc      *service.Service
	validate *validator.Validate
}

func New(svc *service.Service) *Handler {
	if svc == nil {
		panic("auth service is required")
	}
	return &Handler{svc: svc, validate: validator.New()}
}

// Routes mounts under /api/v1/tenant/auth. Login and refresh are open;
// logout and change-password need a valid access token.
func (h *Handler) Routes(requireAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.login)
	r.Post("/refresh", h.refresh)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/logout", h.logout)
		r.Post("/change-password", h.changePassword)
	})
	return r
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var in service.LoginInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Error(w, r, apperr.Validation("VALIDATION_ERROR", "email and password are required"))
		return
	}
	in.UserAgent = r.UserAgent()
	in.IPAddress = r.RemoteAddr

	result, err := h.svc.Login(r.Context(), in)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"accessToken":        result.Tokens.AccessToken,
		"refreshToken":       result.Tokens.RefreshToken,
		"expiresAt":          result.Tokens.ExpiresAt,
		"tokenType":          result.Tokens.TokenType,
		"userId":             result.UserID,
		"email":              result.Email,
		"roles":              result.Roles,
		"mustChangePassword": result.MustChangePassword,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		httpx.Error(w, r, apperr.Validation("VALIDATION_ERROR", "refreshToken is required"))
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pair)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	_, sessionID, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	if err := h.svc.Logout(r.Context(), sessionID); err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSONMessage(w, http.StatusOK, "logged out", nil)
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	principal, sessionID, ok := h.sessionFrom(w, r)
	if !ok {
		return
	}
	userID, err := uuid.Parse(principal.UserID)
	if err != nil {
		httpx.Error(w, r, apperr.AuthN("INVALID_TOKEN", "subject claim is not a valid uuid"))
		return
	}

	var in service.ChangePasswordInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Error(w, r, apperr.Validation("WEAK_PASSWORD", "new password must be at least 8 characters"))
		return
	}

	if err := h.svc.ChangePassword(r.Context(), userID, sessionID, in); err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSONMessage(w, http.StatusOK, "password changed", nil)
}

func (h *Handler) sessionFrom(w http.ResponseWriter, r *http.Request) (*platformauth.Principal, uuid.UUID, bool) {
	principal, ok := platformauth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, r, apperr.AuthN("UNAUTHENTICATED", "authentication required"))
		return nil, uuid.Nil, false
	}
	sessionID, err := uuid.Parse(principal.SessionID)
	if err != nil {
		httpx.Error(w, r, apperr.AuthN("INVALID_TOKEN", "session claim is not a valid uuid"))
		return nil, uuid.Nil, false
	}
	return principal, sessionID, true
}
