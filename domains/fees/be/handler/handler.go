package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edumesh/edumesh-server/domains/fees/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
)

// Handler exposes the fee payment endpoints. Mounted under
// /api/v2/school/fees by the API wiring.
type Handler struct {
	svc      *service.Service
	validate *validator.Validate
}

func New(svc *service.Service) *Handler {
	if svc == nil {
		panic("fees service is required")
	}
	return &Handler{svc: svc, validate: validator.New()}
}

// Routes wires the payment endpoints behind the supplied permission
// middlewares (collect, view, refund).
func (h *Handler) Routes(requireCollect, requireView, requireRefund func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(requireCollect).Post("/payments", h.collect)
	r.With(requireView).Get("/payments", h.payments)
	r.With(requireView).Get("/payments/{id}", h.payment)
	r.With(requireRefund).Post("/payments/{id}/refund", h.refund)
	r.With(requireView).Get("/students/{studentId}/payments", h.studentPayments)
	return r
}

func (h *Handler) payments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.svc.Payments(r.Context(),
		httpx.QueryInt(r, "limit", 50), httpx.QueryInt(r, "offset", 0))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if payments == nil {
		payments = []service.Payment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments, "count": len(payments)})
}

func (h *Handler) collect(w http.ResponseWriter, r *http.Request) {
	var in service.CollectInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Error(w, r, apperr.Validation("VALIDATION_ERROR", "missing or malformed payment fields"))
		return
	}
	if principal, ok := platformauth.PrincipalFromContext(r.Context()); ok {
		if userID, err := uuid.Parse(principal.UserID); err == nil {
			in.CollectedBy = &userID
		}
	}

	result, err := h.svc.Collect(r.Context(), in)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	// A replay of an idempotency key returns the original payment with 200;
	// only fresh captures are 201.
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, result.Payment)
}

func (h *Handler) payment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, r, apperr.Validation("INVALID_ID", "payment id must be a uuid"))
		return
	}
	payment, err := h.svc.Payment(r.Context(), id)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, r, apperr.Validation("INVALID_ID", "payment id must be a uuid"))
		return
	}

	var in service.RefundInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Error(w, r, apperr.Validation("VALIDATION_ERROR", "reason is required"))
		return
	}
	if principal, ok := platformauth.PrincipalFromContext(r.Context()); ok {
		if userID, err := uuid.Parse(principal.UserID); err == nil {
			in.ApprovedBy = &userID
		}
	}

	refund, err := h.svc.Refund(r.Context(), id, in)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, refund)
}

func (h *Handler) studentPayments(w http.ResponseWriter, r *http.Request) {
	studentID, err := uuid.Parse(chi.URLParam(r, "studentId"))
	if err != nil {
		httpx.Error(w, r, apperr.Validation("INVALID_ID", "student id must be a uuid"))
		return
	}
	payments, err := h.svc.StudentPayments(r.Context(),
		studentID, httpx.QueryInt(r, "limit", 50), httpx.QueryInt(r, "offset", 0))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if payments == nil {
		payments = []service.Payment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments, "count": len(payments)})
}
