package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/logging"
)

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Errors  []ErrorBody `json:"errors,omitempty"`
}

// ErrorBody represents one error in the envelope.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// JSON sends a success envelope with the given status code.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, Response{
		Success: statusCode >= 200 && statusCode < 300,
		Data:    data,
	})
}

// JSONMessage sends a success envelope carrying a human-readable message.
func JSONMessage(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	writeJSON(w, statusCode, Response{
		Success: statusCode >= 200 && statusCode < 300,
		Message: message,
		Data:    data,
	})
}

// Error is the single HTTP-edge error translator. It maps the tagged error
// to a status code and client-safe body; the full chain goes to the logs
// only. Stack traces, SQL and schema names never reach the client.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperr.From(err)

	logger := logging.FromRequest(r, nil)
	if logger != nil {
		fields := []zap.Field{
			zap.String("error_kind", string(appErr.Kind)),
			zap.String("error_code", appErr.Code),
			zap.Error(err),
		}
		if appErr.Kind == apperr.KindInternal {
			logger.Error("request failed", fields...)
		} else {
			logger.Warn("request rejected", fields...)
		}
	}

	writeJSON(w, appErr.HTTPStatus(), Response{
		Success: false,
		Message: appErr.Message,
		Errors: []ErrorBody{{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		}},
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// QueryInt reads an integer query parameter, falling back on absence or
// garbage.
func QueryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// Decode parses a JSON request body into dst with unknown fields rejected.
func Decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("INVALID_BODY", "request body is not valid JSON for this operation")
	}
	return nil
}
