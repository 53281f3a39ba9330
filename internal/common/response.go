package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody represents a consistent error payload returned by the API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// JSONAppError renders err in the canonical error shape. When status is zero the
// AppError's own HTTP status is used; callers that must always answer 200 pass
// http.StatusOK explicitly.
func JSONAppError(w http.ResponseWriter, status int, err error) {
	appErr := AsAppError(err)
	if appErr == nil {
		return
	}
	if status == 0 {
		status = appErr.HTTPStatus
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		// retryable even when reported with a 2xx/4xx status
		w.Header().Set(HeaderIdempotencyNoStore, "1")
	}
	JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
}
