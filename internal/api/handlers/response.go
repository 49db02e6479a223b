// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"encoding/json"
	"net/http"
)

// APIError is the structured error payload.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// API error codes.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeTooManyJobs   = "TOO_MANY_JOBS"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// RespondJSON sends a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
		}
	}
}

// RespondError sends a JSON error response.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{Error: &APIError{Code: code, Message: message}})
}

// RespondBadRequest sends a 400 Bad Request response.
func RespondBadRequest(w http.ResponseWriter, message string) {
	RespondError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// RespondNotFound sends a 404 Not Found response.
func RespondNotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "resource not found"
	}
	RespondError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// RespondConflict sends a 409 Conflict response.
func RespondConflict(w http.ResponseWriter, message string) {
	RespondError(w, http.StatusConflict, ErrCodeConflict, message)
}

// RespondInternalError sends a 500 Internal Server Error response.
func RespondInternalError(w http.ResponseWriter, message string) {
	if message == "" {
		message = "an internal error occurred"
	}
	RespondError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// RespondNoContent sends a 204 No Content response.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
