package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/surveyor/intake/internal/intake/submission"
)

// Error codes returned to clients.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeSurveyNotFound = "SURVEY_NOT_FOUND"
	CodeRateLimited    = "RATE_LIMIT_EXCEEDED"
	CodeInternal       = "INTERNAL_ERROR"
)

// Client facing messages.
const (
	MsgSubmitted      = "Response submitted successfully"
	MsgInvalidInput   = "Invalid input data"
	MsgSurveyNotFound = "Survey not found or not available"
	MsgRateLimited    = "Rate limit exceeded. Please try again later."
	MsgInternal       = "An unexpected error occurred"
)

// ErrorBody is the body of every error response.
type ErrorBody struct {
	Error   string                  `json:"error"`
	Details []submission.FieldError `json:"details,omitempty"`
	Code    string                  `json:"code"`
}

// SuccessBody is the body of an accepted submission.
type SuccessBody struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ResponseID string `json:"response_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response body", "status", status, "err", err)
	}
}

func writeValidationError(w http.ResponseWriter, details []submission.FieldError) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Error: MsgInvalidInput, Details: details, Code: CodeValidation})
}

func writeSurveyNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, ErrorBody{Error: MsgSurveyNotFound, Code: CodeSurveyNotFound})
}

func writeInternalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: MsgInternal, Code: CodeInternal})
}

// RateLimited answers a request rejected by a rate limiter.
func RateLimited(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: MsgRateLimited, Code: CodeRateLimited})
}

// NoContent answers preflight requests.
func NoContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
