package httputil

import (
	"encoding/json"
	"net/http"
)

// APIError matches the OpenAI error response format.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Param     string `json:"param,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	writeError(w, requestID, statusCode, APIErrorBody{Message: message, Type: errType, Code: code})
}

func writeError(w http.ResponseWriter, requestID string, statusCode int, body APIErrorBody) {
	body.RequestID = requestID
	w.Header().Set("X-Request-ID", requestID)
	WriteJSON(w, statusCode, APIError{Error: body})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteAuthError writes a 401. code is auth_required, invalid_auth_format or invalid_api_key.
func WriteAuthError(w http.ResponseWriter, requestID, code, message string) {
	param := "api_key"
	if code != "invalid_api_key" {
		param = "authorization"
	}
	writeError(w, requestID, http.StatusUnauthorized, APIErrorBody{
		Message: message, Type: "authentication_error", Param: param, Code: code,
	})
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "invalid_request", message)
}

func WriteInvalidModelError(w http.ResponseWriter, requestID, message string) {
	writeError(w, requestID, http.StatusBadRequest, APIErrorBody{
		Message: message, Type: "invalid_request_error", Param: "model", Code: "invalid_model_format",
	})
}

func WriteModelNotFoundError(w http.ResponseWriter, requestID, message string) {
	writeError(w, requestID, http.StatusNotFound, APIErrorBody{
		Message: message, Type: "invalid_request_error", Param: "model", Code: "model_not_found",
	})
}

func WriteModelNotAllowedError(w http.ResponseWriter, requestID, message string) {
	writeError(w, requestID, http.StatusForbidden, APIErrorBody{
		Message: message, Type: "permission_error", Param: "model", Code: "model_not_allowed",
	})
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

func WriteBadGatewayError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadGateway, "api_error", "upstream_error", message)
}

func WriteServiceUnavailableError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusServiceUnavailable, "server_error", "service_unavailable", message)
}
