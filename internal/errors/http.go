// Package errors defines the JSON error envelope used by the status
// server.
package errors

import (
	"encoding/json"
	"net/http"
)

// HTTPErrorResponse is the envelope written for every non-2xx response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError carries a stable machine-readable code plus a human
// message.
type HTTPError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// RespondWithError writes the envelope with the given status code.
func RespondWithError(w http.ResponseWriter, status int, code, message string) {
	RespondWithDetails(w, status, code, message, nil)
}

// RespondWithDetails writes the envelope with additional structured
// context under details.
func RespondWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPError{Code: code, Message: message, Details: details},
	})
}
