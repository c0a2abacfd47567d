// Package handlers provides the HTTP handlers for the trade gateway API.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	apperrors "trade_gateway/internal/errors"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeError translates an application error into a JSON error response.
// AppError details (such as the login URL on a reauth error) pass through
// to the client.
func writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	body := map[string]any{"error": err.Error()}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body["error"] = appErr.Message
		if len(appErr.Details) > 0 {
			body["details"] = appErr.Details
		}
	}
	if status >= 500 {
		log.Printf("Error handling request: %v", err)
		// Do not leak internals to the client
		body["error"] = http.StatusText(status)
		delete(body, "details")
	}
	writeJSON(w, status, body)
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Validation("invalid JSON body")
	}
	return nil
}
