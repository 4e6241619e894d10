package handler

import (
	"encoding/json"
	"net/http"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

// errorCodes maps response statuses onto the codes used in error envelopes.
var errorCodes = map[int]string{
	http.StatusBadRequest:          model.CodeValidation,
	http.StatusNotFound:            "not_found",
	http.StatusBadGateway:          "upstream_unavailable",
	http.StatusInternalServerError: model.CodeInternal,
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response carrying the message and a
// machine-readable code.
func writeError(w http.ResponseWriter, status int, message string) {
	code, ok := errorCodes[status]
	if !ok {
		code = model.CodeInternal
	}
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
