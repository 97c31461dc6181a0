// Package httpx holds the JSON request/response conventions shared by the
// fedmarket HTTP services and the Go SDK.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"fedmarket/pkg/protocol"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteValidationError maps protocol validation failures to a 422 with the
// offending field named in details. Any other error falls back to a plain 400.
func WriteValidationError(w http.ResponseWriter, err error) {
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		WriteError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", verr.Reason, map[string]any{
			"field": verr.Field,
		})
		return
	}
	WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
}
