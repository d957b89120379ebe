package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/StreetsDigital/thenexusengine/adselection/internal/selection"
	"github.com/StreetsDigital/thenexusengine/adselection/pkg/errortypes"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
	Index   int
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s[%d]: %s", e.Field, e.Index, e.Message)
	}
	return e.Field + ": " + e.Message
}

func fieldError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message, Index: -1}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps a round failure to an HTTP status. Request problems are
// 400, deadlines 504 and failures of buyer or seller logic 422.
func statusFor(err error) int {
	var validation *ValidationError
	switch {
	case errors.As(err, &validation), errors.Is(err, selection.ErrInvalidConfig):
		return http.StatusBadRequest
	case errortypes.ReadCode(err) == errortypes.DeadlineExceededErrorCode:
		return http.StatusGatewayTimeout
	case errortypes.ReadCode(err) != errortypes.UnknownErrorCode:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError writes an error response
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	switch status {
	case http.StatusInternalServerError:
		resp.Error = "Internal server error"
	case http.StatusUnprocessableEntity, http.StatusGatewayTimeout:
		resp.Kind = errortypes.Kind(err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fieldError("body", "invalid JSON: "+err.Error())
	}
	return nil
}
