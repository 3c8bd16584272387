// Package httputil centralizes JSON encoding and domain error translation
// for HTTP handlers so every endpoint returns the same error envelope.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "civid/pkg/domain-errors"
)

// statusByCode maps domain error codes to HTTP statuses.
var statusByCode = map[dErrors.Code]int{
	dErrors.CodeBadRequest:         http.StatusBadRequest,
	dErrors.CodeInvalidInput:       http.StatusBadRequest,
	dErrors.CodeValidation:         http.StatusBadRequest,
	dErrors.CodeInvariantViolation: http.StatusBadRequest,
	dErrors.CodeUnauthorized:       http.StatusUnauthorized,
	dErrors.CodeForbidden:          http.StatusForbidden,
	dErrors.CodeNotFound:           http.StatusNotFound,
	dErrors.CodeConflict:           http.StatusConflict,
	dErrors.CodeRateLimited:        http.StatusTooManyRequests,
	dErrors.CodeUnavailable:        http.StatusBadGateway,
	dErrors.CodeInternal:           http.StatusInternalServerError,
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes the request body into dst, rejecting unknown fields.
func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}

// WriteError translates a domain error into the JSON error envelope.
// Internal errors omit the description so infrastructure details never
// reach callers; everything else includes it.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
		code = dErrors.CodeInternal
	}

	body := map[string]string{"error": string(code)}
	if code != dErrors.CodeInternal {
		var de *dErrors.Error
		if errors.As(err, &de) {
			body["error_description"] = de.Message()
		}
	}
	WriteJSON(w, status, body)
}
