package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/dispatch"
	"github.com/xraph/jobboard/status"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 4 << 20

// ErrorBody is the envelope of every error response.
type ErrorBody struct {
	Error APIError `json:"error"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Type is the error_type of typed errors, e.g. SchemaValidationError.
	Type string `json:"type,omitempty"`
	// Path points into the request for schema validation failures.
	Path string `json:"path,omitempty"`
}

// requestError is a malformed request caught at the boundary.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := mapError(err)
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, code, ErrorBody{Error: body})
}

func mapError(err error) (int, APIError) {
	body := APIError{Message: err.Error()}
	var typed status.Typed
	if errors.As(err, &typed) {
		body.Type = typed.ErrorType()
	}
	var pathed status.Pathed
	if errors.As(err, &pathed) {
		body.Path = pathed.ErrorPath()
	}

	var reqErr *requestError
	var dispErr *dispatch.Error
	switch {
	case errors.As(err, &reqErr):
		body.Code = "invalid_request"
		return http.StatusBadRequest, body
	case errors.Is(err, jobboard.ErrJobNotFound),
		errors.Is(err, jobboard.ErrItemNotFound),
		errors.Is(err, jobboard.ErrVersionNotFound),
		errors.Is(err, jobboard.ErrSchemaNotFound),
		errors.Is(err, jobboard.ErrBundleNotFound):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, jobboard.ErrSchemaValidation):
		body.Code = "validation_error"
		return http.StatusBadRequest, body
	case errors.Is(err, jobboard.ErrInvalidManifest),
		errors.Is(err, jobboard.ErrInvalidSchema),
		errors.Is(err, jobboard.ErrUnknownTask),
		errors.Is(err, jobboard.ErrMissingJobID):
		body.Code = "invalid_input"
		return http.StatusBadRequest, body
	case errors.Is(err, jobboard.ErrRefConflict),
		errors.Is(err, jobboard.ErrRetryNotAllowed),
		errors.Is(err, jobboard.ErrInvalidState):
		body.Code = "conflict"
		return http.StatusConflict, body
	case errors.As(err, &dispErr),
		errors.Is(err, jobboard.ErrBackendFull),
		errors.Is(err, jobboard.ErrBackendStopped),
		errors.Is(err, jobboard.ErrNoBackend):
		body.Code = "backend_unavailable"
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "An unexpected error occurred",
		}
	}
}

// decodeJSON reads a single JSON document from the request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is empty")
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}
