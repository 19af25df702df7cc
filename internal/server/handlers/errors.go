// Maps storage errors to API errors and writes them for raw handlers.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/maruel/fmdhost/internal/deploy"
	"github.com/maruel/fmdhost/internal/docstore"
	"github.com/maruel/fmdhost/internal/server/dto"
	"github.com/maruel/fmdhost/internal/storage/content"
	"github.com/maruel/fmdhost/internal/storage/identity"
)

// apiError converts a service error into an error carrying an HTTP status.
func apiError(err error) error {
	if err == nil {
		return nil
	}
	var ews dto.ErrorWithStatus
	if errors.As(err, &ews) {
		return err
	}
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, identity.ErrUserExists):
		return dto.Conflict("User already exists")
	case errors.Is(err, identity.ErrInvalidCredentials):
		return dto.Unauthorized("Invalid credentials")
	case errors.Is(err, identity.ErrUserLimit):
		return dto.Forbidden("Registration is closed")
	case errors.Is(err, identity.ErrUserNotFound):
		return dto.NotFound("User")
	case errors.Is(err, identity.ErrEmailPwdRequired),
		errors.Is(err, identity.ErrPasswordRequired),
		errors.Is(err, content.ErrInvalidQuery),
		errors.Is(err, content.ErrInvalidArchive),
		errors.Is(err, content.ErrInvalidImage),
		errors.Is(err, content.ErrEmptyFile):
		return dto.BadRequest(err.Error())
	case errors.Is(err, content.ErrProjectNotFound):
		return dto.NotFound("Project")
	case errors.Is(err, content.ErrForbidden):
		return dto.Forbidden("Not authorized to access this project")
	case errors.Is(err, content.ErrTitleRequired):
		return dto.MissingField("title")
	case errors.Is(err, content.ErrInvalidStatus):
		return dto.InvalidField("status", err.Error())
	case errors.Is(err, content.ErrInvalidTags):
		return dto.InvalidField("tags", "must be a list of strings")
	case errors.Is(err, content.ErrNoArchive):
		return dto.NewAPIError(http.StatusNotFound, dto.ErrorCodeFileNotFound, "No zip file found for this project")
	case errors.Is(err, content.ErrFileTooLarge):
		return dto.NewAPIError(http.StatusRequestEntityTooLarge, dto.ErrorCodePayloadTooLarge, "File too large")
	case errors.As(err, &maxBytes):
		return dto.PayloadTooLarge(maxBytes.Limit)
	case errors.Is(err, deploy.ErrDisabled):
		return dto.NotImplemented("Deployment")
	case docstore.IsStorageError(err):
		return dto.Storage(err)
	default:
		return dto.InternalWithError("Internal server error", err)
	}
}

// writeErrorResponse writes err as a JSON error response.
// Use this in raw http.HandlerFunc handlers that don't use server.Wrap.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	err = apiError(err)
	statusCode := http.StatusInternalServerError
	errorCode := dto.ErrorCodeInternal
	message := "Internal server error"
	var details map[string]any

	var ews dto.ErrorWithStatus
	if errors.As(err, &ews) {
		statusCode = ews.StatusCode()
		errorCode = ews.Code()
		message = ews.Error()
		details = ews.Details()
	}
	var apiErr *dto.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.Message()
	}
	if statusCode >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Handler error", "err", err, "statusCode", statusCode, "code", errorCode)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := dto.ErrorResponse{
		Error: dto.ErrorDetails{
			Code:    errorCode,
			Message: message,
		},
		Details: details,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.ErrorContext(r.Context(), "Failed to encode error response", "err", err)
	}
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "Failed to encode response", "err", err)
	}
}
