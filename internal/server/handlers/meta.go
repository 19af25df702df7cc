// Serves the health check, API description and schema document.

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/maruel/fmdhost/internal/server/dto"
)

// MetaHandler serves the endpoints describing the server itself.
type MetaHandler struct {
	cfg     *Config
	schemas func() map[string]*jsonschema.Schema
}

// NewMetaHandler creates a new meta handler.
func NewMetaHandler(cfg *Config) *MetaHandler {
	return &MetaHandler{cfg: cfg, schemas: sync.OnceValue(reflectSchemas)}
}

// Health returns the health status of the server.
func (h *MetaHandler) Health(_ context.Context, _ *dto.HealthRequest) (*dto.HealthResponse, error) {
	return &dto.HealthResponse{Status: "ok", Version: h.cfg.Version}, nil
}

// Info lists the API endpoints.
func (h *MetaHandler) Info(_ context.Context, _ *dto.InfoRequest) (*dto.InfoResponse, error) {
	return &dto.InfoResponse{
		Name:    "fmdhost",
		Version: h.cfg.Version,
		Endpoints: map[string]string{
			"health":   "/api/health",
			"docs":     "/api-docs",
			"users":    "/api/v1/users",
			"projects": "/api/v1/projects",
		},
	}, nil
}

// Banner answers GET / with a plain text line. It is also the catch-all
// route: anything else is a JSON 404.
func (h *MetaHandler) Banner(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		writeErrorResponse(w, r, dto.NewAPIError(http.StatusNotFound, dto.ErrorCodeNotFound, "Route not found"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "fmdhost %s is running\n", h.cfg.Version)
}

// Docs returns the JSON Schema of every request and response body.
func (h *MetaHandler) Docs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"baseURL": h.cfg.BaseURL,
		"schemas": h.schemas(),
	})
}

func reflectSchemas() map[string]*jsonschema.Schema {
	types := []reflect.Type{
		reflect.TypeFor[dto.RegisterRequest](),
		reflect.TypeFor[dto.LoginRequest](),
		reflect.TypeFor[dto.UpdateUserRequest](),
		reflect.TypeFor[dto.UpdatePasswordRequest](),
		reflect.TypeFor[dto.CreateProjectRequest](),
		reflect.TypeFor[dto.UpdateProjectRequest](),
		reflect.TypeFor[dto.AuthResponse](),
		reflect.TypeFor[dto.UserEnvelope](),
		reflect.TypeFor[dto.ProjectEnvelope](),
		reflect.TypeFor[dto.ProjectListResponse](),
		reflect.TypeFor[dto.MessageResponse](),
		reflect.TypeFor[dto.HealthResponse](),
		reflect.TypeFor[dto.InfoResponse](),
		reflect.TypeFor[dto.ErrorResponse](),
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	out := make(map[string]*jsonschema.Schema, len(types))
	for _, t := range types {
		out[t.Name()] = r.ReflectFromType(t)
	}
	return out
}
