// Package server implements the HTTP server and routing logic.
package server

import (
	"net/http"

	"github.com/maruel/fmdhost/internal/server/handlers"
	"github.com/maruel/fmdhost/internal/server/ratelimit"
)

// NewRouter creates and configures the HTTP router.
// Serves the JSON API under /api/v1 and profile pictures under /uploads.
func NewRouter(svc *handlers.Services, cfg *handlers.Config, limiters *ratelimit.Limiters) http.Handler {
	mux := &http.ServeMux{}
	mh := handlers.NewMetaHandler(cfg)
	uh := handlers.NewUserHandler(svc, cfg)
	ph := handlers.NewProjectHandler(svc)

	// Meta
	mux.Handle("/api/health", Wrap(mh.Health, svc, cfg, limiters))
	mux.Handle("GET /api/v1", Wrap(mh.Info, svc, cfg, limiters))
	mux.Handle("GET /api-docs", WrapRaw(mh.Docs, limiters))

	// Users
	mux.Handle("POST /api/v1/users/register", Created(Wrap(uh.Register, svc, cfg, limiters)))
	mux.Handle("POST /api/v1/users/login", Wrap(uh.Login, svc, cfg, limiters))
	mux.Handle("GET /api/v1/users/me", WrapAuth(uh.GetMe, svc, cfg, limiters))
	mux.Handle("PUT /api/v1/users/update", WrapAuth(uh.UpdateMe, svc, cfg, limiters))
	mux.Handle("PUT /api/v1/users/update-password", WrapAuth(uh.UpdatePassword, svc, cfg, limiters))
	mux.Handle("PUT /api/v1/users/update-profile-pic", WrapAuthRaw(uh.UpdateProfilePic, svc, cfg, limiters))

	// Projects
	mux.Handle("GET /api/v1/projects", WrapAuth(ph.List, svc, cfg, limiters))
	mux.Handle("POST /api/v1/projects", Created(WrapAuth(ph.Create, svc, cfg, limiters)))
	mux.Handle("GET /api/v1/projects/{projectID}", WrapAuth(ph.Get, svc, cfg, limiters))
	mux.Handle("PUT /api/v1/projects/{projectID}", WrapAuth(ph.Update, svc, cfg, limiters))
	mux.Handle("DELETE /api/v1/projects/{projectID}", WrapAuth(ph.Delete, svc, cfg, limiters))
	mux.Handle("POST /api/v1/projects/{projectID}/upload", WrapAuthRaw(ph.Upload, svc, cfg, limiters))
	mux.Handle("GET /api/v1/projects/{projectID}/download", WrapAuthRaw(ph.Download, svc, cfg, limiters))
	mux.Handle("GET /api/v1/projects/{projectID}/preview", WrapAuthRaw(ph.Preview, svc, cfg, limiters))
	mux.Handle("POST /api/v1/projects/{projectID}/deploy", WrapAuth(ph.Deploy, svc, cfg, limiters))

	// File serving
	mux.Handle("GET /uploads/{userID}/profiles/{name}", WrapRaw(uh.ServeUpload, limiters))

	// Banner and JSON 404 for everything else.
	mux.HandleFunc("/", mh.Banner)

	return requestMetadata(logRequests(cors(mux, cfg.CORSOrigins)), cfg)
}
