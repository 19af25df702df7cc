// Handles project CRUD, archive upload and download, preview and deployment.

package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/maruel/fmdhost/internal/deploy"
	"github.com/maruel/fmdhost/internal/docstore"
	"github.com/maruel/fmdhost/internal/server/dto"
	"github.com/maruel/fmdhost/internal/server/reqctx"
	"github.com/maruel/fmdhost/internal/storage/content"
	"github.com/maruel/fmdhost/internal/storage/identity"
	"github.com/yuin/goldmark"
)

// ProjectHandler handles the /api/v1/projects endpoints.
type ProjectHandler struct {
	svc *Services
	md  goldmark.Markdown
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(svc *Services) *ProjectHandler {
	return &ProjectHandler{svc: svc, md: goldmark.New()}
}

// List returns the projects of the current user.
func (h *ProjectHandler) List(ctx context.Context, user *identity.User, req *dto.ListProjectsRequest) (*dto.ProjectListResponse, error) {
	ps, err := h.svc.Project.List(ctx, user.ID, content.ListOptions{
		Status: content.Status(req.Status),
		Tag:    req.Tag,
		Sort:   req.Sort,
		Order:  req.Order,
	})
	if err != nil {
		return nil, apiError(err)
	}
	return projectsToResponse(ps), nil
}

// Create creates a project owned by the current user.
func (h *ProjectHandler) Create(ctx context.Context, user *identity.User, req *dto.CreateProjectRequest) (*dto.ProjectEnvelope, error) {
	tags, err := decodeTags(req.Tags)
	if err != nil {
		return nil, apiError(err)
	}
	in := content.NewProject{
		Title:       req.Title,
		Description: req.Description,
		Status:      content.Status(req.Status),
	}
	if tags != nil {
		in.Tags = *tags
	}
	p, err := h.svc.Project.Create(ctx, user.ID, in)
	if err != nil {
		return nil, apiError(err)
	}
	slog.InfoContext(ctx, "Project created", "project_id", p.ID, "user_id", user.ID)
	return &dto.ProjectEnvelope{Project: projectToResponse(p)}, nil
}

// Get returns one project.
func (h *ProjectHandler) Get(ctx context.Context, user *identity.User, req *dto.GetProjectRequest) (*dto.ProjectEnvelope, error) {
	p, err := h.svc.Project.Get(ctx, user.ID, req.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return &dto.ProjectEnvelope{Project: projectToResponse(p)}, nil
}

// Update changes the fields present in the request.
func (h *ProjectHandler) Update(ctx context.Context, user *identity.User, req *dto.UpdateProjectRequest) (*dto.ProjectEnvelope, error) {
	tags, err := decodeTags(req.Tags)
	if err != nil {
		return nil, apiError(err)
	}
	patch := content.ProjectPatch{
		Title:       req.Title,
		Description: req.Description,
		Tags:        tags,
		DeployedIP:  req.EC2PublicIP,
	}
	if req.Status != nil {
		s := content.Status(*req.Status)
		patch.Status = &s
	}
	p, err := h.svc.Project.Update(ctx, user.ID, req.ID, patch)
	if err != nil {
		return nil, apiError(err)
	}
	return &dto.ProjectEnvelope{Project: projectToResponse(p)}, nil
}

// Delete removes a project and its uploaded files.
func (h *ProjectHandler) Delete(ctx context.Context, user *identity.User, req *dto.DeleteProjectRequest) (*dto.MessageResponse, error) {
	if err := h.svc.Project.Delete(ctx, user.ID, req.ID); err != nil {
		return nil, apiError(err)
	}
	slog.InfoContext(ctx, "Project deleted", "project_id", req.ID, "user_id", user.ID)
	return &dto.MessageResponse{Message: "Project deleted"}, nil
}

// Deploy triggers the CI workflow for a project that has an archive.
func (h *ProjectHandler) Deploy(ctx context.Context, user *identity.User, req *dto.DeployProjectRequest) (*dto.ProjectEnvelope, error) {
	if !h.svc.Deploy.Enabled() {
		return nil, dto.NotImplemented("Deployment")
	}
	p, err := h.svc.Project.Get(ctx, user.ID, req.ID)
	if err != nil {
		return nil, apiError(err)
	}
	if p.ZipFilePath == "" {
		return nil, apiError(content.ErrNoArchive)
	}
	res, err := h.svc.Deploy.Dispatch(ctx, deploy.Request{ProjectID: p.ID, ArchiveChecksum: p.ZipChecksum})
	if err != nil {
		return nil, dto.Upstream("CI", err)
	}
	p, err = h.svc.Project.MarkDeploying(ctx, user.ID, p.ID, content.Deployment{
		Provider:    res.Provider,
		Workflow:    res.Workflow,
		Ref:         res.Ref,
		TriggeredAt: docstore.FormatTime(res.TriggeredAt),
	})
	if err != nil {
		return nil, apiError(err)
	}
	return &dto.ProjectEnvelope{Project: projectToResponse(p)}, nil
}

// Upload stores the multipart "projectZip" (or "file") archive of a project.
func (h *ProjectHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := reqctx.User(ctx)
	r.Body = http.MaxBytesReader(w, r.Body, h.svc.Project.Files().MaxArchiveBytes()+multipartOverhead)

	part, err := findPart(r, "projectZip", "file")
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	defer func() { _ = part.Close() }()
	p, err := h.svc.Project.UploadArchive(ctx, user.ID, r.PathValue("projectID"), part.Header.Get("Content-Type"), part)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	slog.InfoContext(ctx, "Archive uploaded", "project_id", p.ID, "size", p.ZipSize, "entries", p.ZipEntries)
	writeJSON(w, r, http.StatusOK, &dto.ProjectEnvelope{Project: projectToResponse(p)})
}

// Download sends the project archive as an attachment.
func (h *ProjectHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := reqctx.User(ctx)
	fp, p, err := h.svc.Project.ArchiveFile(ctx, user.ID, r.PathValue("projectID"))
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	f, err := os.Open(fp) //nolint:gosec // G304: path resolved by the upload store
	if err != nil {
		if os.IsNotExist(err) {
			writeErrorResponse(w, r, content.ErrNoArchive)
			return
		}
		writeErrorResponse(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	name := archiveName(p)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if p.ZipChecksum != "" {
		w.Header().Set("ETag", `"`+p.ZipChecksum+`"`)
	}
	http.ServeContent(w, r, name, st.ModTime(), f)
}

// Preview renders the project description, written in markdown, as HTML.
func (h *ProjectHandler) Preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := reqctx.User(ctx)
	p, err := h.svc.Project.Get(ctx, user.ID, r.PathValue("projectID"))
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	var body bytes.Buffer
	if err := h.md.Convert([]byte(p.Description), &body); err != nil {
		writeErrorResponse(w, r, dto.InternalWithError("Failed to render description", err))
		return
	}
	title := html.EscapeString(p.Title)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src *; style-src 'unsafe-inline'")
	_, _ = fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n<h1>%s</h1>\n%s</body></html>\n", title, title, body.Bytes())
}

// archiveName returns a download file name derived from the title.
func archiveName(p *content.Project) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ' || r == '.':
			return '-'
		}
		return -1
	}, p.Title)
	if name == "" {
		name = p.ID
	}
	return name + ".zip"
}
