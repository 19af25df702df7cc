// Package content manages user projects and their uploaded files.
package content

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/maruel/fmdhost/internal/docstore"
	"github.com/zeebo/xxh3"
)

// Collection is the name of the projects collection.
const Collection = "projects"

// ProjectService handles project business logic and ownership checks.
type ProjectService struct {
	store *docstore.Store
	files *FileStore
	// fileLocks serializes changes to a project's upload directory, striped
	// by project id.
	fileLocks [32]sync.Mutex
}

// NewProjectService creates a new project service.
func NewProjectService(store *docstore.Store, files *FileStore) *ProjectService {
	return &ProjectService{store: store, files: files}
}

func (s *ProjectService) lockFiles(id string) func() {
	mu := &s.fileLocks[xxh3.HashString(id)%uint64(len(s.fileLocks))]
	mu.Lock()
	return mu.Unlock
}

// Files returns the upload store.
func (s *ProjectService) Files() *FileStore {
	return s.files
}

// Create creates a project owned by ownerID.
func (s *ProjectService) Create(ctx context.Context, ownerID string, in NewProject) (*Project, error) {
	if ownerID == "" {
		return nil, errIDRequired
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	status := in.Status
	if status == "" {
		status = StatusDraft
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	tags := in.Tags
	if tags == nil {
		tags = Tags{}
	}
	doc, err := docstore.Encode(&Project{
		Title:       title,
		Description: in.Description,
		User:        ownerID,
		Tags:        tags,
		Status:      status,
	})
	if err != nil {
		return nil, err
	}
	created, err := s.store.Create(ctx, Collection, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return decodeProject(created)
}

// Get returns a project owned by callerID.
func (s *ProjectService) Get(ctx context.Context, callerID, id string) (*Project, error) {
	d, err := s.store.FindByID(ctx, Collection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	p, err := decodeProject(d)
	if err != nil {
		return nil, err
	}
	if p.User != callerID {
		slog.WarnContext(ctx, "Unauthorized project access attempt", "project", id, "owner", p.User, "caller", callerID)
		return nil, ErrForbidden
	}
	return p, nil
}

// List returns the projects of ownerID.
func (s *ProjectService) List(ctx context.Context, ownerID string, opts ListOptions) ([]*Project, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, opts.Status)
	}
	less, err := projectOrder(opts.Sort, opts.Order)
	if err != nil {
		return nil, err
	}
	f := docstore.Filter{"user": ownerID}
	if opts.Status != "" {
		f["status"] = string(opts.Status)
	}
	docs, err := s.store.Find(ctx, Collection, f)
	if err != nil {
		return nil, err
	}
	out := make([]*Project, 0, len(docs))
	for _, d := range docs {
		p, err := decodeProject(d)
		if err != nil {
			return nil, err
		}
		if opts.Tag != "" && !p.HasTag(opts.Tag) {
			continue
		}
		out = append(out, p)
	}
	slices.SortStableFunc(out, less)
	return out, nil
}

// Update applies patch to a project owned by callerID.
func (s *ProjectService) Update(ctx context.Context, callerID, id string, patch ProjectPatch) (*Project, error) {
	if _, err := s.Get(ctx, callerID, id); err != nil {
		return nil, err
	}
	d := docstore.Document{}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) != "" {
		d["title"] = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		d["description"] = *patch.Description
	}
	if patch.Tags != nil {
		tags := *patch.Tags
		if tags == nil {
			tags = Tags{}
		}
		d["tags"] = []string(tags)
	}
	if patch.Status != nil && *patch.Status != "" {
		if !patch.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *patch.Status)
		}
		d["status"] = string(*patch.Status)
	}
	if patch.DeployedIP != nil && *patch.DeployedIP != "" {
		d["deployedIP"] = *patch.DeployedIP
	}
	return s.update(ctx, id, d)
}

// Delete removes a project owned by callerID and its uploaded files.
func (s *ProjectService) Delete(ctx context.Context, callerID, id string) error {
	defer s.lockFiles(id)()
	p, err := s.Get(ctx, callerID, id)
	if err != nil {
		return err
	}
	removed, err := s.store.Remove(ctx, Collection, id)
	if err != nil {
		return err
	}
	if !removed {
		return ErrProjectNotFound
	}
	if err := s.files.RemoveProjectDir(p.User, p.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to remove project uploads", "project", id, "err", err)
	}
	return nil
}

// UploadArchive stores a zip archive for a project owned by callerID and
// replaces the previous one.
//
// Uploads to the same project are serialized so exactly one archive file
// remains on disk.
func (s *ProjectService) UploadArchive(ctx context.Context, callerID, id, contentType string, r io.Reader) (*Project, error) {
	defer s.lockFiles(id)()
	p, err := s.Get(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	a, err := s.files.SaveArchive(p.User, p.ID, contentType, r)
	if err != nil {
		return nil, err
	}
	updated, err := s.update(ctx, id, docstore.Document{
		"zipFilePath": a.Path,
		"zipSize":     a.Size,
		"zipChecksum": a.Checksum,
		"zipEntries":  a.Entries,
	})
	if err != nil {
		if rmErr := s.files.Remove(a.Path); rmErr != nil {
			slog.ErrorContext(ctx, "Failed to remove orphaned archive", "path", a.Path, "err", rmErr)
		}
		return nil, err
	}
	if p.ZipFilePath != "" && p.ZipFilePath != a.Path {
		if err := s.files.Remove(p.ZipFilePath); err != nil {
			slog.ErrorContext(ctx, "Failed to remove previous archive", "path", p.ZipFilePath, "err", err)
		}
	}
	return updated, nil
}

// ArchiveFile returns the file path of the archive of a project owned by
// callerID, along with the project.
func (s *ProjectService) ArchiveFile(ctx context.Context, callerID, id string) (string, *Project, error) {
	p, err := s.Get(ctx, callerID, id)
	if err != nil {
		return "", nil, err
	}
	if p.ZipFilePath == "" {
		return "", nil, ErrNoArchive
	}
	fp, err := s.files.Resolve(p.ZipFilePath)
	if err != nil {
		return "", nil, err
	}
	return fp, p, nil
}

// MarkDeploying records a CI run and sets the status to deploying.
func (s *ProjectService) MarkDeploying(ctx context.Context, callerID, id string, dep Deployment) (*Project, error) {
	if _, err := s.Get(ctx, callerID, id); err != nil {
		return nil, err
	}
	return s.update(ctx, id, docstore.Document{
		"status":     string(StatusDeploying),
		"deployment": dep,
	})
}

func (s *ProjectService) update(ctx context.Context, id string, d docstore.Document) (*Project, error) {
	updated, err := s.store.Update(ctx, Collection, id, d)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return decodeProject(updated)
}

func decodeProject(d docstore.Document) (*Project, error) {
	var p Project
	if err := d.Decode(&p); err != nil {
		return nil, err
	}
	if p.Tags == nil {
		p.Tags = Tags{}
	}
	return &p, nil
}

func projectOrder(sortBy, order string) (func(a, b *Project) int, error) {
	var key func(p *Project) string
	switch sortBy {
	case "", "createdAt":
		key = func(p *Project) string { return p.CreatedAt }
	case "updatedAt":
		key = func(p *Project) string { return cmp.Or(p.UpdatedAt, p.CreatedAt) }
	case "title":
		key = func(p *Project) string { return strings.ToLower(p.Title) }
	default:
		return nil, fmt.Errorf("%w: sort %q", ErrInvalidQuery, sortBy)
	}
	switch order {
	case "", "desc":
		return func(a, b *Project) int { return cmp.Compare(key(b), key(a)) }, nil
	case "asc":
		return func(a, b *Project) int { return cmp.Compare(key(a), key(b)) }, nil
	default:
		return nil, fmt.Errorf("%w: order %q", ErrInvalidQuery, order)
	}
}
