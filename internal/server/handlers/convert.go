// Converts storage types to API response types.

package handlers

import (
	"github.com/maruel/fmdhost/internal/server/dto"
	"github.com/maruel/fmdhost/internal/storage/content"
	"github.com/maruel/fmdhost/internal/storage/identity"
)

func userToResponse(u *identity.User) *dto.UserResponse {
	return &dto.UserResponse{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		ProfilePic: u.ProfilePic,
		Bio:        u.Bio,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

func projectToResponse(p *content.Project) *dto.ProjectResponse {
	tags := []string(p.Tags)
	if tags == nil {
		tags = []string{}
	}
	resp := &dto.ProjectResponse{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		User:        p.User,
		Tags:        tags,
		Status:      string(p.Status),
		ZipFilePath: p.ZipFilePath,
		ZipSize:     p.ZipSize,
		ZipChecksum: p.ZipChecksum,
		ZipEntries:  p.ZipEntries,
		DeployedIP:  p.DeployedIP,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if d := p.Deployment; d != nil {
		resp.Deployment = &dto.DeploymentResponse{
			Provider:    d.Provider,
			Workflow:    d.Workflow,
			Ref:         d.Ref,
			TriggeredAt: d.TriggeredAt,
		}
	}
	return resp
}

func projectsToResponse(ps []*content.Project) *dto.ProjectListResponse {
	out := &dto.ProjectListResponse{Count: len(ps), Projects: make([]*dto.ProjectResponse, 0, len(ps))}
	for _, p := range ps {
		out.Projects = append(out.Projects, projectToResponse(p))
	}
	return out
}

// decodeTags parses a tags field that is either a JSON list or a string
// holding one. Absent tags return nil.
func decodeTags(raw []byte) (*content.Tags, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var t content.Tags
	if err := t.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	if t == nil {
		t = content.Tags{}
	}
	return &t, nil
}
