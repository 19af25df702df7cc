package dto

import (
	"net/mail"
	"strings"

	json "github.com/goccy/go-json"
)

// --- Meta ---

// HealthRequest is a request to check server health.
type HealthRequest struct{}

// Validate is a no-op for HealthRequest.
func (r *HealthRequest) Validate() error {
	return nil
}

// InfoRequest is a request for the API description.
type InfoRequest struct{}

// Validate is a no-op for InfoRequest.
func (r *InfoRequest) Validate() error {
	return nil
}

// --- Users ---

// RegisterRequest is a request to register a new user.
type RegisterRequest struct {
	Name     string `json:"name" jsonschema:"description=Display name"`
	Email    string `json:"email" jsonschema:"format=email"`
	Password string `json:"password" jsonschema:"minLength=1"`
	Bio      string `json:"bio,omitempty"`
}

// Validate validates the register request fields.
func (r *RegisterRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return MissingField("name")
	}
	if r.Email == "" {
		return MissingField("email")
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return InvalidField("email", "not an email address")
	}
	if r.Password == "" {
		return MissingField("password")
	}
	return nil
}

// LoginRequest is a request to log in.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate validates the login request fields.
func (r *LoginRequest) Validate() error {
	if r.Email == "" {
		return MissingField("email")
	}
	if r.Password == "" {
		return MissingField("password")
	}
	return nil
}

// GetMeRequest is a request to get current user info.
type GetMeRequest struct{}

// Validate is a no-op for GetMeRequest.
func (r *GetMeRequest) Validate() error {
	return nil
}

// UpdateUserRequest changes the profile fields of the current user.
type UpdateUserRequest struct {
	Name *string `json:"name,omitempty"`
	Bio  *string `json:"bio,omitempty"`
}

// Validate validates the update user request fields.
func (r *UpdateUserRequest) Validate() error {
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return InvalidField("name", "must not be empty")
	}
	return nil
}

// UpdatePasswordRequest changes the password of the current user.
type UpdatePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// Validate validates the update password request fields.
func (r *UpdatePasswordRequest) Validate() error {
	if r.CurrentPassword == "" {
		return MissingField("currentPassword")
	}
	if r.NewPassword == "" {
		return MissingField("newPassword")
	}
	return nil
}

// --- Projects ---

// ListProjectsRequest lists the projects of the current user.
type ListProjectsRequest struct {
	Status string `query:"status" json:"-"`
	Tag    string `query:"tag" json:"-"`
	Sort   string `query:"sort" json:"-" jsonschema:"enum=createdAt,enum=updatedAt,enum=title"`
	Order  string `query:"order" json:"-" jsonschema:"enum=asc,enum=desc"`
}

// Validate validates the list projects request fields.
func (r *ListProjectsRequest) Validate() error {
	switch r.Sort {
	case "", "createdAt", "updatedAt", "title":
	default:
		return InvalidField("sort", "must be createdAt, updatedAt or title")
	}
	switch r.Order {
	case "", "asc", "desc":
	default:
		return InvalidField("order", "must be asc or desc")
	}
	return nil
}

// CreateProjectRequest is a request to create a project.
type CreateProjectRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	// Tags is a list of strings or a string holding a JSON list.
	Tags   json.RawMessage `json:"tags,omitempty" jsonschema:"type=array"`
	Status string          `json:"status,omitempty"`
}

// Validate validates the create project request fields.
func (r *CreateProjectRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return MissingField("title")
	}
	return nil
}

// GetProjectRequest is a request to get a project.
type GetProjectRequest struct {
	ID string `path:"projectID" json:"-"`
}

// Validate validates the get project request fields.
func (r *GetProjectRequest) Validate() error {
	if r.ID == "" {
		return MissingField("projectID")
	}
	return nil
}

// UpdateProjectRequest is a request to update a project. Absent fields are
// left untouched.
type UpdateProjectRequest struct {
	ID          string          `path:"projectID" json:"-"`
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Tags        json.RawMessage `json:"tags,omitempty" jsonschema:"type=array"`
	Status      *string         `json:"status,omitempty"`
	// EC2PublicIP records the address the project was deployed to.
	EC2PublicIP *string `json:"ec2PublicIP,omitempty"`
}

// Validate validates the update project request fields.
func (r *UpdateProjectRequest) Validate() error {
	if r.ID == "" {
		return MissingField("projectID")
	}
	return nil
}

// DeleteProjectRequest is a request to delete a project.
type DeleteProjectRequest struct {
	ID string `path:"projectID" json:"-"`
}

// Validate validates the delete project request fields.
func (r *DeleteProjectRequest) Validate() error {
	if r.ID == "" {
		return MissingField("projectID")
	}
	return nil
}

// DeployProjectRequest is a request to trigger a deployment.
type DeployProjectRequest struct {
	ID string `path:"projectID" json:"-"`
}

// Validate validates the deploy project request fields.
func (r *DeployProjectRequest) Validate() error {
	if r.ID == "" {
		return MissingField("projectID")
	}
	return nil
}
