package dto

// HealthResponse is the response to a health check.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// InfoResponse describes the API.
type InfoResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// UserResponse is a user as exposed by the API.
type UserResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	ProfilePic string `json:"profilePic"`
	Bio        string `json:"bio"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
}

// AuthResponse is returned on successful registration, login or password
// change.
type AuthResponse struct {
	Token string        `json:"token"`
	User  *UserResponse `json:"user"`
}

// UserEnvelope wraps a single user.
type UserEnvelope struct {
	User *UserResponse `json:"user"`
}

// DeploymentResponse describes the last CI run triggered for a project.
type DeploymentResponse struct {
	Provider    string `json:"provider"`
	Workflow    string `json:"workflow"`
	Ref         string `json:"ref"`
	TriggeredAt string `json:"triggeredAt"`
}

// ProjectResponse is a project as exposed by the API.
type ProjectResponse struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	User        string              `json:"user"`
	Tags        []string            `json:"tags"`
	Status      string              `json:"status"`
	ZipFilePath string              `json:"zipFilePath,omitempty"`
	ZipSize     int64               `json:"zipSize,omitempty"`
	ZipChecksum string              `json:"zipChecksum,omitempty"`
	ZipEntries  int                 `json:"zipEntries,omitempty"`
	DeployedIP  string              `json:"deployedIP,omitempty"`
	Deployment  *DeploymentResponse `json:"deployment,omitempty"`
	CreatedAt   string              `json:"createdAt"`
	UpdatedAt   string              `json:"updatedAt,omitempty"`
}

// ProjectEnvelope wraps a single project.
type ProjectEnvelope struct {
	Project *ProjectResponse `json:"project"`
}

// ProjectListResponse is a list of projects.
type ProjectListResponse struct {
	Count    int                `json:"count"`
	Projects []*ProjectResponse `json:"projects"`
}

// MessageResponse carries a human readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}
