package content

import (
	"bytes"
	"fmt"
	"slices"

	json "github.com/goccy/go-json"
)

// Status is the lifecycle state of a project.
type Status string

// Project statuses.
const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusArchived  Status = "archived"
	StatusDeploying Status = "deploying"
	StatusDeployed  Status = "deployed"
	StatusFailed    Status = "failed"
)

var validStatuses = []Status{StatusDraft, StatusActive, StatusArchived, StatusDeploying, StatusDeployed, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(validStatuses, s)
}

// Tags is a list of labels. It decodes from a JSON list or from a string
// holding a JSON list, as sent by multipart forms.
type Tags []string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tags) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTags, err)
		}
		parsed, err := ParseTags(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	var l []string
	if err := json.Unmarshal(b, &l); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTags, err)
	}
	*t = l
	return nil
}

// ParseTags decodes a string holding a JSON list. An empty string is an
// empty list.
func ParseTags(s string) (Tags, error) {
	s = string(bytes.TrimSpace([]byte(s)))
	if s == "" {
		return Tags{}, nil
	}
	var l []string
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTags, err)
	}
	if l == nil {
		l = []string{}
	}
	return l, nil
}

// Deployment records the last CI run triggered for a project.
type Deployment struct {
	Provider    string `json:"provider"`
	Workflow    string `json:"workflow"`
	Ref         string `json:"ref"`
	TriggeredAt string `json:"triggeredAt"`
}

// Archive describes an uploaded project zip file.
type Archive struct {
	// Path is the public path, "/uploads/<user>/<project>/<file>".
	Path     string
	Size     int64
	Checksum string
	Entries  int
}

// Project is a user-owned record with an optional uploaded archive.
type Project struct {
	ID          string      `json:"id,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	User        string      `json:"user"`
	Tags        Tags        `json:"tags"`
	Status      Status      `json:"status"`
	ZipFilePath string      `json:"zipFilePath,omitempty"`
	ZipSize     int64       `json:"zipSize,omitempty"`
	ZipChecksum string      `json:"zipChecksum,omitempty"`
	ZipEntries  int         `json:"zipEntries,omitempty"`
	DeployedIP  string      `json:"deployedIP,omitempty"`
	Deployment  *Deployment `json:"deployment,omitempty"`
	CreatedAt   string      `json:"createdAt,omitempty"`
	UpdatedAt   string      `json:"updatedAt,omitempty"`
}

// HasTag reports whether the project carries tag.
func (p *Project) HasTag(tag string) bool {
	return slices.Contains(p.Tags, tag)
}

// NewProject holds the fields accepted when creating a project.
type NewProject struct {
	Title       string
	Description string
	Tags        Tags
	Status      Status
}

// ProjectPatch lists the fields to change. Nil fields are left untouched.
type ProjectPatch struct {
	Title       *string
	Description *string
	Tags        *Tags
	Status      *Status
	DeployedIP  *string
}

// ListOptions filters and orders a project listing.
type ListOptions struct {
	Status Status
	Tag    string
	// Sort is "createdAt" (default), "updatedAt" or "title".
	Sort string
	// Order is "desc" (default) or "asc".
	Order string
}
