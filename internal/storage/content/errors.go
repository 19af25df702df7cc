package content

import "errors"

var (
	// ErrProjectNotFound is returned when no project matches the id.
	ErrProjectNotFound = errors.New("project not found")
	// ErrForbidden is returned when the caller does not own the project.
	ErrForbidden = errors.New("not authorized to access this project")
	// ErrTitleRequired is returned when creating a project without a title.
	ErrTitleRequired = errors.New("title is required")
	// ErrInvalidStatus is returned for an unknown project status.
	ErrInvalidStatus = errors.New("invalid project status")
	// ErrInvalidTags is returned when tags are neither a list nor a string
	// holding a JSON list.
	ErrInvalidTags = errors.New("tags must be a list of strings")
	// ErrInvalidQuery is returned for unsupported list sort or order values.
	ErrInvalidQuery = errors.New("invalid list query")
	// ErrNoArchive is returned when a project has no uploaded archive.
	ErrNoArchive = errors.New("no zip file found for this project")

	// ErrFileTooLarge is returned when an upload exceeds its size limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrInvalidArchive is returned when an upload is not a readable zip file.
	ErrInvalidArchive = errors.New("only zip files are allowed")
	// ErrInvalidImage is returned when an upload is not an image.
	ErrInvalidImage = errors.New("only image files are allowed")
	// ErrEmptyFile is returned for zero-length uploads.
	ErrEmptyFile = errors.New("please upload a file")

	errIDRequired    = errors.New("id is required")
	errInvalidPath   = errors.New("invalid upload path")
	errUnsafeSegment = errors.New("unsafe path segment")
)
