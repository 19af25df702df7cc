package content

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/xxh3"
)

// URLPrefix is the public path prefix of uploaded files.
const URLPrefix = "/uploads/"

// sniffLen is the number of bytes http.DetectContentType looks at.
const sniffLen = 512

// FileStore stores uploaded files under a root directory.
//
// Layout:
//
//	<root>/<userID>/profiles/profile_<ms><ext>
//	<root>/<userID>/<projectID>/project_<ms>.zip
//
// Files are addressed by their public path, "/uploads/" followed by the path
// relative to root.
type FileStore struct {
	root            string
	maxArchiveBytes int64
	maxImageBytes   int64
	now             func() time.Time
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string, maxArchiveBytes, maxImageBytes int64) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil { //nolint:gosec // G301: uploads are served publicly
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}
	return &FileStore{
		root:            root,
		maxArchiveBytes: maxArchiveBytes,
		maxImageBytes:   maxImageBytes,
		now:             time.Now,
	}, nil
}

// Root returns the uploads directory.
func (f *FileStore) Root() string {
	return f.root
}

// MaxArchiveBytes returns the archive size limit.
func (f *FileStore) MaxArchiveBytes() int64 {
	return f.maxArchiveBytes
}

// MaxImageBytes returns the profile picture size limit.
func (f *FileStore) MaxImageBytes() int64 {
	return f.maxImageBytes
}

// SaveArchive stores a project zip file read from r.
//
// The content must be a readable zip archive within the size limit.
// contentType is the type declared by the client and may be empty.
func (f *FileStore) SaveArchive(userID, projectID, contentType string, r io.Reader) (*Archive, error) {
	if err := checkSegments(userID, projectID); err != nil {
		return nil, err
	}
	if !isZipContentType(contentType) {
		return nil, ErrInvalidArchive
	}
	dir := filepath.Join(f.root, userID, projectID)
	h := xxh3.New()
	tmp, size, err := f.receive(dir, io.TeeReader(r, h), f.maxArchiveBytes)
	if err != nil {
		return nil, err
	}
	defer removeQuiet(tmp)

	entries, err := countZipEntries(tmp, size)
	if err != nil {
		return nil, err
	}
	name, err := f.place(tmp, dir, "project_", ".zip")
	if err != nil {
		return nil, err
	}
	return &Archive{
		Path:     URLPrefix + path.Join(userID, projectID, name),
		Size:     size,
		Checksum: fmt.Sprintf("%016x", h.Sum64()),
		Entries:  entries,
	}, nil
}

// SaveProfilePic stores a profile picture read from r and returns its public
// path.
//
// Both the declared content type and the sniffed content must be images.
// filename is the client file name, used only for its extension.
func (f *FileStore) SaveProfilePic(userID, filename, contentType string, r io.Reader) (string, error) {
	if err := checkSegments(userID); err != nil {
		return "", err
	}
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return "", ErrInvalidImage
	}
	dir := filepath.Join(f.root, userID, "profiles")
	tmp, _, err := f.receive(dir, r, f.maxImageBytes)
	if err != nil {
		return "", err
	}
	defer removeQuiet(tmp)

	sniffed, err := sniff(tmp)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(sniffed, "image/") {
		return "", ErrInvalidImage
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 6 {
		ext = ".img"
		if exts, _ := mime.ExtensionsByType(sniffed); len(exts) > 0 {
			ext = exts[0]
		}
	}
	name, err := f.place(tmp, dir, "profile_", ext)
	if err != nil {
		return "", err
	}
	return URLPrefix + path.Join(userID, "profiles", name), nil
}

// Resolve maps a public path to a file path under root.
func (f *FileStore) Resolve(publicPath string) (string, error) {
	rel, ok := strings.CutPrefix(publicPath, URLPrefix)
	if !ok || rel == "" {
		return "", errInvalidPath
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", errInvalidPath
	}
	return filepath.Join(f.root, filepath.FromSlash(rel)), nil
}

// Remove deletes the file at a public path. Missing files are ignored.
func (f *FileStore) Remove(publicPath string) error {
	p, err := f.Resolve(publicPath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove upload: %w", err)
	}
	return nil
}

// RemoveProjectDir deletes every file uploaded for a project.
func (f *FileStore) RemoveProjectDir(userID, projectID string) error {
	if err := checkSegments(userID, projectID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(f.root, userID, projectID)); err != nil {
		return fmt.Errorf("failed to remove project uploads: %w", err)
	}
	return nil
}

// receive copies at most limit bytes from r to a temporary file in dir.
func (f *FileStore) receive(dir string, r io.Reader, limit int64) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: uploads are served publicly
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	name := tmp.Name()
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if err2 := tmp.Close(); err == nil {
		err = err2
	}
	switch {
	case err != nil:
		removeQuiet(name)
		return "", 0, fmt.Errorf("failed to store upload: %w", err)
	case limit > 0 && n > limit:
		removeQuiet(name)
		return "", 0, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, limit)
	case n == 0:
		removeQuiet(name)
		return "", 0, ErrEmptyFile
	}
	return name, n, nil
}

// place renames tmp into dir under a timestamped name and returns the name.
func (f *FileStore) place(tmp, dir, prefix, ext string) (string, error) {
	ms := f.now().UnixMilli()
	for {
		name := fmt.Sprintf("%s%d%s", prefix, ms, ext)
		dst := filepath.Join(dir, name)
		if _, err := os.Lstat(dst); errors.Is(err, fs.ErrNotExist) {
			if err := os.Rename(tmp, dst); err != nil {
				return "", fmt.Errorf("failed to store upload: %w", err)
			}
			return name, nil
		}
		ms++
	}
}

func countZipEntries(p string, size int64) (int, error) {
	fh, err := os.Open(p) //nolint:gosec // G304: temporary file created by receive
	if err != nil {
		return 0, fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() { _ = fh.Close() }()
	zr, err := zip.NewReader(fh, size)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	return len(zr.File), nil
}

func sniff(p string) (string, error) {
	fh, err := os.Open(p) //nolint:gosec // G304: temporary file created by receive
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() { _ = fh.Close() }()
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(fh, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	return http.DetectContentType(buf[:n]), nil
}

func isZipContentType(ct string) bool {
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	switch mt {
	case "application/zip", "application/x-zip-compressed", "application/x-zip", "application/octet-stream":
		return true
	}
	return false
}

func checkSegments(segs ...string) error {
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, `/\`) || !filepath.IsLocal(s) {
			return fmt.Errorf("%w: %q", errUnsafeSegment, s)
		}
	}
	return nil
}

func removeQuiet(p string) {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove temporary upload", "path", p, "err", err)
	}
}
