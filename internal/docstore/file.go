package docstore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

const fileExt = ".json"

// readCollection decodes the collection file at path. A missing file is an
// empty collection.
func readCollection(name, path string) ([]Document, error) {
	b, err := os.ReadFile(path) //nolint:gosec // G304: path is built from a validated collection name
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Document{}, nil
		}
		return nil, &StorageError{Op: "read", Collection: name, Err: err}
	}
	docs, err := decodeCollection(b)
	if err != nil {
		return nil, &StorageError{Op: "decode", Collection: name, Err: err}
	}
	return docs, nil
}

func decodeCollection(b []byte) ([]Document, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: not a JSON array", ErrCorrupt)
	}
	var docs []Document
	if err := json.Unmarshal(trimmed, &docs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	for i, d := range docs {
		if d == nil {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrCorrupt, i)
		}
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

// writeCollection atomically replaces the collection file at path.
//
// The content is written to a temporary file in the same directory, synced
// and renamed over path. On failure the previous file is left untouched and
// the temporary file is removed.
func writeCollection(name, path string, docs []Document) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Collection: name, Err: err}
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &StorageError{Op: "write", Collection: name, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return &StorageError{Op: "write", Collection: name, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &StorageError{Op: "sync", Collection: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "close", Collection: name, Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil { //nolint:gosec // G302: collection files are not secret
		return &StorageError{Op: "chmod", Collection: name, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &StorageError{Op: "rename", Collection: name, Err: err}
	}
	committed = true
	return nil
}

// initCollection writes an empty array to path if the file does not exist.
func initCollection(name, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "stat", Collection: name, Err: err}
	}
	return writeCollection(name, path, []Document{})
}
