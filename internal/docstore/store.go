package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"
)

// maxIDAttempts bounds id regeneration when a generated id collides with an
// existing one.
const maxIDAttempts = 8

// Option configures a Store.
type Option func(*Store)

// WithCollections creates the named collections as empty files if they do
// not exist yet.
func WithCollections(names ...string) Option {
	return func(s *Store) {
		s.initial = append(s.initial, names...)
	}
}

// WithClock overrides the time source used for createdAt and updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator overrides the id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		s.newID = newID
	}
}

// Store is a set of collections persisted as JSON files in one directory.
//
// A Store is safe for concurrent use. It assumes it is the only process
// writing to its directory.
type Store struct {
	dir     string
	now     func() time.Time
	newID   func() string
	initial []string

	mu    sync.Mutex
	colls map[string]*collection
}

type collection struct {
	name string
	path string
	// ready is set once the collection file is known to exist.
	ready atomic.Bool
	// sem is the writer lock. A weighted semaphore instead of a mutex so
	// waiting writers honor their context.
	sem *semaphore.Weighted
}

// New opens or creates a Store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errDirRequired
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s := &Store{
		dir:   dir,
		now:   time.Now,
		newID: NewID,
		colls: map[string]*collection{},
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range s.initial {
		c, err := s.collection(name)
		if err != nil {
			return nil, err
		}
		if err := initCollection(c.name, c.path); err != nil {
			return nil, err
		}
		c.ready.Store(true)
	}
	return s, nil
}

// Dir returns the directory holding the collection files.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of a collection.
func (s *Store) Path(name string) (string, error) {
	c, err := s.collection(name)
	if err != nil {
		return "", err
	}
	return c.path, nil
}

// Collections returns the sorted names of the collections present on disk.
func (s *Store) Collections() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), fileExt)
		if ok && validName(name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Create stores a new document and returns the stored copy.
//
// The store assigns "id" and "createdAt"; values the caller supplied for the
// store-managed fields are discarded.
func (s *Store) Create(ctx context.Context, name string, doc Document) (Document, error) {
	d, err := normalizeDocument(doc)
	if err != nil {
		return nil, err
	}
	delete(d, FieldUpdatedAt)
	var out Document
	err = s.mutate(ctx, name, "create", func(docs []Document) ([]Document, bool, error) {
		id, err := s.uniqueID(docs)
		if err != nil {
			return nil, false, err
		}
		d[FieldID] = id
		d[FieldCreatedAt] = FormatTime(s.now())
		out = d.Clone()
		return append(docs, d), true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindByID returns the document with the given id or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, name, id string) (Document, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	docs, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if i := indexOf(docs, id); i >= 0 {
		return docs[i], nil
	}
	return nil, ErrNotFound
}

// FindOne returns the first document in collection order matching f, or
// ErrNotFound.
func (s *Store) FindOne(ctx context.Context, name string, f Filter) (Document, error) {
	nf, err := f.normalize()
	if err != nil {
		return nil, err
	}
	docs, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if nf.matches(d) {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

// Find returns every document matching f in insertion order. The result is
// never nil.
func (s *Store) Find(ctx context.Context, name string, f Filter) ([]Document, error) {
	nf, err := f.normalize()
	if err != nil {
		return nil, err
	}
	docs, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(nf) == 0 {
		return docs, nil
	}
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if nf.matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Update shallow-merges partial into the document with the given id, sets
// "updatedAt" and returns the updated document, or ErrNotFound.
//
// Store-managed fields in partial are ignored.
func (s *Store) Update(ctx context.Context, name, id string, partial Document) (Document, error) {
	if id == "" {
		return nil, errIDRequired
	}
	p, err := normalizeDocument(partial)
	if err != nil {
		return nil, err
	}
	delete(p, FieldID)
	delete(p, FieldCreatedAt)
	delete(p, FieldUpdatedAt)
	var out Document
	err = s.mutate(ctx, name, "update", func(docs []Document) ([]Document, bool, error) {
		i := indexOf(docs, id)
		if i < 0 {
			return nil, false, ErrNotFound
		}
		d := docs[i]
		for k, v := range p {
			d[k] = v
		}
		d[FieldUpdatedAt] = FormatTime(s.now())
		out = d.Clone()
		return docs, true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes the document with the given id. It reports whether a
// document was removed.
func (s *Store) Remove(ctx context.Context, name, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	removed := false
	err := s.mutate(ctx, name, "remove", func(docs []Document) ([]Document, bool, error) {
		i := indexOf(docs, id)
		if i < 0 {
			return nil, false, nil
		}
		removed = true
		return slices.Delete(docs, i, i+1), true, nil
	})
	return removed, err
}

// Verify decodes a collection and checks that every document has a unique,
// non-empty id. It returns the number of documents.
func (s *Store) Verify(ctx context.Context, name string) (int, error) {
	docs, err := s.load(ctx, name)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(docs))
	for i, d := range docs {
		id := d.ID()
		if id == "" {
			return 0, &StorageError{Op: "verify", Collection: name, Err: fmt.Errorf("%w: document %d has no id", ErrCorrupt, i)}
		}
		if _, ok := seen[id]; ok {
			return 0, &StorageError{Op: "verify", Collection: name, Err: fmt.Errorf("%w: duplicate id %q", ErrCorrupt, id)}
		}
		seen[id] = struct{}{}
	}
	return len(docs), nil
}

// mutate runs fn on the decoded collection while holding its writer lock and
// persists the result when fn reports a change.
//
// ctx is only honored until the collection is read.
func (s *Store) mutate(ctx context.Context, name, op string, fn func([]Document) ([]Document, bool, error)) error {
	c, err := s.collection(name)
	if err != nil {
		return err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("docstore: %s %q: %w", op, name, err)
	}
	defer c.sem.Release(1)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("docstore: %s %q: %w", op, name, err)
	}
	if !c.ready.Load() {
		if err := initCollection(c.name, c.path); err != nil {
			return err
		}
		c.ready.Store(true)
	}
	docs, err := readCollection(c.name, c.path)
	if err != nil {
		slog.ErrorContext(ctx, "docstore: read failed", "op", op, "collection", name, "err", err)
		return err
	}
	docs, changed, err := fn(docs)
	if err != nil || !changed {
		return err
	}
	if err := writeCollection(c.name, c.path, docs); err != nil {
		slog.ErrorContext(ctx, "docstore: write failed", "op", op, "collection", name, "err", err)
		return err
	}
	slog.DebugContext(ctx, "docstore", "op", op, "collection", name, "count", len(docs))
	return nil
}

func (s *Store) load(ctx context.Context, name string) ([]Document, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensure(ctx, c); err != nil {
		return nil, err
	}
	return readCollection(c.name, c.path)
}

// ensure creates the collection file on first access. The writer lock is
// only taken when the file is missing.
func (s *Store) ensure(ctx context.Context, c *collection) error {
	if c.ready.Load() {
		return nil
	}
	if _, err := os.Stat(c.path); err == nil {
		c.ready.Store(true)
		return nil
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("docstore: init %q: %w", c.name, err)
	}
	defer c.sem.Release(1)
	if err := initCollection(c.name, c.path); err != nil {
		return err
	}
	c.ready.Store(true)
	return nil
}

func (s *Store) collection(name string) (*collection, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[name]
	if c == nil {
		c = &collection{
			name: name,
			path: filepath.Join(s.dir, name+fileExt),
			sem:  semaphore.NewWeighted(1),
		}
		s.colls[name] = c
	}
	return c, nil
}

func (s *Store) uniqueID(docs []Document) (string, error) {
	for range maxIDAttempts {
		id := s.newID()
		if id != "" && indexOf(docs, id) < 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique id after %d attempts", maxIDAttempts)
}

func indexOf(docs []Document, id string) int {
	return slices.IndexFunc(docs, func(d Document) bool { return d.ID() == id })
}

// normalizeDocument round-trips doc through the JSON codec so that stored,
// returned and re-read values have identical types.
func normalizeDocument(doc Document) (Document, error) {
	if len(doc) == 0 {
		return Document{}, nil
	}
	b, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("document is not JSON serializable: %w", err)
	}
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("document is not JSON serializable: %w", err)
	}
	return d, nil
}

// validName reports whether name can be used as a collection file name.
func validName(name string) bool {
	if name == "" || len(name) > 64 || name[0] == '_' || name[0] == '-' {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
