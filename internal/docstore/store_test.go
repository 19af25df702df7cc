package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock returns monotonically increasing times one millisecond apart.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	s, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	t.Run("requires dir", func(t *testing.T) {
		_, err := New("")
		require.Error(t, err)
	})
	t.Run("initializes collections", func(t *testing.T) {
		dir := t.TempDir()
		_, err := New(dir, WithCollections("users", "projects"))
		require.NoError(t, err)
		for _, name := range []string{"users", "projects"} {
			b, err := os.ReadFile(filepath.Join(dir, name+".json"))
			require.NoError(t, err)
			assert.Equal(t, "[]\n", string(b))
		}
	})
	t.Run("keeps existing collection", func(t *testing.T) {
		dir := t.TempDir()
		content := `[{"id":"a","createdAt":"2024-01-01T00:00:00.000Z"}]`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "users.json"), []byte(content), 0o644))
		s, err := New(dir, WithCollections("users"))
		require.NoError(t, err)
		d, err := s.FindByID(t.Context(), "users", "a")
		require.NoError(t, err)
		assert.Equal(t, "2024-01-01T00:00:00.000Z", d.CreatedAt())
	})
	t.Run("rejects invalid collection", func(t *testing.T) {
		_, err := New(t.TempDir(), WithCollections("../etc"))
		require.ErrorIs(t, err, ErrInvalidCollection)
	})
}

func TestCreate(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	t.Run("assigns identity fields", func(t *testing.T) {
		d, err := s.Create(ctx, "users", Document{"name": "Ada", "age": 36})
		require.NoError(t, err)
		assert.NotEmpty(t, d.ID())
		assert.Equal(t, "Ada", d["name"])
		assert.Equal(t, float64(36), d["age"])
		_, err = ParseTime(d.CreatedAt())
		require.NoError(t, err)
		assert.Empty(t, d.UpdatedAt())
	})

	t.Run("ignores caller supplied identity", func(t *testing.T) {
		d, err := s.Create(ctx, "users", Document{
			FieldID:        "mine",
			FieldCreatedAt: "1999-01-01T00:00:00.000Z",
			FieldUpdatedAt: "1999-01-01T00:00:00.000Z",
		})
		require.NoError(t, err)
		assert.NotEqual(t, "mine", d.ID())
		assert.NotEqual(t, "1999-01-01T00:00:00.000Z", d.CreatedAt())
		assert.Empty(t, d.UpdatedAt())
	})

	t.Run("unique ids", func(t *testing.T) {
		seen := map[string]bool{}
		for i := range 50 {
			d, err := s.Create(ctx, "items", Document{"i": i})
			require.NoError(t, err)
			require.False(t, seen[d.ID()], "duplicate id %s", d.ID())
			seen[d.ID()] = true
		}
		docs, err := s.Find(ctx, "items", nil)
		require.NoError(t, err)
		assert.Len(t, docs, 50)
	})

	t.Run("regenerates colliding id", func(t *testing.T) {
		ids := []string{"x", "x", "y"}
		n := 0
		s2 := newTestStore(t, WithIDGenerator(func() string {
			id := ids[n]
			n++
			return id
		}))
		a, err := s2.Create(ctx, "c", Document{})
		require.NoError(t, err)
		b, err := s2.Create(ctx, "c", Document{})
		require.NoError(t, err)
		assert.Equal(t, "x", a.ID())
		assert.Equal(t, "y", b.ID())
	})

	t.Run("returned copy is independent", func(t *testing.T) {
		d, err := s.Create(ctx, "users", Document{"tags": []any{"a"}})
		require.NoError(t, err)
		d["tags"].([]any)[0] = "changed"
		got, err := s.FindByID(ctx, "users", d.ID())
		require.NoError(t, err)
		assert.Equal(t, []any{"a"}, got["tags"])
	})
}

func TestRoundTrip(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	created, err := s.Create(ctx, "projects", Document{
		"title":  "site",
		"tags":   []string{"go", "web"},
		"nested": map[string]any{"n": 1, "ok": true},
		"none":   nil,
	})
	require.NoError(t, err)
	got, err := s.FindByID(ctx, "projects", created.ID())
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestUpdate(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	created, err := s.Create(ctx, "users", Document{"name": "Ada", "bio": ""})
	require.NoError(t, err)

	t.Run("merge", func(t *testing.T) {
		updated, err := s.Update(ctx, "users", created.ID(), Document{"bio": "hi", "extra": []any{1}})
		require.NoError(t, err)
		assert.Equal(t, "hi", updated["bio"])
		assert.Equal(t, "Ada", updated["name"])
		assert.Equal(t, []any{float64(1)}, updated["extra"])
		assert.Equal(t, created.ID(), updated.ID())
		assert.Equal(t, created.CreatedAt(), updated.CreatedAt())
		assert.GreaterOrEqual(t, updated.UpdatedAt(), created.CreatedAt())

		got, err := s.FindByID(ctx, "users", created.ID())
		require.NoError(t, err)
		assert.Equal(t, updated, got)
	})

	t.Run("identity fields are immutable", func(t *testing.T) {
		updated, err := s.Update(ctx, "users", created.ID(), Document{
			FieldID:        "other",
			FieldCreatedAt: "1999-01-01T00:00:00.000Z",
			FieldUpdatedAt: "1999-01-01T00:00:00.000Z",
		})
		require.NoError(t, err)
		assert.Equal(t, created.ID(), updated.ID())
		assert.Equal(t, created.CreatedAt(), updated.CreatedAt())
		assert.NotEqual(t, "1999-01-01T00:00:00.000Z", updated.UpdatedAt())
	})

	t.Run("updatedAt advances", func(t *testing.T) {
		a, err := s.Update(ctx, "users", created.ID(), Document{"n": 1})
		require.NoError(t, err)
		b, err := s.Update(ctx, "users", created.ID(), Document{"n": 2})
		require.NoError(t, err)
		assert.Greater(t, b.UpdatedAt(), a.UpdatedAt())
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.Update(ctx, "users", "missing", Document{"bio": "x"})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty id", func(t *testing.T) {
		_, err := s.Update(ctx, "users", "", Document{"bio": "x"})
		require.Error(t, err)
	})
}

func TestRemove(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	a, err := s.Create(ctx, "users", Document{"name": "a"})
	require.NoError(t, err)
	b, err := s.Create(ctx, "users", Document{"name": "b"})
	require.NoError(t, err)

	ok, err := s.Remove(ctx, "users", a.ID())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.FindByID(ctx, "users", a.ID())
	require.ErrorIs(t, err, ErrNotFound)

	ok, err = s.Remove(ctx, "users", a.ID())
	require.NoError(t, err)
	assert.False(t, ok)

	docs, err := s.Find(ctx, "users", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, b.ID(), docs[0].ID())
}

func TestRemoveEmptyID(t *testing.T) {
	s := newTestStore(t)
	path, err := s.Path("users")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"noid"}]`), 0o644))

	ok, err := s.Remove(t.Context(), "users", "")
	require.NoError(t, err)
	assert.False(t, ok)

	docs, err := s.Find(t.Context(), "users", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "noid", docs[0]["name"])
}

func TestFind(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	seed := []Document{
		{"user": "u1", "status": "draft", "n": 5, "tags": []any{"go"}},
		{"user": "u2", "status": "draft", "n": "5"},
		{"user": "u1", "status": "active", "n": 6},
		{"user": "u1", "status": "draft", "n": 7, "tags": []any{"go", "web"}},
	}
	var ids []string
	for _, d := range seed {
		c, err := s.Create(ctx, "projects", d)
		require.NoError(t, err)
		ids = append(ids, c.ID())
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"empty filter", nil, ids},
		{"single field", Filter{"user": "u1"}, []string{ids[0], ids[2], ids[3]}},
		{"conjunction", Filter{"user": "u1", "status": "draft"}, []string{ids[0], ids[3]}},
		{"int matches number", Filter{"n": 5}, []string{ids[0]}},
		{"string never matches number", Filter{"n": "5"}, []string{ids[1]}},
		{"array deep equality", Filter{"tags": []string{"go"}}, []string{ids[0]}},
		{"absent field", Filter{"tags": nil}, []string{}},
		{"no match", Filter{"user": "nobody"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := s.Find(ctx, "projects", tt.filter)
			require.NoError(t, err)
			require.NotNil(t, docs)
			got := make([]string, 0, len(docs))
			for _, d := range docs {
				got = append(got, d.ID())
			}
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("FindOne returns first in order", func(t *testing.T) {
		d, err := s.FindOne(ctx, "projects", Filter{"status": "draft"})
		require.NoError(t, err)
		assert.Equal(t, ids[0], d.ID())
	})
	t.Run("FindOne not found", func(t *testing.T) {
		_, err := s.FindOne(ctx, "projects", Filter{"status": "gone"})
		require.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("missing collection is empty", func(t *testing.T) {
		docs, err := s.Find(ctx, "nothing", nil)
		require.NoError(t, err)
		assert.Empty(t, docs)
		_, err = s.FindByID(ctx, "nothing", "x")
		require.ErrorIs(t, err, ErrNotFound)

		names, err := s.Collections()
		require.NoError(t, err)
		assert.Contains(t, names, "nothing")
		path, err := s.Path("nothing")
		require.NoError(t, err)
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "[]\n", string(b))
	})
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	const n = 20
	ids := make([]string, n)
	for i := range n {
		d, err := s.Create(ctx, "items", Document{"i": i})
		require.NoError(t, err)
		ids[i] = d.ID()
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, id := range ids {
		wg.Go(func() {
			field := fmt.Sprintf("f%d", i)
			if _, err := s.Update(ctx, "items", id, Document{field: i}); err != nil {
				errs <- err
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i, id := range ids {
		d, err := s.FindByID(ctx, "items", id)
		require.NoError(t, err)
		assert.Equal(t, float64(i), d[fmt.Sprintf("f%d", i)], "lost update on %s", id)
	}
}

func TestConcurrentUpdatesSameDocument(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	d, err := s.Create(ctx, "items", Document{"x": 0})
	require.NoError(t, err)
	id := d.ID()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := range n {
		wg.Go(func() {
			if _, err := s.Update(ctx, "items", id, Document{fmt.Sprintf("f%d", i): i}); err != nil {
				errs <- err
			}
		})
		wg.Go(func() {
			docs, err := s.Find(ctx, "items", nil)
			if err != nil {
				errs <- err
				return
			}
			if len(docs) != 1 || docs[0].ID() != id {
				errs <- fmt.Errorf("reader saw %d documents", len(docs))
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.FindByID(ctx, "items", id)
	require.NoError(t, err)
	for i := range n {
		assert.Equal(t, float64(i), got[fmt.Sprintf("f%d", i)], "lost update f%d", i)
	}
	assert.Equal(t, id, got.ID())
	assert.NotEmpty(t, got[FieldCreatedAt])
	assert.NotEmpty(t, got[FieldUpdatedAt])
	assert.Len(t, got, n+4)
}

func TestConcurrentCreates(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	const n = 25
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			_, err := s.Create(ctx, "items", Document{"i": i})
			assert.NoError(t, err)
		})
	}
	wg.Wait()
	n2, err := s.Verify(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, n, n2)
}

func TestCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := s.Create(ctx, "users", Document{"name": "a"})
	require.ErrorIs(t, err, context.Canceled)
	docs, err := s.Find(t.Context(), "users", nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestWaitingWriterTimesOut(t *testing.T) {
	s := newTestStore(t)
	c, err := s.collection("users")
	require.NoError(t, err)
	require.NoError(t, c.sem.Acquire(t.Context(), 1))
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Create(ctx, "users", Document{"name": "a"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCorruptFile(t *testing.T) {
	for _, content := range []string{"", "{not json", `{"a":1}`, "null", "[1,2]", "[null]"} {
		t.Run(fmt.Sprintf("%q", content), func(t *testing.T) {
			s := newTestStore(t)
			path, err := s.Path("users")
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, err = s.Find(t.Context(), "users", nil)
			require.True(t, IsStorageError(err), "got %v", err)
			require.ErrorIs(t, err, ErrCorrupt)

			_, err = s.Create(t.Context(), "users", Document{"name": "a"})
			require.True(t, IsStorageError(err), "got %v", err)

			b, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, content, string(b), "corrupt file must not be rewritten")
		})
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	for i := range 10 {
		d, err := s.Create(ctx, "users", Document{"i": i})
		require.NoError(t, err)
		_, err = s.Update(ctx, "users", d.ID(), Document{"j": i})
		require.NoError(t, err)
	}
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover %s", e.Name())
	}
}

func TestWriteFailureKeepsPreviousFile(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	ctx := t.Context()
	s := newTestStore(t)
	_, err := s.Create(ctx, "users", Document{"name": "a"})
	require.NoError(t, err)
	path, err := s.Path("users")
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.Chmod(s.Dir(), 0o555))
	t.Cleanup(func() { _ = os.Chmod(s.Dir(), 0o755) })

	_, err = s.Create(ctx, "users", Document{"name": "b"})
	require.True(t, IsStorageError(err), "got %v", err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestCollectionsAreIndependent(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	u, err := s.Create(ctx, "users", Document{"name": "a"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "projects", Document{"title": "p"})
	require.NoError(t, err)

	_, err = s.FindByID(ctx, "projects", u.ID())
	require.ErrorIs(t, err, ErrNotFound)

	names, err := s.Collections()
	require.NoError(t, err)
	assert.Equal(t, []string{"projects", "users"}, names)
}

func TestInvalidCollection(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", "../x", "a/b", "_hidden", "-x", "a.b"} {
		_, err := s.Find(t.Context(), name, nil)
		if !errors.Is(err, ErrInvalidCollection) {
			t.Errorf("Find(%q) error = %v, want ErrInvalidCollection", name, err)
		}
	}
}

func TestVerify(t *testing.T) {
	s := newTestStore(t)
	path, err := s.Path("users")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"a"},{"id":"a"}]`), 0o644))
	_, err = s.Verify(t.Context(), "users")
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"x"}]`), 0o644))
	_, err = s.Verify(t.Context(), "users")
	require.ErrorIs(t, err, ErrCorrupt)
}
