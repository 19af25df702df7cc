package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"
	"github.com/maruel/fmdhost/internal/deploy"
	"github.com/maruel/fmdhost/internal/docstore"
	"github.com/maruel/fmdhost/internal/server/dto"
	"github.com/maruel/fmdhost/internal/server/handlers"
	"github.com/maruel/fmdhost/internal/server/ratelimit"
	"github.com/maruel/fmdhost/internal/storage"
	"github.com/maruel/fmdhost/internal/storage/content"
	"github.com/maruel/fmdhost/internal/storage/history"
	"github.com/maruel/fmdhost/internal/storage/identity"
)

var testJWTSecret = hex.EncodeToString([]byte("test-secret-key-32-bytes-long!!!"))

type testEnv struct {
	server  *httptest.Server
	svc     *handlers.Services
	history *history.Repo
}

type envOptions struct {
	ci       storage.CIConfig
	limits   *storage.RateLimits
	maxUsers int
}

func setupTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	dbDir := filepath.Join(dataDir, "db")

	store, err := docstore.New(dbDir, docstore.WithCollections(identity.Collection, content.Collection))
	if err != nil {
		t.Fatalf("docstore.New: %v", err)
	}
	serverCfg := storage.DefaultServerConfig()
	serverCfg.JWTSecret = testJWTSecret
	serverCfg.CI = opts.ci
	serverCfg.Quotas.MaxUsers = opts.maxUsers
	files, err := content.NewFileStore(filepath.Join(dataDir, "uploads"), serverCfg.Quotas.MaxArchiveBytes, serverCfg.Quotas.MaxImageBytes)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	repo, err := history.Open(dbDir, "fmdhost", "fmdhost@localhost")
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}

	svc := &handlers.Services{
		User:    identity.NewUserService(store, identity.WithMaxUsers(serverCfg.Quotas.MaxUsers)),
		Project: content.NewProjectService(store, files),
		Deploy:  deploy.NewDispatcher(context.Background(), opts.ci, ""),
		History: repo,
	}
	cfg := &handlers.Config{
		ServerConfig: serverCfg,
		DataDir:      dataDir,
		BaseURL:      "http://localhost:8080",
		Version:      "test",
	}
	var limiters *ratelimit.Limiters
	if opts.limits != nil {
		limiters = ratelimit.NewLimiters(opts.limits)
		t.Cleanup(limiters.Close)
	}
	server := httptest.NewServer(NewRouter(svc, cfg, limiters))
	t.Cleanup(server.Close)
	return &testEnv{server: server, svc: svc, history: repo}
}

// do performs an HTTP request and returns the status code and body.
func (e *testEnv) do(t *testing.T, req *http.Request, token string) (int, []byte) {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		t.Fatalf("ReadAll/Close: %v", err)
	}
	return resp.StatusCode, data
}

// doJSON performs an HTTP request, decodes the JSON response, and returns the status code.
func (e *testEnv) doJSON(t *testing.T, method, path string, body, response any, token string) int {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	status, data := e.do(t, req, token)
	if response != nil && len(data) > 0 {
		if err := json.Unmarshal(data, response); err != nil {
			t.Fatalf("Unmarshal response: %v\nBody: %s", err, string(data))
		}
	}
	return status
}

// upload sends a multipart request with one file part.
func (e *testEnv) upload(t *testing.T, method, path, field, filename, contentType string, content []byte, response any, token string) int {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	status, data := e.do(t, req, token)
	if response != nil && len(data) > 0 {
		if err := json.Unmarshal(data, response); err != nil {
			t.Fatalf("Unmarshal response: %v\nBody: %s", err, string(data))
		}
	}
	return status
}

func (e *testEnv) register(t *testing.T, name, email string) *dto.AuthResponse {
	t.Helper()
	var resp dto.AuthResponse
	req := dto.RegisterRequest{Name: name, Email: email, Password: "secret123"}
	if status := e.doJSON(t, http.MethodPost, "/api/v1/users/register", req, &resp, ""); status != http.StatusCreated {
		t.Fatalf("register %s: got status %d, want %d", email, status, http.StatusCreated)
	}
	if resp.Token == "" {
		t.Fatal("register should return a token")
	}
	return &resp
}

func (e *testEnv) createProject(t *testing.T, token string, body map[string]any) *dto.ProjectResponse {
	t.Helper()
	var resp dto.ProjectEnvelope
	if status := e.doJSON(t, http.MethodPost, "/api/v1/projects", body, &resp, token); status != http.StatusCreated {
		t.Fatalf("create project: got status %d, want %d", status, http.StatusCreated)
	}
	return resp.Project
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestIntegration(t *testing.T) {
	t.Parallel()
	t.Run("Meta", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t, envOptions{})

		var health dto.HealthResponse
		if status := env.doJSON(t, http.MethodGet, "/api/health", nil, &health, ""); status != http.StatusOK {
			t.Fatalf("GET /api/health: got status %d", status)
		}
		if health.Status != "ok" || health.Version != "test" {
			t.Errorf("health = %+v", health)
		}

		var info dto.InfoResponse
		if status := env.doJSON(t, http.MethodGet, "/api/v1", nil, &info, ""); status != http.StatusOK {
			t.Fatalf("GET /api/v1: got status %d", status)
		}
		if info.Endpoints["projects"] != "/api/v1/projects" {
			t.Errorf("info endpoints = %v", info.Endpoints)
		}

		var docs struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		}
		if status := env.doJSON(t, http.MethodGet, "/api-docs", nil, &docs, ""); status != http.StatusOK {
			t.Fatalf("GET /api-docs: got status %d", status)
		}
		if _, ok := docs.Schemas["RegisterRequest"]; !ok {
			t.Errorf("schemas missing RegisterRequest: %v", len(docs.Schemas))
		}

		req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/", nil)
		status, body := env.do(t, req, "")
		if status != http.StatusOK || !strings.Contains(string(body), "running") {
			t.Errorf("GET /: %d %q", status, body)
		}

		var errResp dto.ErrorResponse
		if status := env.doJSON(t, http.MethodGet, "/nope", nil, &errResp, ""); status != http.StatusNotFound {
			t.Errorf("GET /nope: got status %d", status)
		}
		if errResp.Error.Message != "Route not found" || errResp.Error.Code != dto.ErrorCodeNotFound {
			t.Errorf("404 body = %+v", errResp)
		}
	})

	t.Run("Users", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t, envOptions{})
		auth := env.register(t, "Alice", "Alice@Example.com")
		if auth.User.Email != "alice@example.com" {
			t.Errorf("email = %q", auth.User.Email)
		}
		if auth.User.ProfilePic != identity.DefaultProfilePic {
			t.Errorf("profilePic = %q", auth.User.ProfilePic)
		}

		var errResp dto.ErrorResponse
		dup := dto.RegisterRequest{Name: "A", Email: "alice@example.com", Password: "x"}
		if status := env.doJSON(t, http.MethodPost, "/api/v1/users/register", dup, &errResp, ""); status != http.StatusConflict {
			t.Errorf("duplicate register: got status %d", status)
		}
		if errResp.Error.Code != dto.ErrorCodeConflict {
			t.Errorf("duplicate register code = %s", errResp.Error.Code)
		}

		var login dto.AuthResponse
		if status := env.doJSON(t, http.MethodPost, "/api/v1/users/login", dto.LoginRequest{Email: "alice@example.com", Password: "secret123"}, &login, ""); status != http.StatusOK {
			t.Fatalf("login: got status %d", status)
		}
		if status := env.doJSON(t, http.MethodPost, "/api/v1/users/login", dto.LoginRequest{Email: "alice@example.com", Password: "wrong"}, nil, ""); status != http.StatusUnauthorized {
			t.Errorf("bad login: got status %d", status)
		}
		if status := env.doJSON(t, http.MethodPost, "/api/v1/users/login", dto.LoginRequest{Email: "bob@example.com", Password: "wrong"}, nil, ""); status != http.StatusUnauthorized {
			t.Errorf("unknown login: got status %d", status)
		}
		if status := env.doJSON(t, http.MethodPost, "/api/v1/users/login", map[string]any{"email": "a@x.com", "password": "p", "extra": 1}, nil, ""); status != http.StatusBadRequest {
			t.Errorf("unknown field: got status %d", status)
		}

		if status := env.doJSON(t, http.MethodGet, "/api/v1/users/me", nil, nil, ""); status != http.StatusUnauthorized {
			t.Errorf("me without token: got status %d", status)
		}
		if status := env.doJSON(t, http.MethodGet, "/api/v1/users/me", nil, nil, "invalid-token"); status != http.StatusUnauthorized {
			t.Errorf("me with invalid token: got status %d", status)
		}
		var me dto.UserEnvelope
		if status := env.doJSON(t, http.MethodGet, "/api/v1/users/me", nil, &me, login.Token); status != http.StatusOK {
			t.Fatalf("me: got status %d", status)
		}
		if me.User.ID != auth.User.ID {
			t.Errorf("me id = %q, want %q", me.User.ID, auth.User.ID)
		}

		var updated dto.UserEnvelope
		if status := env.doJSON(t, http.MethodPut, "/api/v1/users/update", map[string]any{"bio": "hello"}, &updated, login.Token); status != http.StatusOK {
			t.Fatalf("update: got status %d", status)
		}
		if updated.User.Bio != "hello" || updated.User.Name != "Alice" {
			t.Errorf("updated = %+v", updated.User)
		}

		pw := dto.UpdatePasswordRequest{CurrentPassword: "nope", NewPassword: "other456"}
		if status := env.doJSON(t, http.MethodPut, "/api/v1/users/update-password", pw, nil, login.Token); status != http.StatusUnauthorized {
			t.Errorf("wrong current password: got status %d", status)
		}
		pw.CurrentPassword = "secret123"
		var fresh dto.AuthResponse
		if status := env.doJSON(t, http.MethodPut, "/api/v1/users/update-password", pw, &fresh, login.Token); status != http.StatusOK {
			t.Fatalf("update password: got status %d", status)
		}
		if fresh.Token == "" {
			t.Error("update password should return a token")
		}
		if status := env.doJSON(t, http.MethodPost, "/api/v1/users/login", dto.LoginRequest{Email: "alice@example.com", Password: "other456"}, nil, ""); status != http.StatusOK {
			t.Errorf("login with new password: got status %d", status)
		}

		commits, err := env.history.Log(t.Context(), 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(commits) < 3 {
			t.Fatalf("history has %d commits, want at least 3", len(commits))
		}
		if commits[len(commits)-1].Message != "POST /api/v1/users/register" {
			t.Errorf("first commit = %q", commits[len(commits)-1].Message)
		}
	})

	t.Run("ProfilePic", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t, envOptions{})
		auth := env.register(t, "Alice", "alice@example.com")
		png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

		var first dto.UserEnvelope
		if status := env.upload(t, http.MethodPut, "/api/v1/users/update-profile-pic", "profilePic", "me.png", "image/png", png, &first, auth.Token); status != http.StatusOK {
			t.Fatalf("upload profile pic: got status %d", status)
		}
		if !strings.HasPrefix(first.User.ProfilePic, "/uploads/"+auth.User.ID+"/profiles/profile_") {
			t.Fatalf("profilePic = %q", first.User.ProfilePic)
		}
		req, _ := http.NewRequest(http.MethodGet, env.server.URL+first.User.ProfilePic, nil)
		if status, body := env.do(t, req, ""); status != http.StatusOK || !bytes.Equal(body, png) {
			t.Errorf("GET %s: status %d, %d bytes", first.User.ProfilePic, status, len(body))
		}

		if status := env.upload(t, http.MethodPut, "/api/v1/users/update-profile-pic", "profilePic", "x.txt", "text/plain", []byte("hi"), nil, auth.Token); status != http.StatusBadRequest {
			t.Errorf("text profile pic: got status %d", status)
		}
		if status := env.upload(t, http.MethodPut, "/api/v1/users/update-profile-pic", "other", "me.png", "image/png", png, nil, auth.Token); status != http.StatusBadRequest {
			t.Errorf("missing part: got status %d", status)
		}

		var second dto.UserEnvelope
		if status := env.upload(t, http.MethodPut, "/api/v1/users/update-profile-pic", "profilePic", "me.png", "image/png", png, &second, auth.Token); status != http.StatusOK {
			t.Fatalf("second upload: got status %d", status)
		}
		req, _ = http.NewRequest(http.MethodGet, env.server.URL+first.User.ProfilePic, nil)
		if status, _ := env.do(t, req, ""); status != http.StatusNotFound {
			t.Errorf("previous picture: got status %d, want 404", status)
		}
	})

	t.Run("Projects", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t, envOptions{})
		alice := env.register(t, "Alice", "alice@example.com")
		bob := env.register(t, "Bob", "bob@example.com")

		p := env.createProject(t, alice.Token, map[string]any{"title": "Site", "description": "# Hi\n\n<script>x</script>", "tags": []string{"web"}})
		if p.Status != "draft" || p.User != alice.User.ID || len(p.Tags) != 1 {
			t.Errorf("created = %+v", p)
		}
		env.createProject(t, alice.Token, map[string]any{"title": "Api", "tags": `["go","api"]`, "status": "active"})
		env.createProject(t, bob.Token, map[string]any{"title": "Bob's"})

		var errResp dto.ErrorResponse
		if status := env.doJSON(t, http.MethodPost, "/api/v1/projects", map[string]any{"title": " "}, &errResp, alice.Token); status != http.StatusBadRequest {
			t.Errorf("empty title: got status %d", status)
		}
		if status := env.doJSON(t, http.MethodPost, "/api/v1/projects", map[string]any{"title": "x", "tags": 3}, nil, alice.Token); status != http.StatusBadRequest {
			t.Errorf("bad tags: got status %d", status)
		}
		if status := env.doJSON(t, http.MethodPost, "/api/v1/projects", map[string]any{"title": "x", "status": "bogus"}, nil, alice.Token); status != http.StatusBadRequest {
			t.Errorf("bad status: got status %d", status)
		}

		var list dto.ProjectListResponse
		if status := env.doJSON(t, http.MethodGet, "/api/v1/projects?sort=title&order=asc", nil, &list, alice.Token); status != http.StatusOK {
			t.Fatalf("list: got status %d", status)
		}
		if list.Count != 2 || list.Projects[0].Title != "Api" || list.Projects[1].Title != "Site" {
			t.Errorf("list = %+v", list)
		}
		if status := env.doJSON(t, http.MethodGet, "/api/v1/projects?tag=go", nil, &list, alice.Token); status != http.StatusOK || list.Count != 1 {
			t.Errorf("list by tag: %d %+v", status, list)
		}
		if status := env.doJSON(t, http.MethodGet, "/api/v1/projects?sort=size", nil, nil, alice.Token); status != http.StatusBadRequest {
			t.Errorf("bad sort: got status %d", status)
		}

		path := "/api/v1/projects/" + p.ID
		if status := env.doJSON(t, http.MethodGet, path, nil, &errResp, bob.Token); status != http.StatusForbidden {
			t.Errorf("other user get: got status %d", status)
		}
		if status := env.doJSON(t, http.MethodGet, "/api/v1/projects/missing", nil, nil, alice.Token); status != http.StatusNotFound {
			t.Errorf("missing get: got status %d", status)
		}

		var upd dto.ProjectEnvelope
		if status := env.doJSON(t, http.MethodPut, path, map[string]any{"status": "active", "ec2PublicIP": "1.2.3.4"}, &upd, alice.Token); status != http.StatusOK {
			t.Fatalf("update: got status %d", status)
		}
		if upd.Project.Status != "active" || upd.Project.DeployedIP != "1.2.3.4" || upd.Project.Title != "Site" {
			t.Errorf("updated = %+v", upd.Project)
		}
		if status := env.doJSON(t, http.MethodPut, path, map[string]any{"title": "x"}, nil, bob.Token); status != http.StatusForbidden {
			t.Errorf("other user update: got status %d", status)
		}

		req, _ := http.NewRequest(http.MethodGet, env.server.URL+path+"/preview", nil)
		status, body := env.do(t, req, alice.Token)
		if status != http.StatusOK || !strings.Contains(string(body), "<h1>Hi</h1>") || strings.Contains(string(body), "<script>") {
			t.Errorf("preview: %d %s", status, body)
		}

		if status := env.doJSON(t, http.MethodDelete, path, nil, nil, bob.Token); status != http.StatusForbidden {
			t.Errorf("other user delete: got status %d", status)
		}
		var msg dto.MessageResponse
		if status := env.doJSON(t, http.MethodDelete, path, nil, &msg, alice.Token); status != http.StatusOK {
			t.Fatalf("delete: got status %d", status)
		}
		if status := env.doJSON(t, http.MethodGet, path, nil, nil, alice.Token); status != http.StatusNotFound {
			t.Errorf("get after delete: got status %d", status)
		}
	})

	t.Run("Archive", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t, envOptions{})
		alice := env.register(t, "Alice", "alice@example.com")
		bob := env.register(t, "Bob", "bob@example.com")
		p := env.createProject(t, alice.Token, map[string]any{"title": "My Site"})
		path := "/api/v1/projects/" + p.ID

		req, _ := http.NewRequest(http.MethodGet, env.server.URL+path+"/download", nil)
		if status, _ := env.do(t, req, alice.Token); status != http.StatusNotFound {
			t.Errorf("download without archive: got status %d", status)
		}

		archive := makeZip(t, map[string]string{"index.html": "<p>hi</p>", "app.js": "1"})
		var up dto.ProjectEnvelope
		if status := env.upload(t, http.MethodPost, path+"/upload", "projectZip", "site.zip", "application/zip", archive, &up, alice.Token); status != http.StatusOK {
			t.Fatalf("upload: got status %d", status)
		}
		if up.Project.ZipEntries != 2 || up.Project.ZipSize != int64(len(archive)) || up.Project.ZipChecksum == "" {
			t.Errorf("uploaded = %+v", up.Project)
		}
		if status := env.upload(t, http.MethodPost, path+"/upload", "projectZip", "x.zip", "application/zip", []byte("not a zip"), nil, alice.Token); status != http.StatusBadRequest {
			t.Errorf("invalid zip: got status %d", status)
		}
		if status := env.upload(t, http.MethodPost, path+"/upload", "file", "x.zip", "application/zip", archive, nil, bob.Token); status != http.StatusForbidden {
			t.Errorf("other user upload: got status %d", status)
		}

		req, _ = http.NewRequest(http.MethodGet, env.server.URL+path+"/download", nil)
		status, body := env.do(t, req, alice.Token)
		if status != http.StatusOK || !bytes.Equal(body, archive) {
			t.Errorf("download: status %d, %d bytes", status, len(body))
		}
		req, _ = http.NewRequest(http.MethodGet, env.server.URL+path+"/download", nil)
		if status, _ := env.do(t, req, bob.Token); status != http.StatusForbidden {
			t.Errorf("other user download: got status %d", status)
		}
	})

	t.Run("Deploy", func(t *testing.T) {
		t.Parallel()
		var mu sync.Mutex
		var got []map[string]any
		ci := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/repos/acme/sites/actions/workflows/deploy.yml/dispatches" {
				http.NotFound(w, r)
				return
			}
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			got = append(got, body)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		}))
		t.Cleanup(ci.Close)
		env := setupTestEnv(t, envOptions{ci: storage.CIConfig{
			Provider: "github",
			APIURL:   ci.URL,
			Owner:    "acme",
			Repo:     "sites",
			Workflow: "deploy.yml",
			Ref:      "main",
		}})
		alice := env.register(t, "Alice", "alice@example.com")
		p := env.createProject(t, alice.Token, map[string]any{"title": "Site"})
		path := "/api/v1/projects/" + p.ID

		if status := env.doJSON(t, http.MethodPost, path+"/deploy", nil, nil, alice.Token); status != http.StatusNotFound {
			t.Errorf("deploy without archive: got status %d", status)
		}
		var up dto.ProjectEnvelope
		if status := env.upload(t, http.MethodPost, path+"/upload", "file", "site.zip", "application/zip", makeZip(t, map[string]string{"a": "b"}), &up, alice.Token); status != http.StatusOK {
			t.Fatalf("upload: got status %d", status)
		}
		var dep dto.ProjectEnvelope
		if status := env.doJSON(t, http.MethodPost, path+"/deploy", nil, &dep, alice.Token); status != http.StatusOK {
			t.Fatalf("deploy: got status %d", status)
		}
		if dep.Project.Status != "deploying" || dep.Project.Deployment == nil || dep.Project.Deployment.Workflow != "deploy.yml" {
			t.Errorf("deployed = %+v", dep.Project)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(got) != 1 {
			t.Fatalf("CI received %d dispatches", len(got))
		}
		inputs, _ := got[0]["inputs"].(map[string]any)
		if inputs["project_id"] != p.ID || inputs["archive_checksum"] != up.Project.ZipChecksum {
			t.Errorf("inputs = %v", inputs)
		}
	})

	t.Run("DeployDisabled", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t, envOptions{})
		alice := env.register(t, "Alice", "alice@example.com")
		p := env.createProject(t, alice.Token, map[string]any{"title": "Site"})
		var errResp dto.ErrorResponse
		if status := env.doJSON(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/deploy", nil, &errResp, alice.Token); status != http.StatusNotImplemented {
			t.Errorf("deploy: got status %d", status)
		}
		if errResp.Error.Code != dto.ErrorCodeNotImplemented {
			t.Errorf("code = %s", errResp.Error.Code)
		}
	})

	t.Run("MaxUsers", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t, envOptions{maxUsers: 1})
		env.register(t, "Alice", "alice@example.com")
		req := dto.RegisterRequest{Name: "Bob", Email: "bob@example.com", Password: "secret123"}
		if status := env.doJSON(t, http.MethodPost, "/api/v1/users/register", req, nil, ""); status != http.StatusForbidden {
			t.Errorf("register over quota: got status %d", status)
		}
	})

	t.Run("RateLimit", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t, envOptions{limits: &storage.RateLimits{AuthRatePerMin: 1}})
		login := dto.LoginRequest{Email: "a@example.com", Password: "x"}
		if status := env.doJSON(t, http.MethodPost, "/api/v1/users/login", login, nil, ""); status != http.StatusUnauthorized {
			t.Errorf("first login: got status %d", status)
		}
		var errResp dto.ErrorResponse
		if status := env.doJSON(t, http.MethodPost, "/api/v1/users/login", login, &errResp, ""); status != http.StatusTooManyRequests {
			t.Errorf("second login: got status %d", status)
		}
		if errResp.Error.Code != dto.ErrorCodeRateLimitExceeded {
			t.Errorf("code = %s", errResp.Error.Code)
		}
		// Other tiers are disabled.
		for range 3 {
			if status := env.doJSON(t, http.MethodGet, "/api/v1", nil, nil, ""); status != http.StatusOK {
				t.Errorf("info: got status %d", status)
			}
		}
	})
}
