// Package deploy triggers project deployments on a CI provider.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/maruel/fmdhost/internal/storage"
	"golang.org/x/oauth2"
)

// ErrDisabled is returned when no CI provider is configured.
var ErrDisabled = errors.New("deployments are not configured")

// Request describes one deployment.
type Request struct {
	ProjectID       string
	ArchiveChecksum string
}

// Result describes a triggered deployment.
type Result struct {
	Provider    string
	Workflow    string
	Ref         string
	TriggeredAt time.Time
}

// Dispatcher triggers a GitHub Actions workflow_dispatch event.
type Dispatcher struct {
	cfg    storage.CIConfig
	client *http.Client
	now    func() time.Time
}

// NewDispatcher returns a dispatcher for cfg. token authenticates with the
// GitHub API; it may be empty for unauthenticated test servers.
//
// A disabled configuration returns a dispatcher whose Dispatch always fails
// with ErrDisabled.
func NewDispatcher(ctx context.Context, cfg storage.CIConfig, token string) *Dispatcher {
	client := http.DefaultClient
	if token != "" {
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	}
	return &Dispatcher{cfg: cfg, client: client, now: time.Now}
}

// Enabled reports whether Dispatch can succeed.
func (d *Dispatcher) Enabled() bool {
	return d != nil && d.cfg.Enabled()
}

type dispatchBody struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

// Dispatch triggers the configured workflow for the project.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if !d.Enabled() {
		return nil, ErrDisabled
	}
	body, err := json.Marshal(dispatchBody{
		Ref: d.cfg.Ref,
		Inputs: map[string]string{
			"project_id":       req.ProjectID,
			"archive_checksum": req.ArchiveChecksum,
		},
	})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		strings.TrimSuffix(d.cfg.APIURL, "/"),
		url.PathEscape(d.cfg.Owner), url.PathEscape(d.cfg.Repo), url.PathEscape(d.cfg.Workflow))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch workflow: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("workflow dispatch failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	slog.InfoContext(ctx, "Deployment dispatched",
		"project_id", req.ProjectID, "workflow", d.cfg.Workflow, "ref", d.cfg.Ref)
	return &Result{
		Provider:    d.cfg.Provider,
		Workflow:    d.cfg.Workflow,
		Ref:         d.cfg.Ref,
		TriggeredAt: d.now().UTC(),
	}, nil
}
