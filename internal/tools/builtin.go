package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/pkg/models"
)

// Built-in tool ids.
const (
	HTTPFetchID = "http.fetch"
	FSReadID    = "fs.read"
	FSWriteID   = "fs.write"
	FSListID    = "fs.list"
)

// RegisterBuiltins adds the standard network and filesystem tools. The fetch
// tool declares allowlist as its network permission.
func RegisterBuiltins(r *Registry, allowlist []string) error {
	builtins := []Tool{
		HTTPFetch(allowlist),
		&Func{
			Name:   FSReadID,
			Desc:   "Read a file from the agent workspace",
			Perm:   models.ToolPermission{FileSystem: models.FileSystemReadOnly},
			Handle: fsRead,
		},
		&Func{
			Name:   FSWriteID,
			Desc:   "Write a file into the agent workspace",
			Perm:   models.ToolPermission{FileSystem: models.FileSystemReadWrite},
			Handle: fsWrite,
		},
		&Func{
			Name:   FSListID,
			Desc:   "List a directory in the agent workspace",
			Perm:   models.ToolPermission{FileSystem: models.FileSystemReadOnly},
			Handle: fsList,
		},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// HTTPFetch returns a tool that performs GET requests against allowlisted hosts.
func HTTPFetch(allowlist []string) Tool {
	return &Func{
		Name:   HTTPFetchID,
		Desc:   "Fetch a URL over HTTP(S) and return status, headers and body",
		Perm:   models.ToolPermission{NetworkAllowlist: allowlist, FileSystem: models.FileSystemNone},
		Handle: httpFetch,
	}
}

func httpFetch(ctx context.Context, input map[string]any, env *Env) (map[string]any, error) {
	raw, err := stringArg(input, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, apperrors.Validationf("invalid url %q", raw)
	}
	if env.HTTP == nil {
		return nil, apperrors.Denied("host_not_allowed", "tool has no network permission for %s", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "seo-agents/1.0")

	resp, err := env.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, apperrors.ErrPermissionDenied) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperrors.Transient(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	limit := env.MaxResponseBytes
	if limit <= 0 {
		limit = 2 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, apperrors.Transient(fmt.Errorf("failed to read response body: %w", err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.Transient(fmt.Errorf("fetch %s: status code %d", u.Host, resp.StatusCode))
	}

	return map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"final_url":    resp.Request.URL.String(),
		"body":         string(body),
	}, nil
}

func fsRead(_ context.Context, input map[string]any, env *Env) (map[string]any, error) {
	if env.FS == nil {
		return nil, apperrors.Denied("no_workspace", "call has no workspace")
	}
	path, err := stringArg(input, "path")
	if err != nil {
		return nil, err
	}
	data, err := env.FS.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "content": string(data)}, nil
}

func fsWrite(_ context.Context, input map[string]any, env *Env) (map[string]any, error) {
	if env.FS == nil {
		return nil, apperrors.Denied("no_workspace", "call has no workspace")
	}
	path, err := stringArg(input, "path")
	if err != nil {
		return nil, err
	}
	content, _ := input["content"].(string)
	if err := env.FS.WriteFile(path, []byte(content)); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(content)}, nil
}

func fsList(_ context.Context, input map[string]any, env *Env) (map[string]any, error) {
	if env.FS == nil {
		return nil, apperrors.Denied("no_workspace", "call has no workspace")
	}
	path, _ := input["path"].(string)
	if path == "" {
		path = "."
	}
	entries, err := env.FS.List(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "entries": entries}, nil
}

func stringArg(input map[string]any, key string) (string, error) {
	v, ok := input[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", apperrors.Validationf("missing required parameter: %s", key)
	}
	return v, nil
}
