// Package tools implements capability-scoped execution of agent plugins.
//
// A tool never touches the filesystem or network directly. The registry hands
// it an Env built from the effective permission for the call: a workspace
// Sandbox and an HTTP client whose dialer enforces the host allowlist and the
// private-range block.
package tools

import (
	"context"
	"net/http"

	"seo-agents/backend/pkg/models"
)

// Tool is a plugin performing privileged I/O on an agent's behalf.
type Tool interface {
	ID() string
	Description() string
	Permissions() models.ToolPermission
	Execute(ctx context.Context, input map[string]any, env *Env) (map[string]any, error)
}

// Env is the guarded capability set handed to a tool for one call.
type Env struct {
	TenantID   string
	Workspace  string
	Permission models.ToolPermission
	FS         *Sandbox
	HTTP       *http.Client
	// MaxResponseBytes caps how much of a response body a tool may buffer.
	MaxResponseBytes int64
}

// Invocation is the caller side of a tool call.
type Invocation struct {
	TenantID  string
	Workspace string
	// Policy narrows the tool's declared permission. nil means no narrowing.
	Policy *models.ToolPermission
}

// Func adapts a function into a Tool.
type Func struct {
	Name   string
	Desc   string
	Perm   models.ToolPermission
	Handle func(ctx context.Context, input map[string]any, env *Env) (map[string]any, error)
}

func (f *Func) ID() string                         { return f.Name }
func (f *Func) Description() string                { return f.Desc }
func (f *Func) Permissions() models.ToolPermission { return f.Perm }

func (f *Func) Execute(ctx context.Context, input map[string]any, env *Env) (map[string]any, error) {
	return f.Handle(ctx, input, env)
}
