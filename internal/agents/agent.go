// Package agents defines the unit of business logic a workflow stage runs.
// Agents never perform I/O themselves; they call tools through the bound
// runner in their Context.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/tools"
	"seo-agents/backend/pkg/models"
)

// Input is what a stage's agent receives.
type Input struct {
	// Params holds the run input overlaid on the stage's static params.
	Params map[string]any `json:"params"`
	// Upstream maps each dependency stage id to its output.
	Upstream map[string]map[string]any `json:"upstream,omitempty"`
}

// Output is an agent's result, stored on the stage and passed downstream.
type Output map[string]any

// Agent performs one stage's task.
type Agent interface {
	ID() string
	Run(ctx context.Context, input Input, actx *Context) (Output, error)
}

// ToolRunner invokes tools under a fixed invocation scope.
type ToolRunner interface {
	Run(ctx context.Context, toolID string, input map[string]any) (map[string]any, error)
}

// EventEmitter publishes progress events for the stage.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, scope models.EventScope, fields map[string]any) error
}

// Context is the execution scope handed to an agent for one stage attempt.
type Context struct {
	TenantID      string
	ProjectID     string
	RunID         string
	StageID       string
	WorkspacePath string
	Tools         ToolRunner
	Events        EventEmitter

	cancelled func(ctx context.Context) (bool, error)
}

// NewContext builds a Context. cancelled reports whether the run has been
// cancelled and may be nil.
func NewContext(c Context, cancelled func(ctx context.Context) (bool, error)) *Context {
	c.cancelled = cancelled
	return &c
}

// CheckCancelled returns apperrors.ErrCancelled once the run is cancelled or
// ctx is done. Agents call it between internal steps.
func (c *Context) CheckCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %w", apperrors.ErrCancelled, err)
		}
		return err
	}
	if c.cancelled == nil {
		return nil
	}
	stop, err := c.cancelled(ctx)
	if err != nil {
		return err
	}
	if stop {
		return apperrors.ErrCancelled
	}
	return nil
}

// Emit publishes an event scoped to the stage's tenant and project. A nil
// emitter drops the event.
func (c *Context) Emit(ctx context.Context, eventType string, fields map[string]any) error {
	if c.Events == nil {
		return nil
	}
	body := map[string]any{"flowRunId": c.RunID, "stageId": c.StageID}
	for k, v := range fields {
		body[k] = v
	}
	return c.Events.Emit(ctx, eventType, models.EventScope{TenantID: c.TenantID, ProjectID: c.ProjectID}, body)
}

type boundTools struct {
	registry *tools.Registry
	inv      tools.Invocation
}

// BindTools returns a ToolRunner that runs every call with inv.
func BindTools(registry *tools.Registry, inv tools.Invocation) ToolRunner {
	return &boundTools{registry: registry, inv: inv}
}

func (b *boundTools) Run(ctx context.Context, toolID string, input map[string]any) (map[string]any, error) {
	return b.registry.Run(ctx, toolID, input, b.inv)
}

// Registry maps agent ids to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Duplicate ids are rejected.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.ID() == "" {
		return errors.New("agent must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID()]; exists {
		return fmt.Errorf("agent %q already registered", a.ID())
	}
	r.agents[a.ID()] = a
	return nil
}

// Get returns the agent registered under id, or an error matching
// apperrors.ErrAgentNotFound.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAgentNotFound, id)
	}
	return a, nil
}

// IDs returns the registered agent ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Func adapts a function into an Agent.
type Func struct {
	Name   string
	Handle func(ctx context.Context, input Input, actx *Context) (Output, error)
}

func (f *Func) ID() string { return f.Name }

func (f *Func) Run(ctx context.Context, input Input, actx *Context) (Output, error) {
	return f.Handle(ctx, input, actx)
}
