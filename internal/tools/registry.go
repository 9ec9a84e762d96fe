package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/observability"
)

// Registry maps tool ids to implementations and runs them under their
// effective permission.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	resolver         Resolver
	limiter          *rate.Limiter
	timeout          time.Duration
	maxResponseBytes int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithResolver overrides DNS resolution for network guards.
func WithResolver(r Resolver) Option {
	return func(reg *Registry) { reg.resolver = r }
}

// WithRateLimit caps outbound connections across all tools.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(reg *Registry) {
		if perSecond > 0 {
			reg.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithTimeout bounds every tool call.
func WithTimeout(d time.Duration) Option {
	return func(reg *Registry) { reg.timeout = d }
}

// WithMaxResponseBytes caps buffered response bodies.
func WithMaxResponseBytes(n int64) Option {
	return func(reg *Registry) { reg.maxResponseBytes = n }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:            make(map[string]Tool),
		timeout:          30 * time.Second,
		maxResponseBytes: 2 << 20,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Duplicate ids are rejected.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.ID() == "" {
		return errors.New("tool must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.ID()]; exists {
		return fmt.Errorf("tool %q already registered", t.ID())
	}
	r.tools[t.ID()] = t
	return nil
}

// Get returns the tool registered under id.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// List returns all tools ordered by id.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Run executes a tool under the intersection of its declared permission and
// the invocation policy.
func (r *Registry) Run(ctx context.Context, toolID string, input map[string]any, inv Invocation) (map[string]any, error) {
	tool, ok := r.Get(toolID)
	if !ok {
		observability.ToolCalls.WithLabelValues(toolID, "not_found").Inc()
		return nil, fmt.Errorf("%w: %s", apperrors.ErrToolNotFound, toolID)
	}

	declared := tool.Permissions()
	effective := declared.Intersect(inv.Policy)

	env := &Env{
		TenantID:         inv.TenantID,
		Workspace:        inv.Workspace,
		Permission:       effective,
		MaxResponseBytes: r.maxResponseBytes,
	}
	if inv.Workspace != "" {
		sb, err := NewSandbox(inv.Workspace, declared.FileSystem, effective.FileSystem)
		if err != nil {
			observability.ToolCalls.WithLabelValues(toolID, "denied").Inc()
			return nil, err
		}
		defer sb.Close()
		env.FS = sb
	}
	if len(effective.NetworkAllowlist) > 0 {
		env.HTTP = NewNetGuard(effective, r.resolver, r.limiter).Client(r.timeout)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out, err := tool.Execute(ctx, input, env)
	switch {
	case err == nil:
		observability.ToolCalls.WithLabelValues(toolID, "ok").Inc()
		return out, nil
	case errors.Is(err, apperrors.ErrPermissionDenied):
		observability.ToolCalls.WithLabelValues(toolID, "denied").Inc()
		return nil, fmt.Errorf("tool %s: %w", toolID, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		observability.ToolCalls.WithLabelValues(toolID, "timeout").Inc()
		return nil, fmt.Errorf("tool %s: %w: %w", toolID, apperrors.ErrTimeout, err)
	default:
		observability.ToolCalls.WithLabelValues(toolID, "error").Inc()
		return nil, fmt.Errorf("tool %s: %w", toolID, err)
	}
}
