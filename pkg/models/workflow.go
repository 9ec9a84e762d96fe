// Package models defines the domain models for the orchestration core
package models

import (
	"time"
)

// WorkflowDefinition is a declarative graph of stages connected by dependency edges.
type WorkflowDefinition struct {
	Name        string            `json:"name" yaml:"name" validate:"required"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Stages      []StageDefinition `json:"stages" yaml:"stages" validate:"required,min=1,dive"`
}

// StageDefinition is one node of a workflow, bound to exactly one agent.
type StageDefinition struct {
	ID          string        `json:"id" yaml:"id" validate:"required"`
	AgentID     string        `json:"agent_id" yaml:"agent" validate:"required"`
	DependsOn   []string      `json:"depends_on,omitempty" yaml:"depends_on"`
	RetryPolicy RetryPolicy   `json:"retry_policy" yaml:"retry"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout" validate:"gte=0"`
	// Params are merged into the stage input beneath the run parameters.
	Params map[string]any `json:"params,omitempty" yaml:"params"`
}

// RetryPolicy bounds how often a failed stage is re-attempted.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" validate:"gte=0"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" validate:"gte=0"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier" validate:"gte=0"`
}

// DefaultRetryPolicy is applied to any zero field of a stage's policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     time.Minute,
	Multiplier:     2,
}

// WithDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetryPolicy.Multiplier
	}
	return p
}
