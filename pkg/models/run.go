package models

import (
	"time"
)

// RunStatus is the lifecycle state of a FlowRun.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further stage may run.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// StageStatus is the lifecycle state of one stage within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// Terminal reports whether the stage has settled.
func (s StageStatus) Terminal() bool {
	return s == StageStatusSucceeded || s == StageStatusFailed || s == StageStatusSkipped
}

// FlowRun is an instantiated execution of a WorkflowDefinition for a tenant/project.
type FlowRun struct {
	ID        string                `json:"id"`
	TenantID  string                `json:"tenant_id"`
	ProjectID string                `json:"project_id"`
	FlowName  string                `json:"flow_name"`
	Status    RunStatus             `json:"status"`
	Input     map[string]any        `json:"input,omitempty"`
	Stages    map[string]StageState `json:"stages"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// StageState tracks one stage of a run.
type StageState struct {
	StageID string      `json:"stage_id"`
	Status  StageStatus `json:"status"`
	// PendingDeps counts parents that have not yet succeeded.
	PendingDeps int            `json:"pending_deps"`
	Attempts    int            `json:"attempts"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the run's stage map so callers can't mutate store state.
func (r *FlowRun) Clone() *FlowRun {
	out := *r
	out.Stages = make(map[string]StageState, len(r.Stages))
	for k, v := range r.Stages {
		out.Stages[k] = v
	}
	return &out
}
