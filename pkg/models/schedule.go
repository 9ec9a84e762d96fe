package models

import (
	"time"
)

// Schedule is a recurring trigger that starts a flow on a cron pattern.
type Schedule struct {
	TenantID    string         `json:"tenant_id" validate:"required"`
	ID          string         `json:"id" validate:"required"`
	FlowName    string         `json:"flow_name" validate:"required"`
	ProjectID   string         `json:"project_id"`
	SeedKeyword string         `json:"seed_keyword,omitempty"`
	Cron        string         `json:"cron" validate:"required"`
	Timezone    string         `json:"timezone"`
	Input       map[string]any `json:"input,omitempty"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ScheduleInfo describes an active repeating trigger.
type ScheduleInfo struct {
	ID           string    `json:"id"`
	Pattern      string    `json:"pattern"`
	Timezone     string    `json:"timezone"`
	NextFireTime time.Time `json:"next_fire_time"`
}
