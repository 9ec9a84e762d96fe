package models

import (
	"encoding/json"
	"time"
)

// OutboxEvent is a durable domain event awaiting fan-out.
type OutboxEvent struct {
	ID           int64           `json:"id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Dispatched   bool            `json:"dispatched"`
	RetryCount   int             `json:"retry_count"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

// AgentEvent is the wire shape published to event bus subscribers.
type AgentEvent struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	TenantID  string          `json:"tenantId"`
	ProjectID string          `json:"projectId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventScope is the routing header every outbox payload carries.
type EventScope struct {
	TenantID  string `json:"tenantId"`
	ProjectID string `json:"projectId"`
}
