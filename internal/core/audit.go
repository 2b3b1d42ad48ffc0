package core

import (
	"encoding/json"
	"time"
)

// AuditEvent records one state-changing command received on the channel.
type AuditEvent struct {
	EventID     int64           `json:"event_id"`
	Ts          time.Time       `json:"ts"`
	WorkspaceID *string         `json:"workspace_id,omitempty"`
	Actor       json.RawMessage `json:"actor"`
	Action      string          `json:"action"`
	TaskRunID   *string         `json:"task_run_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}
