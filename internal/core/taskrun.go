package core

import "time"

type TaskRunStatus string

const (
	TaskRunPending TaskRunStatus = "pending"
	TaskRunRunning TaskRunStatus = "running"
	TaskRunStopped TaskRunStatus = "stopped"
	TaskRunFailed  TaskRunStatus = "failed"
)

// VSCodeInstance is the connection block the orchestrator writes onto a
// task run once an editor-facing endpoint is known. The schema is owned by
// the metadata store; only these fields are written here.
type VSCodeInstance struct {
	Provider     string     `json:"provider"`
	Status       string     `json:"status"`
	URL          string     `json:"url,omitempty"`
	WorkspaceURL string     `json:"workspace_url,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
}

const (
	VSCodeStatusPending = "pending"
	VSCodeStatusRunning = "running"
	VSCodeStatusStopped = "stopped"
)

// TaskRun is one agent attempt at a task. The record is owned by the
// metadata store; the orchestrator updates its status, workspace binding,
// connection block, and environment-error pair.
type TaskRun struct {
	TaskRunID        string          `json:"task_run_id"`
	TaskID           string          `json:"task_id"`
	Status           TaskRunStatus   `json:"status"`
	WorktreePath     string          `json:"worktree_path,omitempty"`
	VSCode           *VSCodeInstance `json:"vscode,omitempty"`
	MaintenanceError *string         `json:"maintenance_error,omitempty"`
	DevError         *string         `json:"dev_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
