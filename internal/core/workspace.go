package core

import "time"

type WorkspaceKind string

const (
	WorkspaceLocal WorkspaceKind = "local"
	WorkspaceCloud WorkspaceKind = "cloud"
)

type WorkspaceStatus string

const (
	WorkspacePending      WorkspaceStatus = "pending"
	WorkspaceProvisioning WorkspaceStatus = "provisioning"
	WorkspaceRunning      WorkspaceStatus = "running"
	WorkspaceFailed       WorkspaceStatus = "failed"
	WorkspaceStopped      WorkspaceStatus = "stopped"
)

// statusRank orders the workspace lifecycle. Terminal states share the
// highest rank so a workspace never moves back toward provisioning.
var statusRank = map[WorkspaceStatus]int{
	WorkspacePending:      0,
	WorkspaceProvisioning: 1,
	WorkspaceRunning:      2,
	WorkspaceFailed:       3,
	WorkspaceStopped:      3,
}

// CanTransition reports whether moving from s to next is a forward
// transition. A running workspace may stop or fail but never returns to
// provisioning.
func (s WorkspaceStatus) CanTransition(next WorkspaceStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return to > from
}

// IsTerminal returns true once no further transitions are allowed.
func (s WorkspaceStatus) IsTerminal() bool {
	return s == WorkspaceFailed || s == WorkspaceStopped
}

type Workspace struct {
	WorkspaceID string          `json:"workspace_id"`
	Name        string          `json:"name"`
	Kind        WorkspaceKind   `json:"kind"`
	Path        string          `json:"path,omitempty"`
	SandboxID   string          `json:"sandbox_id,omitempty"`
	Status      WorkspaceStatus `json:"status"`
	TaskID      string          `json:"task_id"`
	TaskRunID   string          `json:"task_run_id"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
