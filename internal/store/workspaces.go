package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lzjever/mbos-wos/internal/core"
)

type CreateWorkspaceParams struct {
	WorkspaceID string
	Name        string
	Kind        string
	Path        pgtype.Text
	SandboxID   pgtype.Text
	TaskID      string
	TaskRunID   string
}

const createWorkspace = `
INSERT INTO wos.workspaces (workspace_id, name, kind, path, sandbox_id, status, task_id, task_run_id)
VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
RETURNING workspace_id, name, kind, path, sandbox_id, status, task_id, task_run_id, created_at, updated_at
`

func (q *Queries) CreateWorkspace(ctx context.Context, arg CreateWorkspaceParams) (core.Workspace, error) {
	row := q.db.QueryRow(ctx, createWorkspace,
		arg.WorkspaceID, arg.Name, arg.Kind, arg.Path, arg.SandboxID, arg.TaskID, arg.TaskRunID)
	return scanWorkspace(row)
}

const getWorkspace = `
SELECT workspace_id, name, kind, path, sandbox_id, status, task_id, task_run_id, created_at, updated_at
FROM wos.workspaces WHERE workspace_id = $1
`

func (q *Queries) GetWorkspace(ctx context.Context, workspaceID string) (core.Workspace, error) {
	return scanWorkspace(q.db.QueryRow(ctx, getWorkspace, workspaceID))
}

// UpdateWorkspaceStatus applies a forward-only status transition. The guard
// list in the WHERE clause is derived from core.WorkspaceStatus ranking, so
// a workspace that reached running can never be moved back to provisioning.
const updateWorkspaceStatus = `
UPDATE wos.workspaces SET status = $2, updated_at = now()
WHERE workspace_id = $1 AND status = ANY($3)
RETURNING status
`

func (q *Queries) UpdateWorkspaceStatus(ctx context.Context, workspaceID string, next core.WorkspaceStatus) error {
	allowed := transitionSources(next)
	var got string
	err := q.db.QueryRow(ctx, updateWorkspaceStatus, workspaceID, string(next), allowed).Scan(&got)
	if err != nil {
		return fmt.Errorf("workspace %s -> %s: %w", workspaceID, next, err)
	}
	return nil
}

// transitionSources lists the statuses from which next is reachable.
func transitionSources(next core.WorkspaceStatus) []string {
	var from []string
	for _, s := range []core.WorkspaceStatus{
		core.WorkspacePending, core.WorkspaceProvisioning,
		core.WorkspaceRunning, core.WorkspaceFailed, core.WorkspaceStopped,
	} {
		if s.CanTransition(next) {
			from = append(from, string(s))
		}
	}
	return from
}

const setWorkspaceSandboxID = `
UPDATE wos.workspaces SET sandbox_id = $2, updated_at = now() WHERE workspace_id = $1
`

func (q *Queries) SetWorkspaceSandboxID(ctx context.Context, workspaceID, sandboxID string) error {
	_, err := q.db.Exec(ctx, setWorkspaceSandboxID, workspaceID, sandboxID)
	return err
}

const listWorkspaces = `
SELECT workspace_id, name, kind, path, sandbox_id, status, task_id, task_run_id, created_at, updated_at
FROM wos.workspaces ORDER BY created_at DESC LIMIT $1
`

func (q *Queries) ListWorkspaces(ctx context.Context, limit int32) ([]core.Workspace, error) {
	rows, err := q.db.Query(ctx, listWorkspaces, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkspace(row rowScanner) (core.Workspace, error) {
	var (
		ws                   core.Workspace
		path, sandboxID      pgtype.Text
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&ws.WorkspaceID, &ws.Name, (*string)(&ws.Kind), &path, &sandboxID,
		(*string)(&ws.Status), &ws.TaskID, &ws.TaskRunID, &createdAt, &updatedAt)
	if err != nil {
		return core.Workspace{}, err
	}
	ws.Path = path.String
	ws.SandboxID = sandboxID.String
	ws.CreatedAt = createdAt.Time
	ws.UpdatedAt = updatedAt.Time
	return ws, nil
}

// TextOrNull wraps an optional string as a pgtype.Text.
func TextOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}
