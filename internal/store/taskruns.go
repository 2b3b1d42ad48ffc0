package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lzjever/mbos-wos/internal/core"
)

type CreateTaskRunParams struct {
	TaskRunID string
	TaskID    string
}

const createTaskRun = `
INSERT INTO wos.task_runs (task_run_id, task_id, status)
VALUES ($1, $2, 'pending')
RETURNING task_run_id, task_id, status, worktree_path, vscode, maintenance_error, dev_error, created_at, updated_at
`

func (q *Queries) CreateTaskRun(ctx context.Context, arg CreateTaskRunParams) (core.TaskRun, error) {
	return scanTaskRun(q.db.QueryRow(ctx, createTaskRun, arg.TaskRunID, arg.TaskID))
}

const getTaskRun = `
SELECT task_run_id, task_id, status, worktree_path, vscode, maintenance_error, dev_error, created_at, updated_at
FROM wos.task_runs WHERE task_run_id = $1
`

func (q *Queries) GetTaskRun(ctx context.Context, taskRunID string) (core.TaskRun, error) {
	return scanTaskRun(q.db.QueryRow(ctx, getTaskRun, taskRunID))
}

const updateTaskRunStatus = `
UPDATE wos.task_runs SET status = $2, updated_at = now() WHERE task_run_id = $1
`

func (q *Queries) UpdateTaskRunStatus(ctx context.Context, taskRunID string, status core.TaskRunStatus) error {
	_, err := q.db.Exec(ctx, updateTaskRunStatus, taskRunID, string(status))
	return err
}

const updateVSCodeInstance = `
UPDATE wos.task_runs SET vscode = $2, updated_at = now() WHERE task_run_id = $1
`

func (q *Queries) UpdateVSCodeInstance(ctx context.Context, taskRunID string, inst core.VSCodeInstance) error {
	blob, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, updateVSCodeInstance, taskRunID, blob)
	return err
}

const setWorktreePath = `
UPDATE wos.task_runs SET worktree_path = $2, updated_at = now() WHERE task_run_id = $1
`

func (q *Queries) SetWorktreePath(ctx context.Context, taskRunID, path string) error {
	_, err := q.db.Exec(ctx, setWorktreePath, taskRunID, path)
	return err
}

// SetMaintenanceError records a maintenance-script failure on the task run.
// A NULL value clears a previous failure after a successful run.
const setMaintenanceError = `
UPDATE wos.task_runs SET maintenance_error = $2, updated_at = now() WHERE task_run_id = $1
`

func (q *Queries) SetMaintenanceError(ctx context.Context, taskRunID string, msg pgtype.Text) error {
	_, err := q.db.Exec(ctx, setMaintenanceError, taskRunID, msg)
	return err
}

const setDevError = `
UPDATE wos.task_runs SET dev_error = $2, updated_at = now() WHERE task_run_id = $1
`

func (q *Queries) SetDevError(ctx context.Context, taskRunID string, msg pgtype.Text) error {
	_, err := q.db.Exec(ctx, setDevError, taskRunID, msg)
	return err
}

func scanTaskRun(row rowScanner) (core.TaskRun, error) {
	var (
		tr                   core.TaskRun
		worktree             pgtype.Text
		vscode               []byte
		maintErr, devErr     pgtype.Text
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&tr.TaskRunID, &tr.TaskID, (*string)(&tr.Status), &worktree, &vscode,
		&maintErr, &devErr, &createdAt, &updatedAt)
	if err != nil {
		return core.TaskRun{}, err
	}
	tr.WorktreePath = worktree.String
	if len(vscode) > 0 {
		var inst core.VSCodeInstance
		if err := json.Unmarshal(vscode, &inst); err == nil {
			tr.VSCode = &inst
		}
	}
	if maintErr.Valid {
		tr.MaintenanceError = &maintErr.String
	}
	if devErr.Valid {
		tr.DevError = &devErr.String
	}
	tr.CreatedAt = createdAt.Time
	tr.UpdatedAt = updatedAt.Time
	return tr, nil
}
