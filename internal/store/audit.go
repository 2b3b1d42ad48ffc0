package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type InsertAuditParams struct {
	WorkspaceID pgtype.Text
	Actor       []byte
	Action      string
	TaskRunID   pgtype.Text
	Payload     []byte
}

const insertAudit = `
INSERT INTO wos.audit_log (workspace_id, actor, action, task_run_id, payload)
VALUES ($1, $2, $3, $4, $5)
RETURNING event_id
`

func (q *Queries) InsertAudit(ctx context.Context, arg InsertAuditParams) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, insertAudit,
		arg.WorkspaceID, arg.Actor, arg.Action, arg.TaskRunID, arg.Payload).Scan(&id)
	return id, err
}
