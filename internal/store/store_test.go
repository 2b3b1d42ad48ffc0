package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lzjever/mbos-wos/internal/core"
)

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("wos"),
		postgres.WithUsername("wos"),
		postgres.WithPassword("wos_pass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections"),
		),
	)
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %s", err)
	}

	pool, err := NewPool(ctx, connStr, 5)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}
	defer pool.Close()

	_, err = pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS wos;
		CREATE TABLE wos.task_runs (
			task_run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			worktree_path TEXT,
			vscode JSONB,
			maintenance_error TEXT,
			dev_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE wos.workspaces (
			workspace_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			path TEXT,
			sandbox_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			task_id TEXT NOT NULL,
			task_run_id TEXT NOT NULL REFERENCES wos.task_runs(task_run_id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE wos.audit_log (
			event_id BIGSERIAL PRIMARY KEY,
			workspace_id TEXT,
			actor JSONB NOT NULL,
			action TEXT NOT NULL,
			task_run_id TEXT,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		t.Fatalf("failed to run migrations: %s", err)
	}

	queries := New(pool)

	t.Run("CreateTaskRun", func(t *testing.T) {
		tr, err := queries.CreateTaskRun(ctx, CreateTaskRunParams{
			TaskRunID: "run-1",
			TaskID:    "task-1",
		})
		if err != nil {
			t.Fatalf("failed to create task run: %s", err)
		}
		if tr.Status != core.TaskRunPending {
			t.Errorf("expected status pending, got %s", tr.Status)
		}
	})

	t.Run("CreateWorkspace", func(t *testing.T) {
		ws, err := queries.CreateWorkspace(ctx, CreateWorkspaceParams{
			WorkspaceID: "ws-1",
			Name:        "demo-ab12cd34",
			Kind:        "local",
			Path:        TextOrNull("/ws/demo-ab12cd34"),
			TaskID:      "task-1",
			TaskRunID:   "run-1",
		})
		if err != nil {
			t.Fatalf("failed to create workspace: %s", err)
		}
		if ws.Status != core.WorkspacePending {
			t.Errorf("expected status pending, got %s", ws.Status)
		}
		if ws.Path != "/ws/demo-ab12cd34" {
			t.Errorf("unexpected path %q", ws.Path)
		}
	})

	t.Run("StatusTransitions", func(t *testing.T) {
		if err := queries.UpdateWorkspaceStatus(ctx, "ws-1", core.WorkspaceProvisioning); err != nil {
			t.Fatalf("pending -> provisioning: %s", err)
		}
		if err := queries.UpdateWorkspaceStatus(ctx, "ws-1", core.WorkspaceRunning); err != nil {
			t.Fatalf("provisioning -> running: %s", err)
		}

		// Backward moves must not match any row.
		if err := queries.UpdateWorkspaceStatus(ctx, "ws-1", core.WorkspaceProvisioning); err == nil {
			t.Fatal("running -> provisioning should have been rejected")
		}
		ws, err := queries.GetWorkspace(ctx, "ws-1")
		if err != nil {
			t.Fatalf("failed to get workspace: %s", err)
		}
		if ws.Status != core.WorkspaceRunning {
			t.Errorf("status changed by rejected transition: %s", ws.Status)
		}

		if err := queries.UpdateWorkspaceStatus(ctx, "ws-1", core.WorkspaceStopped); err != nil {
			t.Fatalf("running -> stopped: %s", err)
		}
		if err := queries.UpdateWorkspaceStatus(ctx, "ws-1", core.WorkspaceFailed); err == nil {
			t.Fatal("stopped workspace accepted another transition")
		}
	})

	t.Run("SandboxID", func(t *testing.T) {
		if err := queries.SetWorkspaceSandboxID(ctx, "ws-1", "sbx-9"); err != nil {
			t.Fatalf("failed to set sandbox id: %s", err)
		}
		ws, err := queries.GetWorkspace(ctx, "ws-1")
		if err != nil {
			t.Fatalf("failed to get workspace: %s", err)
		}
		if ws.SandboxID != "sbx-9" {
			t.Errorf("expected sandbox id sbx-9, got %q", ws.SandboxID)
		}
	})

	t.Run("TaskRunDetails", func(t *testing.T) {
		if err := queries.SetWorktreePath(ctx, "run-1", "/ws/demo-ab12cd34"); err != nil {
			t.Fatalf("failed to set worktree path: %s", err)
		}
		if err := queries.UpdateVSCodeInstance(ctx, "run-1", core.VSCodeInstance{
			Provider: "local",
			Status:   core.VSCodeStatusRunning,
			URL:      "vscode://file/ws/demo-ab12cd34",
		}); err != nil {
			t.Fatalf("failed to set vscode instance: %s", err)
		}
		if err := queries.SetMaintenanceError(ctx, "run-1", TextOrNull("maintenance script failed: exit 1")); err != nil {
			t.Fatalf("failed to set maintenance error: %s", err)
		}

		tr, err := queries.GetTaskRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("failed to get task run: %s", err)
		}
		if tr.WorktreePath != "/ws/demo-ab12cd34" {
			t.Errorf("unexpected worktree path %q", tr.WorktreePath)
		}
		if tr.VSCode == nil || tr.VSCode.Status != core.VSCodeStatusRunning {
			t.Errorf("vscode instance not persisted: %+v", tr.VSCode)
		}
		if tr.MaintenanceError == nil {
			t.Fatal("maintenance error not persisted")
		}

		// Successful rerun clears the recorded failure.
		if err := queries.SetMaintenanceError(ctx, "run-1", pgtype.Text{Valid: false}); err != nil {
			t.Fatalf("failed to clear maintenance error: %s", err)
		}
		tr, err = queries.GetTaskRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("failed to get task run: %s", err)
		}
		if tr.MaintenanceError != nil {
			t.Errorf("maintenance error not cleared: %q", *tr.MaintenanceError)
		}
	})

	t.Run("Audit", func(t *testing.T) {
		id, err := queries.InsertAudit(ctx, InsertAuditParams{
			WorkspaceID: TextOrNull("ws-1"),
			Actor:       []byte(`{"source":"channel"}`),
			Action:      "workspace.stop",
			TaskRunID:   TextOrNull("run-1"),
			Payload:     []byte(`{"workspace_id":"ws-1"}`),
		})
		if err != nil {
			t.Fatalf("failed to insert audit event: %s", err)
		}
		if id == 0 {
			t.Error("expected non-zero audit event id")
		}
	})

	t.Run("ListWorkspaces", func(t *testing.T) {
		list, err := queries.ListWorkspaces(ctx, 10)
		if err != nil {
			t.Fatalf("failed to list workspaces: %s", err)
		}
		if len(list) != 1 {
			t.Errorf("expected 1 workspace, got %d", len(list))
		}
	})
}
